package model

import "strings"

// Document is an uploaded file after text extraction.
type Document struct {
	Name     string `json:"name"`
	Content  string `json:"content"`
	Summary  string `json:"summary,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
}

// IsImage reports whether the document is an image stored as a data URI.
func (d Document) IsImage() bool {
	return strings.HasPrefix(d.MimeType, "image/") || strings.HasPrefix(d.URL, "data:image/")
}

// Attachment returns the descriptor recorded on the upload turn.
func (d Document) Attachment() Attachment {
	ext := d.Name
	if i := strings.LastIndex(d.Name, "."); i >= 0 {
		ext = d.Name[i+1:]
	}
	return Attachment{Name: d.Name, Type: strings.ToLower(ext), URL: d.URL}
}

// Package document turns uploaded files into model.Document values.
package document

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"

	"github.com/klint-ai/klint-gpt/internal/llm"
	"github.com/klint-ai/klint-gpt/internal/model"
	"github.com/klint-ai/klint-gpt/pkg/logger"
)

// MaxUploadSize bounds a single uploaded file.
const MaxUploadSize = 20 << 20

var imageTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// ImageMimeType returns the MIME type of an image filename, or "".
func ImageMimeType(filename string) string {
	return imageTypes[strings.ToLower(filepath.Ext(filename))]
}

// Extractor extracts text from uploads. PDF support needs a parse service.
type Extractor struct {
	pdf    *PDFService
	logger *logger.Logger
}

// NewExtractor creates an extractor. pdf may be nil.
func NewExtractor(pdf *PDFService, log *logger.Logger) *Extractor {
	return &Extractor{pdf: pdf, logger: log}
}

// Extract returns the document for raw. Images are kept as data URIs and
// carry no text. Unsupported formats yield a document with empty content.
func (e *Extractor) Extract(ctx context.Context, raw []byte, filename string) (model.Document, error) {
	doc := model.Document{Name: filepath.Base(filename)}
	if len(raw) > MaxUploadSize {
		return doc, fmt.Errorf("%s: file exceeds %d bytes", doc.Name, MaxUploadSize)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if mime, ok := imageTypes[ext]; ok {
		doc.MimeType = mime
		doc.URL = llm.DataURI(mime, raw)
		return doc, nil
	}

	var err error
	switch ext {
	case ".txt", ".md", ".markdown":
		doc.MimeType = "text/plain"
		doc.Content = DecodeText(raw)
	case ".csv":
		doc.MimeType = "text/csv"
		doc.Content, err = ExtractCSV(raw)
	case ".docx":
		doc.MimeType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
		doc.Content, err = ExtractDOCX(raw)
	case ".pdf":
		doc.MimeType = "application/pdf"
		if e.pdf != nil {
			doc.Content, err = e.pdf.Parse(ctx, raw, doc.Name)
		}
	default:
		e.logger.Debug("unsupported upload format", zap.String("name", doc.Name))
	}
	if err != nil {
		return doc, fmt.Errorf("extract %s: %w", doc.Name, err)
	}
	doc.Content = strings.TrimSpace(doc.Content)
	return doc, nil
}

// DecodeText returns raw as UTF-8, decoding it as Windows-1252 when it is
// not valid UTF-8 (legacy Office exports).
func DecodeText(raw []byte) string {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	if utf8.Valid(raw) {
		return string(raw)
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), "")
	}
	return string(out)
}

// ExtractCSV normalises a comma or semicolon separated file.
func ExtractCSV(raw []byte) (string, error) {
	text := DecodeText(raw)
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = sniffDelimiter(text)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if err := w.Write(rec); err != nil {
			return "", err
		}
	}
	w.Flush()
	return buf.String(), w.Error()
}

func sniffDelimiter(text string) rune {
	first, _, _ := strings.Cut(text, "\n")
	if strings.Count(first, ";") > strings.Count(first, ",") {
		return ';'
	}
	return ','
}

// ExtractDOCX returns the paragraph text of word/document.xml.
func ExtractDOCX(raw []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	f, err := zr.Open("word/document.xml")
	if err != nil {
		return "", fmt.Errorf("open docx body: %w", err)
	}
	defer f.Close()

	var (
		b      strings.Builder
		inText bool
	)
	dec := xml.NewDecoder(f)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse docx body: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br", "cr":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return b.String(), nil
}

package document

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// PDFService extracts PDF text through an external parse service that
// accepts the raw bytes on POST /parse.
type PDFService struct {
	url    string
	client *http.Client
}

// NewPDFService returns nil when url is empty.
func NewPDFService(url string) *PDFService {
	if url == "" {
		return nil
	}
	return &PDFService{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

type parseResponse struct {
	Text  string `json:"text"`
	Pages int    `json:"pages"`
	Error string `json:"error,omitempty"`
}

// Parse returns the extracted text.
func (p *PDFService) Parse(ctx context.Context, data []byte, filename string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/parse", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/pdf")
	req.Header.Set("X-Filename", filename)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling PDF service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("PDF service returned %d: %s", resp.StatusCode, body)
	}

	var result parseResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding PDF service response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("pdf parse: %s", result.Error)
	}
	return result.Text, nil
}

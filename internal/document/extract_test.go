package document

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klint-ai/klint-gpt/pkg/logger"
)

func buildDOCX(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`+
		`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`+
		body+`</w:body></w:document>`)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtract_DOCX(t *testing.T) {
	raw := buildDOCX(t,
		`<w:p><w:r><w:t>Hello</w:t></w:r><w:r><w:t xml:space="preserve"> world</w:t></w:r></w:p>`+
			`<w:p><w:r><w:t>Col A</w:t><w:tab/><w:t>Col B</w:t></w:r></w:p>`)

	e := NewExtractor(nil, logger.NewNop())
	doc, err := e.Extract(context.Background(), raw, "uploads/report.docx")
	require.NoError(t, err)
	assert.Equal(t, "report.docx", doc.Name)
	assert.Equal(t, "Hello world\nCol A\tCol B", doc.Content)

	_, err = e.Extract(context.Background(), []byte("not a zip"), "broken.docx")
	assert.Error(t, err)
}

func TestExtract_TextEncodings(t *testing.T) {
	e := NewExtractor(nil, logger.NewNop())

	doc, err := e.Extract(context.Background(), []byte("\xef\xbb\xbfcafé\n"), "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "café", doc.Content)

	// "résumé" in Windows-1252.
	doc, err = e.Extract(context.Background(), []byte("r\xe9sum\xe9"), "notes.md")
	require.NoError(t, err)
	assert.Equal(t, "résumé", doc.Content)
}

func TestExtract_CSV(t *testing.T) {
	e := NewExtractor(nil, logger.NewNop())

	doc, err := e.Extract(context.Background(), []byte("name;city\nAda; Paris\n\"B;ob\";Lyon\n"), "people.csv")
	require.NoError(t, err)
	assert.Equal(t, "name,city\nAda,Paris\nB;ob,Lyon", doc.Content)

	doc, err = e.Extract(context.Background(), []byte("a,b,c\n1,2\n"), "ragged.csv")
	require.NoError(t, err)
	assert.Equal(t, "a,b,c\n1,2", doc.Content)
}

func TestExtract_ImageKeptAsDataURI(t *testing.T) {
	e := NewExtractor(nil, logger.NewNop())
	doc, err := e.Extract(context.Background(), []byte{0x89, 0x50, 0x4e, 0x47}, "Photo.PNG")
	require.NoError(t, err)
	assert.True(t, doc.IsImage())
	assert.Equal(t, "image/png", doc.MimeType)
	assert.Equal(t, "data:image/png;base64,iVBORw==", doc.URL)
	assert.Empty(t, doc.Content)
}

func TestExtract_UnsupportedAndPDFWithoutService(t *testing.T) {
	e := NewExtractor(nil, logger.NewNop())

	doc, err := e.Extract(context.Background(), []byte{1, 2, 3}, "archive.7z")
	require.NoError(t, err)
	assert.Empty(t, doc.Content)

	doc, err = e.Extract(context.Background(), []byte("%PDF-1.7"), "paper.pdf")
	require.NoError(t, err)
	assert.Empty(t, doc.Content)
	assert.Equal(t, "application/pdf", doc.MimeType)
}

func TestExtract_PDFService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/parse", r.URL.Path)
		assert.Equal(t, "paper.pdf", r.Header.Get("X-Filename"))
		_, _ = io.WriteString(w, `{"text":"  Page one text  ","pages":1}`)
	}))
	defer srv.Close()

	e := NewExtractor(NewPDFService(srv.URL+"/"), logger.NewNop())
	doc, err := e.Extract(context.Background(), []byte("%PDF-1.7"), "paper.pdf")
	require.NoError(t, err)
	assert.Equal(t, "Page one text", doc.Content)

	assert.Nil(t, NewPDFService(""))
}

func TestExtract_TooLarge(t *testing.T) {
	e := NewExtractor(nil, logger.NewNop())
	_, err := e.Extract(context.Background(), make([]byte, MaxUploadSize+1), "big.txt")
	assert.ErrorContains(t, err, "exceeds")
}

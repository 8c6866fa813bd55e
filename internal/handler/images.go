package handler

import (
	"io"
	"net/http"
	"strings"

	"github.com/klint-ai/klint-gpt/internal/document"
	"github.com/klint-ai/klint-gpt/internal/service"
	"github.com/klint-ai/klint-gpt/pkg/logger"
)

// ImageHandler handles OCR and image generation.
type ImageHandler struct {
	images *service.ImageService
	logger *logger.Logger
}

// NewImageHandler creates a new image handler.
func NewImageHandler(images *service.ImageService, log *logger.Logger) *ImageHandler {
	return &ImageHandler{images: images, logger: log}
}

// OCR handles POST /api/images/ocr with a multipart "file" or a raw image body.
func (h *ImageHandler) OCR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		data []byte
		mime string
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		r.Body = http.MaxBytesReader(w, r.Body, document.MaxUploadSize+multipartMemory)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		files := r.MultipartForm.File["file"]
		if len(files) == 0 {
			writeError(w, http.StatusBadRequest, "no file uploaded")
			return
		}
		var err error
		if data, err = readFile(files[0]); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		mime = files[0].Header.Get("Content-Type")
		if m := document.ImageMimeType(files[0].Filename); m != "" {
			mime = m
		}
	} else {
		var err error
		data, err = io.ReadAll(http.MaxBytesReader(w, r.Body, document.MaxUploadSize))
		if err != nil {
			writeError(w, http.StatusBadRequest, "cannot read body")
			return
		}
		mime = r.Header.Get("Content-Type")
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty image")
		return
	}

	text, meta, err := h.images.OCR(ctx, data, mime)
	if err != nil {
		writeServiceError(w, h.logger, "ocr failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"text": text, "metadata": meta})
}

// GenerateRequest is the body of POST /api/images/generate.
type GenerateRequest struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
}

// Generate handles POST /api/images/generate
func (h *ImageHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	url, err := h.images.Generate(r.Context(), req.Prompt, req.Size)
	if err != nil {
		writeServiceError(w, h.logger, "image generation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

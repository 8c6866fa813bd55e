package handler

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/klint-ai/klint-gpt/internal/document"
	"github.com/klint-ai/klint-gpt/internal/middleware"
	"github.com/klint-ai/klint-gpt/internal/service"
	"github.com/klint-ai/klint-gpt/pkg/logger"
)

const (
	maxUploadFiles  = 20
	maxUploadBody   = 100 << 20
	multipartMemory = 32 << 20
)

// DocumentHandler handles uploads.
type DocumentHandler struct {
	docs   *service.DocumentService
	logger *logger.Logger
}

// NewDocumentHandler creates a new document handler.
func NewDocumentHandler(docs *service.DocumentService, log *logger.Logger) *DocumentHandler {
	return &DocumentHandler{docs: docs, logger: log}
}

// Upload handles POST /api/docs/upload (multipart "files", optional
// "conversation_id").
func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uploads, err := readUploads(w, r, "files")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	convID := r.FormValue("conversation_id")
	if convID != "" {
		if err := middleware.ValidateID(convID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	res, err := h.docs.UploadToConversation(ctx, middleware.GetOwner(ctx), convID, uploads)
	if err != nil {
		writeServiceError(w, h.logger, "document upload failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// UploadProject handles POST /api/projects/{id}/upload
func (h *DocumentHandler) UploadProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	uploads, err := readUploads(w, r, "files")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.docs.UploadToProject(ctx, middleware.GetOwner(ctx), id, uploads)
	if err != nil {
		writeServiceError(w, h.logger, "project upload failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func readUploads(w http.ResponseWriter, r *http.Request, field string) ([]service.Upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, fmt.Errorf("invalid multipart body")
	}
	headers := r.MultipartForm.File[field]
	if len(headers) == 0 {
		return nil, fmt.Errorf("no files uploaded")
	}
	if len(headers) > maxUploadFiles {
		return nil, fmt.Errorf("at most %d files per upload", maxUploadFiles)
	}
	uploads := make([]service.Upload, 0, len(headers))
	for _, fh := range headers {
		data, err := readFile(fh)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, service.Upload{Name: fh.Filename, Data: data})
	}
	return uploads, nil
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > document.MaxUploadSize {
		return nil, fmt.Errorf("%s exceeds %d bytes", fh.Filename, document.MaxUploadSize)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("cannot read %s", fh.Filename)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, document.MaxUploadSize+1))
	if err != nil {
		return nil, fmt.Errorf("cannot read %s", fh.Filename)
	}
	return data, nil
}

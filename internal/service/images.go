package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/klint-ai/klint-gpt/internal/llm"
)

// OCRer reads the text of an image.
type OCRer interface {
	OCR(ctx context.Context, image []byte, mime string) (string, *llm.Metadata, error)
}

// ImageGenerator creates an image and returns its URL.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt, size string) (string, error)
}

// ImageService exposes OCR and image generation. Neither touches
// conversations.
type ImageService struct {
	ocr       OCRer
	generator ImageGenerator
}

// NewImageService creates an image service. generator may be nil.
func NewImageService(ocr OCRer, generator ImageGenerator) *ImageService {
	return &ImageService{ocr: ocr, generator: generator}
}

// OCR extracts the text of one image.
func (s *ImageService) OCR(ctx context.Context, image []byte, mime string) (string, *llm.Metadata, error) {
	if !strings.HasPrefix(mime, "image/") {
		return "", nil, fmt.Errorf("%w: unsupported content type %q", ErrInvalid, mime)
	}
	return s.ocr.OCR(ctx, image, mime)
}

// Generate creates an image from a prompt.
func (s *ImageService) Generate(ctx context.Context, prompt, size string) (string, error) {
	if s.generator == nil {
		return "", llm.ErrImageGenerationDisabled
	}
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("%w: prompt is required", ErrInvalid)
	}
	return s.generator.Generate(ctx, prompt, size)
}

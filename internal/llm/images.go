package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/klint-ai/klint-gpt/pkg/logger"
)

const defaultImageAPIVersion = "2024-02-01"

// ErrImageGenerationDisabled is returned when no image endpoint is configured.
var ErrImageGenerationDisabled = errors.New("image generation is not configured")

var imageSizes = map[string]openai.ImageRequest{
	"1024x1024": {Size: openai.CreateImageSize1024x1024},
	"1792x1024": {Size: openai.CreateImageSize1792x1024},
	"1024x1792": {Size: openai.CreateImageSize1024x1792},
}

// ImageConfig locates an Azure image-generation deployment.
type ImageConfig struct {
	APIKey     string
	Endpoint   string
	Deployment string
	APIVersion string
}

// ImageGenerator creates images from prompts. It is not part of the chat
// routing state machine.
type ImageGenerator struct {
	client     *openai.Client
	deployment string
	logger     *logger.Logger
}

// NewImageGenerator returns a generator, or ErrImageGenerationDisabled
// when the key or endpoint is missing.
func NewImageGenerator(cfg ImageConfig, log *logger.Logger) (*ImageGenerator, error) {
	if cfg.APIKey == "" || cfg.Endpoint == "" {
		return nil, ErrImageGenerationDisabled
	}
	base, err := resourceBase(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	deployment := cfg.Deployment
	if deployment == "" {
		deployment = DeploymentName(cfg.Endpoint)
	}

	oc := openai.DefaultAzureConfig(cfg.APIKey, base)
	if cfg.APIVersion != "" {
		oc.APIVersion = cfg.APIVersion
	} else {
		oc.APIVersion = defaultImageAPIVersion
	}
	oc.AzureModelMapperFunc = func(string) string { return deployment }

	return &ImageGenerator{
		client:     openai.NewClientWithConfig(oc),
		deployment: deployment,
		logger:     log,
	}, nil
}

// Generate returns the URL of one generated image.
func (g *ImageGenerator) Generate(ctx context.Context, prompt, size string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("empty prompt")
	}
	if size == "" {
		size = "1024x1024"
	}
	req, ok := imageSizes[size]
	if !ok {
		return "", fmt.Errorf("unsupported image size %q", size)
	}
	req.Prompt = prompt
	req.Model = openai.CreateImageModelDallE3
	req.N = 1
	req.ResponseFormat = openai.CreateImageResponseFormatURL

	resp, err := g.client.CreateImage(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", &ProviderError{
				StatusCode: apiErr.HTTPStatusCode,
				Body:       apiErr.Message,
				Transient:  isStatusTransient(apiErr.HTTPStatusCode),
				Err:        err,
			}
		}
		return "", fmt.Errorf("create image: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", fmt.Errorf("create image: empty response")
	}
	g.logger.Info("image generated", zap.String("deployment", g.deployment), zap.String("size", size))
	return resp.Data[0].URL, nil
}

// DataURI encodes raw bytes as a base64 data URI.
func DataURI(mime string, raw []byte) string {
	if mime == "" {
		mime = "application/octet-stream"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(raw)
}

// resourceBase keeps only scheme and host of an endpoint URL.
func resourceBase(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid endpoint %q", endpoint)
	}
	return u.Scheme + "://" + u.Host, nil
}

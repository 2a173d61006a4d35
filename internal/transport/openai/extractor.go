// Package openai extracts face embeddings through an OpenAI-compatible embeddings gateway
// that accepts image data URLs as input.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kailas-cloud/facematch/internal/domain"
)

const provider = "openai"

// Extractor is a face embedding provider behind the OpenAI embeddings API.
type Extractor struct {
	client       *openai.Client
	model        openai.EmbeddingModel
	modelVersion string
	dimensions   int
	logger       *zap.Logger
}

// Config holds the gateway settings.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	ModelVersion string
	Dimensions   int
	Logger       *zap.Logger
}

// NewExtractor creates an OpenAI-compatible face extractor.
func NewExtractor(cfg *Config) *Extractor {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL

	version := cfg.ModelVersion
	if version == "" {
		version = cfg.Model
	}
	return &Extractor{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        openai.EmbeddingModel(cfg.Model),
		modelVersion: version,
		dimensions:   cfg.Dimensions,
		logger:       cfg.Logger,
	}
}

// Extract implements domain.Extractor. The photo is sent as a base64 data URL.
func (e *Extractor) Extract(ctx context.Context, photo []byte) (domain.Extraction, error) {
	req := openai.EmbeddingRequest{
		Input:          []string{dataURL(photo)},
		Model:          e.model,
		EncodingFormat: openai.EmbeddingEncodingFormatFloat,
	}
	if e.dimensions > 0 {
		req.Dimensions = e.dimensions
	}

	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return domain.Extraction{}, parseAPIError(err)
	}
	if len(resp.Data) == 0 {
		return domain.Extraction{}, domain.NewModelError(provider, errors.New("empty embedding response"))
	}
	if len(resp.Data) > 1 {
		e.logger.Debug("Gateway returned several embeddings, using the first",
			zap.Int("count", len(resp.Data)))
	}
	return domain.Extraction{
		Vector:       resp.Data[0].Embedding,
		ModelVersion: e.modelVersion,
	}, nil
}

// ModelVersion returns the version tag of produced embeddings.
func (e *Extractor) ModelVersion() string { return e.modelVersion }

// HealthCheck verifies API availability via ListModels (free endpoint).
func (e *Extractor) HealthCheck(ctx context.Context) error {
	if _, err := e.client.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

func dataURL(photo []byte) string {
	return "data:" + http.DetectContentType(photo) + ";base64," + base64.StdEncoding.EncodeToString(photo)
}

// parseAPIError maps gateway rejections of the photo to input errors.
// Everything else is a ModelError.
func parseAPIError(err error) error {
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		detail := extractDetail(reqErr.Body)
		if detail == "" {
			detail = string(reqErr.Body)
		}
		if in := classifyDetail(detail); in != nil {
			return fmt.Errorf("gateway: %s: %w", detail, in)
		}
		return domain.NewModelError(provider, fmt.Errorf("status %d: %s", reqErr.HTTPStatusCode, detail))
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if in := classifyDetail(apiErr.Message); in != nil {
			return fmt.Errorf("gateway: %s: %w", apiErr.Message, in)
		}
		return domain.NewModelError(provider, fmt.Errorf("status %d: %s", apiErr.HTTPStatusCode, apiErr.Message))
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.NewModelError(provider, err)
	}
	return domain.NewModelError(provider, fmt.Errorf("request failed: %w", err))
}

func classifyDetail(detail string) error {
	d := strings.ToLower(detail)
	switch {
	case strings.Contains(d, "no face"), strings.Contains(d, "face could not be detected"):
		return domain.ErrNoFaceDetected
	case strings.Contains(d, "multiple faces"):
		return domain.ErrMultipleFacesAmbiguous
	case strings.Contains(d, "unsupported image"), strings.Contains(d, "invalid image"):
		return domain.ErrUnsupportedImage
	}
	return nil
}

// extractDetail extracts the "detail" field from a JSON error body.
func extractDetail(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	return ""
}

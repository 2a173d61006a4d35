// Package deepface extracts face embeddings through a DeepFace REST sidecar.
package deepface

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/facematch/internal/domain"
	"github.com/kailas-cloud/facematch/internal/domain/face"
)

const provider = "deepface"

// maxResponseBytes bounds a /represent response body.
const maxResponseBytes = 8 << 20

// Config holds the sidecar settings.
type Config struct {
	BaseURL  string
	Model    string // e.g. Facenet512
	Detector string // e.g. retinaface
	// ModelVersion tags produced embeddings. Defaults to "{model}/{detector}".
	ModelVersion   string
	DominanceRatio float64
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// Extractor calls POST /represent and picks the dominant face.
type Extractor struct {
	baseURL      string
	model        string
	detector     string
	modelVersion string
	ratio        float64
	client       *http.Client
	logger       *zap.Logger
}

// NewExtractor creates a DeepFace extractor.
func NewExtractor(cfg *Config) *Extractor {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	version := cfg.ModelVersion
	if version == "" {
		version = cfg.Model + "/" + cfg.Detector
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		model:        cfg.Model,
		detector:     cfg.Detector,
		modelVersion: version,
		ratio:        cfg.DominanceRatio,
		client:       client,
		logger:       logger,
	}
}

type representRequest struct {
	Img              string `json:"img"`
	ModelName        string `json:"model_name,omitempty"`
	DetectorBackend  string `json:"detector_backend,omitempty"`
	EnforceDetection bool   `json:"enforce_detection"`
	Align            bool   `json:"align"`
}

type representResponse struct {
	Results []struct {
		Embedding  []float32 `json:"embedding"`
		FacialArea struct {
			X int `json:"x"`
			Y int `json:"y"`
			W int `json:"w"`
			H int `json:"h"`
		} `json:"facial_area"`
		FaceConfidence float64 `json:"face_confidence"`
	} `json:"results"`
	Error string `json:"error"`
}

// Extract implements domain.Extractor.
func (e *Extractor) Extract(ctx context.Context, photo []byte) (domain.Extraction, error) {
	body, err := json.Marshal(representRequest{
		Img:              "data:" + http.DetectContentType(photo) + ";base64," + base64.StdEncoding.EncodeToString(photo),
		ModelName:        e.model,
		DetectorBackend:  e.detector,
		EnforceDetection: true,
		Align:            true,
	})
	if err != nil {
		return domain.Extraction{}, fmt.Errorf("marshal represent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/represent", bytes.NewReader(body))
	if err != nil {
		return domain.Extraction{}, domain.NewModelError(provider, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return domain.Extraction{}, domain.NewModelError(provider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.Extraction{}, domain.NewModelError(provider, fmt.Errorf("read response: %w", err))
	}
	var parsed representResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode != http.StatusOK {
		return domain.Extraction{}, mapError(resp.StatusCode, parsed.Error, raw)
	}
	if decodeErr != nil {
		return domain.Extraction{}, domain.NewModelError(provider, fmt.Errorf("decode response: %w", decodeErr))
	}

	dets := make([]face.Detection, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		dets = append(dets, face.Detection{
			Vector:     r.Embedding,
			Area:       face.Area{X: r.FacialArea.X, Y: r.FacialArea.Y, W: r.FacialArea.W, H: r.FacialArea.H},
			Confidence: r.FaceConfidence,
		})
	}
	det, err := face.SelectDominant(dets, e.ratio)
	if err != nil {
		return domain.Extraction{}, err
	}
	if len(dets) > 1 {
		e.logger.Debug("Selected dominant face", zap.Int("faces", len(dets)), zap.Int("area", det.Area.Size()))
	}
	return domain.Extraction{
		Vector:       det.Vector,
		ModelVersion: e.modelVersion,
		Confidence:   det.Confidence,
	}, nil
}

// ModelVersion returns the version tag of produced embeddings.
func (e *Extractor) ModelVersion() string { return e.modelVersion }

// HealthCheck verifies the sidecar answers on its root endpoint.
func (e *Extractor) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("deepface sidecar: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("deepface sidecar status %d", resp.StatusCode)
	}
	return nil
}

// mapError turns a sidecar rejection into a typed error. DeepFace reports detector
// failures as 400 with a free-form message.
func mapError(status int, msg string, raw []byte) error {
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if status >= 400 && status < 500 {
		lower := strings.ToLower(msg)
		switch {
		case strings.Contains(lower, "face could not be detected"), strings.Contains(lower, "no face"):
			return fmt.Errorf("deepface: %s: %w", msg, domain.ErrNoFaceDetected)
		case strings.Contains(lower, "image"), strings.Contains(lower, "base64"):
			return fmt.Errorf("deepface: %s: %w", msg, domain.ErrUnsupportedImage)
		}
	}
	return domain.NewModelError(provider, fmt.Errorf("status %d: %s", status, msg))
}

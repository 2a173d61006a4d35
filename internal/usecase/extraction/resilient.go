// Package extraction wraps a face extraction backend with a deadline, a single
// retry on model errors, vector validation and observability.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/facematch/internal/domain"
	"github.com/kailas-cloud/facematch/internal/domain/face"
	"github.com/kailas-cloud/facematch/internal/metrics"
)

// Config tunes the resilient extractor.
type Config struct {
	Provider     string
	Model        string
	ModelVersion string
	// Dimensions is the expected vector length. Zero disables the check.
	Dimensions int
	// Timeout bounds the whole call, retry included.
	Timeout time.Duration
	// RetryBackoff is the base wait before the retry, jittered by ±25%.
	RetryBackoff time.Duration
}

// ResilientExtractor is the outermost extractor decorator.
type ResilientExtractor struct {
	inner  domain.Extractor
	cfg    Config
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewResilientExtractor wraps an extractor.
func NewResilientExtractor(inner domain.Extractor, cfg Config, logger *zap.Logger) *ResilientExtractor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	return &ResilientExtractor{inner: inner, cfg: cfg, logger: logger, sleep: sleepCtx}
}

// ModelVersion returns the model version vectors are tagged with.
func (e *ResilientExtractor) ModelVersion() string { return e.cfg.ModelVersion }

// Extract returns a validated, L2-normalized extraction.
// A ModelError is retried once; other failures are returned as is.
func (e *ResilientExtractor) Extract(ctx context.Context, photo []byte) (domain.Extraction, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	ext, err := e.attempt(ctx, photo)
	if err != nil && domain.IsRetryable(err) && ctx.Err() == nil {
		metrics.ExtractionRetriesTotal.WithLabelValues(e.cfg.Provider).Inc()
		backoff := computeBackoff(e.cfg.RetryBackoff)
		e.logger.Warn("Extraction failed, retrying",
			zap.String("provider", e.cfg.Provider),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if serr := e.sleep(ctx, backoff); serr == nil {
			ext, err = e.attempt(ctx, photo)
		}
	}
	duration := time.Since(start)

	if err != nil {
		err = e.classify(ctx, err)
		e.observe("error", errorType(err), duration)
		if errors.Is(err, domain.ErrInput) {
			e.logger.Debug("Photo rejected by extractor",
				zap.String("provider", e.cfg.Provider),
				zap.Duration("duration", duration),
				zap.Error(err),
			)
		} else {
			e.logger.Error("Extraction request failed",
				zap.String("provider", e.cfg.Provider),
				zap.String("model", e.cfg.Model),
				zap.Duration("duration", duration),
				zap.Error(err),
			)
		}
		return domain.Extraction{}, err
	}

	e.observe("ok", "", duration)
	e.logger.Debug("Extraction completed",
		zap.String("provider", e.cfg.Provider),
		zap.String("model", e.cfg.Model),
		zap.Duration("duration", duration),
		zap.Int("dimensions", len(ext.Vector)),
		zap.Bool("cached", ext.Cached),
	)
	return ext, nil
}

func (e *ResilientExtractor) attempt(ctx context.Context, photo []byte) (domain.Extraction, error) {
	ext, err := e.inner.Extract(ctx, photo)
	if err != nil {
		return domain.Extraction{}, err
	}
	if ext.ModelVersion == "" {
		ext.ModelVersion = e.cfg.ModelVersion
	}
	if e.cfg.Dimensions > 0 && len(ext.Vector) != e.cfg.Dimensions {
		return domain.Extraction{}, domain.NewModelError(e.cfg.Provider,
			fmt.Errorf("expected %d dimensions, got %d", e.cfg.Dimensions, len(ext.Vector)))
	}
	normalized, ok := face.Normalize(ext.Vector)
	if !ok {
		return domain.Extraction{}, domain.NewModelError(e.cfg.Provider, errors.New("zero or non-finite vector"))
	}
	ext.Vector = normalized
	return ext, nil
}

// classify maps our own deadline to ErrTimeout and leaves typed errors untouched.
func (e *ResilientExtractor) classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("extraction exceeded %s: %w", e.cfg.Timeout, domain.ErrTimeout)
	}
	return err
}

func (e *ResilientExtractor) observe(status, errType string, d time.Duration) {
	metrics.ExtractionRequestsTotal.WithLabelValues(e.cfg.Provider, e.cfg.Model, status).Inc()
	metrics.ExtractionRequestDuration.WithLabelValues(e.cfg.Provider, e.cfg.Model).Observe(d.Seconds())
	if errType != "" {
		metrics.ExtractionErrorsTotal.WithLabelValues(e.cfg.Provider, e.cfg.Model, errType).Inc()
	}
}

// HealthCheck delegates to the backend when it supports health checks.
func (e *ResilientExtractor) HealthCheck(ctx context.Context) error {
	if hc, ok := e.inner.(domain.HealthChecker); ok {
		return hc.HealthCheck(ctx) //nolint:wrapcheck // passthrough
	}
	return nil
}

func errorType(err error) string {
	switch {
	case errors.Is(err, domain.ErrNoFaceDetected):
		return "no_face"
	case errors.Is(err, domain.ErrMultipleFacesAmbiguous):
		return "ambiguous"
	case errors.Is(err, domain.ErrInput):
		return "input"
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrModel):
		return "model"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "unknown"
}

// computeBackoff applies ±25% jitter to the base wait.
func computeBackoff(base time.Duration) time.Duration {
	ms := int(base.Milliseconds())
	jitter := rand.Intn(ms/2+1) - ms/4 //nolint:gosec // jitter does not need crypto randomness
	ms += jitter
	if ms < 1 {
		ms = 1
	}
	return time.Duration(ms) * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

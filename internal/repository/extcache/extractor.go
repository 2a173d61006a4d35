// Package extcache caches face extractions in the key-value store.
package extcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/kailas-cloud/facematch/internal/db"
	"github.com/kailas-cloud/facematch/internal/domain"
)

// store is the consumer interface for the extraction cache (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

type cached struct {
	Vector     []float32 `msgpack:"v"`
	Confidence float64   `msgpack:"c,omitempty"`
}

// CachedExtractor caches extractions keyed by photo content and model version.
// Only successful extractions are cached.
type CachedExtractor struct {
	inner        domain.Extractor
	store        store
	prefix       string
	modelVersion string
	cacheTotal   *prometheus.CounterVec
	logger       *zap.Logger
}

// New creates a caching decorator.
// cacheTotal is a counter vec with label "result" ("hit"/"miss"), passed explicitly.
func New(
	inner domain.Extractor,
	s store,
	prefix, modelVersion string,
	cacheTotal *prometheus.CounterVec,
	logger *zap.Logger,
) *CachedExtractor {
	return &CachedExtractor{
		inner:        inner,
		store:        s,
		prefix:       prefix,
		modelVersion: modelVersion,
		cacheTotal:   cacheTotal,
		logger:       logger,
	}
}

// Extract returns a cached extraction or calls the inner extractor.
func (c *CachedExtractor) Extract(ctx context.Context, photo []byte) (domain.Extraction, error) {
	key := c.cacheKey(photo)

	if ext, ok := c.getFromCache(ctx, key); ok {
		c.incCache("hit")
		return ext, nil
	}

	c.incCache("miss")

	ext, err := c.inner.Extract(ctx, photo)
	if err != nil {
		return domain.Extraction{}, fmt.Errorf("extract: %w", err)
	}

	if ext.ModelVersion == c.modelVersion {
		c.putToCache(ctx, key, ext)
	}
	return ext, nil
}

func (c *CachedExtractor) incCache(result string) {
	if c.cacheTotal != nil {
		c.cacheTotal.WithLabelValues(result).Inc()
	}
}

func (c *CachedExtractor) cacheKey(photo []byte) string {
	h := sha256.Sum256(photo)
	return c.prefix + "ext_cache:" + c.modelVersion + ":" + hex.EncodeToString(h[:])
}

func (c *CachedExtractor) getFromCache(ctx context.Context, key string) (domain.Extraction, bool) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, db.ErrKeyNotFound) {
			c.logger.Warn("Failed to get cached extraction", zap.String("key", key), zap.Error(err))
		}
		return domain.Extraction{}, false
	}

	var rec cached
	if err := msgpack.Unmarshal(data, &rec); err != nil || len(rec.Vector) == 0 {
		c.logger.Warn("Failed to parse cached extraction", zap.String("key", key), zap.Error(err))
		return domain.Extraction{}, false
	}

	return domain.Extraction{
		Vector:       rec.Vector,
		ModelVersion: c.modelVersion,
		Confidence:   rec.Confidence,
		Cached:       true,
	}, true
}

func (c *CachedExtractor) putToCache(ctx context.Context, key string, ext domain.Extraction) {
	data, err := msgpack.Marshal(&cached{Vector: ext.Vector, Confidence: ext.Confidence})
	if err != nil {
		c.logger.Warn("Failed to encode extraction", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.store.Set(ctx, key, data); err != nil {
		c.logger.Warn("Failed to cache extraction", zap.String("key", key), zap.Error(err))
	}
}

// HealthCheck delegates to the inner extractor when it supports health checks.
func (c *CachedExtractor) HealthCheck(ctx context.Context) error {
	if hc, ok := c.inner.(domain.HealthChecker); ok {
		return hc.HealthCheck(ctx) //nolint:wrapcheck // passthrough
	}
	return nil
}

// Package reindex re-extracts embeddings produced by an older model version.
package reindex

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/facematch/internal/domain/face"
	"github.com/kailas-cloud/facematch/internal/index"
	"github.com/kailas-cloud/facematch/internal/metrics"
)

// DefaultWorkers bounds concurrent re-extractions.
const DefaultWorkers = 4

// Report summarizes a reindex run.
type Report struct {
	ModelVersion string `json:"model_version"`
	Stale        int    `json:"stale"`
	Replaced     int    `json:"replaced"`
	Skipped      int    `json:"skipped"`
	Failed       int    `json:"failed"`
}

// Service runs reindex passes. Only one pass runs at a time per instance.
type Service struct {
	store     VectorStore
	extractor Extractor
	source    PhotoSource
	workers   int
	logger    *zap.Logger
	running   atomic.Bool
}

// New creates a reindexer.
func New(store VectorStore, ext Extractor, src PhotoSource, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		extractor: ext,
		source:    src,
		workers:   DefaultWorkers,
		logger:    logger,
	}
}

// WithWorkers sets the number of concurrent re-extractions.
func (s *Service) WithWorkers(n int) *Service {
	if n > 0 {
		s.workers = n
	}
	return s
}

// ErrRunning is returned when a pass is already in progress.
var ErrRunning = errors.New("reindex already running")

// Pending returns how many live entries were produced by another model version.
func (s *Service) Pending() int {
	return len(s.store.Stale(s.store.ModelVersion()))
}

// Run re-extracts every stale entry. Per-entry failures are logged and counted;
// only cancellation stops the pass early.
func (s *Service) Run(ctx context.Context) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, ErrRunning
	}
	defer s.running.Store(false)
	return s.run(ctx)
}

// Start launches a pass in the background and returns the number of stale entries
// it will process. The pass outlives ctx cancellation but keeps its values.
func (s *Service) Start(ctx context.Context) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, ErrRunning
	}
	pending := s.Pending()
	go func() {
		defer s.running.Store(false)
		if _, err := s.run(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error("Background reindex failed", zap.Error(err))
		}
	}()
	return pending, nil
}

// Running reports whether a pass is in progress.
func (s *Service) Running() bool { return s.running.Load() }

func (s *Service) run(ctx context.Context) (Report, error) {
	version := s.store.ModelVersion()
	stale := s.store.Stale(version)
	rep := Report{ModelVersion: version, Stale: len(stale)}
	if len(stale) == 0 {
		return rep, nil
	}

	start := time.Now()
	s.logger.Info("Reindex started", zap.String("model_version", version), zap.Int("stale", len(stale)))

	var replaced, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, e := range stale {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			switch err := s.reindexOne(gctx, e, version); {
			case err == nil:
				replaced.Add(1)
				metrics.ReindexEntriesTotal.WithLabelValues("replaced").Inc()
			case errors.Is(err, errNoRef):
				skipped.Add(1)
				metrics.ReindexEntriesTotal.WithLabelValues("skipped").Inc()
				s.logger.Warn("Reindex skipped entry without photo reference", zap.String("photo_id", e.PhotoID))
			default:
				failed.Add(1)
				metrics.ReindexEntriesTotal.WithLabelValues("failed").Inc()
				s.logger.Warn("Reindex failed", zap.String("photo_id", e.PhotoID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	rep.Replaced = int(replaced.Load())
	rep.Skipped = int(skipped.Load())
	rep.Failed = int(failed.Load())
	s.logger.Info("Reindex finished",
		zap.String("model_version", version),
		zap.Int("replaced", rep.Replaced),
		zap.Int("skipped", rep.Skipped),
		zap.Int("failed", rep.Failed),
		zap.Duration("duration", time.Since(start)),
	)
	if err := ctx.Err(); err != nil {
		return rep, fmt.Errorf("reindex interrupted: %w", err)
	}
	return rep, nil
}

var errNoRef = errors.New("entry has no photo reference")

func (s *Service) reindexOne(ctx context.Context, e *index.Entry, version string) error {
	if e.PhotoRef == "" {
		return errNoRef
	}
	data, err := s.source.Fetch(ctx, e.PhotoRef)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", e.PhotoRef, err)
	}
	ext, err := s.extractor.Extract(ctx, data)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	if ext.ModelVersion != version {
		return fmt.Errorf("extractor produced model %s, index expects %s", ext.ModelVersion, version)
	}
	emb, err := face.NewEmbedding(ext.Vector, ext.ModelVersion)
	if err != nil {
		return err
	}
	return s.store.Replace(ctx, e.PhotoID, emb)
}

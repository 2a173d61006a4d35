// Package search ranks reports by facial similarity to a query photo and classifies the outcome.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/facematch/internal/domain"
	"github.com/kailas-cloud/facematch/internal/domain/face"
	"github.com/kailas-cloud/facematch/internal/domain/report"
	"github.com/kailas-cloud/facematch/internal/domain/search/request"
	"github.com/kailas-cloud/facematch/internal/domain/search/result"
	"github.com/kailas-cloud/facematch/internal/index"
	"github.com/kailas-cloud/facematch/internal/logger"
	"github.com/kailas-cloud/facematch/internal/metrics"
	"github.com/kailas-cloud/facematch/internal/usecase/vectorstore"
)

// DefaultTimeout bounds a whole search, extraction included.
const DefaultTimeout = 10 * time.Second

// windowFactor widens the store query so that collapsing several photos of one
// report still leaves K distinct reports.
const windowFactor = 4

// Service is the similarity search engine.
type Service struct {
	extractor Extractor
	store     VectorStore
	resolved  ResolutionChecker
	policy    domain.SearchPolicy
	timeout   time.Duration
}

// New creates a search service. resolved may be nil when no ledger is wired.
func New(ext Extractor, store VectorStore, resolved ResolutionChecker, policy domain.SearchPolicy) *Service {
	return &Service{
		extractor: ext,
		store:     store,
		resolved:  resolved,
		policy:    policy,
		timeout:   DefaultTimeout,
	}
}

// WithTimeout sets the search deadline.
func (s *Service) WithTimeout(d time.Duration) *Service {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// Policy returns the thresholds in use.
func (s *Service) Policy() domain.SearchPolicy { return s.policy }

// Search extracts the query face and ranks candidate reports.
// Extraction failures are returned as is; an index failure yields a degraded result.
func (s *Service) Search(ctx context.Context, req request.Request) (result.Result, error) {
	start := time.Now()
	defer func() { metrics.SearchDuration.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ext, err := s.extractor.Extract(ctx, req.Photo())
	if err != nil {
		return result.Result{}, s.deadline(ctx, fmt.Errorf("extract query: %w", err))
	}
	emb, err := face.NewEmbedding(ext.Vector, ext.ModelVersion)
	if err != nil {
		return result.Result{}, domain.NewModelError("extractor", err)
	}
	return s.rank(ctx, emb, req.Options())
}

// SearchEmbedding ranks candidate reports for an already extracted embedding.
func (s *Service) SearchEmbedding(ctx context.Context, emb face.Embedding, opts request.Options) (result.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.rank(ctx, emb, opts)
}

func (s *Service) rank(ctx context.Context, emb face.Embedding, opts request.Options) (result.Result, error) {
	k := s.policy.ClampK(opts.K)

	exclude := func(reportID string, kind report.Kind) bool {
		if opts.ReportID != "" && reportID == opts.ReportID {
			return true
		}
		if opts.ExcludeKind != "" && kind == opts.ExcludeKind {
			return true
		}
		return s.resolved != nil && s.resolved.IsResolved(reportID)
	}

	hits, meta, err := s.store.Search(ctx, vectorstore.SearchInput{
		Embedding:     emb,
		K:             k * windowFactor,
		MinSimilarity: s.policy.AdmissionFloor,
		Exclude:       exclude,
	})
	if err != nil {
		if errors.Is(err, domain.ErrIndex) {
			return s.degraded(ctx, meta, emb, err), nil
		}
		return result.Result{}, s.deadline(ctx, fmt.Errorf("search index: %w", err))
	}

	duplicates := 0
	if opts.ExcludeKind != "" {
		duplicates, err = s.countDuplicates(ctx, emb, opts)
		if err != nil {
			if errors.Is(err, domain.ErrIndex) {
				return s.degraded(ctx, meta, emb, err), nil
			}
			return result.Result{}, s.deadline(ctx, fmt.Errorf("count duplicates: %w", err))
		}
	}

	if err := ctx.Err(); err != nil {
		return result.Result{}, s.deadline(ctx, err)
	}

	res := result.New(s.collapse(hits, k), meta.StaleCount, duplicates, emb.ModelVersion())
	metrics.SearchClassificationsTotal.WithLabelValues(string(res.Classification())).Inc()
	return res, nil
}

// countDuplicates counts same-kind photos above the admission floor.
func (s *Service) countDuplicates(ctx context.Context, emb face.Embedding, opts request.Options) (int, error) {
	hits, _, err := s.store.Search(ctx, vectorstore.SearchInput{
		Embedding:     emb,
		K:             s.policy.MaxK,
		MinSimilarity: s.policy.AdmissionFloor,
		Exclude: func(reportID string, kind report.Kind) bool {
			return kind != opts.ExcludeKind || (opts.ReportID != "" && reportID == opts.ReportID)
		},
	})
	if err != nil {
		return 0, err
	}
	return len(hits), nil
}

// collapse keeps the best photo per report. hits are sorted, so the first one seen wins.
func (s *Service) collapse(hits []index.Hit, k int) []result.Candidate {
	seen := make(map[string]struct{}, len(hits))
	out := make([]result.Candidate, 0, min(k, len(hits)))
	for _, h := range hits {
		if _, ok := seen[h.ReportID]; ok {
			continue
		}
		seen[h.ReportID] = struct{}{}
		out = append(out, result.NewCandidate(
			h.ReportID, h.PhotoID, h.Kind, h.Similarity,
			h.Similarity >= s.policy.HighThreshold,
		))
		if len(out) == k {
			break
		}
	}
	return out
}

func (s *Service) degraded(ctx context.Context, meta index.Meta, emb face.Embedding, err error) result.Result {
	logger.FromContext(ctx).Error("Search degraded by index error",
		zap.String("model_version", emb.ModelVersion()),
		zap.Error(err),
	)
	metrics.SearchDegradedTotal.Inc()
	metrics.SearchClassificationsTotal.WithLabelValues(string(result.NoMatch)).Inc()
	return result.NewDegraded(meta.StaleCount, emb.ModelVersion())
}

func (s *Service) deadline(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrTimeout) {
		return fmt.Errorf("search exceeded %s: %w", s.timeout, domain.ErrTimeout)
	}
	return err
}

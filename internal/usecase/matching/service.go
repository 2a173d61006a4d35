// Package matching is the entry point the report service calls: photo uploads,
// search requests, confirmations, removals and reopenings.
package matching

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/facematch/internal/domain"
	"github.com/kailas-cloud/facematch/internal/domain/batch"
	"github.com/kailas-cloud/facematch/internal/domain/face"
	"github.com/kailas-cloud/facematch/internal/domain/match"
	"github.com/kailas-cloud/facematch/internal/domain/photo"
	"github.com/kailas-cloud/facematch/internal/domain/report"
	"github.com/kailas-cloud/facematch/internal/domain/search/request"
	"github.com/kailas-cloud/facematch/internal/domain/search/result"
	"github.com/kailas-cloud/facematch/internal/logger"
	"github.com/kailas-cloud/facematch/internal/metrics"
	"github.com/kailas-cloud/facematch/internal/usecase/reconcile"
	"github.com/kailas-cloud/facematch/internal/usecase/vectorstore"
)

// Batch limits.
const (
	DefaultMaxBatch     = 10
	DefaultBatchWorkers = 4
)

var tracer = otel.Tracer("github.com/kailas-cloud/facematch/matching")

// Upload is a photo attached to a report.
type Upload struct {
	ReportID string
	// Kind may be empty when the report id carries a known prefix.
	Kind report.Kind
	// PhotoID may be empty; it is then derived from the report id and the photo bytes.
	PhotoID  string
	PhotoRef string
	Photo    []byte
}

// UploadResult is the ingestion outcome of one photo.
type UploadResult struct {
	PhotoID   string
	Status    photo.Status
	Proposals []match.Proposal
}

// SearchRequest is a search-by-photo query.
type SearchRequest struct {
	Photo       []byte
	ExcludeKind report.Kind
	K           int
	ReportID    string
}

// SearchResult is the ranked outcome plus any proposals it produced.
type SearchResult struct {
	result.Result
	Proposals []match.Proposal
}

// ConfirmOptions carries the reviewer's details.
type ConfirmOptions struct {
	VerifiedBy string
	Notes      string
}

// Service wires extraction, the vector store, search and reconciliation together.
type Service struct {
	extractor   Extractor
	store       VectorStore
	search      Searcher
	reconcile   Reconciler
	archive     PhotoArchive
	autoPropose bool
	maxBytes    int
	maxBatch    int
	workers     int
}

// New creates the matching facade.
func New(ext Extractor, store VectorStore, search Searcher, rec Reconciler) *Service {
	return &Service{
		extractor: ext,
		store:     store,
		search:    search,
		reconcile: rec,
		maxBytes:  DefaultMaxPhotoBytes,
		maxBatch:  DefaultMaxBatch,
		workers:   DefaultBatchWorkers,
	}
}

// WithAutoPropose turns confident search and upload results into proposals.
func (s *Service) WithAutoPropose(on bool) *Service {
	s.autoPropose = on
	return s
}

// WithArchive stores uploads without a photo reference.
func (s *Service) WithArchive(a PhotoArchive) *Service {
	s.archive = a
	return s
}

// WithMaxPhotoBytes sets the upload size limit.
func (s *Service) WithMaxPhotoBytes(n int) *Service {
	if n > 0 {
		s.maxBytes = n
	}
	return s
}

// WithMaxBatch sets how many photos one multi-photo upload may carry.
func (s *Service) WithMaxBatch(n int) *Service {
	if n > 0 {
		s.maxBatch = n
	}
	return s
}

// WithBatchWorkers bounds concurrent extractions within one multi-photo upload.
func (s *Service) WithBatchWorkers(n int) *Service {
	if n > 0 {
		s.workers = n
	}
	return s
}

// OnPhotoUploaded extracts, stores and indexes an uploaded photo.
// The result status is always set; err is non-nil unless the status is indexed.
func (s *Service) OnPhotoUploaded(ctx context.Context, up Upload) (UploadResult, error) {
	ctx, span := tracer.Start(ctx, "matching.OnPhotoUploaded",
		trace.WithAttributes(attribute.String("report.id", up.ReportID)))
	defer span.End()
	ctx = logger.With(ctx, zap.String("report_id", up.ReportID))

	res, err := s.upload(ctx, up)
	res.Status = photo.StatusFromError(err)
	metrics.UploadsTotal.WithLabelValues(string(res.Status)).Inc()
	span.SetAttributes(
		attribute.String("photo.id", res.PhotoID),
		attribute.String("photo.status", string(res.Status)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(res.Status))
		logger.FromContext(ctx).Info("Photo not indexed",
			zap.String("photo_id", res.PhotoID),
			zap.String("status", string(res.Status)),
			zap.Error(err),
		)
	}
	return res, err
}

func (s *Service) upload(ctx context.Context, up Upload) (UploadResult, error) {
	kind, err := report.Resolve(up.ReportID, up.Kind)
	if err != nil {
		return UploadResult{PhotoID: up.PhotoID}, err
	}
	if err := validatePhoto(up.Photo, s.maxBytes); err != nil {
		return UploadResult{PhotoID: up.PhotoID}, err
	}

	photoID := up.PhotoID
	if photoID == "" {
		photoID = DerivePhotoID(up.ReportID, up.Photo)
	}
	res := UploadResult{PhotoID: photoID}

	// Skip the model call for a re-delivered upload.
	if _, ok := s.store.Get(photoID); ok {
		return res, fmt.Errorf("photo %s: %w", photoID, domain.ErrDuplicatePhotoID)
	}

	ext, err := s.extractor.Extract(ctx, up.Photo)
	if err != nil {
		return res, fmt.Errorf("extract %s: %w", photoID, err)
	}
	emb, err := face.NewEmbedding(ext.Vector, ext.ModelVersion)
	if err != nil {
		return res, domain.NewModelError("extractor", err)
	}

	ref := up.PhotoRef
	if ref == "" && s.archive != nil {
		ref = archiveRef(up.ReportID, photoID, up.Photo)
		if err := s.archive.Put(ctx, ref, up.Photo); err != nil {
			logger.FromContext(ctx).Warn("Failed to archive photo, reindex will skip it",
				zap.String("photo_id", photoID), zap.Error(err))
			ref = ""
		}
	}

	if _, err := s.store.Insert(ctx, vectorstore.InsertInput{
		PhotoID:   photoID,
		ReportID:  up.ReportID,
		Kind:      kind,
		PhotoRef:  ref,
		Embedding: emb,
	}); err != nil {
		return res, err
	}

	if s.autoPropose && s.reconcile != nil && !s.reconcile.IsResolved(up.ReportID) {
		found, err := s.search.SearchEmbedding(ctx, emb, request.Options{
			ExcludeKind: kind,
			ReportID:    up.ReportID,
		})
		if err != nil {
			logger.FromContext(ctx).Warn("Auto-propose search failed",
				zap.String("photo_id", photoID), zap.Error(err))
			return res, nil
		}
		res.Proposals = s.propose(ctx, up.ReportID, kind, found.Confident(), match.SourceUpload)
	}
	return res, nil
}

// OnPhotosUploaded ingests several photos concurrently. Results are index-aligned with ups.
func (s *Service) OnPhotosUploaded(ctx context.Context, ups []Upload) []batch.Result {
	results := make([]batch.Result, len(ups))
	if len(ups) > s.maxBatch {
		err := fmt.Errorf("batch of %d photos exceeds %d: %w", len(ups), s.maxBatch, domain.ErrUnsupportedImage)
		for i, up := range ups {
			results[i] = batch.NewError(i, up.PhotoID, err)
		}
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, up := range ups {
		g.Go(func() error {
			res, err := s.OnPhotoUploaded(gctx, up)
			if err != nil {
				results[i] = batch.NewError(i, res.PhotoID, err)
			} else {
				results[i] = batch.NewOK(i, res.PhotoID)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// OnSearchRequest ranks reports for a query photo. With auto-propose on and a report id
// given, confident candidates of the opposite kind become proposals.
func (s *Service) OnSearchRequest(ctx context.Context, sr SearchRequest) (SearchResult, error) {
	ctx, span := tracer.Start(ctx, "matching.OnSearchRequest",
		trace.WithAttributes(attribute.String("report.id", sr.ReportID)))
	defer span.End()

	req, err := request.New(sr.Photo, request.Options{ExcludeKind: sr.ExcludeKind, K: sr.K, ReportID: sr.ReportID})
	if err != nil {
		span.RecordError(err)
		return SearchResult{}, err
	}
	res, err := s.search.Search(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return SearchResult{}, err
	}
	span.SetAttributes(
		attribute.String("search.classification", string(res.Classification())),
		attribute.Int("search.candidates", len(res.Candidates())),
		attribute.Bool("search.degraded", res.Degraded()),
	)

	out := SearchResult{Result: res}
	if !s.autoPropose || s.reconcile == nil || sr.ReportID == "" {
		return out, nil
	}
	kind, err := report.Resolve(sr.ReportID, sr.ExcludeKind)
	if err != nil {
		// Without a kind the pair direction is unknown.
		return out, nil
	}
	out.Proposals = s.propose(ctx, sr.ReportID, kind, res.Confident(), match.SourceSearch)
	return out, nil
}

// OnMatchConfirmed records a human-confirmed pair. Fails with ErrReportAlreadyResolved
// if either report already has an active match.
func (s *Service) OnMatchConfirmed(
	ctx context.Context, missingID, foundID string, opts ConfirmOptions,
) (match.VerifiedMatch, error) {
	ctx, span := tracer.Start(ctx, "matching.OnMatchConfirmed", trace.WithAttributes(
		attribute.String("report.missing_id", missingID),
		attribute.String("report.found_id", foundID),
	))
	defer span.End()

	m, err := s.reconcile.Confirm(ctx, reconcile.ConfirmInput{
		MissingReportID: missingID,
		FoundReportID:   foundID,
		VerifiedBy:      opts.VerifiedBy,
		Notes:           opts.Notes,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "confirm failed")
		return match.VerifiedMatch{}, err
	}
	span.SetAttributes(attribute.String("match.id", m.ID()))
	return m, nil
}

// OnPhotoRemoved tombstones a photo. Removing an already removed photo is not an error.
func (s *Service) OnPhotoRemoved(ctx context.Context, photoID string) error {
	ctx, span := tracer.Start(ctx, "matching.OnPhotoRemoved",
		trace.WithAttributes(attribute.String("photo.id", photoID)))
	defer span.End()

	if _, err := s.store.Remove(ctx, photoID); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// OnReportReopened releases the verified match covering the report.
func (s *Service) OnReportReopened(ctx context.Context, reportID string) (match.VerifiedMatch, error) {
	ctx, span := tracer.Start(ctx, "matching.OnReportReopened",
		trace.WithAttributes(attribute.String("report.id", reportID)))
	defer span.End()

	m, err := s.reconcile.Reopen(ctx, reportID)
	if err != nil {
		span.RecordError(err)
		return match.VerifiedMatch{}, err
	}
	return m, nil
}

// propose files a proposal for each confident candidate of the opposite kind.
// Failures are logged; proposals are a side effect of the upload or search.
func (s *Service) propose(
	ctx context.Context, reportID string, kind report.Kind, cands []result.Candidate, src match.Source,
) []match.Proposal {
	var out []match.Proposal
	for i := range cands {
		c := &cands[i]
		if c.Kind() != kind.Opposite() {
			continue
		}
		missingID, foundID := reportID, c.ReportID()
		if kind == report.Found {
			missingID, foundID = c.ReportID(), reportID
		}
		p, err := s.reconcile.Propose(ctx, missingID, foundID, c.Similarity(), src)
		if err != nil {
			if !errors.Is(err, domain.ErrReportAlreadyResolved) {
				logger.FromContext(ctx).Warn("Failed to propose match",
					zap.String("missing_report_id", missingID),
					zap.String("found_report_id", foundID),
					zap.Error(err),
				)
			}
			continue
		}
		out = append(out, p)
	}
	return out
}

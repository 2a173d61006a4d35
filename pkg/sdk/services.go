package facematch

import (
	"context"
	"fmt"
	"time"

	"github.com/kailas-cloud/facematch/internal/domain/match"
	"github.com/kailas-cloud/facematch/internal/domain/report"
	"github.com/kailas-cloud/facematch/internal/usecase/matching"
	"github.com/kailas-cloud/facematch/internal/usecase/reconcile"
)

func internalKind(k Kind) report.Kind { return report.Kind(k) }

func toInternalUpload(up Upload) matching.Upload {
	return matching.Upload{
		ReportID: up.ReportID,
		Kind:     internalKind(up.Kind),
		PhotoID:  up.PhotoID,
		PhotoRef: up.PhotoRef,
		Photo:    up.Photo,
	}
}

// --- PhotoService ---

// PhotoService ingests and removes report photos.
type PhotoService struct {
	svc matchingUseCase
	obs *observer
}

// Upload extracts the face of a report photo and indexes it. The returned error
// wraps ErrInput for photos the engine rejects; UploadResult.Status names the reason.
func (s *PhotoService) Upload(ctx context.Context, up Upload) (UploadResult, error) {
	start := time.Now()
	r, err := s.svc.OnPhotoUploaded(ctx, toInternalUpload(up))
	s.obs.observe("photo.upload", start, err)
	if err != nil {
		return fromInternalUpload(r), fmt.Errorf("upload photo: %w", err)
	}
	return fromInternalUpload(r), nil
}

// UploadBatch ingests several photos concurrently. Items fail independently.
func (s *PhotoService) UploadBatch(ctx context.Context, ups []Upload) []BatchItem {
	start := time.Now()
	in := make([]matching.Upload, len(ups))
	for i, up := range ups {
		in[i] = toInternalUpload(up)
	}
	out := fromInternalBatch(s.svc.OnPhotosUploaded(ctx, in))
	s.obs.observe("photo.upload_batch", start, nil)
	return out
}

// Remove tombstones a photo. Removing an already removed photo is not an error;
// an unknown photo yields ErrNotFound.
func (s *PhotoService) Remove(ctx context.Context, photoID string) error {
	start := time.Now()
	err := s.svc.OnPhotoRemoved(ctx, photoID)
	s.obs.observe("photo.remove", start, err)
	if err != nil {
		return fmt.Errorf("remove photo: %w", err)
	}
	return nil
}

// --- MatchService ---

// MatchService drives proposals and verified matches.
type MatchService struct {
	matchSvc  matchingUseCase
	ledgerSvc ledgerUseCase
	obs       *observer
}

// Confirm records a human-confirmed pair. Fails with ErrReportAlreadyResolved when
// either report already has an active match.
func (s *MatchService) Confirm(ctx context.Context, missingID, foundID string, opts ConfirmOptions) (Match, error) {
	start := time.Now()
	m, err := s.matchSvc.OnMatchConfirmed(ctx, missingID, foundID, matching.ConfirmOptions{
		VerifiedBy: opts.VerifiedBy,
		Notes:      opts.Notes,
	})
	s.obs.observe("match.confirm", start, err)
	if err != nil {
		return Match{}, fmt.Errorf("confirm match: %w", err)
	}
	return fromInternalMatch(&m), nil
}

// Reopen releases the active match covering the report.
func (s *MatchService) Reopen(ctx context.Context, reportID string) (Match, error) {
	start := time.Now()
	m, err := s.matchSvc.OnReportReopened(ctx, reportID)
	s.obs.observe("match.reopen", start, err)
	if err != nil {
		return Match{}, fmt.Errorf("reopen report: %w", err)
	}
	return fromInternalMatch(&m), nil
}

// List returns every verified match, active and reopened.
func (s *MatchService) List(ctx context.Context) ([]Match, error) {
	ms, err := s.ledgerSvc.ListMatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	out := make([]Match, len(ms))
	for i := range ms {
		out[i] = fromInternalMatch(&ms[i])
	}
	return out, nil
}

// Proposals lists proposals involving reportID in the given state.
// Empty arguments match everything.
func (s *MatchService) Proposals(ctx context.Context, reportID string, state ProposalState) ([]Proposal, error) {
	ps, err := s.ledgerSvc.ListProposals(ctx, reconcile.Filter{ReportID: reportID, State: match.State(state)})
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	out := make([]Proposal, len(ps))
	for i := range ps {
		out[i] = fromInternalProposal(&ps[i])
	}
	return out, nil
}

// Review moves a proposal under human review.
func (s *MatchService) Review(ctx context.Context, proposalID string) (Proposal, error) {
	p, err := s.ledgerSvc.StartReview(ctx, proposalID)
	if err != nil {
		return Proposal{}, fmt.Errorf("review proposal: %w", err)
	}
	return fromInternalProposal(&p), nil
}

// Reject discards a proposal on behalf of a reviewer.
func (s *MatchService) Reject(ctx context.Context, proposalID string) (Proposal, error) {
	p, err := s.ledgerSvc.Reject(ctx, proposalID, match.ReasonReviewer)
	if err != nil {
		return Proposal{}, fmt.Errorf("reject proposal: %w", err)
	}
	return fromInternalProposal(&p), nil
}

// --- IndexService ---

// IndexService exposes index statistics and maintenance.
type IndexService struct {
	svc        indexUseCase
	reindexSvc reindexUseCase
	obs        *observer
}

// Stats returns the index composition per model version.
func (s *IndexService) Stats() IndexStats {
	return fromInternalStats(s.svc.Stats())
}

// Compact drops tombstoned entries and returns how many were removed.
func (s *IndexService) Compact(ctx context.Context) (int, error) {
	start := time.Now()
	res, err := s.svc.Compact(ctx)
	s.obs.observe("index.compact", start, err)
	if err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}
	return res.Dropped, nil
}

// Reindex re-extracts every embedding produced by another model version. It blocks
// until the pass completes or ctx is canceled.
func (s *IndexService) Reindex(ctx context.Context) (ReindexReport, error) {
	if s.reindexSvc == nil {
		return ReindexReport{}, ErrReindexUnavailable
	}
	start := time.Now()
	rep, err := s.reindexSvc.Run(ctx)
	s.obs.observe("index.reindex", start, err)
	if err != nil {
		return fromInternalReindex(rep), fmt.Errorf("reindex: %w", err)
	}
	return fromInternalReindex(rep), nil
}

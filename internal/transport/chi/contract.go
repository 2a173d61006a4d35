package chi

import (
	"context"

	"github.com/kailas-cloud/facematch/internal/domain/batch"
	"github.com/kailas-cloud/facematch/internal/domain/match"
	healthuc "github.com/kailas-cloud/facematch/internal/usecase/health"
	"github.com/kailas-cloud/facematch/internal/usecase/matching"
	"github.com/kailas-cloud/facematch/internal/usecase/reconcile"
	"github.com/kailas-cloud/facematch/internal/usecase/vectorstore"
)

// Matcher is the ingestion and search facade.
type Matcher interface {
	OnPhotoUploaded(ctx context.Context, up matching.Upload) (matching.UploadResult, error)
	OnPhotosUploaded(ctx context.Context, ups []matching.Upload) []batch.Result
	OnSearchRequest(ctx context.Context, sr matching.SearchRequest) (matching.SearchResult, error)
	OnMatchConfirmed(
		ctx context.Context, missingID, foundID string, opts matching.ConfirmOptions,
	) (match.VerifiedMatch, error)
	OnPhotoRemoved(ctx context.Context, photoID string) error
	OnReportReopened(ctx context.Context, reportID string) (match.VerifiedMatch, error)
}

// Ledger exposes the proposal review queue.
type Ledger interface {
	ListProposals(ctx context.Context, f reconcile.Filter) ([]match.Proposal, error)
	ListMatches(ctx context.Context) ([]match.VerifiedMatch, error)
	StartReview(ctx context.Context, proposalID string) (match.Proposal, error)
	Reject(ctx context.Context, proposalID string, reason match.Reason) (match.Proposal, error)
}

// IndexAdmin exposes index maintenance.
type IndexAdmin interface {
	Stats() vectorstore.Stats
	Compact(ctx context.Context) (vectorstore.CompactResult, error)
}

// Reindexer runs background re-extraction passes.
type Reindexer interface {
	Start(ctx context.Context) (int, error)
	Running() bool
}

// HealthChecker aggregates dependency health.
type HealthChecker interface {
	Check(ctx context.Context) healthuc.Report
}

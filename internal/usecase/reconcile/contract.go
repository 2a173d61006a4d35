package reconcile

import (
	"context"

	"github.com/kailas-cloud/facematch/internal/domain/match"
	"github.com/kailas-cloud/facematch/internal/domain/report"
)

// Ledger defines the durable contract for proposals, matches and resolution claims.
type Ledger interface {
	SaveProposal(ctx context.Context, p *match.Proposal) error
	GetProposal(ctx context.Context, id string) (match.Proposal, error)
	ListProposals(ctx context.Context) ([]match.Proposal, error)
	// OpenProposal looks up the open proposal of a pair without scanning the ledger.
	OpenProposal(ctx context.Context, missingID, foundID string) (match.Proposal, bool, error)
	IndexOpenPairs(ctx context.Context) (int, error)
	GetMatch(ctx context.Context, id string) (match.VerifiedMatch, error)
	ListMatches(ctx context.Context) ([]match.VerifiedMatch, error)
	// Claim resolves both reports of the match atomically. false means another match won.
	Claim(ctx context.Context, m *match.VerifiedMatch) (bool, error)
	Release(ctx context.Context, m *match.VerifiedMatch) error
	ResolvedBy(ctx context.Context, reportID string) (string, error)
	Resolved(ctx context.Context) (map[string]string, error)
}

// ResolutionListener is notified after a match is confirmed, e.g. to resolve both
// reports in the external report store.
type ResolutionListener interface {
	Resolved(ctx context.Context, m match.VerifiedMatch)
}

// KindLookup resolves the kind of a report from its indexed photos.
type KindLookup interface {
	ReportKind(reportID string) (report.Kind, bool)
}

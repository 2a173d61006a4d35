package search

import (
	"context"

	"github.com/kailas-cloud/facematch/internal/domain"
	"github.com/kailas-cloud/facematch/internal/index"
	"github.com/kailas-cloud/facematch/internal/usecase/vectorstore"
)

// Extractor turns the query photo into a face vector.
type Extractor interface {
	Extract(ctx context.Context, photo []byte) (domain.Extraction, error)
}

// VectorStore answers nearest-neighbor queries.
type VectorStore interface {
	Search(ctx context.Context, in vectorstore.SearchInput) ([]index.Hit, index.Meta, error)
}

// ResolutionChecker reports whether a report is covered by an active verified match.
type ResolutionChecker interface {
	IsResolved(reportID string) bool
}

package matching

import (
	"context"

	"github.com/kailas-cloud/facematch/internal/domain"
	"github.com/kailas-cloud/facematch/internal/domain/face"
	"github.com/kailas-cloud/facematch/internal/domain/match"
	"github.com/kailas-cloud/facematch/internal/domain/search/request"
	"github.com/kailas-cloud/facematch/internal/domain/search/result"
	"github.com/kailas-cloud/facematch/internal/index"
	"github.com/kailas-cloud/facematch/internal/usecase/reconcile"
	"github.com/kailas-cloud/facematch/internal/usecase/vectorstore"
)

// Extractor turns an uploaded photo into a face vector.
type Extractor interface {
	Extract(ctx context.Context, photo []byte) (domain.Extraction, error)
}

// VectorStore stores and removes embeddings.
type VectorStore interface {
	Insert(ctx context.Context, in vectorstore.InsertInput) (*index.Entry, error)
	Remove(ctx context.Context, photoID string) (bool, error)
	Get(photoID string) (*index.Entry, bool)
}

// Searcher ranks reports by similarity.
type Searcher interface {
	Search(ctx context.Context, req request.Request) (result.Result, error)
	SearchEmbedding(ctx context.Context, emb face.Embedding, opts request.Options) (result.Result, error)
}

// Reconciler owns proposals and verified matches.
type Reconciler interface {
	IsResolved(reportID string) bool
	Propose(ctx context.Context, missingID, foundID string, similarity float64, source match.Source) (match.Proposal, error)
	Confirm(ctx context.Context, in reconcile.ConfirmInput) (match.VerifiedMatch, error)
	Reopen(ctx context.Context, reportID string) (match.VerifiedMatch, error)
}

// PhotoArchive keeps the original bytes of uploads that arrive without a reference,
// so a later reindex can re-extract them.
type PhotoArchive interface {
	Put(ctx context.Context, ref string, data []byte) error
}

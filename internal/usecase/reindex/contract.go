package reindex

import (
	"context"

	"github.com/kailas-cloud/facematch/internal/domain"
	"github.com/kailas-cloud/facematch/internal/domain/face"
	"github.com/kailas-cloud/facematch/internal/index"
)

// VectorStore exposes stale entries and swaps their embeddings.
type VectorStore interface {
	ModelVersion() string
	Stale(modelVersion string) []*index.Entry
	Replace(ctx context.Context, photoID string, emb face.Embedding) error
}

// Extractor produces embeddings with the current model.
type Extractor interface {
	Extract(ctx context.Context, photo []byte) (domain.Extraction, error)
}

// PhotoSource fetches the original bytes of a photo by its reference.
type PhotoSource interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

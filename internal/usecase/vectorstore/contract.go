package vectorstore

import (
	"context"

	"github.com/kailas-cloud/facematch/internal/index"
	"github.com/kailas-cloud/facematch/internal/repository/embedding"
)

// Repository defines the durable storage contract for index entries.
type Repository interface {
	NextSeq(ctx context.Context) (uint64, error)
	Create(ctx context.Context, e *index.Entry) error
	// Tombstone durably removes the photo; a later SaveLive cannot undo it.
	Tombstone(ctx context.Context, e *index.Entry) error
	// SaveLive overwrites a live record. false means the photo was removed meanwhile.
	SaveLive(ctx context.Context, e *index.Entry) (bool, error)
	LoadAll(ctx context.Context) ([]*index.Entry, []embedding.CorruptRecord, error)
	Purge(ctx context.Context, photoIDs []string) error
}

package batch

import "github.com/kailas-cloud/facematch/internal/domain/photo"

// ItemStatus is the processing outcome of a single batch item.
type ItemStatus string

// Batch item status values.
const (
	StatusOK    ItemStatus = "ok"
	StatusError ItemStatus = "error"
)

// Result is the outcome of ingesting one photo in a multi-photo upload.
type Result struct {
	index   int
	photoID string
	status  ItemStatus
	photo   photo.Status
	err     error
}

// NewOK creates a successful batch result.
func NewOK(index int, photoID string) Result {
	return Result{index: index, photoID: photoID, status: StatusOK, photo: photo.StatusIndexed}
}

// NewError creates a failed batch result. photoID may be empty if it was never assigned.
func NewError(index int, photoID string, err error) Result {
	return Result{
		index: index, photoID: photoID, status: StatusError,
		photo: photo.StatusFromError(err), err: err,
	}
}

// Index returns the item position in the request.
func (r Result) Index() int { return r.index }

// PhotoID returns the assigned photo identifier.
func (r Result) PhotoID() string { return r.photoID }

// Status returns the processing outcome.
func (r Result) Status() ItemStatus { return r.status }

// EmbeddingStatus returns the detailed ingestion status.
func (r Result) EmbeddingStatus() photo.Status { return r.photo }

// Err returns the error, if any.
func (r Result) Err() error { return r.err }

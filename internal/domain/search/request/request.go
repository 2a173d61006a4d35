package request

import (
	"fmt"

	"github.com/kailas-cloud/facematch/internal/domain"
	"github.com/kailas-cloud/facematch/internal/domain/report"
)

// Options narrows a search. Zero values mean "no constraint" and "default K".
type Options struct {
	// ExcludeKind drops candidates of this kind from the ranked list and counts them as duplicates.
	ExcludeKind report.Kind
	// K is the requested number of candidates.
	K int
	// ReportID is the report the query photo belongs to. Its own photos never match it.
	ReportID string
}

// Request is a validated search-by-photo query.
type Request struct {
	photo []byte
	opts  Options
}

// New validates the query photo and options.
func New(photo []byte, opts Options) (Request, error) {
	if len(photo) == 0 {
		return Request{}, fmt.Errorf("query photo is empty: %w", domain.ErrUnsupportedImage)
	}
	if opts.ExcludeKind != "" && !opts.ExcludeKind.IsValid() {
		return Request{}, fmt.Errorf("exclude_kind %q: %w", opts.ExcludeKind, domain.ErrInvalidReport)
	}
	if opts.K < 0 {
		return Request{}, fmt.Errorf("k must not be negative: %w", domain.ErrInput)
	}
	return Request{photo: photo, opts: opts}, nil
}

// Photo returns the raw query photo.
func (r *Request) Photo() []byte { return r.photo }

// Options returns the search constraints.
func (r *Request) Options() Options { return r.opts }

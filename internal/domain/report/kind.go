// Package report holds the report identity the matching core refers to.
package report

import (
	"fmt"
	"strings"

	"github.com/kailas-cloud/facematch/internal/domain"
)

// Kind distinguishes missing-person reports from found-person reports.
type Kind string

// Report kinds.
const (
	Missing Kind = "missing"
	Found   Kind = "found"
)

// Report id prefixes assigned by the report service.
const (
	MissingPrefix = "mp_"
	FoundPrefix   = "fp_"
)

// IsValid checks whether the kind is known.
func (k Kind) IsValid() bool {
	return k == Missing || k == Found
}

// Opposite returns the kind a report of this kind can be matched against.
func (k Kind) Opposite() Kind {
	if k == Missing {
		return Found
	}
	return Missing
}

// ParseKind parses a kind name. Empty input yields an empty kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if k == "" || k.IsValid() {
		return k, nil
	}
	return "", fmt.Errorf("unknown report kind %q: %w", s, domain.ErrInvalidReport)
}

// Resolve returns the explicit kind if set, otherwise infers it from the id prefix.
func Resolve(reportID string, explicit Kind) (Kind, error) {
	if reportID == "" {
		return "", fmt.Errorf("report id is required: %w", domain.ErrInvalidReport)
	}
	if explicit != "" {
		if !explicit.IsValid() {
			return "", fmt.Errorf("unknown report kind %q: %w", explicit, domain.ErrInvalidReport)
		}
		return explicit, nil
	}
	switch {
	case strings.HasPrefix(reportID, MissingPrefix):
		return Missing, nil
	case strings.HasPrefix(reportID, FoundPrefix):
		return Found, nil
	}
	return "", fmt.Errorf("cannot infer kind of report %q: %w", reportID, domain.ErrInvalidReport)
}

package match

import (
	"errors"
	"testing"
	"time"

	"github.com/kailas-cloud/facematch/internal/domain"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestProposal(t *testing.T) Proposal {
	t.Helper()
	p, err := NewProposal("p1", "mp_1", "fp_1", 0.82, SourceSearch, now)
	if err != nil {
		t.Fatalf("NewProposal: %v", err)
	}
	return p
}

func TestNewProposal_Validation(t *testing.T) {
	tests := []struct {
		name, id, missing, found string
	}{
		{"no id", "", "mp_1", "fp_1"},
		{"no missing", "p1", "", "fp_1"},
		{"no found", "p1", "mp_1", ""},
		{"self", "p1", "mp_1", "mp_1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewProposal(tc.id, tc.missing, tc.found, 0.9, SourceSearch, now)
			if !errors.Is(err, domain.ErrInvalidReport) {
				t.Errorf("expected ErrInvalidReport, got %v", err)
			}
		})
	}
}

func TestProposal_ReviewThenConfirm(t *testing.T) {
	p := newTestProposal(t)

	if err := p.StartReview(now); err != nil {
		t.Fatalf("StartReview: %v", err)
	}
	if p.State() != UnderReview {
		t.Fatalf("expected under_review, got %s", p.State())
	}
	if err := p.Confirm("m1", now); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if p.State() != Confirmed || p.MatchID() != "m1" {
		t.Errorf("unexpected state %s match %q", p.State(), p.MatchID())
	}
}

func TestProposal_ConfirmFromProposed(t *testing.T) {
	p := newTestProposal(t)
	if err := p.Confirm("m1", now); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if p.State() != Confirmed {
		t.Errorf("expected confirmed, got %s", p.State())
	}
}

func TestProposal_TerminalStatesAreFinal(t *testing.T) {
	p := newTestProposal(t)
	if err := p.Reject(ReasonAlreadyResolved, now); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if p.Reason() != ReasonAlreadyResolved {
		t.Errorf("unexpected reason %q", p.Reason())
	}

	if err := p.Confirm("m1", now); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("confirm after reject: expected ErrInvalidTransition, got %v", err)
	}
	if err := p.StartReview(now); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("review after reject: expected ErrInvalidTransition, got %v", err)
	}
	if err := p.Reject("", now); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("double reject: expected ErrInvalidTransition, got %v", err)
	}
}

func TestProposal_Raise(t *testing.T) {
	p := newTestProposal(t)
	if p.Raise(0.5, now) {
		t.Error("lower similarity must not replace the stored one")
	}
	if !p.Raise(0.91, now.Add(time.Minute)) || p.Similarity() != 0.91 {
		t.Errorf("expected raise to 0.91, got %f", p.Similarity())
	}
}

func TestVerifiedMatch_Reopen(t *testing.T) {
	p := newTestProposal(t)
	m := NewVerifiedMatch("m1", &p, "reviewer@example.org", "same scar", now)

	if !m.IsActive() || m.Similarity() != 0.82 {
		t.Fatalf("unexpected match %+v", m)
	}
	m.Reopen(now.Add(time.Hour))
	if m.IsActive() || m.ReopenedAt().IsZero() {
		t.Errorf("expected reopened match, got status %s", m.Status())
	}
	first := m.ReopenedAt()
	m.Reopen(now.Add(2 * time.Hour))
	if !m.ReopenedAt().Equal(first) {
		t.Error("second reopen must not move the timestamp")
	}
}

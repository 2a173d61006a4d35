// Package match holds the reconciliation state machine and the verified-match ledger entities.
package match

import (
	"fmt"
	"time"

	"github.com/kailas-cloud/facematch/internal/domain"
)

// State is the lifecycle stage of a candidate pair.
type State string

// Proposal states.
const (
	Proposed    State = "proposed"
	UnderReview State = "under_review"
	Confirmed   State = "confirmed"
	Rejected    State = "rejected"
)

// IsValid checks whether the state is known.
func (s State) IsValid() bool {
	switch s {
	case Proposed, UnderReview, Confirmed, Rejected:
		return true
	}
	return false
}

// IsOpen reports whether the proposal can still change.
func (s State) IsOpen() bool { return s == Proposed || s == UnderReview }

// Reason explains why a proposal was rejected.
type Reason string

// Rejection reasons.
const (
	ReasonAlreadyResolved Reason = "report_already_resolved"
	ReasonReviewer        Reason = "rejected_by_reviewer"
)

// Source records what created a proposal.
type Source string

// Proposal sources.
const (
	SourceSearch Source = "search"
	SourceUpload Source = "upload"
	SourceManual Source = "manual"
)

var transitions = map[State][]State{
	Proposed:    {UnderReview, Rejected},
	UnderReview: {Confirmed, Rejected},
}

// Proposal is a candidate (missing, found) pair awaiting reconciliation.
type Proposal struct {
	id         string
	missingID  string
	foundID    string
	similarity float64
	state      State
	reason     Reason
	source     Source
	matchID    string
	createdAt  time.Time
	updatedAt  time.Time
}

// NewProposal creates a proposal in the proposed state.
func NewProposal(id, missingID, foundID string, similarity float64, source Source, now time.Time) (Proposal, error) {
	if id == "" {
		return Proposal{}, fmt.Errorf("proposal id is required: %w", domain.ErrInvalidReport)
	}
	if missingID == "" || foundID == "" {
		return Proposal{}, fmt.Errorf("both report ids are required: %w", domain.ErrInvalidReport)
	}
	if missingID == foundID {
		return Proposal{}, fmt.Errorf("report %q cannot match itself: %w", missingID, domain.ErrInvalidReport)
	}
	if source == "" {
		source = SourceSearch
	}
	return Proposal{
		id:         id,
		missingID:  missingID,
		foundID:    foundID,
		similarity: similarity,
		state:      Proposed,
		source:     source,
		createdAt:  now,
		updatedAt:  now,
	}, nil
}

// ReconstructProposal restores a proposal from storage without validation.
func ReconstructProposal(
	id, missingID, foundID string, similarity float64,
	state State, reason Reason, source Source, matchID string,
	createdAt, updatedAt time.Time,
) Proposal {
	return Proposal{
		id: id, missingID: missingID, foundID: foundID, similarity: similarity,
		state: state, reason: reason, source: source, matchID: matchID,
		createdAt: createdAt, updatedAt: updatedAt,
	}
}

// ID returns the proposal identifier.
func (p *Proposal) ID() string { return p.id }

// MissingReportID returns the missing-person report id.
func (p *Proposal) MissingReportID() string { return p.missingID }

// FoundReportID returns the found-person report id.
func (p *Proposal) FoundReportID() string { return p.foundID }

// Similarity returns the best similarity observed for the pair.
func (p *Proposal) Similarity() float64 { return p.similarity }

// State returns the lifecycle state.
func (p *Proposal) State() State { return p.state }

// Reason returns the rejection reason, empty unless rejected.
func (p *Proposal) Reason() Reason { return p.reason }

// Source returns what created the proposal.
func (p *Proposal) Source() Source { return p.source }

// MatchID returns the verified match id, empty unless confirmed.
func (p *Proposal) MatchID() string { return p.matchID }

// CreatedAt returns the creation time.
func (p *Proposal) CreatedAt() time.Time { return p.createdAt }

// UpdatedAt returns the time of the last transition.
func (p *Proposal) UpdatedAt() time.Time { return p.updatedAt }

// Involves reports whether the proposal references the report.
func (p *Proposal) Involves(reportID string) bool {
	return p.missingID == reportID || p.foundID == reportID
}

// SamePair reports whether the proposal is for the given pair.
func (p *Proposal) SamePair(missingID, foundID string) bool {
	return p.missingID == missingID && p.foundID == foundID
}

// Raise keeps the higher similarity when the same pair is proposed again.
func (p *Proposal) Raise(similarity float64, now time.Time) bool {
	if similarity <= p.similarity {
		return false
	}
	p.similarity = similarity
	p.updatedAt = now
	return true
}

// StartReview moves a proposed pair under human review.
func (p *Proposal) StartReview(now time.Time) error {
	return p.transition(UnderReview, now)
}

// Confirm marks the pair confirmed. A proposed pair passes through under_review.
func (p *Proposal) Confirm(matchID string, now time.Time) error {
	if p.state == Proposed {
		if err := p.transition(UnderReview, now); err != nil {
			return err
		}
	}
	if err := p.transition(Confirmed, now); err != nil {
		return err
	}
	p.matchID = matchID
	return nil
}

// Reject discards the pair with the given reason.
func (p *Proposal) Reject(reason Reason, now time.Time) error {
	if reason == "" {
		reason = ReasonReviewer
	}
	if err := p.transition(Rejected, now); err != nil {
		return err
	}
	p.reason = reason
	return nil
}

func (p *Proposal) transition(to State, now time.Time) error {
	for _, allowed := range transitions[p.state] {
		if allowed == to {
			p.state = to
			p.updatedAt = now
			return nil
		}
	}
	return fmt.Errorf("proposal %s: %s -> %s: %w", p.id, p.state, to, domain.ErrInvalidTransition)
}

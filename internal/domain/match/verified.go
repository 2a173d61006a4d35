package match

import "time"

// Status is the lifecycle of a verified match.
type Status string

// VerifiedMatch statuses.
const (
	Active   Status = "active"
	Reopened Status = "reopened"
)

// VerifiedMatch links a missing-person report to a found-person report.
type VerifiedMatch struct {
	id          string
	missingID   string
	foundID     string
	proposalID  string
	similarity  float64
	verifiedBy  string
	notes       string
	status      Status
	confirmedAt time.Time
	reopenedAt  time.Time
}

// NewVerifiedMatch creates an active match from a proposal.
func NewVerifiedMatch(id string, p *Proposal, verifiedBy, notes string, now time.Time) VerifiedMatch {
	return VerifiedMatch{
		id:          id,
		missingID:   p.MissingReportID(),
		foundID:     p.FoundReportID(),
		proposalID:  p.ID(),
		similarity:  p.Similarity(),
		verifiedBy:  verifiedBy,
		notes:       notes,
		status:      Active,
		confirmedAt: now,
	}
}

// ReconstructVerifiedMatch restores a match from storage.
func ReconstructVerifiedMatch(
	id, missingID, foundID, proposalID string, similarity float64,
	verifiedBy, notes string, status Status, confirmedAt, reopenedAt time.Time,
) VerifiedMatch {
	return VerifiedMatch{
		id: id, missingID: missingID, foundID: foundID, proposalID: proposalID,
		similarity: similarity, verifiedBy: verifiedBy, notes: notes,
		status: status, confirmedAt: confirmedAt, reopenedAt: reopenedAt,
	}
}

// ID returns the match identifier.
func (m *VerifiedMatch) ID() string { return m.id }

// MissingReportID returns the missing-person report id.
func (m *VerifiedMatch) MissingReportID() string { return m.missingID }

// FoundReportID returns the found-person report id.
func (m *VerifiedMatch) FoundReportID() string { return m.foundID }

// ProposalID returns the proposal that was confirmed.
func (m *VerifiedMatch) ProposalID() string { return m.proposalID }

// Similarity returns the confidence score at confirmation time.
func (m *VerifiedMatch) Similarity() float64 { return m.similarity }

// VerifiedBy returns who confirmed the match.
func (m *VerifiedMatch) VerifiedBy() string { return m.verifiedBy }

// Notes returns the reviewer notes.
func (m *VerifiedMatch) Notes() string { return m.notes }

// Status returns the match status.
func (m *VerifiedMatch) Status() Status { return m.status }

// IsActive reports whether the match still resolves its reports.
func (m *VerifiedMatch) IsActive() bool { return m.status == Active }

// ConfirmedAt returns the confirmation time.
func (m *VerifiedMatch) ConfirmedAt() time.Time { return m.confirmedAt }

// ReopenedAt returns the reopen time, zero while active.
func (m *VerifiedMatch) ReopenedAt() time.Time { return m.reopenedAt }

// ReportIDs returns both report ids.
func (m *VerifiedMatch) ReportIDs() []string { return []string{m.missingID, m.foundID} }

// Reopen releases the match. Reopening twice is a no-op.
func (m *VerifiedMatch) Reopen(now time.Time) {
	if m.status == Reopened {
		return
	}
	m.status = Reopened
	m.reopenedAt = now
}

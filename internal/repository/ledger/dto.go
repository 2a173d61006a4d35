package ledger

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kailas-cloud/facematch/internal/domain/match"
)

type proposalRecord struct {
	ID         string  `msgpack:"id"`
	MissingID  string  `msgpack:"missing_report_id"`
	FoundID    string  `msgpack:"found_report_id"`
	Similarity float64 `msgpack:"similarity"`
	State      string  `msgpack:"state"`
	Reason     string  `msgpack:"reason,omitempty"`
	Source     string  `msgpack:"source"`
	MatchID    string  `msgpack:"match_id,omitempty"`
	CreatedAt  int64   `msgpack:"created_at"`
	UpdatedAt  int64   `msgpack:"updated_at"`
}

type matchRecord struct {
	ID          string  `msgpack:"id"`
	MissingID   string  `msgpack:"missing_report_id"`
	FoundID     string  `msgpack:"found_report_id"`
	ProposalID  string  `msgpack:"proposal_id"`
	Similarity  float64 `msgpack:"similarity"`
	VerifiedBy  string  `msgpack:"verified_by,omitempty"`
	Notes       string  `msgpack:"notes,omitempty"`
	Status      string  `msgpack:"status"`
	ConfirmedAt int64   `msgpack:"confirmed_at"`
	ReopenedAt  int64   `msgpack:"reopened_at,omitempty"`
}

func encodeProposal(p *match.Proposal) ([]byte, error) {
	rec := proposalRecord{
		ID:         p.ID(),
		MissingID:  p.MissingReportID(),
		FoundID:    p.FoundReportID(),
		Similarity: p.Similarity(),
		State:      string(p.State()),
		Reason:     string(p.Reason()),
		Source:     string(p.Source()),
		MatchID:    p.MatchID(),
		CreatedAt:  p.CreatedAt().UnixNano(),
		UpdatedAt:  p.UpdatedAt().UnixNano(),
	}
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("marshal proposal %s: %w", p.ID(), err)
	}
	return data, nil
}

func decodeProposal(data []byte) (match.Proposal, error) {
	var rec proposalRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return match.Proposal{}, fmt.Errorf("unmarshal proposal: %w", err)
	}
	state := match.State(rec.State)
	if rec.ID == "" || !state.IsValid() {
		return match.Proposal{}, fmt.Errorf("invalid proposal record %q (state %q)", rec.ID, rec.State)
	}
	return match.ReconstructProposal(
		rec.ID, rec.MissingID, rec.FoundID, rec.Similarity,
		state, match.Reason(rec.Reason), match.Source(rec.Source), rec.MatchID,
		fromNanos(rec.CreatedAt), fromNanos(rec.UpdatedAt),
	), nil
}

func encodeMatch(m *match.VerifiedMatch) ([]byte, error) {
	rec := matchRecord{
		ID:          m.ID(),
		MissingID:   m.MissingReportID(),
		FoundID:     m.FoundReportID(),
		ProposalID:  m.ProposalID(),
		Similarity:  m.Similarity(),
		VerifiedBy:  m.VerifiedBy(),
		Notes:       m.Notes(),
		Status:      string(m.Status()),
		ConfirmedAt: m.ConfirmedAt().UnixNano(),
	}
	if !m.ReopenedAt().IsZero() {
		rec.ReopenedAt = m.ReopenedAt().UnixNano()
	}
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("marshal match %s: %w", m.ID(), err)
	}
	return data, nil
}

func decodeMatch(data []byte) (match.VerifiedMatch, error) {
	var rec matchRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return match.VerifiedMatch{}, fmt.Errorf("unmarshal match: %w", err)
	}
	if rec.ID == "" {
		return match.VerifiedMatch{}, fmt.Errorf("match record without id")
	}
	return match.ReconstructVerifiedMatch(
		rec.ID, rec.MissingID, rec.FoundID, rec.ProposalID, rec.Similarity,
		rec.VerifiedBy, rec.Notes, match.Status(rec.Status),
		fromNanos(rec.ConfirmedAt), fromNanos(rec.ReopenedAt),
	), nil
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

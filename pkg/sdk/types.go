package facematch

import (
	"time"

	"github.com/kailas-cloud/facematch/internal/domain/batch"
	"github.com/kailas-cloud/facematch/internal/domain/match"
	"github.com/kailas-cloud/facematch/internal/domain/search/result"
	"github.com/kailas-cloud/facematch/internal/usecase/matching"
	"github.com/kailas-cloud/facematch/internal/usecase/reindex"
	"github.com/kailas-cloud/facematch/internal/usecase/vectorstore"
)

// Kind distinguishes missing-person reports from found-person reports.
type Kind string

// Kind constants.
const (
	KindMissing Kind = "missing"
	KindFound   Kind = "found"
)

// Classification is the overall verdict of a search.
type Classification string

// Classification constants.
const (
	ConfidentMatch  Classification = "confident_match"
	PossibleMatches Classification = "possible_matches"
	NoMatch         Classification = "no_match"
)

// ProposalState is the lifecycle stage of a candidate pair.
type ProposalState string

// ProposalState constants.
const (
	StateProposed    ProposalState = "proposed"
	StateUnderReview ProposalState = "under_review"
	StateConfirmed   ProposalState = "confirmed"
	StateRejected    ProposalState = "rejected"
)

// Upload is a photo attached to a report.
type Upload struct {
	ReportID string
	// Kind may be empty when ReportID starts with "mp_" or "fp_".
	Kind Kind
	// PhotoID may be empty; it is then derived from the report id and the photo bytes.
	PhotoID string
	// PhotoRef locates the original for reindexing. When empty and a photo dir is
	// configured, the photo is archived there.
	PhotoRef string
	Photo    []byte
}

// UploadResult is the ingestion outcome of one photo.
type UploadResult struct {
	PhotoID   string
	Status    string
	Proposals []Proposal
}

// BatchItem is the outcome of one photo in a batch upload.
type BatchItem struct {
	Index   int
	PhotoID string
	OK      bool
	Status  string
	Err     error
}

// Query is a search-by-photo request.
type Query struct {
	Photo []byte
	// ExcludeKind drops candidates of the searching report's own kind.
	ExcludeKind Kind
	K           int
	// ReportID identifies the searching report. Required for auto-proposals.
	ReportID string
}

// Candidate is one ranked report.
type Candidate struct {
	ReportID   string
	PhotoID    string
	Kind       Kind
	Similarity float64
	Confident  bool
}

// SearchResult is the ranked outcome of a search.
type SearchResult struct {
	Classification Classification
	Candidates     []Candidate
	StaleCount     int
	DuplicateCount int
	Degraded       bool
	ModelVersion   string
	Proposals      []Proposal
}

// ConfirmOptions carries the reviewer's details.
type ConfirmOptions struct {
	VerifiedBy string
	Notes      string
}

// Proposal is a candidate (missing, found) pair awaiting reconciliation.
type Proposal struct {
	ID              string
	MissingReportID string
	FoundReportID   string
	Similarity      float64
	State           ProposalState
	Reason          string
	Source          string
	MatchID         string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Match is a human-verified link between two reports.
type Match struct {
	ID              string
	MissingReportID string
	FoundReportID   string
	ProposalID      string
	Similarity      float64
	VerifiedBy      string
	Notes           string
	Active          bool
	ConfirmedAt     time.Time
	// ReopenedAt is zero while the match is active.
	ReopenedAt time.Time
}

// IndexStats describes the index contents per model version.
type IndexStats struct {
	Algorithm    string
	ModelVersion string
	StaleCount   int
	Live         map[string]int
	Tombstoned   map[string]int
}

// ReindexReport summarizes a reindex pass.
type ReindexReport struct {
	ModelVersion string
	Stale        int
	Replaced     int
	Skipped      int
	Failed       int
}

// --- converters ---

func fromInternalUpload(r matching.UploadResult) UploadResult {
	return UploadResult{
		PhotoID:   r.PhotoID,
		Status:    string(r.Status),
		Proposals: fromInternalProposals(r.Proposals),
	}
}

func fromInternalBatch(rs []batch.Result) []BatchItem {
	out := make([]BatchItem, len(rs))
	for i, r := range rs {
		out[i] = BatchItem{
			Index:   r.Index(),
			PhotoID: r.PhotoID(),
			OK:      r.Status() == batch.StatusOK,
			Status:  string(r.EmbeddingStatus()),
			Err:     r.Err(),
		}
	}
	return out
}

func fromInternalSearch(r *matching.SearchResult) SearchResult {
	cands := r.Candidates()
	out := SearchResult{
		Classification: Classification(r.Classification()),
		Candidates:     make([]Candidate, len(cands)),
		StaleCount:     r.StaleCount(),
		DuplicateCount: r.DuplicateCount(),
		Degraded:       r.Degraded(),
		ModelVersion:   r.ModelVersion(),
		Proposals:      fromInternalProposals(r.Proposals),
	}
	for i := range cands {
		out.Candidates[i] = fromInternalCandidate(&cands[i])
	}
	return out
}

func fromInternalCandidate(c *result.Candidate) Candidate {
	return Candidate{
		ReportID:   c.ReportID(),
		PhotoID:    c.PhotoID(),
		Kind:       Kind(c.Kind()),
		Similarity: c.Similarity(),
		Confident:  c.Confident(),
	}
}

func fromInternalProposal(p *match.Proposal) Proposal {
	return Proposal{
		ID:              p.ID(),
		MissingReportID: p.MissingReportID(),
		FoundReportID:   p.FoundReportID(),
		Similarity:      p.Similarity(),
		State:           ProposalState(p.State()),
		Reason:          string(p.Reason()),
		Source:          string(p.Source()),
		MatchID:         p.MatchID(),
		CreatedAt:       p.CreatedAt(),
		UpdatedAt:       p.UpdatedAt(),
	}
}

func fromInternalProposals(ps []match.Proposal) []Proposal {
	if len(ps) == 0 {
		return nil
	}
	out := make([]Proposal, len(ps))
	for i := range ps {
		out[i] = fromInternalProposal(&ps[i])
	}
	return out
}

func fromInternalMatch(m *match.VerifiedMatch) Match {
	return Match{
		ID:              m.ID(),
		MissingReportID: m.MissingReportID(),
		FoundReportID:   m.FoundReportID(),
		ProposalID:      m.ProposalID(),
		Similarity:      m.Similarity(),
		VerifiedBy:      m.VerifiedBy(),
		Notes:           m.Notes(),
		Active:          m.IsActive(),
		ConfirmedAt:     m.ConfirmedAt(),
		ReopenedAt:      m.ReopenedAt(),
	}
}

func fromInternalStats(s vectorstore.Stats) IndexStats {
	out := IndexStats{
		Algorithm:    s.Algorithm,
		ModelVersion: s.ModelVersion,
		StaleCount:   s.StaleCount,
		Live:         make(map[string]int, len(s.Versions)),
		Tombstoned:   make(map[string]int, len(s.Versions)),
	}
	for v, vs := range s.Versions {
		out.Live[v] = vs.Live
		out.Tombstoned[v] = vs.Tombstoned
	}
	return out
}

func fromInternalReindex(r reindex.Report) ReindexReport {
	return ReindexReport{
		ModelVersion: r.ModelVersion,
		Stale:        r.Stale,
		Replaced:     r.Replaced,
		Skipped:      r.Skipped,
		Failed:       r.Failed,
	}
}

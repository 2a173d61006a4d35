package chi

import (
	"time"

	"github.com/kailas-cloud/facematch/internal/domain/batch"
	"github.com/kailas-cloud/facematch/internal/domain/match"
	"github.com/kailas-cloud/facematch/internal/domain/search/result"
	"github.com/kailas-cloud/facematch/internal/usecase/vectorstore"
)

// ErrorCode is the machine-readable error code of an ErrorResponse.
type ErrorCode string

// Error codes.
const (
	ErrorCodeBadRequest         ErrorCode = "bad_request"
	ErrorCodeUnauthorized       ErrorCode = "unauthorized"
	ErrorCodeNoFaceDetected     ErrorCode = "no_face_detected"
	ErrorCodeAmbiguousFaces     ErrorCode = "multiple_faces_ambiguous"
	ErrorCodeUnsupportedImage   ErrorCode = "unsupported_image"
	ErrorCodeInvalidReport      ErrorCode = "invalid_report"
	ErrorCodeInvalidEmbedding   ErrorCode = "invalid_embedding"
	ErrorCodeNotFound           ErrorCode = "not_found"
	ErrorCodeDuplicatePhotoID   ErrorCode = "duplicate_photo_id"
	ErrorCodeAlreadyResolved    ErrorCode = "report_already_resolved"
	ErrorCodeInvalidTransition  ErrorCode = "invalid_transition"
	ErrorCodeConflict           ErrorCode = "conflict"
	ErrorCodeModelError         ErrorCode = "model_error"
	ErrorCodeTimeout            ErrorCode = "timeout"
	ErrorCodeIndexError         ErrorCode = "index_error"
	ErrorCodeReindexRunning     ErrorCode = "reindex_running"
	ErrorCodeInternalError      ErrorCode = "internal_error"
	ErrorCodeValidationFailed   ErrorCode = "validation_failed"
	ErrorCodeBatchLimitExceeded ErrorCode = "batch_limit_exceeded"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ProposalResponse is a candidate pair in the review queue.
type ProposalResponse struct {
	ID              string    `json:"id"`
	MissingReportID string    `json:"missing_report_id"`
	FoundReportID   string    `json:"found_report_id"`
	Similarity      float64   `json:"similarity"`
	State           string    `json:"state"`
	Reason          string    `json:"reason,omitempty"`
	Source          string    `json:"source"`
	MatchID         string    `json:"match_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// MatchResponse is a human-confirmed pair.
type MatchResponse struct {
	ID              string     `json:"id"`
	MissingReportID string     `json:"missing_report_id"`
	FoundReportID   string     `json:"found_report_id"`
	ProposalID      string     `json:"proposal_id"`
	Similarity      float64    `json:"similarity"`
	VerifiedBy      string     `json:"verified_by,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	Status          string     `json:"status"`
	ConfirmedAt     time.Time  `json:"confirmed_at"`
	ReopenedAt      *time.Time `json:"reopened_at,omitempty"`
}

// UploadResponse is the outcome of a single-photo upload.
type UploadResponse struct {
	PhotoID   string             `json:"photo_id"`
	Status    string             `json:"status"`
	Proposals []ProposalResponse `json:"proposals"`
}

// BatchItem is the outcome of one photo in a multipart upload.
type BatchItem struct {
	Index           int            `json:"index"`
	PhotoID         string         `json:"photo_id,omitempty"`
	Status          string         `json:"status"`
	EmbeddingStatus string         `json:"embedding_status"`
	Error           *ErrorResponse `json:"error,omitempty"`
}

// BatchUploadResponse is the outcome of a multipart upload.
type BatchUploadResponse struct {
	Items     []BatchItem `json:"items"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
}

// CandidateResponse is one ranked search hit.
type CandidateResponse struct {
	ReportID   string  `json:"report_id"`
	PhotoID    string  `json:"photo_id"`
	Kind       string  `json:"kind"`
	Similarity float64 `json:"similarity"`
	Confident  bool    `json:"confident"`
}

// SearchResponse is a ranked search outcome.
type SearchResponse struct {
	Classification string              `json:"classification"`
	Candidates     []CandidateResponse `json:"candidates"`
	StaleCount     int                 `json:"stale_count"`
	DuplicateCount int                 `json:"duplicate_count"`
	Degraded       bool                `json:"degraded"`
	ModelVersion   string              `json:"model_version"`
	Proposals      []ProposalResponse  `json:"proposals"`
}

// ConfirmRequest is the body of POST /v1/matches/confirm.
type ConfirmRequest struct {
	MissingReportID string `json:"missing_report_id"`
	FoundReportID   string `json:"found_report_id"`
	VerifiedBy      string `json:"verified_by"`
	Notes           string `json:"notes"`
}

// ProposalListResponse wraps a proposal listing.
type ProposalListResponse struct {
	Items []ProposalResponse `json:"items"`
	Count int                `json:"count"`
}

// MatchListResponse wraps a match listing.
type MatchListResponse struct {
	Items []MatchResponse `json:"items"`
	Count int             `json:"count"`
}

// IndexStatsResponse reports index composition.
type IndexStatsResponse struct {
	vectorstore.Stats
	ReindexRunning bool `json:"reindex_running"`
}

// ReindexResponse acknowledges a background reindex.
type ReindexResponse struct {
	Pending int `json:"pending"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func proposalToResponse(p *match.Proposal) ProposalResponse {
	return ProposalResponse{
		ID:              p.ID(),
		MissingReportID: p.MissingReportID(),
		FoundReportID:   p.FoundReportID(),
		Similarity:      p.Similarity(),
		State:           string(p.State()),
		Reason:          string(p.Reason()),
		Source:          string(p.Source()),
		MatchID:         p.MatchID(),
		CreatedAt:       p.CreatedAt(),
		UpdatedAt:       p.UpdatedAt(),
	}
}

func proposalsToResponse(ps []match.Proposal) []ProposalResponse {
	out := make([]ProposalResponse, len(ps))
	for i := range ps {
		out[i] = proposalToResponse(&ps[i])
	}
	return out
}

func matchToResponse(m *match.VerifiedMatch) MatchResponse {
	resp := MatchResponse{
		ID:              m.ID(),
		MissingReportID: m.MissingReportID(),
		FoundReportID:   m.FoundReportID(),
		ProposalID:      m.ProposalID(),
		Similarity:      m.Similarity(),
		VerifiedBy:      m.VerifiedBy(),
		Notes:           m.Notes(),
		Status:          string(m.Status()),
		ConfirmedAt:     m.ConfirmedAt(),
	}
	if at := m.ReopenedAt(); !at.IsZero() {
		resp.ReopenedAt = &at
	}
	return resp
}

func searchToResponse(r *result.Result, proposals []match.Proposal) SearchResponse {
	cands := r.Candidates()
	items := make([]CandidateResponse, len(cands))
	for i := range cands {
		c := &cands[i]
		items[i] = CandidateResponse{
			ReportID:   c.ReportID(),
			PhotoID:    c.PhotoID(),
			Kind:       string(c.Kind()),
			Similarity: c.Similarity(),
			Confident:  c.Confident(),
		}
	}
	return SearchResponse{
		Classification: string(r.Classification()),
		Candidates:     items,
		StaleCount:     r.StaleCount(),
		DuplicateCount: r.DuplicateCount(),
		Degraded:       r.Degraded(),
		ModelVersion:   r.ModelVersion(),
		Proposals:      proposalsToResponse(proposals),
	}
}

func batchResultToResponse(r batch.Result) BatchItem {
	item := BatchItem{
		Index:           r.Index(),
		PhotoID:         r.PhotoID(),
		Status:          string(r.Status()),
		EmbeddingStatus: string(r.EmbeddingStatus()),
	}
	if r.Err() != nil {
		item.Error = &ErrorResponse{
			Code:    errorCode(r.Err()),
			Message: safeDomainMessage(r.Err()),
		}
	}
	return item
}

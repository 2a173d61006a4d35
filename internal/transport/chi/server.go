// Package chi is the HTTP transport of the matching service.
package chi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/facematch/internal/domain"
	"github.com/kailas-cloud/facematch/internal/domain/batch"
	"github.com/kailas-cloud/facematch/internal/domain/match"
	"github.com/kailas-cloud/facematch/internal/domain/report"
	logpkg "github.com/kailas-cloud/facematch/internal/logger"
	healthuc "github.com/kailas-cloud/facematch/internal/usecase/health"
	"github.com/kailas-cloud/facematch/internal/usecase/matching"
	"github.com/kailas-cloud/facematch/internal/usecase/reconcile"
	"github.com/kailas-cloud/facematch/internal/usecase/reindex"
)

// Multipart field names.
const (
	multipartPhotos = "photos"
	multipartPhoto  = "photo"
)

// multipartOverhead covers form boundaries and headers on top of the photo bytes.
const multipartOverhead = 1 << 20

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server implements ServerInterface.
type Server struct {
	matcher       Matcher
	ledger        Ledger
	index         IndexAdmin
	reindexer     Reindexer
	health        HealthChecker
	logger        *zap.Logger
	maxBytes      int
	maxBatch      int
	errorHandlers []errorHandler
}

var _ ServerInterface = (*Server)(nil)

// NewServer creates an HTTP API server.
func NewServer(
	matcher Matcher,
	ledger Ledger,
	index IndexAdmin,
	reindexer Reindexer,
	health HealthChecker,
	logger *zap.Logger,
) *Server {
	return &Server{
		matcher:   matcher,
		ledger:    ledger,
		index:     index,
		reindexer: reindexer,
		health:    health,
		logger:    logger,
		maxBytes:  matching.DefaultMaxPhotoBytes,
		maxBatch:  matching.DefaultMaxBatch,
		errorHandlers: []errorHandler{
			sentinelHandler(domain.ErrNoFaceDetected, http.StatusUnprocessableEntity, ErrorCodeNoFaceDetected),
			sentinelHandler(domain.ErrMultipleFacesAmbiguous, http.StatusUnprocessableEntity, ErrorCodeAmbiguousFaces),
			sentinelHandler(domain.ErrUnsupportedImage, http.StatusBadRequest, ErrorCodeUnsupportedImage),
			sentinelHandler(domain.ErrInvalidReport, http.StatusBadRequest, ErrorCodeInvalidReport),
			sentinelHandler(domain.ErrInvalidEmbedding, http.StatusBadRequest, ErrorCodeInvalidEmbedding),
			sentinelHandler(domain.ErrInput, http.StatusBadRequest, ErrorCodeValidationFailed),
			sentinelHandler(domain.ErrNotFound, http.StatusNotFound, ErrorCodeNotFound),
			sentinelHandler(domain.ErrDuplicatePhotoID, http.StatusConflict, ErrorCodeDuplicatePhotoID),
			sentinelHandler(domain.ErrReportAlreadyResolved, http.StatusConflict, ErrorCodeAlreadyResolved),
			sentinelHandler(domain.ErrInvalidTransition, http.StatusConflict, ErrorCodeInvalidTransition),
			sentinelHandler(domain.ErrConflict, http.StatusConflict, ErrorCodeConflict),
			sentinelHandler(reindex.ErrRunning, http.StatusConflict, ErrorCodeReindexRunning),
			sentinelHandler(domain.ErrModel, http.StatusBadGateway, ErrorCodeModelError),
			sentinelHandler(domain.ErrTimeout, http.StatusGatewayTimeout, ErrorCodeTimeout),
		},
	}
}

// WithLimits sets the per-photo size limit and the multipart photo count limit.
func (s *Server) WithLimits(maxBytes, maxBatch int) *Server {
	if maxBytes > 0 {
		s.maxBytes = maxBytes
	}
	if maxBatch > 0 {
		s.maxBatch = maxBatch
	}
	return s
}

// UploadPhotos handles POST /v1/reports/{report_id}/photos.
// A raw body is one photo; a multipart body carries several under "photos".
func (s *Server) UploadPhotos(w http.ResponseWriter, r *http.Request, reportID string, params UploadPhotosParams) {
	kind, ok := parseKindParam(w, params.Kind, "kind")
	if !ok {
		return
	}

	if isMultipart(r) {
		s.uploadMultipart(w, r, reportID, kind)
		return
	}

	data, err := s.readPhoto(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	res, err := s.matcher.OnPhotoUploaded(r.Context(), matching.Upload{
		ReportID: reportID,
		Kind:     kind,
		PhotoID:  deref(params.PhotoID),
		PhotoRef: deref(params.PhotoRef),
		Photo:    data,
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, UploadResponse{
		PhotoID:   res.PhotoID,
		Status:    string(res.Status),
		Proposals: proposalsToResponse(res.Proposals),
	})
}

func (s *Server) uploadMultipart(w http.ResponseWriter, r *http.Request, reportID string, kind report.Kind) {
	files, err := s.parseMultipart(w, r, multipartPhotos)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeBadRequest, "Invalid multipart body: "+err.Error())
		return
	}
	if len(files) == 0 || len(files) > s.maxBatch {
		writeError(w, http.StatusBadRequest, ErrorCodeBatchLimitExceeded,
			fmt.Sprintf("photos count must be between 1 and %d", s.maxBatch))
		return
	}

	ups := make([]matching.Upload, 0, len(files))
	for _, fh := range files {
		data, err := s.readFile(fh)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrorCodeBadRequest, "Invalid photo "+fh.Filename+": "+err.Error())
			return
		}
		ups = append(ups, matching.Upload{ReportID: reportID, Kind: kind, Photo: data})
	}

	results := s.matcher.OnPhotosUploaded(r.Context(), ups)

	succeeded, failed := 0, 0
	items := make([]BatchItem, len(results))
	for i, res := range results {
		items[i] = batchResultToResponse(res)
		if res.Status() == batch.StatusOK {
			succeeded++
		} else {
			failed++
		}
	}
	writeJSON(w, http.StatusOK, BatchUploadResponse{Items: items, Succeeded: succeeded, Failed: failed})
}

// RemovePhoto handles DELETE /v1/photos/{photo_id}.
func (s *Server) RemovePhoto(w http.ResponseWriter, r *http.Request, photoID string) {
	if err := s.matcher.OnPhotoRemoved(r.Context(), photoID); err != nil {
		s.handleDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search handles POST /v1/search. The query photo is the raw body or the multipart "photo" field.
func (s *Server) Search(w http.ResponseWriter, r *http.Request, params SearchParams) {
	exclude, ok := parseKindParam(w, params.ExcludeKind, "exclude_kind")
	if !ok {
		return
	}

	var data []byte
	var err error
	if isMultipart(r) {
		var files []*multipart.FileHeader
		files, err = s.parseMultipart(w, r, multipartPhoto)
		if err == nil && len(files) != 1 {
			err = errors.New("exactly one photo is required")
		}
		if err == nil {
			data, err = s.readFile(files[0])
		}
	} else {
		data, err = s.readPhoto(r.Body)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	k := 0
	if params.K != nil {
		k = *params.K
	}
	res, err := s.matcher.OnSearchRequest(r.Context(), matching.SearchRequest{
		Photo:       data,
		ExcludeKind: exclude,
		K:           k,
		ReportID:    deref(params.ReportID),
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, searchToResponse(&res.Result, res.Proposals))
}

// ConfirmMatch handles POST /v1/matches/confirm.
func (s *Server) ConfirmMatch(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.MissingReportID == "" || req.FoundReportID == "" {
		writeError(w, http.StatusBadRequest, ErrorCodeValidationFailed,
			"missing_report_id and found_report_id are required")
		return
	}

	m, err := s.matcher.OnMatchConfirmed(r.Context(), req.MissingReportID, req.FoundReportID,
		matching.ConfirmOptions{VerifiedBy: req.VerifiedBy, Notes: req.Notes})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, matchToResponse(&m))
}

// ListMatches handles GET /v1/matches.
func (s *Server) ListMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := s.ledger.ListMatches(r.Context())
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	items := make([]MatchResponse, len(matches))
	for i := range matches {
		items[i] = matchToResponse(&matches[i])
	}
	writeJSON(w, http.StatusOK, MatchListResponse{Items: items, Count: len(items)})
}

// ListProposals handles GET /v1/proposals.
func (s *Server) ListProposals(w http.ResponseWriter, r *http.Request, params ListProposalsParams) {
	f := reconcile.Filter{ReportID: deref(params.ReportID)}
	if params.State != nil && *params.State != "" {
		st := match.State(*params.State)
		if !st.IsValid() {
			writeError(w, http.StatusBadRequest, ErrorCodeValidationFailed, "unknown proposal state "+*params.State)
			return
		}
		f.State = st
	}

	ps, err := s.ledger.ListProposals(r.Context(), f)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	items := proposalsToResponse(ps)
	writeJSON(w, http.StatusOK, ProposalListResponse{Items: items, Count: len(items)})
}

// ReviewProposal handles POST /v1/proposals/{proposal_id}/review.
func (s *Server) ReviewProposal(w http.ResponseWriter, r *http.Request, proposalID string) {
	p, err := s.ledger.StartReview(r.Context(), proposalID)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposalToResponse(&p))
}

// RejectProposal handles POST /v1/proposals/{proposal_id}/reject.
func (s *Server) RejectProposal(w http.ResponseWriter, r *http.Request, proposalID string) {
	p, err := s.ledger.Reject(r.Context(), proposalID, match.ReasonReviewer)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposalToResponse(&p))
}

// ReopenReport handles POST /v1/reports/{report_id}/reopen.
func (s *Server) ReopenReport(w http.ResponseWriter, r *http.Request, reportID string) {
	m, err := s.matcher.OnReportReopened(r.Context(), reportID)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, matchToResponse(&m))
}

// IndexStats handles GET /v1/index/stats.
func (s *Server) IndexStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, IndexStatsResponse{
		Stats:          s.index.Stats(),
		ReindexRunning: s.reindexer != nil && s.reindexer.Running(),
	})
}

// CompactIndex handles POST /v1/index/compact.
func (s *Server) CompactIndex(w http.ResponseWriter, r *http.Request) {
	res, err := s.index.Compact(r.Context())
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ReindexIndex handles POST /v1/index/reindex. The pass runs in the background.
func (s *Server) ReindexIndex(w http.ResponseWriter, r *http.Request) {
	if s.reindexer == nil {
		writeError(w, http.StatusServiceUnavailable, ErrorCodeInternalError, "reindex is not configured")
		return
	}
	pending, err := s.reindexer.Start(r.Context())
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ReindexResponse{Pending: pending})
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	rep := s.health.Check(r.Context())

	checks := make(map[string]string, len(rep.Checks))
	for k, v := range rep.Checks {
		checks[k] = string(v)
	}
	if len(rep.Errors) > 0 {
		logpkg.FromContext(r.Context()).Warn("Health check failing",
			zap.String("status", string(rep.Status)),
			zap.Any("errors", rep.Errors),
		)
	}
	httpStatus := http.StatusOK
	if rep.Status == healthuc.Unhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, HealthResponse{Status: string(rep.Status), Checks: checks})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// readPhoto reads at most maxBytes+1 so oversized payloads reach validation as such.
func (s *Server) readPhoto(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, int64(s.maxBytes)+1))
	if err != nil {
		return nil, fmt.Errorf("read photo: %w", err)
	}
	return data, nil
}

func (s *Server) readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer func() { _ = f.Close() }()
	return s.readPhoto(f)
}

func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request, field string) ([]*multipart.FileHeader, error) {
	limit := int64(s.maxBytes+1)*int64(s.maxBatch) + multipartOverhead
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		return nil, fmt.Errorf("parse multipart form: %w", err)
	}
	return r.MultipartForm.File[field], nil
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && strings.HasPrefix(mt, "multipart/")
}

func parseKindParam(w http.ResponseWriter, v *string, name string) (report.Kind, bool) {
	if v == nil || *v == "" {
		return "", true
	}
	k, err := report.ParseKind(*v)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeValidationFailed,
			fmt.Sprintf("%s must be %q or %q", name, report.Missing, report.Found))
		return "", false
	}
	return k, true
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

// clientSentinels are ordered from specific to general.
var clientSentinels = []error{
	domain.ErrNoFaceDetected,
	domain.ErrMultipleFacesAmbiguous,
	domain.ErrUnsupportedImage,
	domain.ErrInvalidReport,
	domain.ErrInvalidEmbedding,
	domain.ErrDuplicatePhotoID,
	domain.ErrReportAlreadyResolved,
	domain.ErrInvalidTransition,
	reindex.ErrRunning,
	domain.ErrNotFound,
	domain.ErrTimeout,
	domain.ErrInput,
	domain.ErrConflict,
	domain.ErrModel,
	domain.ErrIndex,
}

// safeDomainMessage returns a sentinel error message for the client without exposing internals.
func safeDomainMessage(err error) string {
	for _, s := range clientSentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code ErrorCode) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	code := ErrorCodeInternalError
	if errors.Is(err, domain.ErrIndex) {
		code = ErrorCodeIndexError
	}
	writeError(w, http.StatusInternalServerError, code, msg)
}

// errorCode maps a per-item batch error to its response code.
func errorCode(err error) ErrorCode {
	switch {
	case errors.Is(err, domain.ErrNoFaceDetected):
		return ErrorCodeNoFaceDetected
	case errors.Is(err, domain.ErrMultipleFacesAmbiguous):
		return ErrorCodeAmbiguousFaces
	case errors.Is(err, domain.ErrUnsupportedImage):
		return ErrorCodeUnsupportedImage
	case errors.Is(err, domain.ErrInvalidReport):
		return ErrorCodeInvalidReport
	case errors.Is(err, domain.ErrDuplicatePhotoID):
		return ErrorCodeDuplicatePhotoID
	case errors.Is(err, domain.ErrInput):
		return ErrorCodeValidationFailed
	case errors.Is(err, domain.ErrModel):
		return ErrorCodeModelError
	case errors.Is(err, domain.ErrTimeout):
		return ErrorCodeTimeout
	case errors.Is(err, domain.ErrIndex):
		return ErrorCodeIndexError
	default:
		return ErrorCodeInternalError
	}
}

package chi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
)

// UploadPhotosParams are the query parameters of POST /v1/reports/{report_id}/photos.
type UploadPhotosParams struct {
	Kind     *string
	PhotoID  *string
	PhotoRef *string
}

// SearchParams are the query parameters of POST /v1/search.
type SearchParams struct {
	ExcludeKind *string
	K           *int
	ReportID    *string
}

// ListProposalsParams are the query parameters of GET /v1/proposals.
type ListProposalsParams struct {
	ReportID *string
	State    *string
}

// ServerInterface is the HTTP surface of the matching service.
type ServerInterface interface {
	UploadPhotos(w http.ResponseWriter, r *http.Request, reportID string, params UploadPhotosParams)
	RemovePhoto(w http.ResponseWriter, r *http.Request, photoID string)
	Search(w http.ResponseWriter, r *http.Request, params SearchParams)
	ConfirmMatch(w http.ResponseWriter, r *http.Request)
	ListMatches(w http.ResponseWriter, r *http.Request)
	ListProposals(w http.ResponseWriter, r *http.Request, params ListProposalsParams)
	ReviewProposal(w http.ResponseWriter, r *http.Request, proposalID string)
	RejectProposal(w http.ResponseWriter, r *http.Request, proposalID string)
	ReopenReport(w http.ResponseWriter, r *http.Request, reportID string)
	IndexStats(w http.ResponseWriter, r *http.Request)
	CompactIndex(w http.ResponseWriter, r *http.Request)
	ReindexIndex(w http.ResponseWriter, r *http.Request)
	HealthCheck(w http.ResponseWriter, r *http.Request)
	Metrics(w http.ResponseWriter, r *http.Request)
}

// InvalidParamError reports a path or query parameter that failed to bind.
type InvalidParamError struct {
	ParamName string
	Err       error
}

func (e *InvalidParamError) Error() string {
	return fmt.Sprintf("invalid format for parameter %s: %v", e.ParamName, e.Err)
}

func (e *InvalidParamError) Unwrap() error { return e.Err }

// HandlerOptions configures route registration.
type HandlerOptions struct {
	BaseRouter       chi.Router
	ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)
}

// wrapper binds parameters before delegating to the ServerInterface.
type wrapper struct {
	handler ServerInterface
	onError func(w http.ResponseWriter, r *http.Request, err error)
}

// HandlerWithOptions registers every route of ServerInterface on the base router.
func HandlerWithOptions(si ServerInterface, opts HandlerOptions) http.Handler {
	r := opts.BaseRouter
	if r == nil {
		r = chi.NewRouter()
	}
	onError := opts.ErrorHandlerFunc
	if onError == nil {
		onError = func(w http.ResponseWriter, _ *http.Request, err error) {
			writeError(w, http.StatusBadRequest, ErrorCodeBadRequest, err.Error())
		}
	}
	w := &wrapper{handler: si, onError: onError}

	r.Post("/v1/reports/{report_id}/photos", w.uploadPhotos)
	r.Post("/v1/reports/{report_id}/reopen", w.reopenReport)
	r.Delete("/v1/photos/{photo_id}", w.removePhoto)
	r.Post("/v1/search", w.search)
	r.Post("/v1/matches/confirm", si.ConfirmMatch)
	r.Get("/v1/matches", si.ListMatches)
	r.Get("/v1/proposals", w.listProposals)
	r.Post("/v1/proposals/{proposal_id}/review", w.reviewProposal)
	r.Post("/v1/proposals/{proposal_id}/reject", w.rejectProposal)
	r.Get("/v1/index/stats", si.IndexStats)
	r.Post("/v1/index/compact", si.CompactIndex)
	r.Post("/v1/index/reindex", si.ReindexIndex)
	r.Get("/health", si.HealthCheck)
	r.Get("/metrics", si.Metrics)
	return r
}

func (w *wrapper) pathParam(rw http.ResponseWriter, r *http.Request, name string) (string, bool) {
	var v string
	err := runtime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), &v,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		w.onError(rw, r, &InvalidParamError{ParamName: name, Err: err})
		return "", false
	}
	return v, true
}

func (w *wrapper) queryParam(rw http.ResponseWriter, r *http.Request, name string, dest any) bool {
	if err := runtime.BindQueryParameter("form", true, false, name, r.URL.Query(), dest); err != nil {
		w.onError(rw, r, &InvalidParamError{ParamName: name, Err: err})
		return false
	}
	return true
}

func (w *wrapper) uploadPhotos(rw http.ResponseWriter, r *http.Request) {
	reportID, ok := w.pathParam(rw, r, "report_id")
	if !ok {
		return
	}
	var params UploadPhotosParams
	if !w.queryParam(rw, r, "kind", &params.Kind) ||
		!w.queryParam(rw, r, "photo_id", &params.PhotoID) ||
		!w.queryParam(rw, r, "photo_ref", &params.PhotoRef) {
		return
	}
	w.handler.UploadPhotos(rw, r, reportID, params)
}

func (w *wrapper) reopenReport(rw http.ResponseWriter, r *http.Request) {
	if reportID, ok := w.pathParam(rw, r, "report_id"); ok {
		w.handler.ReopenReport(rw, r, reportID)
	}
}

func (w *wrapper) removePhoto(rw http.ResponseWriter, r *http.Request) {
	if photoID, ok := w.pathParam(rw, r, "photo_id"); ok {
		w.handler.RemovePhoto(rw, r, photoID)
	}
}

func (w *wrapper) search(rw http.ResponseWriter, r *http.Request) {
	var params SearchParams
	if !w.queryParam(rw, r, "exclude_kind", &params.ExcludeKind) ||
		!w.queryParam(rw, r, "k", &params.K) ||
		!w.queryParam(rw, r, "report_id", &params.ReportID) {
		return
	}
	w.handler.Search(rw, r, params)
}

func (w *wrapper) listProposals(rw http.ResponseWriter, r *http.Request) {
	var params ListProposalsParams
	if !w.queryParam(rw, r, "report_id", &params.ReportID) ||
		!w.queryParam(rw, r, "state", &params.State) {
		return
	}
	w.handler.ListProposals(rw, r, params)
}

func (w *wrapper) reviewProposal(rw http.ResponseWriter, r *http.Request) {
	if id, ok := w.pathParam(rw, r, "proposal_id"); ok {
		w.handler.ReviewProposal(rw, r, id)
	}
}

func (w *wrapper) rejectProposal(rw http.ResponseWriter, r *http.Request) {
	if id, ok := w.pathParam(rw, r, "proposal_id"); ok {
		w.handler.RejectProposal(rw, r, id)
	}
}

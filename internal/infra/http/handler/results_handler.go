package handler

import (
	"net/http"

	scansvc "github.com/openctemio/scanregistry/internal/app/scan"
	"github.com/openctemio/scanregistry/pkg/logger"
)

// ResultsHandler serves filtered scan results read from output directories.
type ResultsHandler struct {
	service *scansvc.Service
	logger  *logger.Logger
}

// NewResultsHandler creates a new ResultsHandler.
func NewResultsHandler(service *scansvc.Service, log *logger.Logger) *ResultsHandler {
	return &ResultsHandler{
		service: service,
		logger:  log.With("handler", "results"),
	}
}

// GetResults handles
// GET /api/v1/results?output_dir=&filter_level=&actionable_only=&scanners=&severities=
// An unrecognized filter_level yields the full view.
func (h *ResultsHandler) GetResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	actionable, perr := parseQueryBool(r, "actionable_only", false)
	if perr != nil {
		writeError(w, r, scansvc.OpGetScanResults, perr)
		return
	}

	params := scansvc.ResultsParams{
		OutputDir:      q.Get("output_dir"),
		FilterLevel:    q.Get("filter_level"),
		Scanners:       parseQueryArray(q.Get("scanners")),
		Severities:     parseQueryArray(q.Get("severities")),
		ActionableOnly: actionable,
	}
	view, err := h.service.GetResults(r.Context(), params)
	if err != nil {
		writeError(w, r, scansvc.OpGetScanResults, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetResultPaths handles GET /api/v1/results/paths?output_dir=.
func (h *ResultsHandler) GetResultPaths(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.GetResultPaths(r.Context(), r.URL.Query().Get("output_dir"))
	if err != nil {
		writeError(w, r, scansvc.OpGetResultPaths, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

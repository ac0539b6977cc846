package handler

import (
	"net/http"
	"time"

	scansvc "github.com/openctemio/scanregistry/internal/app/scan"
	"github.com/openctemio/scanregistry/pkg/apierror"
	"github.com/openctemio/scanregistry/pkg/domain/scan"
	"github.com/openctemio/scanregistry/pkg/logger"
	"github.com/openctemio/scanregistry/pkg/validator"
)

// PathParamFunc extracts a URL path parameter. The router package provides it
// so handlers stay router-agnostic.
type PathParamFunc func(r *http.Request, key string) string

// ScanHandler handles HTTP requests for scans.
type ScanHandler struct {
	service   *scansvc.Service
	validator *validator.Validator
	pathParam PathParamFunc
	logger    *logger.Logger
}

// NewScanHandler creates a new ScanHandler.
func NewScanHandler(service *scansvc.Service, v *validator.Validator, pathParam PathParamFunc, log *logger.Logger) *ScanHandler {
	return &ScanHandler{
		service:   service,
		validator: v,
		pathParam: pathParam,
		logger:    log.With("handler", "scan"),
	}
}

// --- Request/Response Types ---

// CleanupOldRequest is the body of POST /scans/cleanup.
type CleanupOldRequest struct {
	MaxAgeHours  *float64 `json:"max_age_hours" validate:"omitempty,gte=0"`
	RemoveOutput bool     `json:"remove_output"`
}

// DefaultCleanupMaxAgeHours applies when the cleanup request omits max_age_hours.
const DefaultCleanupMaxAgeHours = 24.0

// ScanResponse wraps one registry snapshot.
type ScanResponse struct {
	Success   bool          `json:"success"`
	Scan      scan.Snapshot `json:"scan"`
	Timestamp string        `json:"timestamp"`
}

// ProgressResponse wraps a progress report.
type ProgressResponse struct {
	Success bool `json:"success"`
	*scansvc.ProgressReport
	Timestamp string `json:"timestamp"`
}

func now() string {
	return time.Now().Format(time.RFC3339Nano)
}

// --- Handlers ---

// StartScan handles POST /api/v1/scans.
func (h *ScanHandler) StartScan(w http.ResponseWriter, r *http.Request) {
	var req scansvc.StartParams
	if err := decodeJSON(r, h.validator, &req); err != nil {
		writeError(w, r, scansvc.OpStartScan, err)
		return
	}

	result, err := h.service.StartScan(r.Context(), req)
	if err != nil {
		writeError(w, r, scansvc.OpStartScan, err)
		return
	}

	h.logger.WithContext(r.Context()).Info("scan started via api", "scan_id", result.ScanID)
	writeJSON(w, http.StatusAccepted, result)
}

// ListScans handles GET /api/v1/scans. active_only restricts the listing to
// pending and running scans; directory filters by scanned directory.
func (h *ScanHandler) ListScans(w http.ResponseWriter, r *http.Request) {
	activeOnly, perr := parseQueryBool(r, "active_only", false)
	if perr != nil {
		writeError(w, r, scansvc.OpListAllScans, perr)
		return
	}

	if activeOnly {
		writeJSON(w, http.StatusOK, h.service.ListActiveScans(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, h.service.ListAllScans(r.Context(), r.URL.Query().Get("directory")))
}

// GetStats handles GET /api/v1/scans/stats.
func (h *ScanHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.GetScanStatistics(r.Context()))
}

// GetByDirectory handles GET /api/v1/scans/by-directory?path=.
func (h *ScanHandler) GetByDirectory(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, r, scansvc.OpGetScanByDirectory, apierror.InvalidParameter("path query parameter is required"))
		return
	}

	snap, ok := h.service.GetScanByDirectory(r.Context(), path)
	if !ok {
		writeError(w, r, scansvc.OpGetScanByDirectory,
			apierror.Newf(apierror.CategoryScanNotFound, "No active scan for directory %s", path).
				WithContext("directory_path", path).
				WithSuggestions("Start a scan of the directory first", "List all scans to find finished ones"))
		return
	}
	writeJSON(w, http.StatusOK, ScanResponse{Success: true, Scan: *snap, Timestamp: now()})
}

// GetScan handles GET /api/v1/scans/{id}.
func (h *ScanHandler) GetScan(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.GetScan(r.Context(), h.pathParam(r, "id"))
	if err != nil {
		writeError(w, r, scansvc.OpGetScan, err)
		return
	}
	writeJSON(w, http.StatusOK, ScanResponse{Success: true, Scan: snap, Timestamp: now()})
}

// GetProgress handles GET /api/v1/scans/{id}/progress.
func (h *ScanHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.CheckScanProgress(r.Context(), h.pathParam(r, "id"))
	if err != nil {
		writeError(w, r, scansvc.OpCheckScanProgress, err)
		return
	}
	writeJSON(w, http.StatusOK, ProgressResponse{Success: true, ProgressReport: report, Timestamp: now()})
}

// CancelScan handles POST /api/v1/scans/{id}/cancel. A scan that is already
// finished answers 409 with the unsuccessful result.
func (h *ScanHandler) CancelScan(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.CancelScan(r.Context(), h.pathParam(r, "id"))
	if err != nil {
		writeError(w, r, scansvc.OpCancelScan, err)
		return
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

// DeleteScan handles DELETE /api/v1/scans/{id}?remove_output=.
func (h *ScanHandler) DeleteScan(w http.ResponseWriter, r *http.Request) {
	removeOutput, perr := parseQueryBool(r, "remove_output", false)
	if perr != nil {
		writeError(w, r, scansvc.OpCleanupScanResources, perr)
		return
	}

	result, err := h.service.CleanupScanResources(r.Context(), h.pathParam(r, "id"), removeOutput)
	if err != nil {
		writeError(w, r, scansvc.OpCleanupScanResources, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ArchiveScan handles POST /api/v1/scans/{id}/archive.
func (h *ScanHandler) ArchiveScan(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ArchiveResults(r.Context(), h.pathParam(r, "id"))
	if err != nil {
		writeError(w, r, scansvc.OpArchiveResults, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CleanupOld handles POST /api/v1/scans/cleanup.
func (h *ScanHandler) CleanupOld(w http.ResponseWriter, r *http.Request) {
	var req CleanupOldRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, h.validator, &req); err != nil {
			writeError(w, r, scansvc.OpCleanupOldScans, err)
			return
		}
	}

	maxAge := DefaultCleanupMaxAgeHours
	if req.MaxAgeHours != nil {
		maxAge = *req.MaxAgeHours
	}

	result, err := h.service.CleanupOldScans(r.Context(), maxAge, req.RemoveOutput)
	if err != nil {
		writeError(w, r, scansvc.OpCleanupOldScans, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

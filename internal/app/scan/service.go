package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/openctemio/scanregistry/internal/infra/archive"
	"github.com/openctemio/scanregistry/internal/infra/gitinfo"
	"github.com/openctemio/scanregistry/internal/infra/telemetry"
	"github.com/openctemio/scanregistry/internal/metrics"
	"github.com/openctemio/scanregistry/pkg/apierror"
	"github.com/openctemio/scanregistry/pkg/domain/scan"
	"github.com/openctemio/scanregistry/pkg/logger"
	"github.com/openctemio/scanregistry/pkg/parsers/ashresults"
	"github.com/openctemio/scanregistry/pkg/validator"
)

// Operation names reported in failure envelopes.
const (
	OpStartScan            = "start_scan"
	OpListActiveScans      = "list_active_scans"
	OpListAllScans         = "list_all_scans"
	OpGetScan              = "get_scan"
	OpCancelScan           = "cancel_scan"
	OpCleanupScanResources = "cleanup_scan_resources"
	OpCleanupOldScans      = "cleanup_old_scans"
	OpGetScanStatistics    = "get_scan_statistics"
	OpGetScanByDirectory   = "get_scan_by_directory"
	OpCheckScanProgress    = "check_scan_progress"
	OpGetScanResults       = "get_scan_results"
	OpGetResultPaths       = "get_scan_result_paths"
	OpArchiveResults       = "archive_scan_results"
)

// DefaultCleanupConcurrency bounds parallel cleanups in CleanupOldScans.
const DefaultCleanupConcurrency = 4

var scanIDSuggestions = []string{
	"Check that the scan ID is correct",
	"Verify that the scan exists in the registry",
	"Ensure the scan ID format is valid",
}

// ========== Collaborators ==========

// Launcher starts the scanner process of a registered scan.
type Launcher interface {
	Launch(snap scan.Snapshot)
}

// Watcher follows a scan's progress in the background.
type Watcher interface {
	Start(ctx context.Context, scanID string)
}

// Archiver uploads a finished scan's artifacts.
type Archiver interface {
	Archive(ctx context.Context, scanID, outputDir string) (*archive.Result, error)
}

// GitInspector resolves repository metadata of a directory.
type GitInspector func(dir string) (gitinfo.Info, error)

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLauncher sets the process launcher used by StartScan.
func WithLauncher(l Launcher) ServiceOption {
	return func(s *Service) { s.launcher = l }
}

// WithWatcher sets the progress watcher used by StartScan.
func WithWatcher(w Watcher) ServiceOption {
	return func(s *Service) { s.watcher = w }
}

// WithArchiver enables ArchiveResults.
func WithArchiver(a Archiver) ServiceOption {
	return func(s *Service) { s.archiver = a }
}

// WithGitInspector replaces the repository metadata lookup.
func WithGitInspector(fn GitInspector) ServiceOption {
	return func(s *Service) { s.git = fn }
}

// WithTracer sets the tracer for service spans.
func WithTracer(t trace.Tracer) ServiceOption {
	return func(s *Service) { s.tracer = t }
}

// WithCleanupConcurrency bounds parallel cleanups.
func WithCleanupConcurrency(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.cleanupConcurrency = n
		}
	}
}

// WithServiceClock sets the time source for timestamps and age checks.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDefaultSeverity sets the severity used when StartScan receives none.
func WithDefaultSeverity(sev scan.SeverityThreshold) ServiceOption {
	return func(s *Service) {
		if sev.IsValid() {
			s.defaultSeverity = sev
		}
	}
}

// WithOutputRoots allows cleanup to delete caller-chosen output
// directories located under one of roots.
func WithOutputRoots(roots ...string) ServiceOption {
	return func(s *Service) {
		for _, root := range roots {
			if root != "" {
				s.outputRoots = append(s.outputRoots, filepath.Clean(root))
			}
		}
	}
}

// Service is the management façade over the registry. Every operation
// returns either a result value or a categorized *apierror.Error.
type Service struct {
	registry *Registry
	logger   *logger.Logger
	tracer   trace.Tracer

	launcher Launcher
	watcher  Watcher
	archiver Archiver
	git      GitInspector

	cleanupConcurrency int
	defaultSeverity    scan.SeverityThreshold
	outputRoots        []string
	now                func() time.Time
}

// NewService creates the management façade.
func NewService(registry *Registry, log *logger.Logger, opts ...ServiceOption) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Service{
		registry:           registry,
		logger:             log.With("component", "scan_service"),
		tracer:             telemetry.Tracer(nil),
		git:                gitinfo.Head,
		cleanupConcurrency: DefaultCleanupConcurrency,
		defaultSeverity:    scan.DefaultSeverityThreshold,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the underlying registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

func (s *Service) timestamp() string {
	return s.now().Format(time.RFC3339Nano)
}

// fail converts err to a categorized error, records it and attaches
// suggestions when the error carries none.
func (s *Service) fail(ctx context.Context, op string, err error, suggestions ...string) *apierror.Error {
	apiErr := apierror.FromError(err)
	if len(apiErr.Suggestions) == 0 && len(suggestions) > 0 {
		apiErr = apiErr.WithSuggestions(suggestions...)
	}
	metrics.OperationErrors.WithLabelValues(op, string(apiErr.Category)).Inc()
	s.logger.WithContext(ctx).Warn("scan operation failed",
		"operation", op,
		"error_category", string(apiErr.Category),
		"error", apiErr.Message,
	)
	return apiErr
}

// ========== Results ==========

// ScanListResult lists registry entries.
type ScanListResult struct {
	Success   bool            `json:"success" yaml:"success"`
	Operation string          `json:"operation" yaml:"operation"`
	Scans     []scan.Snapshot `json:"scans" yaml:"scans"`
	Count     int             `json:"count" yaml:"count"`
	Timestamp string          `json:"timestamp" yaml:"timestamp"`
}

// CancelResult is the outcome of CancelScan. Success is false when the scan
// was already finished or could not be cancelled.
type CancelResult struct {
	Success       bool              `json:"success" yaml:"success"`
	ScanID        string            `json:"scan_id" yaml:"scan_id"`
	Message       string            `json:"message" yaml:"message"`
	Status        scan.Status       `json:"status" yaml:"status"`
	ErrorCategory apierror.Category `json:"error_category,omitempty" yaml:"error_category,omitempty"`
	Suggestions   []string          `json:"suggestions,omitempty" yaml:"suggestions,omitempty"`
	Timestamp     string            `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
}

// CleanupResult is the outcome of CleanupScanResources.
type CleanupResult struct {
	Success             bool     `json:"success" yaml:"success"`
	ScanID              string   `json:"scan_id" yaml:"scan_id"`
	RemovedOutput       bool     `json:"removed_output" yaml:"removed_output"`
	RemovedFromRegistry bool     `json:"removed_from_registry" yaml:"removed_from_registry"`
	Message             string   `json:"message" yaml:"message"`
	Timestamp           string   `json:"timestamp" yaml:"timestamp"`
	OutputDirError      string   `json:"output_dir_error,omitempty" yaml:"output_dir_error,omitempty"`
	Warnings            []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// CleanupOldResult is the outcome of CleanupOldScans.
type CleanupOldResult struct {
	Success        bool     `json:"success" yaml:"success"`
	CleanedUpCount int      `json:"cleaned_up_count" yaml:"cleaned_up_count"`
	FailedCount    int      `json:"failed_count" yaml:"failed_count"`
	CleanedUpScans []string `json:"cleaned_up_scans" yaml:"cleaned_up_scans"`
	FailedCleanups []string `json:"failed_cleanups" yaml:"failed_cleanups"`
	Message        string   `json:"message" yaml:"message"`
	Timestamp      string   `json:"timestamp" yaml:"timestamp"`
	MaxAgeHours    float64  `json:"max_age_hours" yaml:"max_age_hours"`
	RemoveOutput   bool     `json:"remove_output" yaml:"remove_output"`
}

// StatisticsResult summarizes the registry.
type StatisticsResult struct {
	Success      bool                `json:"success" yaml:"success"`
	TotalScans   int                 `json:"total_scans" yaml:"total_scans"`
	ActiveScans  int                 `json:"active_scans" yaml:"active_scans"`
	StatusCounts map[scan.Status]int `json:"status_counts" yaml:"status_counts"`
	Timestamp    string              `json:"timestamp" yaml:"timestamp"`
}

// ArchiveResult is the outcome of ArchiveResults.
type ArchiveResult struct {
	Success   bool             `json:"success" yaml:"success"`
	ScanID    string           `json:"scan_id" yaml:"scan_id"`
	Bucket    string           `json:"bucket" yaml:"bucket"`
	Objects   []archive.Object `json:"objects" yaml:"objects"`
	Timestamp string           `json:"timestamp" yaml:"timestamp"`
}

// ========== Registry queries ==========

// ListActiveScans lists pending and running scans.
func (s *Service) ListActiveScans(ctx context.Context) *ScanListResult {
	return s.list(ctx, OpListActiveScans, true, "")
}

// ListAllScans lists every tracked scan, optionally for one directory.
func (s *Service) ListAllScans(ctx context.Context, directoryPath string) *ScanListResult {
	return s.list(ctx, OpListAllScans, false, directoryPath)
}

func (s *Service) list(ctx context.Context, op string, activeOnly bool, directoryPath string) *ScanListResult {
	_, span := telemetry.StartSpan(ctx, s.tracer, "scan."+op,
		attribute.Bool("active_only", activeOnly))
	defer span.End()

	scans := s.registry.ListScans(activeOnly, directoryPath)
	return &ScanListResult{
		Success:   true,
		Operation: op,
		Scans:     scans,
		Count:     len(scans),
		Timestamp: s.timestamp(),
	}
}

// GetScan returns the snapshot of one scan.
func (s *Service) GetScan(ctx context.Context, scanID string) (scan.Snapshot, error) {
	if err := validator.ValidateScanID(scanID); err != nil {
		return scan.Snapshot{}, s.fail(ctx, OpGetScan, err, scanIDSuggestions...)
	}
	snap, ok := s.registry.GetScan(scanID)
	if !ok {
		return scan.Snapshot{}, s.fail(ctx, OpGetScan, scanNotFound(scanID))
	}
	return snap, nil
}

// CheckScanExists reports whether the registry tracks scanID.
func (s *Service) CheckScanExists(_ context.Context, scanID string) bool {
	_, ok := s.registry.GetScan(scanID)
	return ok
}

// GetScanByDirectory returns the active scan of a directory, if any.
func (s *Service) GetScanByDirectory(_ context.Context, directoryPath string) (*scan.Snapshot, bool) {
	snap, ok := s.registry.GetScanByDirectory(directoryPath)
	if !ok {
		return nil, false
	}
	return &snap, true
}

// GetScanStatistics reports registry counts.
func (s *Service) GetScanStatistics(_ context.Context) *StatisticsResult {
	return &StatisticsResult{
		Success:      true,
		TotalScans:   s.registry.ScanCount(),
		ActiveScans:  s.registry.ActiveScanCount(),
		StatusCounts: s.registry.ScanStatusCounts(),
		Timestamp:    s.timestamp(),
	}
}

// CheckScanProgress rebuilds the progress of a scan from its output directory.
func (s *Service) CheckScanProgress(ctx context.Context, scanID string) (report *ProgressReport, err error) {
	ctx, span := telemetry.StartSpan(ctx, s.tracer, "scan.check_progress",
		attribute.String("scan_id", scanID))
	defer func() { telemetry.EndSpan(span, err) }()

	if verr := validator.ValidateScanID(scanID); verr != nil {
		return nil, s.fail(ctx, OpCheckScanProgress, verr, scanIDSuggestions...)
	}

	metrics.ProgressChecks.Inc()
	report, err = s.registry.CheckScanProgress(ctx, scanID)
	if err != nil {
		return nil, s.fail(ctx, OpCheckScanProgress, err)
	}
	return report, nil
}

// ========== Lifecycle operations ==========

// CancelScan cancels an active scan.
func (s *Service) CancelScan(ctx context.Context, scanID string) (result *CancelResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, s.tracer, "scan.cancel",
		attribute.String("scan_id", scanID))
	defer func() { telemetry.EndSpan(span, err) }()

	if verr := validator.ValidateScanID(scanID); verr != nil {
		return nil, s.fail(ctx, OpCancelScan, verr, scanIDSuggestions...)
	}

	snap, ok := s.registry.GetScan(scanID)
	if !ok {
		return nil, s.fail(ctx, OpCancelScan, scanNotFound(scanID).WithSuggestions(
			"Check that the scan ID is correct",
			"Verify that the scan exists in the registry",
			"The scan may have been cleaned up already",
		))
	}

	if !snap.IsActive() {
		return &CancelResult{
			Success: false,
			ScanID:  scanID,
			Message: fmt.Sprintf("Scan is already in %s state and cannot be cancelled", snap.Status),
			Status:  snap.Status,
			Suggestions: []string{
				"No action needed as the scan is already completed/failed/cancelled",
				"Use get_scan_results to retrieve results if the scan is completed",
				"Start a new scan if needed",
			},
		}, nil
	}

	cancelled, cerr := s.registry.CancelScan(ctx, scanID)
	if cerr != nil {
		apiErr := apierror.FromError(cerr)
		metrics.ScanCancelErrors.WithLabelValues(string(apiErr.Category)).Inc()
		if apiErr.Category == apierror.CategoryUnexpected {
			s.logger.WithContext(ctx).WithScan(scanID).Error("unexpected error cancelling scan", "error", cerr)
			return nil, s.fail(ctx, OpCancelScan,
				apierror.Unexpected(fmt.Sprintf("Unexpected error cancelling scan: %v", cerr), cerr).
					WithContext("scan_id", scanID))
		}
		return nil, s.fail(ctx, OpCancelScan, apiErr.WithSuggestions(
			"Check if you have permission to cancel the scan",
			"Verify that the scan process is still running",
			"The scan may have completed or failed during cancellation attempt",
		))
	}

	if !cancelled {
		current, _ := s.registry.GetScan(scanID)
		status := current.Status
		if status == "" {
			status = snap.Status
		}
		return &CancelResult{
			Success:       false,
			ScanID:        scanID,
			Message:       "Failed to cancel scan",
			Status:        status,
			ErrorCategory: apierror.CategoryUnexpected,
			Suggestions: []string{
				"The scan may have completed or failed during cancellation attempt",
				"Check scan status using get_scan_progress",
				"Try again if the scan is still active",
			},
		}, nil
	}

	metrics.ScansFinished.WithLabelValues(string(scan.StatusCancelled)).Inc()
	return &CancelResult{
		Success:   true,
		ScanID:    scanID,
		Message:   "Scan cancelled successfully",
		Status:    scan.StatusCancelled,
		Timestamp: s.timestamp(),
	}, nil
}

// CleanupScanResources cancels the scan if active, optionally removes its
// output directory and drops it from the registry.
func (s *Service) CleanupScanResources(ctx context.Context, scanID string, removeOutput bool) (result *CleanupResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, s.tracer, "scan.cleanup",
		attribute.String("scan_id", scanID),
		attribute.Bool("remove_output", removeOutput))
	defer func() { telemetry.EndSpan(span, err) }()

	if verr := validator.ValidateScanID(scanID); verr != nil {
		return nil, s.fail(ctx, OpCleanupScanResources, verr, scanIDSuggestions...)
	}

	snap, ok := s.registry.GetScan(scanID)
	if !ok {
		return nil, s.fail(ctx, OpCleanupScanResources, scanNotFound(scanID).WithSuggestions(
			"Check that the scan ID is correct",
			"Verify that the scan exists in the registry",
			"The scan may have been cleaned up already",
		))
	}

	if removeOutput && snap.OutputDirectory != "" && !s.outputRemovable(snap) {
		return nil, s.fail(ctx, OpCleanupScanResources, apierror.Newf(apierror.CategoryPermissionDenied,
			"Refusing to remove output directory %s: it was not created by this service and is outside the configured output roots",
			snap.OutputDirectory).
			WithContext("scan_id", scanID).
			WithContext("output_directory", snap.OutputDirectory).
			WithSuggestions(
				"Retry without remove_output to keep the directory",
				"Add a parent directory to SCAN_OUTPUT_ROOTS to allow removal",
			))
	}

	log := s.logger.WithContext(ctx).WithScan(scanID)

	var warnings []string
	if snap.IsActive() {
		res, cerr := s.CancelScan(ctx, scanID)
		switch {
		case cerr != nil:
			log.Warn("failed to cancel scan during cleanup", "error", cerr)
			warnings = append(warnings, fmt.Sprintf("Scan could not be cancelled: %v", cerr))
		case !res.Success:
			log.Warn("failed to cancel scan during cleanup", "message", res.Message)
			warnings = append(warnings, fmt.Sprintf("Scan could not be cancelled: %s (status %s)", res.Message, res.Status))
		}
	}

	removedOutput := false
	outputDirError := ""
	if removeOutput && snap.OutputDirectory != "" {
		removedOutput, outputDirError = removeOutputDirectory(snap.OutputDirectory)
		if outputDirError != "" {
			log.Error("failed to remove output directory", "output_directory", snap.OutputDirectory, "error", outputDirError)
		}
	}

	removed := s.registry.CleanupScan(scanID)

	result = &CleanupResult{
		Success:             removed,
		ScanID:              scanID,
		RemovedOutput:       removedOutput,
		RemovedFromRegistry: removed,
		Message:             "Failed to clean up scan resources",
		Timestamp:           s.timestamp(),
	}
	if removed {
		result.Message = "Scan resources cleaned up successfully"
	}
	if outputDirError != "" {
		result.OutputDirError = outputDirError
		warnings = append(warnings, "Output directory could not be removed, but scan was removed from registry")
	}
	result.Warnings = warnings
	return result, nil
}

// outputRemovable reports whether cleanup may delete the scan's output
// directory: the service created it, it is the default location under
// the scanned directory, or it resolves under a configured output root.
func (s *Service) outputRemovable(snap scan.Snapshot) bool {
	if snap.OwnsOutput {
		return true
	}
	dir := filepath.Clean(snap.OutputDirectory)
	if dir == ashresults.ResolveOutputDirectory(snap.DirectoryPath, "") {
		return true
	}
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}
	for _, root := range s.outputRoots {
		if resolvedRoot, err := filepath.EvalSymlinks(root); err == nil {
			root = resolvedRoot
		}
		if isWithin(root, dir) {
			return true
		}
	}
	return false
}

// isWithin reports whether path is strictly below root.
func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// removeOutputDirectory deletes dir. A directory that is already gone
// counts as removed.
func removeOutputDirectory(dir string) (bool, string) {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, ""
		}
		if errors.Is(err, fs.ErrPermission) {
			return false, fmt.Sprintf("Permission denied: Cannot remove output directory: %v", err)
		}
		return false, fmt.Sprintf("Failed to remove output directory: %v", err)
	}
	if !info.IsDir() {
		return false, ""
	}

	if err := os.RemoveAll(dir); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return false, fmt.Sprintf("Permission denied: Cannot remove output directory: %v", err)
		}
		return false, fmt.Sprintf("Failed to remove output directory: %v", err)
	}
	return true, ""
}

// CleanupOldScans cleans up finished scans whose end time (or start time)
// is older than maxAgeHours. Scans are cleaned independently: one failure
// does not stop the others.
func (s *Service) CleanupOldScans(ctx context.Context, maxAgeHours float64, removeOutput bool) (*CleanupOldResult, error) {
	ctx, span := telemetry.StartSpan(ctx, s.tracer, "scan.cleanup_old",
		attribute.Float64("max_age_hours", maxAgeHours))
	defer span.End()

	if maxAgeHours < 0 {
		return nil, s.fail(ctx, OpCleanupOldScans,
			apierror.Newf(apierror.CategoryInvalidParameter, "max_age_hours must not be negative: %v", maxAgeHours))
	}

	cutoff := s.now().Add(-time.Duration(maxAgeHours * float64(time.Hour)))

	var candidates []string
	for _, snap := range s.registry.ListScans(false, "") {
		if !snap.Status.IsTerminal() {
			continue
		}
		ref := snap.StartTime
		if snap.EndTime != nil {
			ref = *snap.EndTime
		}
		if ref.Before(cutoff) {
			candidates = append(candidates, snap.ScanID)
		}
	}

	var (
		mu      sync.Mutex
		cleaned = make([]string, 0, len(candidates))
		failed  = make([]string, 0)
	)

	g := new(errgroup.Group)
	g.SetLimit(s.cleanupConcurrency)
	for _, id := range candidates {
		g.Go(func() error {
			ok := s.cleanupOne(ctx, id, removeOutput)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				cleaned = append(cleaned, id)
			} else {
				failed = append(failed, id)
			}
			return nil
		})
	}
	_ = g.Wait()

	metrics.ScansSwept.Add(float64(len(cleaned)))

	return &CleanupOldResult{
		Success:        len(failed) == 0,
		CleanedUpCount: len(cleaned),
		FailedCount:    len(failed),
		CleanedUpScans: cleaned,
		FailedCleanups: failed,
		Message:        fmt.Sprintf("Cleaned up %d old scans, %d failed", len(cleaned), len(failed)),
		Timestamp:      s.timestamp(),
		MaxAgeHours:    maxAgeHours,
		RemoveOutput:   removeOutput,
	}, nil
}

func (s *Service) cleanupOne(ctx context.Context, scanID string, removeOutput bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic cleaning up scan", "scan_id", scanID, "panic", r)
			ok = false
		}
	}()

	if snap, found := s.registry.GetScan(scanID); found && removeOutput && !s.outputRemovable(snap) {
		s.logger.WithContext(ctx).Warn("keeping output directory outside managed locations",
			"scan_id", scanID, "output_directory", snap.OutputDirectory)
		removeOutput = false
	}

	res, err := s.CleanupScanResources(ctx, scanID, removeOutput)
	if err != nil {
		s.logger.WithContext(ctx).Error("error cleaning up scan", "scan_id", scanID, "error", err)
		return false
	}
	return res.Success
}

// ArchiveResults uploads the scan's aggregate and report files.
func (s *Service) ArchiveResults(ctx context.Context, scanID string) (result *ArchiveResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, s.tracer, "scan.archive",
		attribute.String("scan_id", scanID))
	defer func() { telemetry.EndSpan(span, err) }()

	if s.archiver == nil {
		return nil, s.fail(ctx, OpArchiveResults,
			apierror.InvalidParameter("Result archival is not configured").
				WithSuggestions("Set archive.bucket in the service configuration"))
	}

	snap, gerr := s.GetScan(ctx, scanID)
	if gerr != nil {
		return nil, gerr
	}
	if snap.Status != scan.StatusCompleted {
		return nil, s.fail(ctx, OpArchiveResults,
			apierror.Newf(apierror.CategoryScanIncomplete,
				"Scan %s is %s. Only completed scans can be archived.", scanID, snap.Status).
				WithContext("scan_id", scanID).
				WithContext("status", string(snap.Status)))
	}

	res, aerr := s.archiver.Archive(ctx, scanID, snap.OutputDirectory)
	if aerr != nil {
		metrics.ArchiveUploads.WithLabelValues("failed").Inc()
		if errors.Is(aerr, archive.ErrNoArtifacts) {
			return nil, s.fail(ctx, OpArchiveResults,
				apierror.Newf(apierror.CategoryFileNotFound, "No result files found in %s", snap.OutputDirectory).
					WithContext("scan_id", scanID))
		}
		return nil, s.fail(ctx, OpArchiveResults,
			apierror.Unexpected(fmt.Sprintf("Failed to archive scan results: %v", aerr), aerr).
				WithContext("scan_id", scanID))
	}

	metrics.ArchiveUploads.WithLabelValues("success").Inc()
	for _, obj := range res.Objects {
		metrics.ArchiveBytes.Add(float64(obj.CompressedSize))
	}

	return &ArchiveResult{
		Success:   true,
		ScanID:    scanID,
		Bucket:    res.Bucket,
		Objects:   res.Objects,
		Timestamp: s.timestamp(),
	}, nil
}

func scanNotFound(scanID string) *apierror.Error {
	return apierror.Newf(apierror.CategoryScanNotFound, "Scan %s not found", scanID).
		WithContext("scan_id", scanID)
}

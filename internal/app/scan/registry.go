package scan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/openctemio/scanregistry/pkg/apierror"
	"github.com/openctemio/scanregistry/pkg/domain/progress"
	"github.com/openctemio/scanregistry/pkg/domain/scan"
	"github.com/openctemio/scanregistry/pkg/logger"
	"github.com/openctemio/scanregistry/pkg/parsers/ashresults"
	"github.com/openctemio/scanregistry/pkg/validator"
)

// Signaler delivers a termination request to an OS process.
type Signaler interface {
	Terminate(pid int) error
}

// unixSignaler sends SIGTERM.
type unixSignaler struct{}

func (unixSignaler) Terminate(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}

// RegisterParams holds the inputs of RegisterScan.
type RegisterParams struct {
	DirectoryPath     string
	OutputDirectory   string
	SeverityThreshold string // defaults to MEDIUM
	ConfigPath        string
	ScanID            string // generated when empty

	// OwnsOutput marks OutputDirectory as created for this scan.
	OwnsOutput bool
}

// ProgressReport merges a registry entry with the progress rebuilt from
// its output directory.
type ProgressReport struct {
	ScanID            string                                          `json:"scan_id" yaml:"scan_id"`
	DirectoryPath     string                                          `json:"directory_path" yaml:"directory_path"`
	OutputDirectory   string                                          `json:"output_directory" yaml:"output_directory"`
	StartTime         time.Time                                       `json:"start_time" yaml:"start_time"`
	EndTime           *time.Time                                      `json:"end_time" yaml:"end_time"`
	Status            scan.Status                                     `json:"status" yaml:"status"`
	SeverityThreshold string                                          `json:"severity_threshold" yaml:"severity_threshold"`
	ConfigPath        *string                                         `json:"config_path" yaml:"config_path"`
	Warnings          []string                                        `json:"warnings" yaml:"warnings"`
	ErrorMessage      *string                                         `json:"error_message" yaml:"error_message"`
	IsComplete        bool                                            `json:"is_complete" yaml:"is_complete"`
	CompletedScanners int                                             `json:"completed_scanners" yaml:"completed_scanners"`
	TotalScanners     int                                             `json:"total_scanners" yaml:"total_scanners"`
	TotalFindings     int                                             `json:"total_findings" yaml:"total_findings"`
	SeverityCounts    progress.SeverityCounts                         `json:"severity_counts" yaml:"severity_counts"`
	Scanners          map[string]map[string]*progress.ScannerProgress `json:"scanners" yaml:"scanners"`
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock sets the time source used for entry timestamps and age checks.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithSignaler replaces the process signal delivery.
func WithSignaler(s Signaler) RegistryOption {
	return func(r *Registry) {
		if s != nil {
			r.signaler = s
		}
	}
}

// WithDirectoryValidation toggles the filesystem checks of RegisterScan.
func WithDirectoryValidation(enabled bool) RegistryOption {
	return func(r *Registry) {
		r.validateDirs = enabled
	}
}

// Registry tracks scans of the current process.
// A single mutex guards the scans map; filesystem work happens outside it.
type Registry struct {
	mu    sync.Mutex
	scans map[string]*scan.Entry

	logger       *logger.Logger
	reader       *ashresults.Reader
	signaler     Signaler
	now          func() time.Time
	validateDirs bool
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger, opts ...RegistryOption) *Registry {
	if log == nil {
		log = logger.NewNop()
	}
	r := &Registry{
		scans:        make(map[string]*scan.Entry),
		logger:       log.With("component", "scan_registry"),
		signaler:     unixSignaler{},
		now:          time.Now,
		validateDirs: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.reader = ashresults.NewReader(r.logger)
	return r
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry, creating it on first use.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(logger.NewDefault())
	})
	return defaultRegistry
}

// RegisterScan validates params and stores a new pending entry.
func (r *Registry) RegisterScan(ctx context.Context, params RegisterParams) (string, error) {
	severity, err := r.validateRegistration(params)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	scanID := params.ScanID
	if scanID == "" {
		scanID = uuid.New().String()
	}

	if _, exists := r.scans[scanID]; exists {
		return "", apierror.Newf(apierror.CategoryInvalidParameter,
			"Scan ID %s already exists in registry", scanID).
			WithContext("scan_id", scanID)
	}

	for id, entry := range r.scans {
		if entry.DirectoryPath == params.DirectoryPath && entry.IsActive() {
			return "", apierror.Newf(apierror.CategoryResourceExhausted,
				"Directory %s already has an active scan", params.DirectoryPath).
				WithContext("directory_path", params.DirectoryPath).
				WithContext("existing_scan_id", id)
		}
	}

	entry := scan.NewEntryWithClock(scanID, params.DirectoryPath, params.OutputDirectory,
		severity, params.ConfigPath, r.now)
	entry.OwnsOutput = params.OwnsOutput
	r.scans[scanID] = entry

	r.logger.WithContext(ctx).Info("registered scan",
		"scan_id", scanID,
		"directory_path", params.DirectoryPath,
		"output_directory", params.OutputDirectory,
	)
	return scanID, nil
}

func (r *Registry) validateRegistration(params RegisterParams) (scan.SeverityThreshold, error) {
	if r.validateDirs {
		if err := validator.ValidateDirectoryPath(params.DirectoryPath); err != nil {
			return "", err
		}
		if err := validator.ValidateDirectoryPath(params.OutputDirectory); err != nil {
			return "", err.WithContext("output_directory", params.OutputDirectory)
		}
	}

	raw := params.SeverityThreshold
	if raw == "" {
		raw = string(scan.DefaultSeverityThreshold)
	}
	if err := validator.ValidateSeverityThreshold(raw); err != nil {
		return "", err
	}
	severity, _ := scan.ParseSeverityThreshold(raw)

	if err := validator.ValidateConfigPath(params.ConfigPath); err != nil {
		return "", err
	}
	return severity, nil
}

// GetScan returns a snapshot of the entry, or false when unknown.
func (r *Registry) GetScan(scanID string) (scan.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.scans[scanID]
	if !ok {
		return scan.Snapshot{}, false
	}
	return entry.Snapshot(), true
}

// GetScanByDirectory returns the active scan of directoryPath, if any.
func (r *Registry) GetScanByDirectory(directoryPath string) (scan.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.scans {
		if entry.DirectoryPath == directoryPath && entry.IsActive() {
			return entry.Snapshot(), true
		}
	}
	return scan.Snapshot{}, false
}

// UpdateScanStatus applies the transition matching status. A failed status
// without a message records "Unknown error".
func (r *Registry) UpdateScanStatus(scanID string, status scan.Status, errorMessage string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.scans[scanID]
	if !ok {
		return false
	}
	applyStatus(entry, status, errorMessage)
	return true
}

// FinishScan applies a terminal status only while the scan is still active,
// so a late process exit cannot overwrite a cancellation.
func (r *Registry) FinishScan(scanID string, status scan.Status, errorMessage string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.scans[scanID]
	if !ok || !entry.IsActive() {
		return false
	}
	applyStatus(entry, status, errorMessage)
	return true
}

func applyStatus(entry *scan.Entry, status scan.Status, errorMessage string) {
	switch status {
	case scan.StatusRunning:
		entry.MarkRunning(nil)
	case scan.StatusCompleted:
		entry.MarkCompleted()
	case scan.StatusFailed:
		if errorMessage == "" {
			errorMessage = "Unknown error"
		}
		entry.MarkFailed(errorMessage)
	case scan.StatusCancelled:
		entry.MarkCancelled()
	case scan.StatusPending:
		entry.Status = scan.StatusPending
	}
}

// MarkRunning records the scanner process of a pending scan.
func (r *Registry) MarkRunning(scanID string, pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.scans[scanID]
	if !ok || !entry.IsActive() {
		return false
	}
	entry.MarkRunning(&pid)
	return true
}

// AddWarning appends a warning to the entry.
func (r *Registry) AddWarning(scanID, warning string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.scans[scanID]
	if !ok {
		return false
	}
	entry.AddWarning(warning)
	return true
}

// SetGitContext records the repository HEAD of the scanned directory.
func (r *Registry) SetGitContext(scanID, commitSHA, branch string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.scans[scanID]
	if !ok {
		return false
	}
	entry.SetGitContext(commitSHA, branch)
	return true
}

// ListScans returns snapshots ordered by start time, optionally restricted
// to active scans and to one directory.
func (r *Registry) ListScans(activeOnly bool, directoryPath string) []scan.Snapshot {
	r.mu.Lock()
	out := make([]scan.Snapshot, 0, len(r.scans))
	for _, entry := range r.scans {
		if activeOnly && !entry.IsActive() {
			continue
		}
		if directoryPath != "" && entry.DirectoryPath != directoryPath {
			continue
		}
		out = append(out, entry.Snapshot())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ScanID < out[j].ScanID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// CancelScan terminates the scan's process, if any, and marks it cancelled.
// It returns false for unknown or finished scans. A process that no longer
// exists counts as stopped; any other signal failure leaves the scan as it was.
func (r *Registry) CancelScan(ctx context.Context, scanID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.scans[scanID]
	if !ok || !entry.IsActive() {
		return false, nil
	}

	log := r.logger.WithContext(ctx).WithScan(scanID)

	if entry.ProcessID != nil && *entry.ProcessID > 0 {
		pid := *entry.ProcessID
		if err := r.signaler.Terminate(pid); err != nil {
			switch {
			case errors.Is(err, unix.ESRCH):
				log.Warn("scan process not found, treating as stopped", "process_id", pid)
			case errors.Is(err, unix.EPERM):
				return false, apierror.Newf(apierror.CategoryPermissionDenied,
					"Permission denied when trying to terminate process %d", pid).
					WithContext("scan_id", scanID).
					WithContext("process_id", pid)
			default:
				return false, apierror.Unexpected(
					fmt.Sprintf("Error terminating process %d: %v", pid, err), err).
					WithContext("scan_id", scanID).
					WithContext("process_id", pid)
			}
		}
	}

	entry.MarkCancelled()
	log.Info("scan cancelled")
	return true, nil
}

// CleanupScan removes the entry regardless of its status.
func (r *Registry) CleanupScan(scanID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.scans[scanID]; !ok {
		return false
	}
	delete(r.scans, scanID)
	return true
}

// CleanupCompletedScans removes finished scans whose reference time is
// older than maxAge and returns how many were removed.
func (r *Registry) CleanupCompletedScans(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, entry := range r.scans {
		if entry.Status.IsTerminal() && entry.ReferenceTime().Before(cutoff) {
			delete(r.scans, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("cleaned up completed scans", "count", removed)
	}
	return removed
}

// ActiveScanCount returns the number of pending or running scans.
func (r *Registry) ActiveScanCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, entry := range r.scans {
		if entry.IsActive() {
			n++
		}
	}
	return n
}

// ScanCount returns the number of tracked scans.
func (r *Registry) ScanCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scans)
}

// ScanStatusCounts tallies entries per status. Every status is present.
func (r *Registry) ScanStatusCounts() map[scan.Status]int {
	counts := make(map[scan.Status]int, len(scan.AllStatuses()))
	for _, s := range scan.AllStatuses() {
		counts[s] = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.scans {
		counts[entry.Status]++
	}
	return counts
}

// CheckScanProgress rebuilds the scan's progress from its output directory
// and merges it with the registry entry. Seeing the aggregate file flips the
// entry to completed.
func (r *Registry) CheckScanProgress(ctx context.Context, scanID string) (*ProgressReport, error) {
	if err := validator.ValidateScanID(scanID); err != nil {
		return nil, err
	}

	snap, ok := r.GetScan(scanID)
	if !ok {
		return nil, apierror.Newf(apierror.CategoryScanNotFound,
			"Scan %s not found in registry", scanID).
			WithContext("scan_id", scanID).
			WithSuggestions(
				"Check that the scan ID is correct",
				"Verify that the scan exists in the registry",
				"The scan may have been cleaned up if it was completed a long time ago",
			)
	}

	outputDir := snap.OutputDirectory
	if err := validator.ValidateDirectoryPath(outputDir); err != nil {
		return nil, err.WithContext("scan_id", scanID)
	}

	if ashresults.CheckScanCompletion(outputDir) && snap.Status != scan.StatusCompleted {
		r.mu.Lock()
		if entry, found := r.scans[scanID]; found {
			if entry.Status != scan.StatusCompleted {
				entry.MarkCompleted()
			}
			snap = entry.Snapshot()
		}
		r.mu.Unlock()
	}

	sp, err := r.buildProgress(ctx, scanID, outputDir)
	if err != nil {
		r.logger.WithContext(ctx).WithScan(scanID).Error("error checking scan progress", "error", err)
		return nil, apierror.Unexpected(fmt.Sprintf("Failed to check scan progress: %v", err), err).
			WithContext("scan_id", scanID).
			WithContext("directory_path", snap.DirectoryPath).
			WithContext("output_directory", outputDir)
	}

	if snap.Status == scan.StatusCompleted && sp.Status != progress.StatusCompleted {
		sp.MarkCompleted()
	}

	return &ProgressReport{
		ScanID:            scanID,
		DirectoryPath:     snap.DirectoryPath,
		OutputDirectory:   outputDir,
		StartTime:         snap.StartTime,
		EndTime:           snap.EndTime,
		Status:            snap.Status,
		SeverityThreshold: snap.SeverityThreshold,
		ConfigPath:        snap.ConfigPath,
		Warnings:          snap.Warnings,
		ErrorMessage:      snap.ErrorMessage,
		IsComplete:        snap.Status == scan.StatusCompleted || sp.IsComplete(),
		CompletedScanners: sp.CompletedScanners(),
		TotalScanners:     sp.TotalScanners(),
		TotalFindings:     sp.TotalFindings(),
		SeverityCounts:    sp.SeverityCounts(),
		Scanners:          sp.Scanners,
	}, nil
}

// buildProgress turns a panic in the readers into an error.
func (r *Registry) buildProgress(ctx context.Context, scanID, outputDir string) (sp *progress.ScanProgress, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("reading progress files: %v", rec)
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.reader.CreateScanProgressFromFiles(ctx, scanID, outputDir), nil
}

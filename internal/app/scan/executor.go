package scan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openctemio/scanregistry/internal/metrics"
	"github.com/openctemio/scanregistry/pkg/domain/scan"
	"github.com/openctemio/scanregistry/pkg/logger"
	"github.com/openctemio/scanregistry/pkg/parsers/ashresults"
)

// DefaultScanCommand is the scanner executable.
const DefaultScanCommand = "ash"

// ExecutorConfig configures the scanner command.
type ExecutorConfig struct {
	// Command is the scanner executable (default: ash).
	Command string

	// ExtraArgs are appended after the generated arguments.
	ExtraArgs []string

	// Env entries are appended to the inherited environment.
	Env []string

	// WaitDelay bounds how long Wait blocks for I/O after the process is
	// signalled (default: 10s).
	WaitDelay time.Duration
}

// Executor runs one scanner process per registered scan and reports the
// outcome to the registry.
type Executor struct {
	registry *Registry
	logger   *logger.Logger
	config   ExecutorConfig
	now      func() time.Time

	wg sync.WaitGroup
}

// NewExecutor creates an executor.
func NewExecutor(registry *Registry, cfg ExecutorConfig, log *logger.Logger) *Executor {
	if cfg.Command == "" {
		cfg.Command = DefaultScanCommand
	}
	if cfg.WaitDelay == 0 {
		cfg.WaitDelay = 10 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Executor{
		registry: registry,
		logger:   log.With("component", "scan_executor"),
		config:   cfg,
		now:      time.Now,
	}
}

// Args returns the scanner arguments for a scan.
func (e *Executor) Args(snap scan.Snapshot) []string {
	args := []string{
		"--mode", "local",
		"--source-dir", snap.DirectoryPath,
		"--output-dir", snap.OutputDirectory,
		"--fail-on-findings", "false",
	}
	if snap.ConfigPath != nil {
		args = append(args, "--config", *snap.ConfigPath)
	}
	return append(args, e.config.ExtraArgs...)
}

// Launch starts the scanner process and returns once it is running or has
// failed to start. The outcome is recorded in the background.
func (e *Executor) Launch(snap scan.Snapshot) {
	log := e.logger.WithScan(snap.ScanID)

	// Cancellation goes through the registry's signaler, not a context.
	cmd := exec.CommandContext(context.Background(), e.config.Command, e.Args(snap)...)
	cmd.Dir = snap.DirectoryPath
	cmd.Env = append(os.Environ(), e.config.Env...)
	cmd.Cancel = func() error { return cmd.Process.Signal(unix.SIGTERM) }
	cmd.WaitDelay = e.config.WaitDelay

	if current, ok := e.registry.GetScan(snap.ScanID); !ok || !current.IsActive() {
		log.Info("scan no longer active, scanner not started")
		return
	}

	started := e.now()
	if err := cmd.Start(); err != nil {
		log.Error("failed to start scanner", "command", e.config.Command, "error", err)
		e.finish(snap, scan.StatusFailed, fmt.Sprintf("Error executing scan: %v", err), started)
		return
	}

	if !e.track(snap.ScanID, cmd) {
		return
	}
	log.Info("scanner started", "pid", cmd.Process.Pid, "command", e.config.Command)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic waiting for scanner", "panic", r)
			}
		}()

		err := cmd.Wait()
		switch {
		case err == nil, ashresults.CheckScanCompletion(snap.OutputDirectory):
			if err != nil {
				log.Warn("scanner exited with error but produced results", "error", err)
			}
			e.finish(snap, scan.StatusCompleted, "", started)
		default:
			e.finish(snap, scan.StatusFailed, fmt.Sprintf("Error executing scan: %v", exitError(err)), started)
		}
	}()
}

// track records the pid of a started scanner. When the scan was cancelled
// or cleaned up in the meantime, the process is terminated and reaped
// instead, since nothing could signal it later.
func (e *Executor) track(scanID string, cmd *exec.Cmd) bool {
	if e.registry.MarkRunning(scanID, cmd.Process.Pid) {
		return true
	}

	log := e.logger.WithScan(scanID)
	log.Warn("scan finished before scanner started, terminating", "pid", cmd.Process.Pid)
	if err := cmd.Process.Signal(unix.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Error("failed to terminate untracked scanner", "pid", cmd.Process.Pid, "error", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = cmd.Wait()
	}()
	return false
}

func (e *Executor) finish(snap scan.Snapshot, status scan.Status, message string, started time.Time) {
	log := e.logger.WithScan(snap.ScanID)
	if !e.registry.FinishScan(snap.ScanID, status, message) {
		// Cancelled, or cleaned up while the process ran.
		log.Debug("scan already finished, outcome ignored", "status", string(status))
		return
	}

	metrics.ScansFinished.WithLabelValues(string(status)).Inc()
	metrics.ScanDuration.WithLabelValues(string(status)).Observe(e.now().Sub(started).Seconds())

	if status == scan.StatusCompleted {
		e.recordFindings(snap)
		log.Info("scan completed")
		return
	}
	log.Warn("scan failed", "error", message)
}

func (e *Executor) recordFindings(snap scan.Snapshot) {
	results, err := ashresults.ParseAggregatedResults(snap.OutputDirectory)
	if err != nil {
		e.logger.WithScan(snap.ScanID).Debug("could not read aggregate for metrics", "error", err)
		return
	}
	for sev, n := range ashresults.ExtractFindingsSummary(ashresults.ExtractFindings(results)).Map() {
		if n > 0 {
			metrics.ScanFindingsTotal.WithLabelValues(sev).Add(float64(n))
		}
	}
}

// Wait blocks until every launched process has been reaped.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func exitError(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("scanner exited with code %d", exitErr.ExitCode())
	}
	return err
}

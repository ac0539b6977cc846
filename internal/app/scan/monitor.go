package scan

import (
	"context"
	"sync"
	"time"

	"github.com/openctemio/scanregistry/pkg/domain/progress"
	"github.com/openctemio/scanregistry/pkg/domain/scan"
	"github.com/openctemio/scanregistry/pkg/logger"
)

// EventType identifies a progress event.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventHeartbeat EventType = "heartbeat"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
	EventTimeout   EventType = "timeout"
)

// ProgressEvent is emitted while a scan is being watched.
type ProgressEvent struct {
	Type              EventType                `json:"type"`
	ScanID            string                   `json:"scan_id"`
	Status            scan.Status              `json:"status"`
	Progress          float64                  `json:"progress"`
	Message           string                   `json:"message"`
	CompletedScanners int                      `json:"completed_scanners"`
	TotalScanners     int                      `json:"total_scanners"`
	Elapsed           float64                  `json:"elapsed_seconds"`
	SeverityCounts    *progress.SeverityCounts `json:"severity_counts,omitempty"`
	TotalFindings     int                      `json:"total_findings,omitempty"`
	Error             string                   `json:"error,omitempty"`
	Timestamp         time.Time                `json:"timestamp"`
}

// ProgressPublisher receives progress events.
type ProgressPublisher interface {
	Publish(scanID string, event ProgressEvent)
}

// MonitorConfig configures polling.
type MonitorConfig struct {
	// PollInterval between progress checks (default: 1s).
	PollInterval time.Duration

	// HeartbeatInterval between heartbeats when nothing changed (default: 10s).
	HeartbeatInterval time.Duration

	// MaxWait after which a timeout event is emitted and watching stops.
	// The scan itself keeps running (default: 30m).
	MaxWait time.Duration
}

// DefaultMonitorConfig returns default polling intervals.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval:      time.Second,
		HeartbeatInterval: 10 * time.Second,
		MaxWait:           30 * time.Minute,
	}
}

const (
	initialScannerEstimate = 5
	maxPartialProgress     = 0.95
)

// Monitor polls registry progress for running scans and publishes events.
type Monitor struct {
	registry  *Registry
	publisher ProgressPublisher
	logger    *logger.Logger
	config    MonitorConfig
	now       func() time.Time

	wg sync.WaitGroup
}

// NewMonitor creates a monitor. publisher may be nil; events are then only logged.
func NewMonitor(registry *Registry, publisher ProgressPublisher, cfg MonitorConfig, log *logger.Logger) *Monitor {
	def := DefaultMonitorConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Monitor{
		registry:  registry,
		publisher: publisher,
		logger:    log.With("component", "scan_monitor"),
		config:    cfg,
		now:       time.Now,
	}
}

// Start watches scanID in the background until it finishes, times out or
// ctx is done.
func (m *Monitor) Start(ctx context.Context, scanID string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("scan monitor panicked", "scan_id", scanID, "panic", r)
			}
		}()
		m.Watch(ctx, scanID)
	}()
}

// Wait blocks until every watch started with Start has returned.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Watch polls the progress of scanID and returns the final event.
func (m *Monitor) Watch(ctx context.Context, scanID string) ProgressEvent {
	log := m.logger.WithScan(scanID)

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	start := m.now()
	lastEmit := start
	lastCompleted := -1
	estimate := initialScannerEstimate
	seen := map[string]bool{}

	for {
		elapsed := m.now().Sub(start)
		if ctx.Err() != nil {
			return m.stopped(scanID, elapsed)
		}

		report, err := m.registry.CheckScanProgress(ctx, scanID)
		if err != nil {
			ev := m.event(EventFailed, scanID, elapsed)
			ev.Error = err.Error()
			ev.Message = "Progress unavailable"
			m.emit(log, ev)
			return ev
		}

		for name := range report.Scanners {
			seen[name] = true
		}
		estimate = max(estimate, len(seen)*2)

		switch {
		case report.IsComplete:
			ev := m.event(EventCompleted, scanID, elapsed)
			ev.Status = scan.StatusCompleted
			ev.Progress = 1.0
			ev.Message = "Scan completed"
			ev.CompletedScanners = report.CompletedScanners
			ev.TotalScanners = report.TotalScanners
			counts := report.SeverityCounts
			ev.SeverityCounts = &counts
			ev.TotalFindings = report.TotalFindings
			m.emit(log, ev)
			return ev

		case report.Status == scan.StatusFailed:
			ev := m.event(EventFailed, scanID, elapsed)
			ev.Status = report.Status
			if report.ErrorMessage != nil {
				ev.Error = *report.ErrorMessage
			}
			ev.Message = "Scan failed"
			m.emit(log, ev)
			return ev

		case report.Status == scan.StatusCancelled:
			ev := m.event(EventCancelled, scanID, elapsed)
			ev.Status = report.Status
			ev.Message = "Scan cancelled"
			m.emit(log, ev)
			return ev
		}

		if elapsed >= m.config.MaxWait {
			ev := m.event(EventTimeout, scanID, elapsed)
			ev.Status = report.Status
			ev.Message = "Stopped watching: scan still running after " + m.config.MaxWait.String()
			m.emit(log, ev)
			return ev
		}

		now := m.now()
		if report.CompletedScanners != lastCompleted {
			lastCompleted = report.CompletedScanners
			lastEmit = now
			ev := m.event(EventProgress, scanID, elapsed)
			ev.Status = report.Status
			ev.CompletedScanners = report.CompletedScanners
			ev.TotalScanners = estimate
			ev.Progress = min(float64(report.CompletedScanners)/float64(estimate), maxPartialProgress)
			ev.Message = "Scan in progress"
			m.emit(log, ev)
		} else if now.Sub(lastEmit) >= m.config.HeartbeatInterval {
			lastEmit = now
			ev := m.event(EventHeartbeat, scanID, elapsed)
			ev.Status = report.Status
			ev.CompletedScanners = report.CompletedScanners
			ev.TotalScanners = estimate
			ev.Message = "Scan still running"
			m.emit(log, ev)
		}

		select {
		case <-ctx.Done():
			return m.stopped(scanID, m.now().Sub(start))
		case <-ticker.C:
		}
	}
}

func (m *Monitor) event(t EventType, scanID string, elapsed time.Duration) ProgressEvent {
	return ProgressEvent{
		Type:      t,
		ScanID:    scanID,
		Elapsed:   elapsed.Seconds(),
		Timestamp: m.now(),
	}
}

// stopped is returned when ctx ends the watch. It is not published.
func (m *Monitor) stopped(scanID string, elapsed time.Duration) ProgressEvent {
	ev := m.event(EventCancelled, scanID, elapsed)
	ev.Message = "Monitoring stopped"
	return ev
}

func (m *Monitor) emit(log *logger.Logger, ev ProgressEvent) {
	switch ev.Type {
	case EventHeartbeat:
		log.Debug("scan heartbeat", "elapsed_seconds", ev.Elapsed)
	case EventFailed, EventTimeout:
		log.Warn("scan monitor event", "type", string(ev.Type), "message", ev.Message, "error", ev.Error)
	default:
		log.Info("scan monitor event", "type", string(ev.Type), "progress", ev.Progress,
			"completed_scanners", ev.CompletedScanners)
	}
	if m.publisher != nil {
		m.publisher.Publish(ev.ScanID, ev)
	}
}

package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openctemio/scanregistry/internal/metrics"
	"github.com/openctemio/scanregistry/pkg/logger"
)

// SweeperConfig configures age-based cleanup.
type SweeperConfig struct {
	// Schedule is a five-field cron expression (default: every hour).
	Schedule string

	// MaxAgeHours is the age after which finished scans are removed (default: 24).
	MaxAgeHours float64

	// RemoveOutput also deletes the scans' output directories.
	RemoveOutput bool

	// Enabled controls whether the sweeper runs.
	Enabled bool
}

// DefaultSweeperConfig returns default configuration.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Schedule:    "0 * * * *",
		MaxAgeHours: 24,
		Enabled:     true,
	}
}

// CronParser parses five-field cron expressions.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule validates a cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	schedule, err := CronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cannot parse cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

// Sweeper periodically removes finished scans older than MaxAgeHours.
type Sweeper struct {
	service *Service
	logger  *logger.Logger
	config  SweeperConfig
	cron    *cron.Cron
}

// NewSweeper creates a sweeper. The schedule is validated here.
func NewSweeper(service *Service, cfg SweeperConfig, log *logger.Logger) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSweeperConfig().Schedule
	}
	if cfg.MaxAgeHours <= 0 {
		cfg.MaxAgeHours = DefaultSweeperConfig().MaxAgeHours
	}
	if log == nil {
		log = logger.NewNop()
	}

	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}

	s := &Sweeper{
		service: service,
		logger:  log.With("component", "scan_sweeper"),
		config:  cfg,
		cron:    cron.New(cron.WithParser(CronParser)),
	}
	s.cron.Schedule(schedule, cron.FuncJob(s.safeSweep))
	return s, nil
}

// Start starts the schedule.
func (s *Sweeper) Start() {
	if !s.config.Enabled {
		s.logger.Info("scan sweeper disabled")
		return
	}
	s.cron.Start()
	s.logger.Info("scan sweeper started",
		"schedule", s.config.Schedule,
		"max_age_hours", s.config.MaxAgeHours,
		"remove_output", s.config.RemoveOutput,
	)
}

// Stop stops the schedule and waits for a running sweep.
// Safe to call even if Start() was never called.
func (s *Sweeper) Stop() {
	if !s.config.Enabled {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("scan sweeper stopped")
}

func (s *Sweeper) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			metrics.SweeperRuns.WithLabelValues("error").Inc()
			s.logger.Error("panic during scan sweep", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	_, _ = s.Sweep(ctx)
}

// Sweep runs one cleanup pass.
func (s *Sweeper) Sweep(ctx context.Context) (*CleanupOldResult, error) {
	res, err := s.service.CleanupOldScans(ctx, s.config.MaxAgeHours, s.config.RemoveOutput)
	if err != nil {
		metrics.SweeperRuns.WithLabelValues("error").Inc()
		s.logger.Error("scan sweep failed", "error", err)
		return nil, err
	}

	result := "success"
	if res.FailedCount > 0 {
		result = "partial"
	}
	metrics.SweeperRuns.WithLabelValues(result).Inc()

	if res.CleanedUpCount > 0 || res.FailedCount > 0 {
		s.logger.Info("scan sweep finished",
			"cleaned_up", res.CleanedUpCount,
			"failed", res.FailedCount,
		)
	}
	return res, nil
}

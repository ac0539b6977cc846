package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SamplingConfig configures log sampling behavior.
type SamplingConfig struct {
	Enabled bool

	// Tick is the window after which counters reset.
	Tick time.Duration

	// Threshold is the number of identical records passed through per tick
	// before sampling applies.
	Threshold uint64

	// Rate is the fraction of records kept once the threshold is reached.
	// Warnings and errors are never sampled.
	Rate float64
}

const (
	DefaultSamplingTick      = time.Second
	DefaultSamplingThreshold = 100
)

type samplingHandler struct {
	handler   slog.Handler
	config    SamplingConfig
	counters  *sync.Map // level:message -> *atomic.Uint64
	lastReset *atomic.Int64
}

// NewSamplingHandler wraps h so that repeated records with the same level
// and message are thinned out after Threshold occurrences per Tick.
func NewSamplingHandler(h slog.Handler, cfg SamplingConfig) slog.Handler {
	if !cfg.Enabled {
		return h
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultSamplingTick
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultSamplingThreshold
	}

	sh := &samplingHandler{
		handler:   h,
		config:    cfg,
		counters:  &sync.Map{},
		lastReset: &atomic.Int64{},
	}
	sh.lastReset.Store(time.Now().UnixNano())
	return sh
}

func (h *samplingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *samplingHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.handler.Handle(ctx, r)
	}

	h.maybeReset()

	val, _ := h.counters.LoadOrStore(r.Level.String()+":"+r.Message, &atomic.Uint64{})
	count := val.(*atomic.Uint64).Add(1)

	if count <= h.config.Threshold || h.sample(count) {
		return h.handler.Handle(ctx, r)
	}
	return nil
}

func (h *samplingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &samplingHandler{
		handler:   h.handler.WithAttrs(attrs),
		config:    h.config,
		counters:  h.counters,
		lastReset: h.lastReset,
	}
}

func (h *samplingHandler) WithGroup(name string) slog.Handler {
	return &samplingHandler{
		handler:   h.handler.WithGroup(name),
		config:    h.config,
		counters:  h.counters,
		lastReset: h.lastReset,
	}
}

func (h *samplingHandler) sample(count uint64) bool {
	if h.config.Rate >= 1.0 {
		return true
	}
	if h.config.Rate <= 0.0 {
		return false
	}
	interval := uint64(1.0 / h.config.Rate)
	return count%interval == 0
}

func (h *samplingHandler) maybeReset() {
	now := time.Now().UnixNano()
	last := h.lastReset.Load()
	if now-last < h.config.Tick.Nanoseconds() {
		return
	}
	if h.lastReset.CompareAndSwap(last, now) {
		h.counters.Range(func(key, _ any) bool {
			h.counters.Delete(key)
			return true
		})
	}
}

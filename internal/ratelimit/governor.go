// Package ratelimit tracks call volume against the destination's
// quarter-hour budgets and enforces cooldowns when it throttles.
package ratelimit

import (
	"context"
	"log"
	"time"

	"example.com/migrate/internal/observability"
)

// Kind separates the two budget classes the destination meters independently.
type Kind string

const (
	KindUpload Kind = "upload"
	KindQuery  Kind = "query"
)

// window is the destination's budget window. Limits reset on quarter-hour
// boundaries (hh:00, hh:15, hh:30, hh:45).
const window = 15 * time.Minute

// maxRetryAfter bounds how far an explicit retry-after hint is trusted.
// Anything beyond one full window is treated as absent.
const maxRetryAfter = 900 * time.Second

// Config carries the governor's budgets and safety buffer.
type Config struct {
	UploadBudget int
	QueryBudget  int
	// Buffer is added past the window boundary before resuming, so the
	// first retry never lands on the exact reset instant.
	Buffer time.Duration
}

// Governor tracks per-window call counts and computes cooldowns. It is used
// from the single pipeline goroutine; no locking is needed.
type Governor struct {
	cfg         Config
	logger      *log.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	windowStart time.Time
	counts      map[Kind]int
	warned      map[Kind]bool
}

// Option configures optional behaviour for the Governor.
type Option func(*Governor)

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(g *Governor) { g.logger = logger }
}

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithSleeper substitutes the blocking wait, for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Governor) { g.sleep = sleep }
}

// New constructs a Governor.
func New(cfg Config, opts ...Option) *Governor {
	if cfg.UploadBudget <= 0 {
		cfg.UploadBudget = 100
	}
	if cfg.QueryBudget <= 0 {
		cfg.QueryBudget = 180
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 30 * time.Second
	}
	g := &Governor{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[ratelimit] ", log.LstdFlags),
		now:    time.Now,
		sleep:  realSleep,
		counts: make(map[Kind]int),
		warned: make(map[Kind]bool),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func realSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RecordCall counts one remote call of the given class against the current
// window, logging when usage crosses 80% of its budget.
func (g *Governor) RecordCall(kind Kind) {
	g.rollWindow()
	g.counts[kind]++
	observability.RecordAPICall(string(kind))

	budget := g.budget(kind)
	if !g.warned[kind] && g.counts[kind]*5 >= budget*4 {
		g.warned[kind] = true
		g.logger.Printf("WARNING: %s calls at %d/%d (>=80%%) for window starting %s",
			kind, g.counts[kind], budget, g.windowStart.Format("15:04"))
	}
}

// Usage returns the call count for the current window, for status reporting.
func (g *Governor) Usage(kind Kind) int {
	g.rollWindow()
	return g.counts[kind]
}

// Cooldown converts a throttling signal into a wait duration. An explicit
// retry-after within the sane bound is honored; otherwise the wait runs to
// the next quarter-hour boundary plus the safety buffer.
func (g *Governor) Cooldown(retryAfter time.Duration) time.Duration {
	if retryAfter > 0 && retryAfter <= maxRetryAfter {
		return retryAfter
	}
	now := g.now()
	boundary := now.Truncate(window).Add(window)
	return boundary.Sub(now) + g.cfg.Buffer
}

// Throttled blocks the pipeline for the cooldown implied by a throttling
// signal. Nothing else proceeds while throttled; the caller must retry the
// same remote call afterwards, not skip ahead.
func (g *Governor) Throttled(ctx context.Context, kind Kind, retryAfter time.Duration) error {
	cooldown := g.Cooldown(retryAfter)
	observability.RecordThrottle(string(kind), cooldown)
	g.logger.Printf("destination throttled %s call; cooling down for %s", kind, cooldown.Round(time.Second))
	return g.sleep(ctx, cooldown)
}

// Wait pauses the pipeline for pacing delays, honoring cancellation.
func (g *Governor) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	return g.sleep(ctx, d)
}

func (g *Governor) budget(kind Kind) int {
	if kind == KindUpload {
		return g.cfg.UploadBudget
	}
	return g.cfg.QueryBudget
}

func (g *Governor) rollWindow() {
	start := g.now().Truncate(window)
	if !start.Equal(g.windowStart) {
		g.windowStart = start
		g.counts = make(map[Kind]int)
		g.warned = make(map[Kind]bool)
	}
}

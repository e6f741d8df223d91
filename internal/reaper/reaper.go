// Package reaper periodically sweeps expired async operations out of the
// operation store. It runs as a background cron-scheduled job inside
// forrstd, isolating each tick's panics so one bad sweep never takes
// down the scheduler.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/forrst-proto/forrst/internal/operations"
)

// DefaultInterval is the sweep period used when none is configured.
const DefaultInterval = 1 * time.Minute

// AuditPurger trims the dispatch audit log. Optional: a Reaper with no
// purger configured only sweeps operations.
type AuditPurger interface {
	DeleteOlderThan(ctx context.Context, olderThan time.Time) (int, error)
}

// Reaper runs operations.Store.Sweep on a cron schedule built from a fixed
// "@every <interval>" expression rather than schedules read from a store.
type Reaper struct {
	store       operations.Store
	interval    time.Duration
	cron        *cron.Cron
	audit       AuditPurger
	auditMaxAge time.Duration
}

// New creates a Reaper sweeping store at interval. A sub-minute interval
// falls back to DefaultInterval.
func New(store operations.Store, interval time.Duration) *Reaper {
	if interval < time.Minute {
		interval = DefaultInterval
	}
	return &Reaper{store: store, interval: interval}
}

// WithAuditPurge has the reaper also trim audit log entries older than
// maxAge on the same cron tick.
func (r *Reaper) WithAuditPurge(audit AuditPurger, maxAge time.Duration) *Reaper {
	r.audit = audit
	r.auditMaxAge = maxAge
	return r
}

// Start schedules the sweep job and begins running it in the background.
func (r *Reaper) Start(ctx context.Context) {
	r.cron = cron.New()
	spec := fmt.Sprintf("@every %s", r.interval)
	_, err := r.cron.AddFunc(spec, func() { r.safeTick(ctx) })
	if err != nil {
		slog.Error("reaper: failed to schedule sweep", "error", err)
		return
	}
	r.cron.Start()
}

// Stop halts the cron scheduler, waiting for any in-flight sweep to finish.
func (r *Reaper) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// RunNow triggers a manual sweep and returns the number of operations removed.
func (r *Reaper) RunNow(ctx context.Context) (int, error) {
	return r.store.Sweep(ctx, time.Now())
}

// safeTick isolates a sweep failure from crashing the cron scheduler's job goroutine.
func (r *Reaper) safeTick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("reaper: sweep panicked", "panic", rec)
		}
	}()

	n, err := r.store.Sweep(ctx, time.Now())
	if err != nil {
		slog.Error("reaper: sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("reaper: swept expired operations", "count", n)
	}

	if r.audit == nil || r.auditMaxAge <= 0 {
		return
	}
	purged, err := r.audit.DeleteOlderThan(ctx, time.Now().Add(-r.auditMaxAge))
	if err != nil {
		slog.Error("reaper: audit purge failed", "error", err)
		return
	}
	if purged > 0 {
		slog.Info("reaper: purged audit log entries", "count", purged)
	}
}

// Package reaper sweeps the cubicle population on a cron schedule: idle
// running cubicles hibernate, old ones are removed outright. Workspaces
// are never touched; a reaped cubicle comes back from its workspace on the
// next message.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/cubicle/internal/audit"
	"github.com/basket/cubicle/internal/bus"
	"github.com/basket/cubicle/internal/config"
	"github.com/basket/cubicle/internal/cubicle"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

const defaultSchedule = "*/5 * * * *"

// itemTimeout bounds each engine call so one wedged container cannot stall
// a sweep.
const itemTimeout = 10 * time.Second

// Outcome is the result of one full sweep.
type Outcome struct {
	Hibernated int `json:"hibernated"`
	Removed    int `json:"removed"`
	Errors     int `json:"errors"`
}

// Reaper owns the periodic sweeps. Sweeps are idempotent and safe to run
// on demand between scheduled fires.
type Reaper struct {
	cubicles      *cubicle.Manager
	idleThreshold time.Duration
	maxAge        time.Duration
	schedule      string
	logger        *slog.Logger
	bus           *bus.Bus
	now           func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cubicles *cubicle.Manager, cfg config.Config, logger *slog.Logger, eventBus *bus.Bus) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	schedule := cfg.Lifecycle.ReaperSchedule
	if schedule == "" {
		schedule = defaultSchedule
	}
	return &Reaper{
		cubicles:      cubicles,
		idleThreshold: cfg.HibernateAfter(),
		maxAge:        cfg.CleanupAfter(),
		schedule:      schedule,
		logger:        logger,
		bus:           eventBus,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Test hook.
func (r *Reaper) SetClock(now func() time.Time) {
	r.now = now
}

// Start validates the schedule and begins the sweep loop.
func (r *Reaper) Start(ctx context.Context) error {
	sched, err := cronParser.Parse(r.schedule)
	if err != nil {
		return fmt.Errorf("parse reaper schedule %q: %w", r.schedule, err)
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx, sched)
	r.logger.Info("reaper started",
		"schedule", r.schedule, "idle_threshold", r.idleThreshold, "max_age", r.maxAge)
	return nil
}

// Stop cancels the loop and waits for any running sweep to finish.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("reaper stopped")
}

func (r *Reaper) loop(ctx context.Context, sched cronlib.Schedule) {
	defer r.wg.Done()
	for {
		now := time.Now()
		timer := time.NewTimer(sched.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs the hibernate pass and the cleanup pass, publishing and
// auditing the combined outcome.
func (r *Reaper) Sweep(ctx context.Context) Outcome {
	hibernated, hibErrs := r.Hibernate(ctx, r.idleThreshold)
	removed, rmErrs := r.Cleanup(ctx, r.maxAge)

	out := Outcome{Hibernated: hibernated, Removed: removed, Errors: hibErrs + rmErrs}
	r.logger.Info("reaper sweep finished",
		"hibernated", out.Hibernated, "removed", out.Removed, "errors", out.Errors)
	audit.RecordCtx(ctx, "allow", "reaper.sweep",
		fmt.Sprintf("hibernated=%d removed=%d errors=%d", out.Hibernated, out.Removed, out.Errors), "", "")
	if r.bus != nil {
		r.bus.Publish(bus.TopicReaperSweep, bus.ReaperSweepEvent{
			Hibernated: out.Hibernated, Removed: out.Removed, Errors: out.Errors,
		})
	}
	return out
}

// Hibernate stops running cubicles whose last activity is older than the
// threshold. Item failures are logged and counted; the sweep continues.
func (r *Reaper) Hibernate(ctx context.Context, idleThreshold time.Duration) (count, errs int) {
	cubs, err := r.cubicles.List(ctx)
	if err != nil {
		r.logger.Error("hibernate sweep: list cubicles", "error", err)
		return 0, 1
	}
	cutoff := r.now().Add(-idleThreshold)
	for _, c := range cubs {
		if c.Status != cubicle.StatusActive || c.LastActive.After(cutoff) {
			continue
		}
		itemCtx, cancel := context.WithTimeout(ctx, itemTimeout)
		err := r.cubicles.Hibernate(itemCtx, c.AgentID, c.UserID, "reaper")
		cancel()
		if err != nil {
			errs++
			r.logger.Warn("hibernate cubicle failed",
				"agent_id", c.AgentID, "user_id", c.UserID, "error", err)
			continue
		}
		count++
		r.logger.Info("cubicle hibernated by reaper",
			"agent_id", c.AgentID, "user_id", c.UserID, "idle", r.now().Sub(c.LastActive))
	}
	return count, errs
}

// Cleanup force-removes cubicles older than maxAge in any state. The
// workspace stays on disk.
func (r *Reaper) Cleanup(ctx context.Context, maxAge time.Duration) (count, errs int) {
	cubs, err := r.cubicles.List(ctx)
	if err != nil {
		r.logger.Error("cleanup sweep: list cubicles", "error", err)
		return 0, 1
	}
	cutoff := r.now().Add(-maxAge)
	for _, c := range cubs {
		if c.CreatedAt.After(cutoff) {
			continue
		}
		itemCtx, cancel := context.WithTimeout(ctx, itemTimeout)
		err := r.cubicles.Remove(itemCtx, c.AgentID, c.UserID, "reaper")
		cancel()
		if err != nil {
			errs++
			r.logger.Warn("remove cubicle failed",
				"agent_id", c.AgentID, "user_id", c.UserID, "error", err)
			continue
		}
		count++
		r.logger.Info("cubicle removed by reaper",
			"agent_id", c.AgentID, "user_id", c.UserID, "age", r.now().Sub(c.CreatedAt))
	}
	return count, errs
}

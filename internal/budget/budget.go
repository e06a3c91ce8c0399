// Package budget enforces the per-cubicle daily spend ceiling. Spend is
// tracked per (agent, user) key against the UTC calendar day; the day rolls
// over lazily on the next read or write, never on a timer.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/cubicle/internal/audit"
	"github.com/basket/cubicle/internal/bus"
	"github.com/basket/cubicle/internal/config"
	"github.com/basket/cubicle/internal/persistence"
	"github.com/basket/cubicle/internal/shared"
)

// ExceededError reports a gate refusal: the key's spend has reached its
// daily limit.
type ExceededError struct {
	AgentID int64
	UserID  int64
	Spent   float64
	Limit   float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("daily budget exceeded for cubicle %s: spent %.4f of %.4f",
		shared.CubicleKey(e.AgentID, e.UserID), e.Spent, e.Limit)
}

// Status is the spend picture for one cubicle key today.
type Status struct {
	AgentID   int64   `json:"agent_id"`
	UserID    int64   `json:"user_id"`
	Day       string  `json:"day"`
	Limit     float64 `json:"limit"`
	Spent     float64 `json:"spent"`
	Remaining float64 `json:"remaining"`
}

type Guard struct {
	store        *persistence.Store
	defaultLimit float64
	fallbackCost float64
	logger       *slog.Logger
	bus          *bus.Bus
	now          func() time.Time
}

func NewGuard(store *persistence.Store, cfg config.BudgetConfig, logger *slog.Logger, eventBus *bus.Bus) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		store:        store,
		defaultLimit: cfg.DefaultDailyLimit,
		fallbackCost: cfg.FallbackRunCost,
		logger:       logger,
		bus:          eventBus,
		now:          time.Now,
	}
}

// SetClock overrides the time source. Tests use this to cross day
// boundaries.
func (g *Guard) SetClock(now func() time.Time) {
	g.now = now
}

// limitFor resolves the daily limit: the agent's own budget when set,
// otherwise the configured default.
func (g *Guard) limitFor(ctx context.Context, agentID int64) float64 {
	agent, err := g.store.GetAgent(ctx, agentID)
	if err != nil {
		g.logger.Warn("budget limit lookup failed, using default", "agent_id", agentID, "error", err)
		return g.defaultLimit
	}
	if agent != nil && agent.DailyBudget > 0 {
		return agent.DailyBudget
	}
	return g.defaultLimit
}

// Status reports today's spend for a cubicle key.
func (g *Guard) Status(ctx context.Context, agentID, userID int64) (Status, error) {
	day := persistence.BudgetDay(g.now())
	spent, err := g.store.GetSpend(ctx, agentID, userID, day)
	if err != nil {
		return Status{}, err
	}
	limit := g.limitFor(ctx, agentID)
	remaining := limit - spent
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		AgentID:   agentID,
		UserID:    userID,
		Day:       day,
		Limit:     limit,
		Spent:     spent,
		Remaining: remaining,
	}, nil
}

// CanSpend is the gate checked before any run side effect. It returns nil
// while today's spend is strictly below the limit; the run that crosses the
// line is still allowed and its full cost recorded, so the overshoot is at
// most one run.
func (g *Guard) CanSpend(ctx context.Context, agentID, userID int64) error {
	status, err := g.Status(ctx, agentID, userID)
	if err != nil {
		return err
	}
	if status.Spent < status.Limit {
		return nil
	}
	audit.RecordCtx(ctx, "deny", "budget.gate", "daily_limit_reached", "",
		fmt.Sprintf("cubicle %s spent %.4f of %.4f", shared.CubicleKey(agentID, userID), status.Spent, status.Limit))
	if g.bus != nil {
		g.bus.Publish(bus.TopicBudgetDenied, bus.BudgetDeniedEvent{
			AgentID: agentID,
			UserID:  userID,
			Spend:   status.Spent,
			Limit:   status.Limit,
		})
	}
	return &ExceededError{AgentID: agentID, UserID: userID, Spent: status.Spent, Limit: status.Limit}
}

// RecordSpend adds a run's cost to today's total and returns the new total.
// A zero or negative cost means the run reported no usage figure; the
// configured fallback cost is charged instead so no run is ever free.
func (g *Guard) RecordSpend(ctx context.Context, agentID, userID int64, cost float64) (float64, error) {
	if cost <= 0 {
		cost = g.fallbackCost
	}
	if cost <= 0 {
		return g.store.GetSpend(ctx, agentID, userID, persistence.BudgetDay(g.now()))
	}
	day := persistence.BudgetDay(g.now())
	total, err := g.store.AddSpend(ctx, agentID, userID, day, cost)
	if err != nil {
		return 0, err
	}
	g.logger.Debug("spend recorded",
		"agent_id", agentID, "user_id", userID, "cost", cost, "total", total, "day", day)
	return total, nil
}

package tui

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/basket/cubicle/internal/budget"
	"github.com/basket/cubicle/internal/cubicle"
	"github.com/basket/cubicle/internal/persistence"
)

// Poller builds snapshots straight from the store and the container
// engine, so the dashboard works even when the daemon is down and shows
// which half is broken when it is.
type Poller struct {
	Store    *persistence.Store
	Cubicles *cubicle.Manager
	Budget   *budget.Guard

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Provider adapts the poller to the dashboard loop.
func (p *Poller) Provider(ctx context.Context) StatusProvider {
	return func() Snapshot { return p.Snapshot(ctx) }
}

// Snapshot polls everything once. Failures degrade the snapshot instead of
// aborting it: a dead engine still leaves approvals and budgets visible.
func (p *Poller) Snapshot(ctx context.Context) Snapshot {
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	snap := Snapshot{TakenAt: now}

	agents, err := p.Store.ListActiveAgents(ctx)
	if err != nil {
		snap.LastError = humanError(err)
	} else {
		snap.DBOK = true
		snap.ActiveAgents = len(agents)
	}

	cubs, err := p.Cubicles.List(ctx)
	if err != nil {
		snap.LastError = humanError(err)
	} else {
		snap.EngineOK = true
		for _, c := range cubs {
			snap.Cubicles = append(snap.Cubicles, CubicleRow{
				Key:    fmt.Sprintf("%d/%d", c.AgentID, c.UserID),
				Name:   c.Name,
				Status: string(c.Status),
				Idle:   now.Sub(c.LastActive),
				Age:    now.Sub(c.CreatedAt),
			})
		}
		sort.Slice(snap.Cubicles, func(i, j int) bool {
			return snap.Cubicles[i].Key < snap.Cubicles[j].Key
		})
	}

	if pending, err := p.Store.ListPendingApprovals(ctx); err == nil {
		for _, rec := range pending {
			snap.Approvals = append(snap.Approvals, ApprovalRow{
				ApprovalID: rec.ApprovalID,
				AgentID:    rec.AgentID,
				Command:    rec.Command,
				ExpiresIn:  rec.ExpiresAt.Sub(now),
			})
		}
	} else {
		snap.LastError = humanError(err)
	}

	day := persistence.BudgetDay(now)
	if rows, err := p.Store.ListSpendForDay(ctx, day); err == nil {
		for _, row := range rows {
			snap.SpendToday += row.Spent
			br := BudgetRow{
				Key:   fmt.Sprintf("%d/%d", row.AgentID, row.UserID),
				Spent: row.Spent,
			}
			if p.Budget != nil {
				if st, err := p.Budget.Status(ctx, row.AgentID, row.UserID); err == nil {
					br.Limit = st.Limit
					br.Remaining = st.Remaining
				}
			}
			snap.Budgets = append(snap.Budgets, br)
		}
	} else {
		snap.LastError = humanError(err)
	}

	return snap
}

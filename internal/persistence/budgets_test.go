package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/cubicle/internal/persistence"
)

func TestAddSpendAccumulatesWithinDay(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	total, err := store.AddSpend(ctx, 6, 0, "2026-04-18", 0.25)
	if err != nil {
		t.Fatalf("first spend: %v", err)
	}
	if total != 0.25 {
		t.Errorf("total = %v, want 0.25", total)
	}

	total, err = store.AddSpend(ctx, 6, 0, "2026-04-18", 0.50)
	if err != nil {
		t.Fatalf("second spend: %v", err)
	}
	if total != 0.75 {
		t.Errorf("total = %v, want 0.75", total)
	}

	got, err := store.GetSpend(ctx, 6, 0, "2026-04-18")
	if err != nil {
		t.Fatalf("get spend: %v", err)
	}
	if got != 0.75 {
		t.Errorf("get spend = %v, want 0.75", got)
	}
}

func TestSpendRollsOverOnNewDay(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.AddSpend(ctx, 6, 0, "2026-04-18", 3.0); err != nil {
		t.Fatalf("day one spend: %v", err)
	}

	// Reads on the next day see zero without any write having happened.
	got, err := store.GetSpend(ctx, 6, 0, "2026-04-19")
	if err != nil {
		t.Fatalf("get spend next day: %v", err)
	}
	if got != 0 {
		t.Errorf("stale-day spend = %v, want 0", got)
	}

	// The first write of the new day replaces, not accumulates.
	total, err := store.AddSpend(ctx, 6, 0, "2026-04-19", 0.10)
	if err != nil {
		t.Fatalf("next day spend: %v", err)
	}
	if total != 0.10 {
		t.Errorf("rollover total = %v, want 0.10", total)
	}
}

func TestSpendKeysAreIndependent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.AddSpend(ctx, 6, 0, "2026-04-18", 1.0); err != nil {
		t.Fatalf("spend a6 u0: %v", err)
	}
	if _, err := store.AddSpend(ctx, 6, 42, "2026-04-18", 2.0); err != nil {
		t.Fatalf("spend a6 u42: %v", err)
	}
	if _, err := store.AddSpend(ctx, 7, 0, "2026-04-18", 4.0); err != nil {
		t.Fatalf("spend a7 u0: %v", err)
	}

	for _, tc := range []struct {
		agentID, userID int64
		want            float64
	}{
		{6, 0, 1.0},
		{6, 42, 2.0},
		{7, 0, 4.0},
	} {
		got, err := store.GetSpend(ctx, tc.agentID, tc.userID, "2026-04-18")
		if err != nil {
			t.Fatalf("get spend %d/%d: %v", tc.agentID, tc.userID, err)
		}
		if got != tc.want {
			t.Errorf("spend %d/%d = %v, want %v", tc.agentID, tc.userID, got, tc.want)
		}
	}
}

func TestAddSpendRejectsNegative(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.AddSpend(context.Background(), 6, 0, "2026-04-18", -0.5); err == nil {
		t.Fatal("negative spend must be rejected")
	}
}

func TestBudgetDayFormatsUTC(t *testing.T) {
	// 23:30 in UTC-5 is already the next UTC day.
	loc := time.FixedZone("UTC-5", -5*3600)
	local := time.Date(2026, 4, 18, 23, 30, 0, 0, loc)
	if got := persistence.BudgetDay(local); got != "2026-04-19" {
		t.Errorf("BudgetDay = %q, want 2026-04-19", got)
	}
}

func TestListSpendForDay(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.AddSpend(ctx, 6, 0, "2026-04-18", 1.0); err != nil {
		t.Fatalf("spend: %v", err)
	}
	if _, err := store.AddSpend(ctx, 7, 1, "2026-04-17", 9.0); err != nil {
		t.Fatalf("spend old day: %v", err)
	}

	rows, err := store.ListSpendForDay(ctx, "2026-04-18")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].AgentID != 6 {
		t.Errorf("rows = %+v, want single row for agent 6", rows)
	}
}

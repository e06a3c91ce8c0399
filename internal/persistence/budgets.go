package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// BudgetRow is the persisted daily spend for one cubicle key.
type BudgetRow struct {
	AgentID   int64     `json:"agent_id"`
	UserID    int64     `json:"user_id"`
	DayUTC    string    `json:"day_utc"`
	Spent     float64   `json:"spent"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BudgetDay formats t as the UTC calendar day budget rows are keyed by.
func BudgetDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// GetSpend returns the spend accumulated for (agentID, userID) on day.
// A row carrying an older day counts as zero: the reset is lazy and happens
// on the next write, never on a timer.
func (s *Store) GetSpend(ctx context.Context, agentID, userID int64, day string) (float64, error) {
	var spent float64
	err := s.db.QueryRowContext(ctx, `
		SELECT CASE WHEN day_utc = ? THEN spent ELSE 0 END
		FROM budgets WHERE agent_id = ? AND user_id = ?;
	`, day, agentID, userID).Scan(&spent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get spend: %w", err)
	}
	return spent, nil
}

// AddSpend atomically adds amount to the spend for (agentID, userID) on day
// and returns the new total. When the stored row belongs to an earlier day
// the amount starts a fresh day instead of accumulating, which is the
// rollover: spend only ever grows within one UTC day.
func (s *Store) AddSpend(ctx context.Context, agentID, userID int64, day string, amount float64) (float64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("add spend: negative amount %v", amount)
	}
	var total float64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin add spend tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO budgets (agent_id, user_id, day_utc, spent, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(agent_id, user_id) DO UPDATE SET
				spent = CASE WHEN budgets.day_utc = excluded.day_utc
					THEN budgets.spent + excluded.spent
					ELSE excluded.spent END,
				day_utc = excluded.day_utc,
				updated_at = CURRENT_TIMESTAMP;
		`, agentID, userID, day, amount); err != nil {
			return fmt.Errorf("upsert spend: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT spent FROM budgets WHERE agent_id = ? AND user_id = ?;
		`, agentID, userID).Scan(&total); err != nil {
			return fmt.Errorf("read spend back: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// GetBudgetRow returns the raw budget row, or nil when no spend was ever
// recorded for the key.
func (s *Store) GetBudgetRow(ctx context.Context, agentID, userID int64) (*BudgetRow, error) {
	var row BudgetRow
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, user_id, day_utc, spent, updated_at
		FROM budgets WHERE agent_id = ? AND user_id = ?;
	`, agentID, userID).Scan(&row.AgentID, &row.UserID, &row.DayUTC, &row.Spent, &row.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get budget row: %w", err)
	}
	return &row, nil
}

// ListSpendForDay returns all budget rows carrying the given day, for the
// status surface.
func (s *Store) ListSpendForDay(ctx context.Context, day string) ([]BudgetRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, user_id, day_utc, spent, updated_at
		FROM budgets WHERE day_utc = ? ORDER BY agent_id, user_id;
	`, day)
	if err != nil {
		return nil, fmt.Errorf("list spend: %w", err)
	}
	defer rows.Close()
	var out []BudgetRow
	for rows.Next() {
		var row BudgetRow
		if err := rows.Scan(&row.AgentID, &row.UserID, &row.DayUTC, &row.Spent, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan budget row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list spend: iterate: %w", err)
	}
	return out, nil
}

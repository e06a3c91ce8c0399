package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	AllowRoleOperator = "operator"
	AllowRoleUser     = "user"
)

// AllowRecord is one user permitted to talk to the bots. The operator is a
// distinguished row: HITL prompts and meeting requests are routed to them.
type AllowRecord struct {
	UserID    int64     `json:"user_id"`
	Role      string    `json:"role"`
	AddedBy   string    `json:"added_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// UpsertAllowedUser adds or re-roles a user.
func (s *Store) UpsertAllowedUser(ctx context.Context, userID int64, role, addedBy string) error {
	if role != AllowRoleOperator && role != AllowRoleUser {
		return fmt.Errorf("upsert allowed user: invalid role %q", role)
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO allowlist (user_id, role, added_by) VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET role = excluded.role;
		`, userID, role, addedBy)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert allowed user: %w", err)
	}
	return nil
}

// UserRole returns the allowlist role for userID, or "" when the user is
// not allowed.
func (s *Store) UserRole(ctx context.Context, userID int64) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM allowlist WHERE user_id = ?;`, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("user role: %w", err)
	}
	return role, nil
}

// RemoveAllowedUser drops a user from the allowlist.
func (s *Store) RemoveAllowedUser(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM allowlist WHERE user_id = ?;`, userID); err != nil {
		return fmt.Errorf("remove allowed user: %w", err)
	}
	return nil
}

// ListAllowedUsers returns the allowlist with the operator first.
func (s *Store) ListAllowedUsers(ctx context.Context) ([]AllowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, role, added_by, created_at FROM allowlist
		ORDER BY CASE role WHEN 'operator' THEN 0 ELSE 1 END, user_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list allowed users: %w", err)
	}
	defer rows.Close()
	var out []AllowRecord
	for rows.Next() {
		var rec AllowRecord
		if err := rows.Scan(&rec.UserID, &rec.Role, &rec.AddedBy, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan allowed user: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list allowed users: iterate: %w", err)
	}
	return out, nil
}

// OperatorID returns the distinguished operator row, or 0 when none is
// seeded.
func (s *Store) OperatorID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM allowlist WHERE role = 'operator' ORDER BY user_id ASC LIMIT 1;
	`).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("operator id: %w", err)
	}
	return id, nil
}

// SeedAllowlist installs the configured operator and allowed users without
// disturbing rows added at runtime.
func (s *Store) SeedAllowlist(ctx context.Context, operatorID int64, allowedIDs []int64) error {
	if operatorID != 0 {
		if err := s.UpsertAllowedUser(ctx, operatorID, AllowRoleOperator, "config"); err != nil {
			return err
		}
	}
	for _, id := range allowedIDs {
		if id == operatorID {
			continue
		}
		if err := s.UpsertAllowedUser(ctx, id, AllowRoleUser, "config"); err != nil {
			return err
		}
	}
	return nil
}

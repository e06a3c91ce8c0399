package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// ApprovalRecord is one dangerous-command gate entry awaiting an operator
// decision.
type ApprovalRecord struct {
	ApprovalID  string         `json:"approval_id"`
	AgentID     int64          `json:"agent_id"`
	UserID      int64          `json:"user_id"`
	RunID       string         `json:"run_id"`
	ContainerID string         `json:"container_id"`
	Command     string         `json:"command"`
	Rule        string         `json:"rule"`
	Status      ApprovalStatus `json:"status"`
	Approver    string         `json:"approver,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	ExpiresAt   time.Time      `json:"expires_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

const approvalColumns = `approval_id, agent_id, user_id, run_id, container_id, command, rule,
	status, approver, reason, expires_at, resolved_at, created_at`

func scanApproval(scan func(...any) error, rec *ApprovalRecord) error {
	var resolvedAt sql.NullTime
	if err := scan(&rec.ApprovalID, &rec.AgentID, &rec.UserID, &rec.RunID, &rec.ContainerID,
		&rec.Command, &rec.Rule, &rec.Status, &rec.Approver, &rec.Reason,
		&rec.ExpiresAt, &resolvedAt, &rec.CreatedAt); err != nil {
		return err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		rec.ResolvedAt = &t
	}
	return nil
}

// CreateApproval inserts a pending gate entry.
func (s *Store) CreateApproval(ctx context.Context, rec ApprovalRecord) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO approvals (approval_id, agent_id, user_id, run_id, container_id,
				command, rule, status, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, rec.ApprovalID, rec.AgentID, rec.UserID, rec.RunID, rec.ContainerID,
			rec.Command, rec.Rule, ApprovalPending, rec.ExpiresAt.UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

// GetApproval returns the entry for the given ID, or nil if not found.
func (s *Store) GetApproval(ctx context.Context, approvalID string) (*ApprovalRecord, error) {
	var rec ApprovalRecord
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE approval_id = ?;`, approvalID)
	if err := scanApproval(row.Scan, &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return &rec, nil
}

// ResolveApproval moves a pending entry to approved or denied exactly once.
// It reports false without error when the entry exists but was already
// resolved, so racing resolvers (operator tap vs timeout) collapse to one
// winner.
func (s *Store) ResolveApproval(ctx context.Context, approvalID string, status ApprovalStatus, approver, reason string) (bool, error) {
	if status != ApprovalApproved && status != ApprovalDenied {
		return false, fmt.Errorf("resolve approval: invalid target status %q", status)
	}
	var applied bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE approvals
			SET status = ?, approver = ?, reason = ?, resolved_at = CURRENT_TIMESTAMP
			WHERE approval_id = ? AND status = ?;
		`, status, approver, reason, approvalID, ApprovalPending)
		if err != nil {
			return fmt.Errorf("resolve approval: %w", err)
		}
		n, rowsErr := res.RowsAffected()
		if rowsErr != nil {
			return fmt.Errorf("resolve approval: rows affected: %w", rowsErr)
		}
		applied = n > 0
		return nil
	})
	return applied, err
}

// ListPendingApprovals returns unresolved entries ordered oldest first.
func (s *Store) ListPendingApprovals(ctx context.Context) ([]ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+approvalColumns+` FROM approvals WHERE status = ? ORDER BY created_at ASC;
	`, ApprovalPending)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()
	var out []ApprovalRecord
	for rows.Next() {
		var rec ApprovalRecord
		if err := scanApproval(rows.Scan, &rec); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending approvals: iterate: %w", err)
	}
	return out, nil
}

// ExpireOverdueApprovals denies every pending entry whose deadline passed,
// returning the entries it flipped. The daemon runs this at startup so gate
// entries orphaned by a crash cannot stay pending forever.
func (s *Store) ExpireOverdueApprovals(ctx context.Context, now time.Time) ([]ApprovalRecord, error) {
	pending, err := s.ListPendingApprovals(ctx)
	if err != nil {
		return nil, err
	}
	var expired []ApprovalRecord
	for _, rec := range pending {
		if rec.ExpiresAt.After(now) {
			continue
		}
		applied, err := s.ResolveApproval(ctx, rec.ApprovalID, ApprovalDenied, "system:timeout", "approval window elapsed")
		if err != nil {
			return expired, err
		}
		if applied {
			rec.Status = ApprovalDenied
			rec.Approver = "system:timeout"
			expired = append(expired, rec)
		}
	}
	return expired, nil
}

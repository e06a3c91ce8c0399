package persistence

import (
	"context"
	"fmt"
	"time"
)

// MessageRecord is one conversation turn between a user and an agent.
// History is keyed by the cubicle key (agent_id, user_id) and outlives the
// cubicle container: removal of a stale container never erases what was
// said.
type MessageRecord struct {
	ID        int64     `json:"id"`
	AgentID   int64     `json:"agent_id"`
	UserID    int64     `json:"user_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Cost      float64   `json:"cost,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendMessage stores one conversation turn.
func (s *Store) AppendMessage(ctx context.Context, agentID, userID int64, role, content string, cost float64) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (agent_id, user_id, role, content, cost)
			VALUES (?, ?, ?, ?, ?);
		`, agentID, userID, role, content, cost)
		return err
	})
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// RecentMessages returns the last limit turns for a cubicle key in
// chronological order.
func (s *Store) RecentMessages(ctx context.Context, agentID, userID int64, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, user_id, role, content, cost, created_at FROM (
			SELECT id, agent_id, user_id, role, content, cost, created_at
			FROM messages WHERE agent_id = ? AND user_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC;
	`, agentID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()
	var out []MessageRecord
	for rows.Next() {
		var rec MessageRecord
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.UserID, &rec.Role, &rec.Content, &rec.Cost, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent messages: iterate: %w", err)
	}
	return out, nil
}

// MessageCount returns the number of stored turns for a cubicle key.
func (s *Store) MessageCount(ctx context.Context, agentID, userID int64) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM messages WHERE agent_id = ? AND user_id = ?;
	`, agentID, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("message count: %w", err)
	}
	return count, nil
}

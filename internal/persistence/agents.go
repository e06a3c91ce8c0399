package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AgentRecord is an agent identity: the persona handed to the sandbox
// runtime and the bot token the channel layer serves it through.
type AgentRecord struct {
	AgentID     int64     `json:"agent_id"`
	Name        string    `json:"name"`
	Role        string    `json:"role"`
	Personality string    `json:"personality"`
	BotToken    string    `json:"-"`
	HITLEnabled bool      `json:"hitl_enabled"`
	DailyBudget float64   `json:"daily_budget"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	APIKeyEnv   string    `json:"api_key_env"`
	// Image overrides the configured sandbox image when non-empty.
	Image     string    `json:"image,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const agentColumns = `agent_id, name, role, personality, bot_token, hitl_enabled,
	daily_budget, provider, model, api_key_env, image, active, created_at, updated_at`

func scanAgent(scan func(...any) error, rec *AgentRecord) error {
	var hitl, active int
	if err := scan(&rec.AgentID, &rec.Name, &rec.Role, &rec.Personality, &rec.BotToken,
		&hitl, &rec.DailyBudget, &rec.Provider, &rec.Model, &rec.APIKeyEnv, &rec.Image,
		&active, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return err
	}
	rec.HITLEnabled = hitl != 0
	rec.Active = active != 0
	return nil
}

// CreateAgent persists a new agent identity.
func (s *Store) CreateAgent(ctx context.Context, rec AgentRecord) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (agent_id, name, role, personality, bot_token, hitl_enabled,
				daily_budget, provider, model, api_key_env, image, active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, rec.AgentID, rec.Name, rec.Role, rec.Personality, rec.BotToken, boolToInt(rec.HITLEnabled),
			rec.DailyBudget, rec.Provider, rec.Model, rec.APIKeyEnv, rec.Image, boolToInt(rec.Active))
		return err
	})
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// GetAgent returns the agent record for the given ID, or nil if not found.
func (s *Store) GetAgent(ctx context.Context, agentID int64) (*AgentRecord, error) {
	var rec AgentRecord
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?;`, agentID)
	if err := scanAgent(row.Scan, &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &rec, nil
}

// GetAgentByRole returns the first active agent holding the given role, or
// nil if none does. Roles are how meeting participants are addressed.
func (s *Store) GetAgentByRole(ctx context.Context, role string) (*AgentRecord, error) {
	var rec AgentRecord
	row := s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE role = ? AND active = 1
		ORDER BY agent_id ASC LIMIT 1;
	`, role)
	if err := scanAgent(row.Scan, &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent by role: %w", err)
	}
	return &rec, nil
}

// ListAgents returns all agent records ordered by ID.
func (s *Store) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	return s.listAgents(ctx, false)
}

// ListActiveAgents returns only agents whose channels should be running.
func (s *Store) ListActiveAgents(ctx context.Context) ([]AgentRecord, error) {
	return s.listAgents(ctx, true)
}

func (s *Store) listAgents(ctx context.Context, activeOnly bool) ([]AgentRecord, error) {
	query := `SELECT ` + agentColumns + ` FROM agents ORDER BY agent_id ASC;`
	if activeOnly {
		query = `SELECT ` + agentColumns + ` FROM agents WHERE active = 1 ORDER BY agent_id ASC;`
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []AgentRecord
	for rows.Next() {
		var rec AgentRecord
		if err := scanAgent(rows.Scan, &rec); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: iterate: %w", err)
	}
	return out, nil
}

// SetAgentActive flips the active flag, which drives channel supervision.
func (s *Store) SetAgentActive(ctx context.Context, agentID int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET active = ?, updated_at = CURRENT_TIMESTAMP WHERE agent_id = ?;
	`, boolToInt(active), agentID)
	if err != nil {
		return fmt.Errorf("set agent active: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("set agent active: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("agent %d not found", agentID)
	}
	return nil
}

// UpdateAgent replaces the mutable persona fields of an agent.
func (s *Store) UpdateAgent(ctx context.Context, rec AgentRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET name = ?, role = ?, personality = ?, bot_token = ?,
			hitl_enabled = ?, daily_budget = ?, provider = ?, model = ?, api_key_env = ?,
			image = ?, updated_at = CURRENT_TIMESTAMP
		WHERE agent_id = ?;
	`, rec.Name, rec.Role, rec.Personality, rec.BotToken, boolToInt(rec.HITLEnabled),
		rec.DailyBudget, rec.Provider, rec.Model, rec.APIKeyEnv, rec.Image, rec.AgentID)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("update agent: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("agent %d not found", rec.AgentID)
	}
	return nil
}

// DeleteAgent removes an agent identity and its budget rows in one
// transaction. Conversation history and audit entries are kept.
func (s *Store) DeleteAgent(ctx context.Context, agentID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete agent: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?;`, agentID)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("delete agent: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("agent %d not found", agentID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM budgets WHERE agent_id = ?;`, agentID); err != nil {
		return fmt.Errorf("delete agent budgets: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete agent: commit: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

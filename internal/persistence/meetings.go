package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type MeetingStatus string

const (
	MeetingPendingApproval MeetingStatus = "pending_approval"
	MeetingActive          MeetingStatus = "active"
	MeetingCompleted       MeetingStatus = "completed"
	MeetingDenied          MeetingStatus = "denied"
)

var allowedMeetingTransitions = map[MeetingStatus]map[MeetingStatus]struct{}{
	MeetingPendingApproval: {
		MeetingActive: {},
		MeetingDenied: {},
	},
	MeetingActive: {
		MeetingCompleted: {},
		MeetingDenied:    {},
	},
}

// MeetingRecord is one agent-to-agent conversation and its lifecycle state.
type MeetingRecord struct {
	MeetingID          int64         `json:"meeting_id"`
	InitiatorAgentID   int64         `json:"initiator_agent_id"`
	InitiatorUserID    int64         `json:"initiator_user_id"`
	ParticipantRole    string        `json:"participant_role"`
	ParticipantAgentID int64         `json:"participant_agent_id,omitempty"`
	Topic              string        `json:"topic"`
	Status             MeetingStatus `json:"status"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// MeetingTurn is one transcript entry. The transcript is append-only.
type MeetingTurn struct {
	ID        int64     `json:"id"`
	MeetingID int64     `json:"meeting_id"`
	AgentID   int64     `json:"agent_id"`
	Speaker   string    `json:"speaker"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

const meetingColumns = `meeting_id, initiator_agent_id, initiator_user_id, participant_role,
	participant_agent_id, topic, status, created_at, updated_at`

func scanMeeting(scan func(...any) error, rec *MeetingRecord) error {
	return scan(&rec.MeetingID, &rec.InitiatorAgentID, &rec.InitiatorUserID, &rec.ParticipantRole,
		&rec.ParticipantAgentID, &rec.Topic, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
}

// CreateMeeting inserts a pending_approval meeting and returns its ID.
func (s *Store) CreateMeeting(ctx context.Context, initiatorAgentID, initiatorUserID int64, participantRole, topic string) (int64, error) {
	var meetingID int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO meetings (initiator_agent_id, initiator_user_id, participant_role, topic, status)
			VALUES (?, ?, ?, ?, ?);
		`, initiatorAgentID, initiatorUserID, participantRole, topic, MeetingPendingApproval)
		if err != nil {
			return fmt.Errorf("create meeting: %w", err)
		}
		meetingID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("create meeting: last insert id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return meetingID, nil
}

// GetMeeting returns the meeting for the given ID, or nil if not found.
func (s *Store) GetMeeting(ctx context.Context, meetingID int64) (*MeetingRecord, error) {
	var rec MeetingRecord
	row := s.db.QueryRowContext(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE meeting_id = ?;`, meetingID)
	if err := scanMeeting(row.Scan, &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get meeting: %w", err)
	}
	return &rec, nil
}

// TransitionMeeting moves a meeting from one status to another, enforcing
// the lifecycle. It reports false without error when the meeting is no
// longer in the expected source state.
func (s *Store) TransitionMeeting(ctx context.Context, meetingID int64, from, to MeetingStatus) (bool, error) {
	if _, ok := allowedMeetingTransitions[from][to]; !ok {
		return false, fmt.Errorf("transition meeting: %s -> %s not allowed", from, to)
	}
	var applied bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE meetings SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE meeting_id = ? AND status = ?;
		`, to, meetingID, from)
		if err != nil {
			return fmt.Errorf("transition meeting: %w", err)
		}
		n, rowsErr := res.RowsAffected()
		if rowsErr != nil {
			return fmt.Errorf("transition meeting: rows affected: %w", rowsErr)
		}
		applied = n > 0
		return nil
	})
	return applied, err
}

// SetMeetingParticipant records which agent answered the role lookup.
func (s *Store) SetMeetingParticipant(ctx context.Context, meetingID, participantAgentID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE meetings SET participant_agent_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE meeting_id = ?;
	`, participantAgentID, meetingID)
	if err != nil {
		return fmt.Errorf("set meeting participant: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("set meeting participant: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("meeting %d not found", meetingID)
	}
	return nil
}

// AppendMeetingTurn adds one transcript entry. Turns are never updated or
// deleted.
func (s *Store) AppendMeetingTurn(ctx context.Context, meetingID, agentID int64, speaker, content string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO meeting_turns (meeting_id, agent_id, speaker, content)
			VALUES (?, ?, ?, ?);
		`, meetingID, agentID, speaker, content)
		return err
	})
	if err != nil {
		return fmt.Errorf("append meeting turn: %w", err)
	}
	return nil
}

// ListMeetingTurns returns the transcript in insertion order.
func (s *Store) ListMeetingTurns(ctx context.Context, meetingID int64) ([]MeetingTurn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, meeting_id, agent_id, speaker, content, created_at
		FROM meeting_turns WHERE meeting_id = ? ORDER BY id ASC;
	`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("list meeting turns: %w", err)
	}
	defer rows.Close()
	var out []MeetingTurn
	for rows.Next() {
		var turn MeetingTurn
		if err := rows.Scan(&turn.ID, &turn.MeetingID, &turn.AgentID, &turn.Speaker, &turn.Content, &turn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan meeting turn: %w", err)
		}
		out = append(out, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list meeting turns: iterate: %w", err)
	}
	return out, nil
}

// ListMeetingsByStatus returns meetings in the given state, oldest first.
func (s *Store) ListMeetingsByStatus(ctx context.Context, status MeetingStatus) ([]MeetingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+meetingColumns+` FROM meetings WHERE status = ? ORDER BY created_at ASC;
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", err)
	}
	defer rows.Close()
	var out []MeetingRecord
	for rows.Next() {
		var rec MeetingRecord
		if err := scanMeeting(rows.Scan, &rec); err != nil {
			return nil, fmt.Errorf("scan meeting: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list meetings: iterate: %w", err)
	}
	return out, nil
}

// Package meeting runs the agent-to-agent delegation workflow. A meeting
// starts as a control event inside one agent's run, waits for operator
// sign-off, executes a budget-gated run for the participant and closes with
// a follow-up run that reports the outcome to the initiating user.
package meeting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/cubicle/internal/approval"
	"github.com/basket/cubicle/internal/audit"
	"github.com/basket/cubicle/internal/budget"
	"github.com/basket/cubicle/internal/bus"
	"github.com/basket/cubicle/internal/config"
	"github.com/basket/cubicle/internal/persistence"
	"github.com/basket/cubicle/internal/runner"
	"github.com/basket/cubicle/internal/shared"
	"github.com/basket/cubicle/internal/workspace"
)

// decisionPending answers the initiator's token so its run can finish while
// the meeting waits for the operator.
const decisionPending = "pending"

// Notifier is how the orchestrator reaches people: operators get the
// approve/deny prompt, the initiating user gets outcome and denial notices.
type Notifier interface {
	MeetingRequested(ctx context.Context, initiator *persistence.AgentRecord, rec persistence.MeetingRecord) error
	NotifyUser(ctx context.Context, agentID, userID int64, text string) error
}

// Snapshot is the meeting context materialized into a workspace at
// .context/meeting.json. The sandbox reads it via MEETING_PATH.
type Snapshot struct {
	MeetingID       int64          `json:"meeting_id"`
	Topic           string         `json:"topic"`
	CounterpartRole string         `json:"counterpart_role"`
	Status          string         `json:"status"`
	Transcript      []SnapshotTurn `json:"transcript"`
}

// SnapshotTurn is one transcript line in the materialized snapshot.
type SnapshotTurn struct {
	Speaker string `json:"speaker"`
	Content string `json:"content"`
}

// pendingMeeting is the in-memory side of one meeting awaiting operator
// sign-off.
type pendingMeeting struct {
	rec       persistence.MeetingRecord
	initiator *persistence.AgentRecord
	timer     *time.Timer
}

// Orchestrator consumes meeting_request control events and drives each
// meeting through pending_approval, active and completed.
type Orchestrator struct {
	store   *persistence.Store
	runner  *runner.Runner
	ws      *workspace.Manager
	timeout time.Duration
	logger  *slog.Logger
	bus     *bus.Bus

	mu       sync.Mutex
	pending  map[int64]*pendingMeeting
	notifier Notifier
	base     context.Context
	wg       sync.WaitGroup
}

func New(store *persistence.Store, r *runner.Runner, ws *workspace.Manager, cfg config.Config, logger *slog.Logger, eventBus *bus.Bus) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:   store,
		runner:  r,
		ws:      ws,
		timeout: cfg.ApprovalTimeout(),
		logger:  logger,
		bus:     eventBus,
		pending: make(map[int64]*pendingMeeting),
	}
}

// SetNotifier wires operator and user delivery.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notifier = n
}

// Start binds the orchestrator to the daemon context and denies meetings
// orphaned by a previous process, whose timers died with it.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	o.base = ctx
	o.mu.Unlock()

	stale, err := o.store.ListMeetingsByStatus(ctx, persistence.MeetingPendingApproval)
	if err != nil {
		return fmt.Errorf("list pending meetings: %w", err)
	}
	for _, rec := range stale {
		applied, err := o.store.TransitionMeeting(ctx, rec.MeetingID, persistence.MeetingPendingApproval, persistence.MeetingDenied)
		if err != nil {
			return fmt.Errorf("deny stale meeting %d: %w", rec.MeetingID, err)
		}
		if applied {
			o.logger.Info("stale meeting denied at startup", "meeting_id", rec.MeetingID)
			audit.RecordCtx(ctx, "deny", "meeting.resolve", "orchestrator restarted", "", meetingSubject(rec.MeetingID))
		}
	}
	return nil
}

// Drain waits for in-flight meeting executions up to timeout.
func (o *Orchestrator) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (o *Orchestrator) context() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.base != nil {
		return o.base
	}
	return context.Background()
}

// OnApprovalRequest belongs to the approval coordinator.
func (o *Orchestrator) OnApprovalRequest(context.Context, runner.RunContext, string, string) {}

// OnExecNotice belongs to the approval coordinator.
func (o *Orchestrator) OnExecNotice(context.Context, runner.RunContext, string, string, string) {}

// OnMeetingRequest opens a meeting in pending_approval, answers the
// initiator's token with the meeting id and puts the request in front of
// the operators.
func (o *Orchestrator) OnMeetingRequest(reqCtx context.Context, run runner.RunContext, token, role, topic string) {
	logger := o.logger.With("agent_id", run.Agent.AgentID, "user_id", run.UserID, "role", role)
	// Detached from the run's deadline; the request trace rides along.
	ctx := shared.WithTraceID(o.context(), shared.TraceID(reqCtx))

	meetingID, err := o.store.CreateMeeting(ctx, run.Agent.AgentID, run.UserID, role, topic)
	if err != nil {
		logger.Error("open meeting failed", "error", err)
		o.answer(run.Workspace, token, workspace.Decision{Decision: approval.DecisionDeny, Reason: "meeting ledger unavailable"})
		return
	}
	if err := o.store.AppendMeetingTurn(ctx, meetingID, run.Agent.AgentID, run.Agent.Name, topic); err != nil {
		logger.Warn("record opening turn failed", "meeting_id", meetingID, "error", err)
	}

	rec := persistence.MeetingRecord{
		MeetingID:        meetingID,
		InitiatorAgentID: run.Agent.AgentID,
		InitiatorUserID:  run.UserID,
		ParticipantRole:  role,
		Topic:            topic,
		Status:           persistence.MeetingPendingApproval,
	}
	entry := &pendingMeeting{rec: rec, initiator: run.Agent}
	entry.timer = time.AfterFunc(o.timeout, func() { o.expire(meetingID) })
	o.mu.Lock()
	o.pending[meetingID] = entry
	notifier := o.notifier
	o.mu.Unlock()

	// The initiator's run finishes on its own; it only needs the id.
	o.answer(run.Workspace, token, workspace.Decision{Decision: decisionPending, MeetingID: meetingID})

	logger.Info("meeting requested", "meeting_id", meetingID, "topic", topic)
	audit.RecordCtx(ctx, "gate", "meeting.request", topic, "", meetingSubject(meetingID))
	o.publish(bus.TopicMeetingRequested, rec, persistence.MeetingPendingApproval)

	if notifier == nil {
		logger.Warn("no operator channel attached, meeting will time out", "meeting_id", meetingID)
		return
	}
	if err := notifier.MeetingRequested(ctx, run.Agent, rec); err != nil {
		logger.Warn("operator dispatch failed", "meeting_id", meetingID, "error", err)
	}
}

// Resolve applies the operator's decision. Approval resolves the
// participant, flips the meeting to active and executes it on a detached
// goroutine; denial is terminal and tells the user.
func (o *Orchestrator) Resolve(ctx context.Context, meetingID int64, approve bool, approver string) error {
	if !approve {
		return o.deny(ctx, meetingID, approver, "operator denied")
	}

	o.mu.Lock()
	entry := o.pending[meetingID]
	o.mu.Unlock()

	rec, err := o.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return fmt.Errorf("load meeting: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("%w: meeting %d", approval.ErrInvalidApprovalReference, meetingID)
	}

	participant, err := o.store.GetAgentByRole(ctx, rec.ParticipantRole)
	if err != nil {
		return fmt.Errorf("resolve participant: %w", err)
	}
	if participant == nil {
		// Approved into a void: nobody holds the role, so the meeting dies.
		if derr := o.deny(ctx, meetingID, approver, "no active agent holds role "+rec.ParticipantRole); derr != nil {
			return derr
		}
		return fmt.Errorf("%w: no active agent for role %q", approval.ErrInvalidApprovalReference, rec.ParticipantRole)
	}

	applied, err := o.store.TransitionMeeting(ctx, meetingID, persistence.MeetingPendingApproval, persistence.MeetingActive)
	if err != nil {
		return fmt.Errorf("activate meeting: %w", err)
	}
	if !applied {
		return fmt.Errorf("%w: meeting %d", approval.ErrInvalidApprovalReference, meetingID)
	}
	if err := o.store.SetMeetingParticipant(ctx, meetingID, participant.AgentID); err != nil {
		o.logger.Warn("record participant failed", "meeting_id", meetingID, "error", err)
	}

	o.settle(meetingID, entry)
	o.logger.Info("meeting approved",
		"meeting_id", meetingID, "participant_id", participant.AgentID, "approver", approver)
	audit.RecordCtx(ctx, "allow", "meeting.resolve", "", "", meetingSubject(meetingID))
	rec.ParticipantAgentID = participant.AgentID
	rec.Status = persistence.MeetingActive
	o.publish(bus.TopicMeetingResolved, *rec, persistence.MeetingActive)

	initiator := o.initiatorFor(ctx, entry, rec.InitiatorAgentID)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(o.context(), *rec, initiator, participant)
	}()
	return nil
}

// deny is the terminal no-sandbox path shared by operator denial, timeout
// and role-resolution failure.
func (o *Orchestrator) deny(ctx context.Context, meetingID int64, approver, reason string) error {
	applied, err := o.store.TransitionMeeting(ctx, meetingID, persistence.MeetingPendingApproval, persistence.MeetingDenied)
	if err != nil {
		return fmt.Errorf("deny meeting: %w", err)
	}
	if !applied {
		return fmt.Errorf("%w: meeting %d", approval.ErrInvalidApprovalReference, meetingID)
	}

	o.mu.Lock()
	entry := o.pending[meetingID]
	o.mu.Unlock()
	o.settle(meetingID, entry)

	o.logger.Info("meeting denied", "meeting_id", meetingID, "approver", approver, "reason", reason)
	audit.RecordCtx(ctx, "deny", "meeting.resolve", reason, "", meetingSubject(meetingID))

	rec, err := o.store.GetMeeting(ctx, meetingID)
	if err != nil || rec == nil {
		return nil
	}
	o.publish(bus.TopicMeetingResolved, *rec, persistence.MeetingDenied)
	o.tellUser(ctx, rec.InitiatorAgentID, rec.InitiatorUserID,
		fmt.Sprintf("Your meeting request with a %s was declined (%s).", rec.ParticipantRole, reason))
	return nil
}

func (o *Orchestrator) expire(meetingID int64) {
	err := o.deny(o.context(), meetingID, "system:timeout", approval.ErrApprovalTimeout.Error())
	if err != nil && !errors.Is(err, approval.ErrInvalidApprovalReference) {
		o.logger.Warn("meeting timeout resolution failed", "meeting_id", meetingID, "error", err)
	}
}

// execute runs the approved meeting: participant run, transcript append,
// result materialization, follow-up initiator run, completion.
func (o *Orchestrator) execute(ctx context.Context, rec persistence.MeetingRecord, initiator, participant *persistence.AgentRecord) {
	logger := o.logger.With("meeting_id", rec.MeetingID)

	fail := func(reason string) {
		applied, err := o.store.TransitionMeeting(ctx, rec.MeetingID, persistence.MeetingActive, persistence.MeetingDenied)
		if err != nil || !applied {
			logger.Warn("close failed meeting", "applied", applied, "error", err)
		}
		audit.RecordCtx(ctx, "deny", "meeting.resolve", reason, "", meetingSubject(rec.MeetingID))
		o.publish(bus.TopicMeetingResolved, rec, persistence.MeetingDenied)
		o.tellUser(ctx, rec.InitiatorAgentID, rec.InitiatorUserID,
			fmt.Sprintf("Your meeting with the %s could not be completed (%s).", rec.ParticipantRole, reason))
	}

	counterpartRole := ""
	if initiator != nil {
		counterpartRole = initiator.Role
	}
	if err := o.materialize(participant.AgentID, rec.InitiatorUserID, rec, counterpartRole, string(persistence.MeetingActive)); err != nil {
		logger.Error("stage participant snapshot failed", "error", err)
		fail("meeting snapshot failed")
		return
	}

	participantRes, err := o.runner.Run(ctx, participant, rec.InitiatorUserID, meetingPrompt(rec))
	if err != nil {
		logger.Error("participant run failed", "error", err)
		fail(runFailureReason(err))
		return
	}
	if err := o.store.AppendMeetingTurn(ctx, rec.MeetingID, participant.AgentID, participant.Name, participantRes.Text); err != nil {
		logger.Warn("append participant turn failed", "error", err)
	}

	if initiator == nil {
		logger.Error("initiator record vanished", "agent_id", rec.InitiatorAgentID)
		fail("initiator no longer exists")
		return
	}
	if err := o.materialize(initiator.AgentID, rec.InitiatorUserID, rec, rec.ParticipantRole, string(persistence.MeetingCompleted)); err != nil {
		logger.Error("stage initiator snapshot failed", "error", err)
		fail("meeting snapshot failed")
		return
	}

	followMsg := fmt.Sprintf(
		"Your meeting with the %s about %q has concluded. Review your meeting notes and report the outcome.",
		rec.ParticipantRole, rec.Topic)
	followRes, err := o.runner.Run(ctx, initiator, rec.InitiatorUserID, followMsg)
	if err != nil {
		logger.Error("follow-up run failed", "error", err)
		fail(runFailureReason(err))
		return
	}

	applied, err := o.store.TransitionMeeting(ctx, rec.MeetingID, persistence.MeetingActive, persistence.MeetingCompleted)
	if err != nil || !applied {
		logger.Warn("complete meeting transition", "applied", applied, "error", err)
	}
	logger.Info("meeting completed", "participant_id", participant.AgentID)
	audit.RecordCtx(ctx, "allow", "meeting.complete", "", "", meetingSubject(rec.MeetingID))
	rec.Status = persistence.MeetingCompleted
	o.publish(bus.TopicMeetingCompleted, rec, persistence.MeetingCompleted)
	o.tellUser(ctx, rec.InitiatorAgentID, rec.InitiatorUserID, followRes.Text)
}

// materialize writes the meeting snapshot, transcript included, into the
// given agent/user workspace.
func (o *Orchestrator) materialize(agentID, userID int64, rec persistence.MeetingRecord, counterpartRole, status string) error {
	turns, err := o.store.ListMeetingTurns(o.context(), rec.MeetingID)
	if err != nil {
		return fmt.Errorf("load transcript: %w", err)
	}
	snap := Snapshot{
		MeetingID:       rec.MeetingID,
		Topic:           rec.Topic,
		CounterpartRole: counterpartRole,
		Status:          status,
	}
	for _, turn := range turns {
		snap.Transcript = append(snap.Transcript, SnapshotTurn{Speaker: turn.Speaker, Content: turn.Content})
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tree, err := o.ws.Ensure(agentID, userID)
	if err != nil {
		return err
	}
	return tree.WriteMeeting(data)
}

// Pending lists meetings awaiting operator sign-off.
func (o *Orchestrator) Pending(ctx context.Context) ([]persistence.MeetingRecord, error) {
	return o.store.ListMeetingsByStatus(ctx, persistence.MeetingPendingApproval)
}

// settle stops the timer and drops the in-memory entry for a resolved
// meeting.
func (o *Orchestrator) settle(meetingID int64, entry *pendingMeeting) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if entry != nil && entry.timer != nil {
		entry.timer.Stop()
	}
	delete(o.pending, meetingID)
}

// initiatorFor prefers the run-time agent record captured at request time
// and falls back to the store for meetings resolved after a restart.
func (o *Orchestrator) initiatorFor(ctx context.Context, entry *pendingMeeting, agentID int64) *persistence.AgentRecord {
	if entry != nil && entry.initiator != nil {
		return entry.initiator
	}
	rec, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		o.logger.Warn("load initiator failed", "agent_id", agentID, "error", err)
		return nil
	}
	return rec
}

func (o *Orchestrator) answer(ws *workspace.Tree, token string, d workspace.Decision) {
	if ws == nil {
		return
	}
	if err := ws.WriteDecision(token, d); err != nil {
		o.logger.Error("write decision file failed", "token", token, "error", err)
	}
}

func (o *Orchestrator) tellUser(ctx context.Context, agentID, userID int64, text string) {
	o.mu.Lock()
	notifier := o.notifier
	o.mu.Unlock()
	if notifier == nil {
		return
	}
	if err := notifier.NotifyUser(ctx, agentID, userID, text); err != nil {
		o.logger.Warn("user notification failed", "agent_id", agentID, "user_id", userID, "error", err)
	}
}

func (o *Orchestrator) publish(topic string, rec persistence.MeetingRecord, status persistence.MeetingStatus) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(topic, bus.MeetingEvent{
		MeetingID:   rec.MeetingID,
		InitiatorID: rec.InitiatorAgentID,
		Participant: rec.ParticipantAgentID,
		Topic:       rec.Topic,
		Status:      string(status),
	})
}

func meetingPrompt(rec persistence.MeetingRecord) string {
	return fmt.Sprintf(
		"You have been pulled into a meeting about %q. Review your meeting notes and give your professional answer.",
		rec.Topic)
}

func runFailureReason(err error) string {
	var exceeded *budget.ExceededError
	if errors.As(err, &exceeded) {
		return "budget exhausted"
	}
	return "execution failed"
}

func meetingSubject(meetingID int64) string {
	return fmt.Sprintf("meeting=%d", meetingID)
}

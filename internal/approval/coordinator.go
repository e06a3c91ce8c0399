// Package approval gates dangerous sandbox commands behind an operator
// decision. Each gate entry moves Pending to Approved or Denied exactly
// once, whether the operator answers, the timeout fires first, or both
// race.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/cubicle/internal/audit"
	"github.com/basket/cubicle/internal/bus"
	"github.com/basket/cubicle/internal/config"
	"github.com/basket/cubicle/internal/cubicle"
	"github.com/basket/cubicle/internal/persistence"
	"github.com/basket/cubicle/internal/policy"
	"github.com/basket/cubicle/internal/runner"
	"github.com/basket/cubicle/internal/shared"
	"github.com/basket/cubicle/internal/workspace"
)

// ErrInvalidApprovalReference marks a resolution that references an entry
// that does not exist or already left the pending state. Callers log and
// ignore it; the first resolution always stands.
var ErrInvalidApprovalReference = errors.New("invalid approval reference")

// ErrApprovalTimeout is the recorded reason when the approval window
// elapses before an operator answers.
var ErrApprovalTimeout = errors.New("approval window elapsed")

// Decision file payload values the sandbox polls for.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

const outputSnippetMax = 400

// Notifier delivers an approval request to the operators, normally as an
// inline keyboard on the agent's own bot.
type Notifier interface {
	ApprovalRequested(ctx context.Context, agent *persistence.AgentRecord, rec persistence.ApprovalRecord) error
}

// gateEntry is the in-memory side of one pending or approved entry. It
// holds what resolution needs after the control event is long gone.
type gateEntry struct {
	rec   persistence.ApprovalRecord
	token string
	ws    *workspace.Tree
	timer *time.Timer
}

// Coordinator consumes approval_request and exec_notice control events,
// persists gate entries and applies operator or timeout resolutions.
type Coordinator struct {
	store      *persistence.Store
	classifier policy.Classifier
	cubicles   *cubicle.Manager
	timeout    time.Duration
	logger     *slog.Logger
	bus        *bus.Bus

	mu       sync.Mutex
	entries  map[string]*gateEntry // keyed by approval id
	byToken  map[string]string     // sandbox token -> approval id
	notifier Notifier
	base     context.Context
}

func New(store *persistence.Store, classifier policy.Classifier, cubicles *cubicle.Manager, cfg config.Config, logger *slog.Logger, eventBus *bus.Bus) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:      store,
		classifier: classifier,
		cubicles:   cubicles,
		timeout:    cfg.ApprovalTimeout(),
		logger:     logger,
		bus:        eventBus,
		entries:    make(map[string]*gateEntry),
		byToken:    make(map[string]string),
	}
}

// SetNotifier wires the operator channel. Entries raised while no notifier
// is attached still time out normally.
func (c *Coordinator) SetNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifier = n
}

// Start binds the coordinator to the daemon context and denies any entries
// that outlived a previous process.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	c.base = ctx
	c.mu.Unlock()

	expired, err := c.store.ExpireOverdueApprovals(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("expire overdue approvals: %w", err)
	}
	for _, rec := range expired {
		c.logger.Info("stale gate entry denied at startup", "approval_id", rec.ApprovalID, "agent_id", rec.AgentID)
		audit.RecordCtx(ctx, "deny", "approval.resolve", ErrApprovalTimeout.Error(), c.classifier.Version(), rec.ApprovalID)
	}
	return nil
}

func (c *Coordinator) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.base != nil {
		return c.base
	}
	return context.Background()
}

// OnApprovalRequest classifies the command and either answers immediately
// or opens a gate entry for the operators. Runs on its own goroutine; the
// run may finish or time out while the entry is still open.
func (c *Coordinator) OnApprovalRequest(reqCtx context.Context, run runner.RunContext, token, command string) {
	logger := c.logger.With("agent_id", run.Agent.AgentID, "user_id", run.UserID, "run_id", run.RunID)

	if !run.Agent.HITLEnabled {
		c.answer(run.Workspace, token, DecisionAllow, "hitl disabled", logger)
		return
	}

	verdict, rule := c.classifier.Classify(command)
	if verdict == policy.VerdictSafe {
		logger.Debug("command classified safe", "command", command)
		c.answer(run.Workspace, token, DecisionAllow, "", logger)
		return
	}

	// Detached from the run's deadline; the request trace rides along.
	ctx := shared.WithTraceID(c.context(), shared.TraceID(reqCtx))
	rec := persistence.ApprovalRecord{
		ApprovalID:  uuid.NewString(),
		AgentID:     run.Agent.AgentID,
		UserID:      run.UserID,
		RunID:       run.RunID,
		ContainerID: run.ContainerID,
		Command:     command,
		Rule:        rule,
		Status:      persistence.ApprovalPending,
		ExpiresAt:   time.Now().UTC().Add(c.timeout),
	}
	if err := c.store.CreateApproval(ctx, rec); err != nil {
		// The gate fails closed: a command we cannot track does not run.
		logger.Error("persist gate entry failed, denying", "error", err)
		c.answer(run.Workspace, token, DecisionDeny, "approval gate unavailable", logger)
		return
	}

	entry := &gateEntry{rec: rec, token: token, ws: run.Workspace}
	entry.timer = time.AfterFunc(c.timeout, func() { c.expire(rec.ApprovalID) })
	c.mu.Lock()
	c.entries[rec.ApprovalID] = entry
	c.byToken[token] = rec.ApprovalID
	notifier := c.notifier
	c.mu.Unlock()

	logger.Info("dangerous command gated",
		"approval_id", rec.ApprovalID, "rule", rule, "command", command)
	audit.RecordCtx(ctx, "gate", "approval.request", rule, c.classifier.Version(),
		fmt.Sprintf("agent=%d user=%d cmd=%s", rec.AgentID, rec.UserID, command))
	c.publishRequested(rec)

	if notifier == nil {
		logger.Warn("no operator channel attached, entry will time out",
			"approval_id", rec.ApprovalID)
		return
	}
	if err := notifier.ApprovalRequested(ctx, run.Agent, rec); err != nil {
		logger.Warn("operator dispatch failed", "approval_id", rec.ApprovalID, "error", err)
	}
}

// OnExecNotice validates that an executed command maps to exactly one
// approved entry. Anything else is a protocol violation: an approved entry
// is consumed by its first notice, so a duplicate looks like an unknown
// token, and a notice for a still-pending entry means the sandbox runtime
// executed before the operator answered.
func (c *Coordinator) OnExecNotice(ctx context.Context, run runner.RunContext, token, command, output string) {
	c.mu.Lock()
	id, ok := c.byToken[token]
	var entry *gateEntry
	if ok {
		entry = c.entries[id]
	}
	violation := ""
	switch {
	case entry == nil:
		violation = "unknown_token"
	case entry.rec.Status != persistence.ApprovalApproved:
		violation = "entry_not_approved"
	default:
		delete(c.entries, id)
		delete(c.byToken, token)
	}
	c.mu.Unlock()

	if violation != "" {
		c.logger.Warn("exec notice without matching approval",
			"agent_id", run.Agent.AgentID, "user_id", run.UserID,
			"token", token, "command", command, "violation", violation)
		audit.RecordCtx(ctx, "deny", "protocol.violation", "exec notice "+violation,
			c.classifier.Version(), fmt.Sprintf("agent=%d token=%s", run.Agent.AgentID, token))
		c.publishViolation(run, token, violation)
		return
	}

	c.logger.Info("approved command executed", "approval_id", id, "command", command)
	audit.RecordCtx(ctx, "allow", "approval.exec", snippet(output), c.classifier.Version(), id)
}

// OnMeetingRequest belongs to the meeting orchestrator.
func (c *Coordinator) OnMeetingRequest(context.Context, runner.RunContext, string, string, string) {}

// Resolve applies an operator decision to a gate entry. Duplicate or stale
// references return ErrInvalidApprovalReference.
func (c *Coordinator) Resolve(ctx context.Context, approvalID string, approve bool, approver, reason string) error {
	status := persistence.ApprovalDenied
	if approve {
		status = persistence.ApprovalApproved
	}
	return c.resolve(ctx, approvalID, status, approver, reason)
}

func (c *Coordinator) resolve(ctx context.Context, approvalID string, status persistence.ApprovalStatus, approver, reason string) error {
	applied, err := c.store.ResolveApproval(ctx, approvalID, status, approver, reason)
	if err != nil {
		return fmt.Errorf("resolve gate entry: %w", err)
	}
	if !applied {
		return fmt.Errorf("%w: %s", ErrInvalidApprovalReference, approvalID)
	}

	c.mu.Lock()
	entry := c.entries[approvalID]
	if entry != nil {
		entry.rec.Status = status
		if entry.timer != nil {
			entry.timer.Stop()
		}
		if status == persistence.ApprovalDenied {
			delete(c.entries, approvalID)
			delete(c.byToken, entry.token)
		}
	}
	c.mu.Unlock()

	decision := "deny"
	if status == persistence.ApprovalApproved {
		decision = "allow"
	}
	c.logger.Info("gate entry resolved",
		"approval_id", approvalID, "decision", decision, "approver", approver)
	audit.RecordCtx(ctx, decision, "approval.resolve", reason, c.classifier.Version(), approvalID)
	c.publishResolved(approvalID, status, approver)

	if entry == nil {
		// Entry opened by an earlier process: the row is settled but there
		// is no live sandbox waiting on a decision file.
		c.logger.Warn("resolved entry has no active run", "approval_id", approvalID)
		return nil
	}

	if status == persistence.ApprovalApproved {
		c.answer(entry.ws, entry.token, DecisionAllow, reason, c.logger)
		return nil
	}

	c.answer(entry.ws, entry.token, DecisionDeny, reason, c.logger)
	// A denied command must not keep burning its exec window.
	if err := c.cubicles.Suspend(ctx, entry.rec.AgentID, entry.rec.UserID, entry.rec.ContainerID, "deny"); err != nil {
		c.logger.Warn("stop cubicle after deny failed",
			"approval_id", approvalID, "error", err)
	}
	return nil
}

// expire is the timer path. Losing the race to an operator decision is the
// expected quiet outcome.
func (c *Coordinator) expire(approvalID string) {
	err := c.resolve(c.context(), approvalID, persistence.ApprovalDenied, "system:timeout", ErrApprovalTimeout.Error())
	if err != nil && !errors.Is(err, ErrInvalidApprovalReference) {
		c.logger.Warn("timeout resolution failed", "approval_id", approvalID, "error", err)
	}
}

// Pending lists unresolved entries for the admin surfaces.
func (c *Coordinator) Pending(ctx context.Context) ([]persistence.ApprovalRecord, error) {
	return c.store.ListPendingApprovals(ctx)
}

// answer drops the decision file the sandbox polls for.
func (c *Coordinator) answer(ws *workspace.Tree, token, decision, reason string, logger *slog.Logger) {
	if ws == nil {
		return
	}
	err := ws.WriteDecision(token, workspace.Decision{Decision: decision, Reason: reason})
	if err != nil {
		logger.Error("write decision file failed", "token", token, "decision", decision, "error", err)
		return
	}
	logger.Debug("decision delivered", "token", token, "decision", decision)
}

func (c *Coordinator) publishRequested(rec persistence.ApprovalRecord) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.TopicApprovalRequested, bus.ApprovalRequestedEvent{
		EntryID: rec.ApprovalID, AgentID: rec.AgentID, UserID: rec.UserID,
		Command: rec.Command, ContainerID: rec.ContainerID,
	})
}

func (c *Coordinator) publishResolved(approvalID string, status persistence.ApprovalStatus, approver string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.TopicApprovalResolved, bus.ApprovalResolvedEvent{
		EntryID: approvalID, Decision: string(status), Approver: approver,
	})
}

func (c *Coordinator) publishViolation(run runner.RunContext, token, kind string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.TopicApprovalViolation, bus.ApprovalViolationEvent{
		AgentID: run.Agent.AgentID, UserID: run.UserID, Token: token, Kind: kind,
	})
}

func snippet(s string) string {
	if len(s) > outputSnippetMax {
		return s[:outputSnippetMax] + "..."
	}
	return s
}

// Package runner drives one message through a cubicle: budget gate,
// cubicle acquisition, history snapshot, container exec with demuxed
// stdout/stderr streams, control-event dispatch, spend recording and
// history append. Conversational text arrives on stdout; the structured
// control protocol rides stderr, one JSON object per line.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/cubicle/internal/budget"
	"github.com/basket/cubicle/internal/bus"
	"github.com/basket/cubicle/internal/config"
	"github.com/basket/cubicle/internal/cubicle"
	"github.com/basket/cubicle/internal/persistence"
	"github.com/basket/cubicle/internal/shared"
	"github.com/basket/cubicle/internal/workspace"
)

// ErrStream marks a broken exec stream. The run's last-active stamp is
// still refreshed best-effort so the reaper sees the activity.
var ErrStream = errors.New("run stream failed")

// timeoutNotice is appended to the buffered reply when a run hits the
// wall-clock cap.
const timeoutNotice = "[execution stopped: time limit reached]"

// finalizeTimeout bounds the post-run bookkeeping calls that run on a
// detached context.
const finalizeTimeout = 10 * time.Second

// RunContext identifies an in-flight run for control-event consumers.
type RunContext struct {
	RunID       string
	Agent       *persistence.AgentRecord
	UserID      int64
	ContainerID string
	Workspace   *workspace.Tree
}

// ControlSink receives control events as they stream out of a run. The
// approval coordinator and the meeting orchestrator each register one.
// Handlers run on their own goroutines and must not assume the run is
// still alive when they finish.
type ControlSink interface {
	OnApprovalRequest(ctx context.Context, run RunContext, token, command string)
	OnExecNotice(ctx context.Context, run RunContext, token, command, output string)
	OnMeetingRequest(ctx context.Context, run RunContext, token, role, topic string)
}

// Result is the outcome of one run.
type Result struct {
	RunID        string        `json:"run_id"`
	Text         string        `json:"text"`
	Action       string        `json:"action,omitempty"`
	Terminal     []string      `json:"terminal,omitempty"`
	PanelActions []string      `json:"panel_actions,omitempty"`
	Cost         float64       `json:"cost"`
	ExitCode     int           `json:"exit_code"`
	TimedOut     bool          `json:"timed_out"`
	Duration     time.Duration `json:"duration"`
}

// Runner owns the execution pipeline.
type Runner struct {
	engine     cubicle.Engine
	cubicles   *cubicle.Manager
	workspaces *workspace.Manager
	store      *persistence.Store
	guard      *budget.Guard
	parser     *EventParser
	cfg        config.Config
	logger     *slog.Logger
	bus        *bus.Bus

	mu    sync.RWMutex
	sinks []ControlSink
}

// New builds a runner. The control sinks are registered afterwards via
// AddSink because the coordinators that implement them need the runner
// first.
func New(engine cubicle.Engine, cubicles *cubicle.Manager, workspaces *workspace.Manager,
	store *persistence.Store, guard *budget.Guard, cfg config.Config,
	logger *slog.Logger, eventBus *bus.Bus) (*Runner, error) {
	parser, err := NewEventParser()
	if err != nil {
		return nil, fmt.Errorf("control event parser: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		engine:     engine,
		cubicles:   cubicles,
		workspaces: workspaces,
		store:      store,
		guard:      guard,
		parser:     parser,
		cfg:        cfg,
		logger:     logger,
		bus:        eventBus,
	}, nil
}

// AddSink registers a control-event consumer.
func (r *Runner) AddSink(s ControlSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

func (r *Runner) eachSink(fn func(ControlSink)) {
	r.mu.RLock()
	sinks := make([]ControlSink, len(r.sinks))
	copy(sinks, r.sinks)
	r.mu.RUnlock()
	for _, s := range sinks {
		fn(s)
	}
}

// Run executes one user message against the agent's cubicle and returns
// the final reply. The budget gate runs before any container side effect;
// a refused spend creates nothing. Runs for one (agent, user) pair
// serialize on the cubicle handle.
func (r *Runner) Run(ctx context.Context, agent *persistence.AgentRecord, userID int64, userMsg string) (*Result, error) {
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	if err := r.guard.CanSpend(ctx, agent.AgentID, userID); err != nil {
		return nil, err
	}

	runID := shared.NewRunID()
	ctx = shared.WithRunID(shared.WithAgentID(shared.WithUserID(ctx, userID), agent.AgentID), runID)
	logger := r.logger.With("run_id", runID, "agent_id", agent.AgentID, "user_id", userID)

	handle, err := r.cubicles.GetOrCreate(ctx, agent, userID)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	ws, err := r.workspaces.Ensure(agent.AgentID, userID)
	if err != nil {
		return nil, err
	}
	if err := r.snapshotHistory(ctx, ws, agent.AgentID, userID); err != nil {
		return nil, err
	}

	run := RunContext{
		RunID:       runID,
		Agent:       agent,
		UserID:      userID,
		ContainerID: handle.ContainerID,
		Workspace:   ws,
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.ExecTimeout())
	defer cancel()

	started := time.Now()
	logger.Info("run started", "container_id", handle.ContainerID)
	r.publish(bus.TopicRunStarted, bus.RunStartedEvent{
		RunID: runID, AgentID: agent.AgentID, UserID: userID, ContainerID: handle.ContainerID,
	})

	var outMu sync.Mutex
	var outLines []string
	stdoutW := newLineWriter(func(line string) {
		if strings.TrimSpace(line) == "" {
			return
		}
		outMu.Lock()
		outLines = append(outLines, line)
		outMu.Unlock()
		r.publish(bus.TopicRunLine, bus.RunLineEvent{
			RunID: runID, AgentID: agent.AgentID, UserID: userID, Line: line,
		})
	})

	var resMu sync.Mutex
	var resultEv *ControlEvent
	stderrW := newLineWriter(func(line string) {
		ev, err := r.parser.Parse(line)
		if err != nil {
			if strings.TrimSpace(line) != "" {
				logger.Debug("dropped stderr line", "error", err)
			}
			return
		}
		if ev.Type == EventResult {
			resMu.Lock()
			resultEv = ev
			resMu.Unlock()
			return
		}
		r.dispatchControl(runCtx, run, ev)
	})

	exitCode, execErr := r.engine.Exec(runCtx, handle.ContainerID, cubicle.ExecSpec{
		Cmd:        r.cfg.Sandbox.ExecCommand,
		Env:        r.buildEnv(ctx, agent, userID, userMsg, ws),
		WorkingDir: cubicle.WorkspaceMount,
	}, stdoutW, stderrW)
	stdoutW.Flush()
	stderrW.Flush()
	duration := time.Since(started)

	defer func() {
		if err := ws.ClearControl(); err != nil {
			logger.Warn("clear control dir failed", "error", err)
		}
	}()

	timedOut := execErr != nil && errors.Is(execErr, context.DeadlineExceeded)
	if execErr != nil && !timedOut {
		if ctx.Err() != nil {
			// Daemon shutdown mid-run; nothing useful to finalize.
			return nil, execErr
		}
		r.finalize(agent, userID, handle, nil, "", 0, true)
		wrapped := fmt.Errorf("%w: %v", ErrStream, execErr)
		r.publish(bus.TopicRunFailed, bus.RunCompletedEvent{
			RunID: runID, AgentID: agent.AgentID, UserID: userID,
			DurationMS: duration.Milliseconds(), Err: wrapped.Error(),
		})
		logger.Error("run stream failed", "error", execErr)
		return nil, wrapped
	}
	if timedOut {
		// Stop the sandbox so its agent loop cannot keep burning after
		// the reply window closed.
		stopCtx, stopCancel := context.WithTimeout(context.Background(), finalizeTimeout)
		if err := r.cubicles.Suspend(stopCtx, agent.AgentID, userID, handle.ContainerID, "timeout"); err != nil {
			logger.Warn("stop timed-out cubicle failed", "error", err)
		}
		stopCancel()
	}

	resMu.Lock()
	final := resultEv
	resMu.Unlock()

	outMu.Lock()
	text := strings.Join(outLines, "\n")
	outMu.Unlock()
	if final != nil && final.Message != "" {
		text = final.Message
	}
	if timedOut {
		if text != "" {
			text += "\n\n"
		}
		text += timeoutNotice
	}

	res := &Result{
		RunID:    runID,
		Text:     text,
		ExitCode: exitCode,
		TimedOut: timedOut,
		Duration: duration,
	}
	if final != nil {
		res.Action = final.Action
		res.Terminal = final.Terminal
		res.PanelActions = final.PanelActions
		if final.Usage != nil {
			res.Cost = final.Usage.Cost
		}
	}

	res.Cost = r.finalize(agent, userID, handle, res, userMsg, res.Cost, false)

	r.publish(bus.TopicRunCompleted, bus.RunCompletedEvent{
		RunID: runID, AgentID: agent.AgentID, UserID: userID,
		DurationMS: duration.Milliseconds(), TimedOut: timedOut,
	})
	logger.Info("run finished",
		"exit_code", exitCode, "timed_out", timedOut,
		"duration_ms", duration.Milliseconds(), "cost", res.Cost)
	return res, nil
}

// finalize records spend, appends history and refreshes the last-active
// stamp on a detached context so a canceled parent cannot skip the
// bookkeeping. It returns the cost actually charged.
func (r *Runner) finalize(agent *persistence.AgentRecord, userID int64, handle *cubicle.Handle,
	res *Result, userMsg string, reportedCost float64, streamBroken bool) float64 {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	charged := reportedCost
	if _, err := r.guard.RecordSpend(ctx, agent.AgentID, userID, reportedCost); err != nil {
		r.logger.Warn("record spend failed", "agent_id", agent.AgentID, "user_id", userID, "error", err)
	} else if reportedCost <= 0 {
		charged = r.cfg.Budget.FallbackRunCost
	}

	// History only gains turns the user actually saw; a broken stream
	// delivered nothing.
	if !streamBroken && res != nil {
		if err := r.store.AppendMessage(ctx, agent.AgentID, userID, "user", userMsg, 0); err != nil {
			r.logger.Warn("append user turn failed", "error", err)
		}
		if res.Text != "" {
			if err := r.store.AppendMessage(ctx, agent.AgentID, userID, "assistant", res.Text, charged); err != nil {
				r.logger.Warn("append assistant turn failed", "error", err)
			}
		}
	}

	r.cubicles.Touch(ctx, &handle.Cubicle)
	return charged
}

func (r *Runner) dispatchControl(ctx context.Context, run RunContext, ev *ControlEvent) {
	switch ev.Type {
	case EventApprovalRequest:
		r.eachSink(func(s ControlSink) {
			go s.OnApprovalRequest(ctx, run, ev.Token, ev.Command)
		})
	case EventExecNotice:
		r.eachSink(func(s ControlSink) {
			go s.OnExecNotice(ctx, run, ev.Token, ev.Command, ev.Output)
		})
	case EventMeetingRequest:
		r.eachSink(func(s ControlSink) {
			go s.OnMeetingRequest(ctx, run, ev.Token, ev.Role, ev.Topic)
		})
	}
}

// snapshotHistory materializes the bounded conversation window into the
// workspace so the sandbox reads context from a durable path.
func (r *Runner) snapshotHistory(ctx context.Context, ws *workspace.Tree, agentID, userID int64) error {
	msgs, err := r.store.RecentMessages(ctx, agentID, userID, r.cfg.HistoryWindow)
	if err != nil {
		return fmt.Errorf("load history window: %w", err)
	}
	type turn struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	turns := make([]turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, turn{Role: m.Role, Content: m.Content})
	}
	data, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("marshal history snapshot: %w", err)
	}
	return ws.WriteHistory(data)
}

// buildEnv assembles the sandbox environment contract for one exec.
func (r *Runner) buildEnv(ctx context.Context, agent *persistence.AgentRecord, userID int64, userMsg string, ws *workspace.Tree) []string {
	env := []string{
		"USER_MSG=" + userMsg,
		"HISTORY_PATH=" + path.Join(cubicle.WorkspaceMount, workspace.HistoryPath()),
		"HITL_ENABLED=" + strconv.FormatBool(agent.HITLEnabled),
		"AGENT_NAME=" + agent.Name,
		"AGENT_ROLE=" + agent.Role,
		"AGENT_PERSONALITY=" + agent.Personality,
		"AGENT_ID=" + strconv.FormatInt(agent.AgentID, 10),
		"USER_ID=" + strconv.FormatInt(userID, 10),
	}
	if ws.HasMeeting() {
		env = append(env, "MEETING_PATH="+path.Join(cubicle.WorkspaceMount, workspace.MeetingPath()))
	}
	provider, model, keyEnv := r.resolveProvider(ctx, agent)
	if provider != "" {
		env = append(env, "PROVIDER="+provider)
	}
	if model != "" {
		env = append(env, "MODEL="+model)
	}
	if keyEnv != "" {
		if val := os.Getenv(keyEnv); val != "" {
			env = append(env, keyEnv+"="+val)
		} else {
			r.logger.Warn("provider credential env is empty", "env", keyEnv, "agent_id", agent.AgentID)
		}
	}
	return env
}

// resolveProvider layers provider identity: process defaults, then the
// agent record, then settings rows, which win.
func (r *Runner) resolveProvider(ctx context.Context, agent *persistence.AgentRecord) (provider, model, keyEnv string) {
	provider = r.cfg.Provider.Name
	model = r.cfg.Provider.Model
	keyEnv = r.cfg.Provider.APIKeyEnv
	if agent.Provider != "" {
		provider = agent.Provider
	}
	if agent.Model != "" {
		model = agent.Model
	}
	if agent.APIKeyEnv != "" {
		keyEnv = agent.APIKeyEnv
	}
	for key, dst := range map[string]*string{
		"provider":    &provider,
		"model":       &model,
		"api_key_env": &keyEnv,
	} {
		if v, err := r.store.SettingGet(ctx, key); err == nil && v != "" {
			*dst = v
		}
	}
	return provider, model, keyEnv
}

func (r *Runner) publish(topic string, payload any) {
	if r.bus != nil {
		r.bus.Publish(topic, payload)
	}
}

package smoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/cubicle/internal/approval"
	"github.com/basket/cubicle/internal/budget"
	"github.com/basket/cubicle/internal/bus"
	"github.com/basket/cubicle/internal/config"
	"github.com/basket/cubicle/internal/cubicle"
	"github.com/basket/cubicle/internal/cubicle/enginetest"
	"github.com/basket/cubicle/internal/persistence"
	"github.com/basket/cubicle/internal/policy"
	"github.com/basket/cubicle/internal/runner"
	"github.com/basket/cubicle/internal/workspace"
)

// pipelineEnv wires the real message path end to end: store, workspaces,
// budget guard, runner, dispatcher and the approval coordinator, with the
// in-memory engine standing in for Docker. Only the channel and gateway
// layers are absent; the test plays both the operator and the sandbox.
type pipelineEnv struct {
	store      *persistence.Store
	ws         *workspace.Manager
	engine     *enginetest.Engine
	guard      *budget.Guard
	cubicles   *cubicle.Manager
	runner     *runner.Runner
	dispatcher *runner.Dispatcher
	approvals  *approval.Coordinator
	bus        *bus.Bus
	cfg        config.Config
}

func newPipelineEnv(t *testing.T, mutate func(*config.Config)) *pipelineEnv {
	t.Helper()

	store, err := persistence.Open(filepath.Join(t.TempDir(), "cubicle.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ws, err := workspace.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("workspace manager: %v", err)
	}

	cfg := config.Config{
		HistoryWindow: 20,
		Sandbox: config.SandboxConfig{
			Image:       "cubicle-agent:latest",
			ExecCommand: []string{"python3", "/app/agent.py"},
			MemoryMB:    512,
			CPUs:        1,
			PidsLimit:   64,
			Network:     "bridge",
		},
		Lifecycle: config.LifecycleConfig{ExecTimeoutSeconds: 10, ApprovalTimeoutSeconds: 30},
		Budget:    config.BudgetConfig{DefaultDailyLimit: 5, FallbackRunCost: 0.01},
		Provider:  config.ProviderConfig{Name: "openai", Model: "gpt-test"},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	engine := enginetest.New()
	eventBus := bus.New()
	guard := budget.NewGuard(store, cfg.Budget, nil, eventBus)
	cubicles := cubicle.NewManager(engine, ws, cfg.Sandbox, nil, eventBus)

	run, err := runner.New(engine, cubicles, ws, store, guard, cfg, nil, eventBus)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	approvals := approval.New(store, policy.NewLiveTable(policy.Default()), cubicles, cfg, nil, eventBus)
	if err := approvals.Start(ctx); err != nil {
		t.Fatalf("start approvals: %v", err)
	}
	run.AddSink(approvals)

	dispatcher := runner.NewDispatcher(run, 60, 10, nil)
	dispatcher.Start(ctx)

	return &pipelineEnv{
		store: store, ws: ws, engine: engine, guard: guard, cubicles: cubicles,
		runner: run, dispatcher: dispatcher, approvals: approvals, bus: eventBus, cfg: cfg,
	}
}

func pipelineAgent(hitl bool) *persistence.AgentRecord {
	return &persistence.AgentRecord{
		AgentID: 11, Name: "Sam", Role: "ops",
		Personality: "careful", HITLEnabled: hitl,
	}
}

// decisionPath is where the sandbox side of the protocol polls for the
// host's verdict on a token.
func (env *pipelineEnv) decisionPath(agentID, userID int64, token string) string {
	return filepath.Join(env.ws.PathFor(agentID, userID), ".control", token+".json")
}

func waitDecision(ctx context.Context, path string) (workspace.Decision, error) {
	var d workspace.Decision
	for {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := json.Unmarshal(data, &d); err != nil {
				return d, err
			}
			return d, nil
		}
		select {
		case <-ctx.Done():
			return d, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// dispatchAndWait queues one message and blocks for its delivery.
func (env *pipelineEnv) dispatchAndWait(t *testing.T, agent *persistence.AgentRecord, userID int64, text string) (*runner.Result, error) {
	t.Helper()
	type outcome struct {
		res *runner.Result
		err error
	}
	done := make(chan outcome, 1)
	if !env.dispatcher.Dispatch(agent, userID, text, func(res *runner.Result, err error) {
		done <- outcome{res, err}
	}) {
		t.Fatal("dispatch throttled unexpectedly")
	}
	select {
	case o := <-done:
		return o.res, o.err
	case <-time.After(15 * time.Second):
		t.Fatal("run never delivered")
		return nil, nil
	}
}

func TestPipeline_ApprovedCommandRunsExactlyOnce(t *testing.T) {
	env := newPipelineEnv(t, nil)
	agent := pipelineAgent(true)
	const userID int64 = 42
	const token = "tok-gate-1"

	env.engine.ExecFn = func(ctx context.Context, _ string, _ cubicle.ExecSpec, stdout, stderr io.Writer) (int, error) {
		fmt.Fprintln(stderr, `{"type":"approval_request","token":"`+token+`","command":"rm -rf ./stale"}`)
		d, err := waitDecision(ctx, env.decisionPath(agent.AgentID, userID, token))
		if err != nil {
			return 1, nil
		}
		if d.Decision != approval.DecisionAllow {
			fmt.Fprintln(stderr, `{"type":"result","message":"command was blocked"}`)
			return 0, nil
		}
		fmt.Fprintln(stderr, `{"type":"exec_notice","token":"`+token+`","command":"rm -rf ./stale","output":"removed 3 files"}`)
		fmt.Fprintln(stdout, "cleaned the stale directory")
		fmt.Fprintln(stderr, `{"type":"result","message":"stale directory removed","usage":{"cost":0.05}}`)
		return 0, nil
	}

	sub := env.bus.Subscribe(bus.TopicApprovalRequested)
	defer env.bus.Unsubscribe(sub)

	type outcome struct {
		res *runner.Result
		err error
	}
	done := make(chan outcome, 1)
	if !env.dispatcher.Dispatch(agent, userID, "clear out the stale dir", func(res *runner.Result, err error) {
		done <- outcome{res, err}
	}) {
		t.Fatal("dispatch throttled unexpectedly")
	}

	var entryID string
	select {
	case ev := <-sub.Ch():
		req, ok := ev.Payload.(bus.ApprovalRequestedEvent)
		if !ok {
			t.Fatalf("unexpected payload %#v", ev.Payload)
		}
		if req.Command != "rm -rf ./stale" {
			t.Fatalf("gated command = %q", req.Command)
		}
		entryID = req.EntryID
	case <-time.After(10 * time.Second):
		t.Fatal("approval request never surfaced")
	}

	if err := env.approvals.Resolve(context.Background(), entryID, true, "operator", "verified target"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	var o outcome
	select {
	case o = <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("run never delivered")
	}
	if o.err != nil {
		t.Fatalf("run: %v", o.err)
	}
	if o.res.Text != "stale directory removed" {
		t.Fatalf("Text = %q", o.res.Text)
	}
	if o.res.Cost != 0.05 {
		t.Fatalf("Cost = %v, want 0.05", o.res.Cost)
	}

	rec, err := env.store.GetApproval(context.Background(), entryID)
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if rec == nil || rec.Status != persistence.ApprovalApproved {
		t.Fatalf("approval record = %+v, want approved", rec)
	}
	if got := env.engine.Execs(); got != 1 {
		t.Fatalf("engine execs = %d, want 1", got)
	}

	status, err := env.guard.Status(context.Background(), agent.AgentID, userID)
	if err != nil {
		t.Fatalf("budget status: %v", err)
	}
	if status.Spent != 0.05 {
		t.Fatalf("spent = %v, want 0.05", status.Spent)
	}
}

func TestPipeline_DeniedCommandNeverExecutes(t *testing.T) {
	env := newPipelineEnv(t, nil)
	agent := pipelineAgent(true)
	const userID int64 = 42
	const token = "tok-gate-2"

	execNoticed := make(chan struct{}, 1)
	env.engine.ExecFn = func(ctx context.Context, _ string, _ cubicle.ExecSpec, _, stderr io.Writer) (int, error) {
		fmt.Fprintln(stderr, `{"type":"approval_request","token":"`+token+`","command":"shutdown -h now"}`)
		d, err := waitDecision(ctx, env.decisionPath(agent.AgentID, userID, token))
		if err != nil {
			return 1, nil
		}
		if d.Decision == approval.DecisionAllow {
			execNoticed <- struct{}{}
			fmt.Fprintln(stderr, `{"type":"exec_notice","token":"`+token+`","command":"shutdown -h now"}`)
		}
		fmt.Fprintln(stderr, `{"type":"result","message":"the shutdown was not permitted"}`)
		return 0, nil
	}

	sub := env.bus.Subscribe(bus.TopicApprovalRequested)
	defer env.bus.Unsubscribe(sub)

	resCh := make(chan *runner.Result, 1)
	env.dispatcher.Dispatch(agent, userID, "shut the box down", func(res *runner.Result, err error) {
		if err != nil {
			t.Errorf("run: %v", err)
		}
		resCh <- res
	})

	var entryID string
	select {
	case ev := <-sub.Ch():
		entryID = ev.Payload.(bus.ApprovalRequestedEvent).EntryID
	case <-time.After(10 * time.Second):
		t.Fatal("approval request never surfaced")
	}
	if err := env.approvals.Resolve(context.Background(), entryID, false, "operator", "no host control"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	var res *runner.Result
	select {
	case res = <-resCh:
	case <-time.After(15 * time.Second):
		t.Fatal("run never delivered")
	}
	if res == nil || res.Text != "the shutdown was not permitted" {
		t.Fatalf("result = %+v", res)
	}

	select {
	case <-execNoticed:
		t.Fatal("denied command executed anyway")
	default:
	}

	rec, err := env.store.GetApproval(context.Background(), entryID)
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if rec == nil || rec.Status != persistence.ApprovalDenied {
		t.Fatalf("approval record = %+v, want denied", rec)
	}
}

func TestPipeline_BudgetRefusalStopsBeforeTheSandbox(t *testing.T) {
	env := newPipelineEnv(t, func(cfg *config.Config) {
		cfg.Budget.DefaultDailyLimit = 0.30
	})
	agent := pipelineAgent(false)
	const userID int64 = 42

	env.engine.ExecFn = func(_ context.Context, _ string, _ cubicle.ExecSpec, _, stderr io.Writer) (int, error) {
		fmt.Fprintln(stderr, `{"type":"result","message":"expensive answer","usage":{"cost":0.35}}`)
		return 0, nil
	}

	res, err := env.dispatchAndWait(t, agent, userID, "first question")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if res.Cost != 0.35 {
		t.Fatalf("first run cost = %v", res.Cost)
	}

	_, err = env.dispatchAndWait(t, agent, userID, "second question")
	var exceeded *budget.ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("second run error = %v, want budget refusal", err)
	}
	if got := env.engine.Execs(); got != 1 {
		t.Fatalf("engine execs = %d, want 1 (refusal must precede sandbox work)", got)
	}
	if got := env.engine.Creates(); got != 1 {
		t.Fatalf("engine creates = %d, want 1", got)
	}
}

func TestPipeline_HibernatedCubicleWakesForTheNextMessage(t *testing.T) {
	env := newPipelineEnv(t, nil)
	agent := pipelineAgent(false)
	const userID int64 = 42

	env.engine.ExecFn = func(_ context.Context, _ string, _ cubicle.ExecSpec, _, stderr io.Writer) (int, error) {
		fmt.Fprintln(stderr, `{"type":"result","message":"ok","usage":{"cost":0.01}}`)
		return 0, nil
	}

	if _, err := env.dispatchAndWait(t, agent, userID, "hello"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := env.cubicles.Hibernate(context.Background(), agent.AgentID, userID, "idle"); err != nil {
		t.Fatalf("hibernate: %v", err)
	}

	containers := env.engine.Containers()
	if len(containers) != 1 || containers[0].Running {
		t.Fatalf("after hibernate: %+v", containers)
	}

	if _, err := env.dispatchAndWait(t, agent, userID, "are you there?"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := env.engine.Creates(); got != 1 {
		t.Fatalf("creates = %d, want 1 (wake must reuse the container)", got)
	}
	if got := env.engine.Execs(); got != 2 {
		t.Fatalf("execs = %d, want 2", got)
	}

	containers = env.engine.Containers()
	if len(containers) != 1 || !containers[0].Running {
		t.Fatalf("after wake: %+v", containers)
	}
}

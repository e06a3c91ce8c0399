package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/cubicle/internal/budget"
	"github.com/basket/cubicle/internal/bus"
	"github.com/basket/cubicle/internal/config"
	"github.com/basket/cubicle/internal/cubicle"
	"github.com/basket/cubicle/internal/persistence"
	"github.com/basket/cubicle/internal/workspace"
)

type execScript func(ctx context.Context, spec cubicle.ExecSpec, stdout, stderr io.Writer) (int, error)

// scriptEngine is an in-memory Engine whose Exec runs a scripted function.
type scriptEngine struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*scriptContainer
	script     execScript
	lastExec   cubicle.ExecSpec
	execs      int
	creates    int
}

type scriptContainer struct {
	id      string
	name    string
	labels  map[string]string
	running bool
	created time.Time
}

func newScriptEngine(script execScript) *scriptEngine {
	return &scriptEngine{containers: make(map[string]*scriptContainer), script: script}
}

func (f *scriptEngine) Create(_ context.Context, spec cubicle.CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.creates++
	id := fmt.Sprintf("sc-%d", f.seq)
	f.containers[id] = &scriptContainer{
		id: id, name: spec.Name, labels: spec.Labels, created: time.Now().UTC(),
	}
	return id, nil
}

func (f *scriptEngine) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("start: %w", cubicle.ErrContainerNotFound)
	}
	c.running = true
	return nil
}

func (f *scriptEngine) Stop(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("stop: %w", cubicle.ErrContainerNotFound)
	}
	c.running = false
	return nil
}

func (f *scriptEngine) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	return nil
}

func (f *scriptEngine) Rename(_ context.Context, id, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("rename: %w", cubicle.ErrContainerNotFound)
	}
	c.name = name
	return nil
}

func (f *scriptEngine) List(_ context.Context, labels map[string]string) ([]cubicle.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []cubicle.Summary
	for _, c := range f.containers {
		match := true
		for k, v := range labels {
			if c.labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, cubicle.Summary{
				ID: c.id, Name: "/" + c.name, Labels: c.labels,
				Running: c.running, CreatedAt: c.created,
			})
		}
	}
	return out, nil
}

func (f *scriptEngine) Inspect(_ context.Context, id string) (cubicle.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return cubicle.Summary{}, fmt.Errorf("inspect: %w", cubicle.ErrContainerNotFound)
	}
	return cubicle.Summary{
		ID: c.id, Name: "/" + c.name, Labels: c.labels,
		Running: c.running, CreatedAt: c.created,
	}, nil
}

func (f *scriptEngine) Exec(ctx context.Context, id string, spec cubicle.ExecSpec, stdout, stderr io.Writer) (int, error) {
	f.mu.Lock()
	f.execs++
	f.lastExec = spec
	script := f.script
	f.mu.Unlock()
	if script == nil {
		return 0, nil
	}
	return script(ctx, spec, stdout, stderr)
}

func (f *scriptEngine) Ping(context.Context) error { return nil }
func (f *scriptEngine) Close() error               { return nil }

func (f *scriptEngine) container(id string) *scriptContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[id]
}

func (f *scriptEngine) only(t *testing.T) *scriptContainer {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.containers) != 1 {
		t.Fatalf("engine holds %d containers, want 1", len(f.containers))
	}
	for _, c := range f.containers {
		return c
	}
	return nil
}

type testEnv struct {
	runner *Runner
	engine *scriptEngine
	store  *persistence.Store
	guard  *budget.Guard
	ws     *workspace.Manager
	bus    *bus.Bus
	cfg    config.Config
}

func newTestEnv(t *testing.T, script execScript, mutate func(*config.Config)) *testEnv {
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
		Lifecycle: config.LifecycleConfig{ExecTimeoutSeconds: 5, ApprovalTimeoutSeconds: 2},
		Budget:    config.BudgetConfig{DefaultDailyLimit: 5, FallbackRunCost: 0.01},
		Provider:  config.ProviderConfig{Name: "openai", Model: "gpt-test", APIKeyEnv: ""},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	engine := newScriptEngine(script)
	eventBus := bus.New()
	guard := budget.NewGuard(store, cfg.Budget, nil, nil)
	cubicles := cubicle.NewManager(engine, ws, cfg.Sandbox, nil, eventBus)
	r, err := New(engine, cubicles, ws, store, guard, cfg, nil, eventBus)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return &testEnv{runner: r, engine: engine, store: store, guard: guard, ws: ws, bus: eventBus, cfg: cfg}
}

func runAgent() *persistence.AgentRecord {
	return &persistence.AgentRecord{
		AgentID: 7, Name: "Pat", Role: "researcher",
		Personality: "terse", HITLEnabled: true,
	}
}

func TestRunDeliversResultEnvelope(t *testing.T) {
	script := func(_ context.Context, _ cubicle.ExecSpec, stdout, stderr io.Writer) (int, error) {
		fmt.Fprintln(stdout, "looking into it")
		fmt.Fprintln(stderr, `{"type":"result","message":"done: 4 findings","action":"report","terminal":["grep -r TODO ."],"usage":{"cost":0.25}}`)
		return 0, nil
	}
	env := newTestEnv(t, script, nil)

	res, err := env.runner.Run(context.Background(), runAgent(), 42, "dig through the repo")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "done: 4 findings" {
		t.Fatalf("Text = %q, want result message", res.Text)
	}
	if res.Action != "report" || len(res.Terminal) != 1 {
		t.Fatalf("envelope = %+v", res)
	}
	if res.Cost != 0.25 {
		t.Fatalf("Cost = %v, want reported 0.25", res.Cost)
	}
	if res.TimedOut {
		t.Fatal("TimedOut set on clean run")
	}

	status, err := env.guard.Status(context.Background(), 7, 42)
	if err != nil {
		t.Fatalf("budget status: %v", err)
	}
	if status.Spent != 0.25 {
		t.Fatalf("budget spent = %v, want 0.25", status.Spent)
	}

	msgs, err := env.store.RecentMessages(context.Background(), 7, 42, 10)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("history = %+v, want user+assistant turns", msgs)
	}
	if msgs[1].Content != "done: 4 findings" || msgs[1].Cost != 0.25 {
		t.Fatalf("assistant turn = %+v", msgs[1])
	}
}

func TestRunFallsBackToStdout(t *testing.T) {
	script := func(_ context.Context, _ cubicle.ExecSpec, stdout, _ io.Writer) (int, error) {
		fmt.Fprintln(stdout, "line one")
		fmt.Fprintln(stdout, "line two")
		return 0, nil
	}
	env := newTestEnv(t, script, nil)

	res, err := env.runner.Run(context.Background(), runAgent(), 42, "hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "line one\nline two" {
		t.Fatalf("Text = %q, want joined stdout", res.Text)
	}
	if res.Cost != 0.01 {
		t.Fatalf("Cost = %v, want fallback", res.Cost)
	}
	status, _ := env.guard.Status(context.Background(), 7, 42)
	if status.Spent != 0.01 {
		t.Fatalf("budget spent = %v, want fallback charge", status.Spent)
	}
}

func TestRunBudgetGateBlocksBeforeSandbox(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	if _, err := env.guard.RecordSpend(context.Background(), 7, 42, 5.0); err != nil {
		t.Fatalf("prespend: %v", err)
	}

	_, err := env.runner.Run(context.Background(), runAgent(), 42, "one more thing")
	var exceeded *budget.ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("err = %v, want ExceededError", err)
	}
	if env.engine.creates != 0 || env.engine.execs != 0 {
		t.Fatalf("engine touched despite budget refusal: creates=%d execs=%d",
			env.engine.creates, env.engine.execs)
	}
}

func TestRunTimeoutStopsCubicle(t *testing.T) {
	script := func(ctx context.Context, _ cubicle.ExecSpec, stdout, _ io.Writer) (int, error) {
		fmt.Fprintln(stdout, "working on it")
		<-ctx.Done()
		return 0, ctx.Err()
	}
	env := newTestEnv(t, script, func(c *config.Config) {
		c.Lifecycle.ExecTimeoutSeconds = 1
	})

	res, err := env.runner.Run(context.Background(), runAgent(), 42, "spin forever")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TimedOut {
		t.Fatal("TimedOut not set")
	}
	if !strings.Contains(res.Text, timeoutNotice) || !strings.Contains(res.Text, "working on it") {
		t.Fatalf("Text = %q, want buffered output plus notice", res.Text)
	}
	if env.engine.only(t).running {
		t.Fatal("container still running after timeout")
	}
}

func TestRunStreamErrorSurfaced(t *testing.T) {
	script := func(_ context.Context, _ cubicle.ExecSpec, _, _ io.Writer) (int, error) {
		return 0, fmt.Errorf("exec stream: connection reset")
	}
	env := newTestEnv(t, script, nil)

	_, err := env.runner.Run(context.Background(), runAgent(), 42, "hello")
	if !errors.Is(err, ErrStream) {
		t.Fatalf("err = %v, want ErrStream", err)
	}
	// The stamp is still refreshed so the reaper sees the activity.
	c := env.engine.only(t)
	if _, _, _, ok := cubicle.ParseContainerName(c.name); !ok {
		t.Fatalf("container name %q lost its stamp", c.name)
	}
}

type recordingSink struct {
	mu        sync.Mutex
	approvals []string
	notices   []string
	meetings  []string
	seen      chan string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{seen: make(chan string, 16)}
}

func (s *recordingSink) OnApprovalRequest(_ context.Context, _ RunContext, token, command string) {
	s.mu.Lock()
	s.approvals = append(s.approvals, token+" "+command)
	s.mu.Unlock()
	s.seen <- "approval"
}

func (s *recordingSink) OnExecNotice(_ context.Context, _ RunContext, token, command, _ string) {
	s.mu.Lock()
	s.notices = append(s.notices, token+" "+command)
	s.mu.Unlock()
	s.seen <- "notice"
}

func (s *recordingSink) OnMeetingRequest(_ context.Context, _ RunContext, token, role, topic string) {
	s.mu.Lock()
	s.meetings = append(s.meetings, token+" "+role+" "+topic)
	s.mu.Unlock()
	s.seen <- "meeting"
}

func (s *recordingSink) wait(t *testing.T, want int) {
	t.Helper()
	for i := 0; i < want; i++ {
		select {
		case <-s.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("saw %d control events, want %d", i, want)
		}
	}
}

func TestRunDispatchesControlEvents(t *testing.T) {
	script := func(_ context.Context, _ cubicle.ExecSpec, stdout, stderr io.Writer) (int, error) {
		fmt.Fprintln(stderr, `{"type":"approval_request","token":"tok-1","command":"rm -rf /tmp/x"}`)
		fmt.Fprintln(stderr, "debug: polling for decision")
		fmt.Fprintln(stderr, `{"type":"bogus","token":"tok-9"}`)
		fmt.Fprintln(stderr, `{"type":"meeting_request","token":"tok-2","role":"analyst","topic":"q3 numbers"}`)
		fmt.Fprintln(stdout, "asked for help")
		return 0, nil
	}
	env := newTestEnv(t, script, nil)
	sink := newRecordingSink()
	env.runner.AddSink(sink)

	if _, err := env.runner.Run(context.Background(), runAgent(), 42, "do risky things"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	sink.wait(t, 2)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.approvals) != 1 || sink.approvals[0] != "tok-1 rm -rf /tmp/x" {
		t.Fatalf("approvals = %v", sink.approvals)
	}
	if len(sink.meetings) != 1 || sink.meetings[0] != "tok-2 analyst q3 numbers" {
		t.Fatalf("meetings = %v", sink.meetings)
	}
	if len(sink.notices) != 0 {
		t.Fatalf("notices = %v, want none", sink.notices)
	}
}

func TestRunSandboxEnvContract(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	agent := runAgent()

	ws, err := env.ws.Ensure(agent.AgentID, 42)
	if err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	if err := env.store.AppendMessage(context.Background(), 7, 42, "user", "earlier question", 0); err != nil {
		t.Fatalf("seed history: %v", err)
	}
	if err := ws.WriteMeeting([]byte(`{"meeting_id":3}`)); err != nil {
		t.Fatalf("stage meeting: %v", err)
	}

	if _, err := env.runner.Run(context.Background(), agent, 42, "what changed?"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := map[string]string{}
	for _, kv := range env.engine.lastExec.Env {
		k, v, _ := strings.Cut(kv, "=")
		got[k] = v
	}
	for key, want := range map[string]string{
		"USER_MSG":          "what changed?",
		"HITL_ENABLED":      "true",
		"AGENT_NAME":        "Pat",
		"AGENT_ROLE":        "researcher",
		"AGENT_PERSONALITY": "terse",
		"AGENT_ID":          "7",
		"USER_ID":           "42",
		"HISTORY_PATH":      "/workspace/.context/history.json",
		"MEETING_PATH":      "/workspace/.context/meeting.json",
		"PROVIDER":          "openai",
		"MODEL":             "gpt-test",
	} {
		if got[key] != want {
			t.Errorf("env %s = %q, want %q", key, got[key], want)
		}
	}
	if env.engine.lastExec.WorkingDir != cubicle.WorkspaceMount {
		t.Errorf("workdir = %q", env.engine.lastExec.WorkingDir)
	}

	snap, err := ws.Read(workspace.HistoryPath())
	if err != nil {
		t.Fatalf("read history snapshot: %v", err)
	}
	if !strings.Contains(snap, "earlier question") {
		t.Fatalf("history snapshot = %q, missing prior turn", snap)
	}
}

func TestRunClearsControlDir(t *testing.T) {
	script := func(_ context.Context, spec cubicle.ExecSpec, _, stderr io.Writer) (int, error) {
		fmt.Fprintln(stderr, `{"type":"result","message":"ok"}`)
		return 0, nil
	}
	env := newTestEnv(t, script, nil)
	agent := runAgent()

	ws, err := env.ws.Ensure(agent.AgentID, 42)
	if err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	if err := ws.WriteDecision("stale-token", workspace.Decision{Decision: "allow"}); err != nil {
		t.Fatalf("stage stale decision: %v", err)
	}

	if _, err := env.runner.Run(context.Background(), agent, 42, "hello"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(ws.Dir(), ".control"))
	if err != nil {
		t.Fatalf("read control dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("control dir holds %d entries after run, want 0", len(entries))
	}
}

func TestSettingsOverrideProvider(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	if err := env.store.SettingSet(context.Background(), "model", "gpt-pinned"); err != nil {
		t.Fatalf("set setting: %v", err)
	}

	if _, err := env.runner.Run(context.Background(), runAgent(), 42, "hi"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var model string
	for _, kv := range env.engine.lastExec.Env {
		if v, ok := strings.CutPrefix(kv, "MODEL="); ok {
			model = v
		}
	}
	if model != "gpt-pinned" {
		t.Fatalf("MODEL = %q, want settings override", model)
	}
}

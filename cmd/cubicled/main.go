package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/cubicle/internal/approval"
	"github.com/basket/cubicle/internal/audit"
	"github.com/basket/cubicle/internal/budget"
	"github.com/basket/cubicle/internal/bus"
	"github.com/basket/cubicle/internal/channels"
	"github.com/basket/cubicle/internal/config"
	"github.com/basket/cubicle/internal/cubicle"
	"github.com/basket/cubicle/internal/gateway"
	"github.com/basket/cubicle/internal/meeting"
	otelPkg "github.com/basket/cubicle/internal/otel"
	"github.com/basket/cubicle/internal/persistence"
	"github.com/basket/cubicle/internal/policy"
	"github.com/basket/cubicle/internal/reaper"
	"github.com/basket/cubicle/internal/runner"
	"github.com/basket/cubicle/internal/telemetry"
	"github.com/basket/cubicle/internal/workspace"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the daemon (gateway, bots, reaper)

SUBCOMMANDS:
  %s status [--watch]         Show daemon health (/healthz)
                              --watch renders a live terminal dashboard
  %s doctor [-json]           Run diagnostic checks
                              Flags: -json for JSON output
  %s pull [image]             Pre-pull the sandbox image
                              Default image comes from config.yaml
  %s version                  Print the build version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CUBICLE_HOME            Data directory (default: ~/.cubicle)
  CUBICLE_BIND_ADDR       Override the gateway bind address
  CUBICLE_AUTH_TOKEN      Override the gateway bearer token
  CUBICLE_SANDBOX_IMAGE   Override the sandbox image

EXAMPLES:
  Run the daemon:         %s
  Live dashboard:         %s status --watch
  Run diagnostics:        %s doctor
  Fetch the image:        %s pull
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI subcommands (non-daemon actions).
	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "pull":
			os.Exit(runPullCommand(ctx, args[1:]))
		case "daemon":
			// Alias kept for service files; falls through to daemon mode.
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes up before the logger so logger failures still land in the
	// audit trail. It only needs the home directory.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	rootLogger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	comp := func(name string) *slog.Logger { return telemetry.Component(rootLogger, name) }
	logger := comp("orchestrator")
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "first_run", cfg.FirstRun)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin event feed connections will be rejected", "bind_addr", cfg.BindAddr)
		}
	}

	if cfg.FirstRun {
		if err := config.WriteStarter(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("starter config.yaml written", "path", config.ConfigPath(cfg.HomeDir))
		if isatty.IsTerminal(os.Stdout.Fd()) {
			fmt.Printf("\nWrote %s. Edit it (telegram operator, sandbox image) and restart.\n\n", config.ConfigPath(cfg.HomeDir))
		}
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	// Event bus comes up early so every later component can attach to it.
	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	collector := otelPkg.NewCollector(metrics, eventBus, comp("otel"))
	collector.Start(ctx)
	defer collector.Stop()

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "cubicle.db"))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	if err := store.SeedAllowlist(ctx, cfg.Channels.Telegram.OperatorID, cfg.Channels.Telegram.AllowedIDs); err != nil {
		fatalStartup(logger, "E_ALLOWLIST_SEED", err)
	}

	if _, statErr := os.Stat(cfg.Policy.Path); os.IsNotExist(statErr) {
		if writeErr := policy.WriteDefault(cfg.Policy.Path); writeErr != nil {
			fatalStartup(logger, "E_POLICY_BOOTSTRAP", writeErr)
		}
		logger.Info("dangerous-command table bootstrapped with defaults", "path", cfg.Policy.Path)
	}
	table, err := policy.Load(cfg.Policy.Path)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	live := policy.NewLiveTable(table)
	if cfg.Policy.Plugin != "" {
		plugin, err := policy.LoadPlugin(ctx, cfg.Policy.Plugin, policy.PluginConfig{Logger: comp("policy")})
		if err != nil {
			logger.Warn("policy plugin failed to load; continuing with the rule table alone",
				"path", cfg.Policy.Plugin, "error", err)
		} else {
			live.SetPlugin(plugin)
			defer plugin.Close(context.Background())
			logger.Info("policy plugin loaded", "path", cfg.Policy.Plugin)
		}
	}
	logger.Info("startup phase", "phase", "policy_loaded", "version", live.Version())

	watcher := config.NewWatcher(comp("config"), config.ConfigPath(cfg.HomeDir), cfg.Policy.Path)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start; policy edits need a restart", "error", err)
	} else {
		go watchReloads(ctx, watcher, cfg, live, comp("config"))
	}

	engine, err := cubicle.NewDockerEngine()
	if err != nil {
		fatalStartup(logger, "E_ENGINE_INIT", err)
	}
	defer engine.Close()
	if err := engine.Ping(ctx); err != nil {
		// The daemon still comes up: runs fail individually until the
		// container engine returns, and /healthz reports the outage.
		logger.Warn("container engine unreachable at startup", "error", err)
	} else {
		logger.Info("startup phase", "phase", "engine_ready")
	}

	workspaces, err := workspace.NewManager(cfg.WorkspaceRoot)
	if err != nil {
		fatalStartup(logger, "E_WORKSPACE_INIT", err)
	}
	cubicles := cubicle.NewManager(engine, workspaces, cfg.Sandbox, comp("cubicle"), eventBus)
	guard := budget.NewGuard(store, cfg.Budget, comp("budget"), eventBus)

	pipeline, err := runner.New(engine, cubicles, workspaces, store, guard, cfg, comp("runner"), eventBus)
	if err != nil {
		fatalStartup(logger, "E_RUNNER_INIT", err)
	}
	dispatcher := runner.NewDispatcher(pipeline, cfg.Channels.MessagesPerMinute, cfg.Channels.MessageBurst, comp("dispatcher"))
	dispatcher.Start(ctx)

	approvals := approval.New(store, live, cubicles, cfg, comp("approval"), eventBus)
	if err := approvals.Start(ctx); err != nil {
		fatalStartup(logger, "E_APPROVAL_RESTORE", err)
	}
	meetings := meeting.New(store, pipeline, workspaces, cfg, comp("meeting"), eventBus)
	if err := meetings.Start(ctx); err != nil {
		fatalStartup(logger, "E_MEETING_RESTORE", err)
	}
	pipeline.AddSink(approvals)
	pipeline.AddSink(meetings)
	logger.Info("startup phase", "phase", "pipeline_ready")

	supervisor := channels.NewSupervisor(store, dispatcher, approvals, meetings, comp("channels"), eventBus)
	if cfg.Channels.Telegram.Enabled {
		approvals.SetNotifier(supervisor)
		meetings.SetNotifier(supervisor)
		if err := supervisor.Start(ctx); err != nil {
			logger.Error("channel supervisor failed to start; approvals remain reachable via the gateway", "error", err)
		} else {
			defer supervisor.Stop()
		}
	} else {
		logger.Info("telegram channel disabled; operators resolve approvals via the gateway")
	}

	sweeper := reaper.New(cubicles, cfg, comp("reaper"), eventBus)
	if err := sweeper.Start(ctx); err != nil {
		fatalStartup(logger, "E_REAPER_SCHEDULE", err)
	}
	defer sweeper.Stop()

	authToken, err := loadAuthToken(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN", err)
	}

	gw := gateway.New(gateway.Config{
		Store:        store,
		Cubicles:     cubicles,
		Budget:       guard,
		Approvals:    approvals,
		Meetings:     meetings,
		Reaper:       sweeper,
		Bus:          eventBus,
		Logger:       comp("gateway"),
		AuthToken:    authToken,
		AllowOrigins: cfg.AllowOrigins,
		RateLimit:    cfg.RateLimit,
	})
	gw.StartBackgroundTasks(ctx)

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "events", "/v1/events")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	logger.Info("startup phase", "phase", "daemon_ready",
		"version", Version, "config", cfg.Fingerprint())

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Graceful shutdown: stop intake first, then drain what is in flight.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	drain := cfg.DrainTimeout()
	if !dispatcher.Drain(drain) {
		logger.Warn("dispatcher drain timed out; in-flight runs abandoned", "timeout", drain)
	}
	if !meetings.Drain(drain) {
		logger.Warn("meeting drain timed out", "timeout", drain)
	}
	// Reaper, supervisor, collector, store and audit close via defers.
	logger.Info("shutdown complete")
}

// watchReloads consumes filesystem events for config.yaml and the policy
// table. Policy edits apply live; config edits only log until restart.
func watchReloads(ctx context.Context, w *config.Watcher, cfg config.Config, live *policy.LiveTable, logger *slog.Logger) {
	policyPath, _ := filepath.Abs(cfg.Policy.Path)
	configPath, _ := filepath.Abs(config.ConfigPath(cfg.HomeDir))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			switch ev.Path {
			case policyPath:
				if err := policy.ReloadFromFile(live, cfg.Policy.Path); err != nil {
					logger.Warn("policy reload rejected; previous table stays active",
						"path", cfg.Policy.Path, "error", err)
					continue
				}
				audit.Record("allow", "policy.reload", "file change", live.Version(), cfg.Policy.Path)
				logger.Info("policy table reloaded", "version", live.Version())
			case configPath:
				fresh, err := config.Load()
				if err != nil {
					logger.Warn("config.yaml changed but no longer loads", "error", err)
					continue
				}
				if fresh.Fingerprint() != cfg.Fingerprint() {
					logger.Info("config.yaml changed on disk; restart to apply",
						"old", cfg.Fingerprint(), "new", fresh.Fingerprint())
				}
			}
		}
	}
}

// loadAuthToken resolves the gateway bearer token: environment override
// first, then the persisted auth.token file (generated on first run).
func loadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("CUBICLE_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	return gateway.LoadOrCreateToken(filepath.Join(homeDir, "auth.token"))
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"orchestrator","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	// Listeners wrap EADDRINUSE in net.OpError/os.SyscallError; errors.Is
	// walks the chain. The string match covers errors that arrive flattened.
	return errors.Is(err, syscall.EADDRINUSE) ||
		strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("%s is already taken. Stop the other process or change bind_addr in config.yaml.", addr)
	}
	// lsof ships with macOS and most Linux installs.
	if out, err := execCommand("lsof", "-ti", ":"+port); err == nil {
		if pids := strings.TrimSpace(out); pids != "" {
			return fmt.Sprintf("Port %s belongs to PID %s. Free it with: kill %s", port, pids, pids)
		}
	}
	return fmt.Sprintf("Port %s is already taken. Stop the other process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		// The process environment wins over the file.
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, strings.TrimSpace(val))
	}
}

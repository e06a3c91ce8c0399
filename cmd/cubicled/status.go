package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/cubicle/internal/budget"
	"github.com/basket/cubicle/internal/config"
	"github.com/basket/cubicle/internal/cubicle"
	"github.com/basket/cubicle/internal/persistence"
	"github.com/basket/cubicle/internal/tui"
	"github.com/basket/cubicle/internal/workspace"
	"github.com/mattn/go-isatty"
)

func runStatusCommand(ctx context.Context, args []string) int {
	watch := false
	for _, arg := range args {
		switch arg {
		case "--watch", "-watch", "-w":
			watch = true
		default:
			fmt.Fprintln(os.Stderr, "usage: cubicled status [--watch]")
			return 2
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	if watch {
		return runStatusWatch(ctx, cfg)
	}
	return probeHealthz(ctx, cfg.BindAddr)
}

// probeHealthz asks the running daemon for its health and relays the JSON
// verbatim. Exit status follows the HTTP status.
func probeHealthz(ctx context.Context, addr string) int {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}

	healthURL := ""
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		healthURL = strings.TrimRight(addr, "/") + "/healthz"
	} else {
		// Normalize IPv6 host:port if needed.
		if host, port, err := net.SplitHostPort(addr); err == nil {
			addr = net.JoinHostPort(host, port)
		}
		healthURL = "http://" + addr + "/healthz"
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = os.Stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = os.Stdout.Write([]byte("\n"))
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

// runStatusWatch renders the live dashboard. It reads the store and the
// container engine directly rather than going through the daemon, so it
// also works while the daemon is down.
func runStatusWatch(ctx context.Context, cfg config.Config) int {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(os.Stderr, "status --watch needs a terminal; run plain `cubicled status` instead")
		return 2
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "cubicle.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	engine, err := cubicle.NewDockerEngine()
	if err != nil {
		fmt.Fprintf(os.Stderr, "container engine: %v\n", err)
		return 1
	}
	defer engine.Close()

	workspaces, err := workspace.NewManager(cfg.WorkspaceRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "workspace root: %v\n", err)
		return 1
	}

	poller := &tui.Poller{
		Store:    store,
		Cubicles: cubicle.NewManager(engine, workspaces, cfg.Sandbox, nil, nil),
		Budget:   budget.NewGuard(store, cfg.Budget, nil, nil),
	}
	if err := tui.Run(ctx, poller.Provider(ctx)); err != nil {
		fmt.Fprintf(os.Stderr, "dashboard: %v\n", err)
		return 1
	}
	return 0
}

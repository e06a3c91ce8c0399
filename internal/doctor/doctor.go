// Package doctor runs preflight diagnostics for cubicled: configuration,
// home directory, store, Docker daemon, sandbox image, bot tokens, provider
// credentials and the policy table. Each check degrades independently so a
// broken Docker socket still lets the rest of the report print.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/basket/cubicle/internal/config"
	"github.com/basket/cubicle/internal/cubicle"
	"github.com/basket/cubicle/internal/persistence"
	"github.com/basket/cubicle/internal/policy"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check ended in FAIL.
func (d Diagnosis) Failed() bool {
	for _, res := range d.Results {
		if res.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes every diagnostic check against the loaded configuration.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkHome,
		checkDatabase,
		checkEngine,
		checkImage,
		checkBotTokens,
		checkProviderKey,
		checkPolicy,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.FirstRun {
		return CheckResult{
			Name: "Config", Status: "WARN",
			Message: "No config file yet, running on defaults",
			Detail:  fmt.Sprintf("A starter file is written to %s on first daemon start", filepath.Join(cfg.HomeDir, "config.yaml")),
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkHome(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Home", Status: "SKIP", Message: "Config missing"}
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return CheckResult{Name: "Home", Status: "FAIL", Message: fmt.Sprintf("Cannot create %s: %v", cfg.HomeDir, err)}
	}
	probe := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(probe, []byte("probe"), 0o600); err != nil {
		return CheckResult{Name: "Home", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(probe)
	return CheckResult{Name: "Home", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "cubicle.db"))
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	agents, err := store.ListAgents(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name: "Database", Status: "PASS",
		Message: fmt.Sprintf("Schema valid, %d agents on file", len(agents)),
	}
}

func checkEngine(ctx context.Context, _ *config.Config) CheckResult {
	engine, err := cubicle.NewDockerEngine()
	if err != nil {
		return CheckResult{Name: "Engine", Status: "FAIL", Message: fmt.Sprintf("Docker client: %v", err)}
	}
	defer engine.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := engine.Ping(pingCtx); err != nil {
		return CheckResult{
			Name: "Engine", Status: "FAIL",
			Message: "Docker daemon unreachable",
			Detail:  err.Error(),
		}
	}
	version, err := engine.ServerVersion(pingCtx)
	if err != nil {
		return CheckResult{Name: "Engine", Status: "WARN", Message: "Daemon answered ping but not version", Detail: err.Error()}
	}
	return CheckResult{Name: "Engine", Status: "PASS", Message: "Docker daemon " + version}
}

func checkImage(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Image", Status: "SKIP", Message: "Config missing"}
	}
	ref := cfg.Sandbox.Image
	if ref == "" {
		return CheckResult{Name: "Image", Status: "FAIL", Message: "No sandbox image configured"}
	}
	engine, err := cubicle.NewDockerEngine()
	if err != nil {
		return CheckResult{Name: "Image", Status: "SKIP", Message: "Docker client unavailable"}
	}
	defer engine.Close()

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	present, err := engine.HasImage(checkCtx, ref)
	if err != nil {
		return CheckResult{Name: "Image", Status: "SKIP", Message: "Docker daemon unreachable", Detail: err.Error()}
	}
	if !present {
		return CheckResult{
			Name: "Image", Status: "WARN",
			Message: fmt.Sprintf("%s not present locally", ref),
			Detail:  "Run cubicled pull to fetch it before the first message arrives",
		}
	}
	return CheckResult{Name: "Image", Status: "PASS", Message: ref + " present"}
}

// botTokenShape is the documented numeric-id:secret format of Telegram bot
// tokens. The secret part is checked loosely; only rough shape matters.
var botTokenShape = regexp.MustCompile(`^[0-9]+:[A-Za-z0-9_-]{30,}$`)

func checkBotTokens(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bot Tokens", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "cubicle.db"))
	if err != nil {
		return CheckResult{Name: "Bot Tokens", Status: "SKIP", Message: "Store unavailable"}
	}
	defer store.Close()

	agents, err := store.ListActiveAgents(ctx)
	if err != nil {
		return CheckResult{Name: "Bot Tokens", Status: "SKIP", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	if len(agents) == 0 {
		return CheckResult{Name: "Bot Tokens", Status: "WARN", Message: "No active agents, nothing will answer in Telegram"}
	}

	var missing, malformed []string
	for _, a := range agents {
		label := fmt.Sprintf("%s (%d)", a.Name, a.AgentID)
		switch {
		case a.BotToken == "":
			missing = append(missing, label)
		case !botTokenShape.MatchString(a.BotToken):
			malformed = append(malformed, label)
		}
	}
	if len(missing) == 0 && len(malformed) == 0 {
		return CheckResult{
			Name: "Bot Tokens", Status: "PASS",
			Message: fmt.Sprintf("%d active agents with plausible tokens", len(agents)),
		}
	}

	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(malformed) > 0 {
		parts = append(parts, "malformed: "+strings.Join(malformed, ", "))
	}
	return CheckResult{
		Name: "Bot Tokens", Status: "FAIL",
		Message: "Some active agents cannot go online",
		Detail:  strings.Join(parts, "; "),
	}
}

// defaultKeyEnv maps provider names to their conventional credential
// variables when the config does not name one.
var defaultKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"google":    "GEMINI_API_KEY",
}

func checkProviderKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Provider Key", Status: "SKIP", Message: "Config missing"}
	}
	envVar := cfg.Provider.APIKeyEnv
	if envVar == "" {
		envVar = defaultKeyEnv[strings.ToLower(cfg.Provider.Name)]
	}
	if envVar == "" {
		return CheckResult{
			Name: "Provider Key", Status: "WARN",
			Message: fmt.Sprintf("No credential variable known for provider %q", cfg.Provider.Name),
			Detail:  "Set provider.api_key_env in the config",
		}
	}
	if os.Getenv(envVar) == "" {
		return CheckResult{
			Name: "Provider Key", Status: "WARN",
			Message: fmt.Sprintf("%s not set (needed by the %s provider)", envVar, cfg.Provider.Name),
		}
	}
	return CheckResult{Name: "Provider Key", Status: "PASS", Message: envVar + " is set"}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: "SKIP", Message: "Config missing"}
	}
	table, err := policy.Load(cfg.Policy.Path)
	if err != nil {
		return CheckResult{Name: "Policy", Status: "FAIL", Message: fmt.Sprintf("Load failed: %v", err)}
	}

	source := "built-in default table"
	if cfg.Policy.Path != "" {
		if _, statErr := os.Stat(cfg.Policy.Path); statErr == nil {
			source = cfg.Policy.Path
		} else {
			source = "built-in default table (file absent)"
		}
	}
	res := CheckResult{
		Name: "Policy", Status: "PASS",
		Message: fmt.Sprintf("%d rules from %s", len(table.Rules), source),
	}

	if cfg.Policy.Plugin != "" {
		if _, err := os.Stat(cfg.Policy.Plugin); err != nil {
			res.Status = "WARN"
			res.Detail = fmt.Sprintf("classifier plugin %s not found, table rules only", cfg.Policy.Plugin)
		} else {
			res.Detail = "classifier plugin present: " + cfg.Policy.Plugin
		}
	}
	return res
}

package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SandboxConfig holds the fixed resource envelope applied to every cubicle
// container and the runtime entry point executed per message.
type SandboxConfig struct {
	Image       string   `yaml:"image"`
	ExecCommand []string `yaml:"exec_command"`
	MemoryMB    int64    `yaml:"memory_mb"`
	CPUs        float64  `yaml:"cpus"`
	PidsLimit   int64    `yaml:"pids_limit"`
	Network     string   `yaml:"network"`
	// CacheDirs are host directories (pip/npm caches and the like) mounted
	// read-write into every cubicle.
	CacheDirs []string `yaml:"cache_dirs"`
}

// LifecycleConfig holds the timing knobs of the run pipeline and the reaper.
type LifecycleConfig struct {
	ExecTimeoutSeconds     int    `yaml:"exec_timeout_seconds"`
	ApprovalTimeoutSeconds int    `yaml:"approval_timeout_seconds"`
	HibernateAfterMinutes  int    `yaml:"hibernate_after_minutes"`
	CleanupAfterHours      int    `yaml:"cleanup_after_hours"`
	ReaperSchedule         string `yaml:"reaper_schedule"`
}

// BudgetConfig holds the spend ledger defaults.
type BudgetConfig struct {
	DefaultDailyLimit float64 `yaml:"default_daily_limit"`
	// FallbackRunCost is charged when a run's result event carries no usage
	// figure from the in-sandbox cost accounting.
	FallbackRunCost float64 `yaml:"fallback_run_cost"`
}

// TelegramConfig identifies the operator and seeds the allowlist. Bot tokens
// are per-agent and live in the store, never here.
type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	OperatorID int64   `yaml:"operator_id"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// ChannelsConfig groups transport settings, including the per-user inbound
// message throttle.
type ChannelsConfig struct {
	Telegram          TelegramConfig `yaml:"telegram"`
	MessagesPerMinute int            `yaml:"messages_per_minute"`
	MessageBurst      int            `yaml:"message_burst"`
}

// RateLimitConfig controls the gateway's per-key token buckets.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // "otlp-http", "stdout", "none"
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// PolicyConfig locates the dangerous-command rule table and the optional
// WASM classifier plugin.
type PolicyConfig struct {
	Path   string `yaml:"path"`
	Plugin string `yaml:"plugin"`
}

// ProviderConfig names the process-default model provider handed to
// sandboxes. Store settings take precedence per agent.
type ProviderConfig struct {
	Name      string `yaml:"name"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr            string   `yaml:"bind_addr"`
	LogLevel            string   `yaml:"log_level"`
	AllowOrigins        []string `yaml:"allow_origins"`
	DrainTimeoutSeconds int      `yaml:"drain_timeout_seconds"`
	WorkspaceRoot       string   `yaml:"workspace_root"`
	// HistoryWindow bounds the number of conversation turns materialized into
	// the per-run history snapshot.
	HistoryWindow int `yaml:"history_window"`

	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Budget    BudgetConfig    `yaml:"budget"`
	Channels  ChannelsConfig  `yaml:"channels"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Policy    PolicyConfig    `yaml:"policy"`
	Provider  ProviderConfig  `yaml:"provider"`

	FirstRun bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// ExecTimeout returns the hard wall-clock cap for one pipeline run.
func (c Config) ExecTimeout() time.Duration {
	return time.Duration(c.Lifecycle.ExecTimeoutSeconds) * time.Second
}

// ApprovalTimeout returns the pending-approval ceiling.
func (c Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Lifecycle.ApprovalTimeoutSeconds) * time.Second
}

// HibernateAfter returns the idle threshold for the hibernate sweep.
func (c Config) HibernateAfter() time.Duration {
	return time.Duration(c.Lifecycle.HibernateAfterMinutes) * time.Minute
}

// CleanupAfter returns the age threshold for the cleanup sweep.
func (c Config) CleanupAfter() time.Duration {
	return time.Duration(c.Lifecycle.CleanupAfterHours) * time.Hour
}

// DrainTimeout returns the bounded shutdown drain window.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|image=%s|exec=%d|approve=%d|hibernate=%d|cleanup=%d|origins=%v",
		c.BindAddr, c.LogLevel, c.Sandbox.Image,
		c.Lifecycle.ExecTimeoutSeconds, c.Lifecycle.ApprovalTimeoutSeconds,
		c.Lifecycle.HibernateAfterMinutes, c.Lifecycle.CleanupAfterHours,
		c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		HistoryWindow:       50,
		Sandbox: SandboxConfig{
			Image:       "cubicle-agent:latest",
			ExecCommand: []string{"python3", "/app/agent.py"},
			MemoryMB:    512,
			CPUs:        1.0,
			PidsLimit:   128,
			Network:     "bridge",
		},
		Lifecycle: LifecycleConfig{
			ExecTimeoutSeconds:     120,
			ApprovalTimeoutSeconds: 60,
			HibernateAfterMinutes:  30,
			CleanupAfterHours:      48,
			ReaperSchedule:         "*/5 * * * *",
		},
		Budget: BudgetConfig{
			DefaultDailyLimit: 5.0,
			FallbackRunCost:   0.01,
		},
		Channels: ChannelsConfig{
			MessagesPerMinute: 20,
			MessageBurst:      5,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "cubicled",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("CUBICLE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".cubicle")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create cubicle home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.FirstRun = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 50
	}
	if strings.TrimSpace(cfg.WorkspaceRoot) == "" {
		cfg.WorkspaceRoot = filepath.Join(cfg.HomeDir, "workspaces")
	}
	if strings.TrimSpace(cfg.Policy.Path) == "" {
		cfg.Policy.Path = filepath.Join(cfg.HomeDir, "dangerous_commands.yaml")
	}

	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = "cubicle-agent:latest"
	}
	if len(cfg.Sandbox.ExecCommand) == 0 {
		cfg.Sandbox.ExecCommand = []string{"python3", "/app/agent.py"}
	}
	if cfg.Sandbox.MemoryMB <= 0 {
		cfg.Sandbox.MemoryMB = 512
	}
	if cfg.Sandbox.CPUs <= 0 {
		cfg.Sandbox.CPUs = 1.0
	}
	if cfg.Sandbox.PidsLimit <= 0 {
		cfg.Sandbox.PidsLimit = 128
	}
	if cfg.Sandbox.Network == "" {
		cfg.Sandbox.Network = "bridge"
	}

	if cfg.Lifecycle.ExecTimeoutSeconds <= 0 {
		cfg.Lifecycle.ExecTimeoutSeconds = 120
	}
	if cfg.Lifecycle.ApprovalTimeoutSeconds <= 0 {
		cfg.Lifecycle.ApprovalTimeoutSeconds = 60
	}
	if cfg.Lifecycle.HibernateAfterMinutes <= 0 {
		cfg.Lifecycle.HibernateAfterMinutes = 30
	}
	if cfg.Lifecycle.CleanupAfterHours <= 0 {
		cfg.Lifecycle.CleanupAfterHours = 48
	}
	if strings.TrimSpace(cfg.Lifecycle.ReaperSchedule) == "" {
		cfg.Lifecycle.ReaperSchedule = "*/5 * * * *"
	}

	if cfg.Budget.DefaultDailyLimit <= 0 {
		cfg.Budget.DefaultDailyLimit = 5.0
	}
	if cfg.Budget.FallbackRunCost < 0 {
		cfg.Budget.FallbackRunCost = 0
	}

	if cfg.Channels.MessagesPerMinute <= 0 {
		cfg.Channels.MessagesPerMinute = 20
	}
	if cfg.Channels.MessageBurst <= 0 {
		cfg.Channels.MessageBurst = 5
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "cubicled"
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
	if cfg.Telemetry.SampleRate <= 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
}

// validate rejects configurations that would break the run pipeline's timing
// contract: the approval ceiling must fit inside the exec cap, and a cubicle
// must become idle before it becomes stale.
func validate(cfg *Config) error {
	if cfg.Lifecycle.ApprovalTimeoutSeconds >= cfg.Lifecycle.ExecTimeoutSeconds {
		return fmt.Errorf("approval_timeout_seconds (%d) must be < exec_timeout_seconds (%d): a pending approval would always outlive its run",
			cfg.Lifecycle.ApprovalTimeoutSeconds, cfg.Lifecycle.ExecTimeoutSeconds)
	}
	hibernate := time.Duration(cfg.Lifecycle.HibernateAfterMinutes) * time.Minute
	cleanup := time.Duration(cfg.Lifecycle.CleanupAfterHours) * time.Hour
	if hibernate >= cleanup {
		return fmt.Errorf("hibernate_after_minutes (%d) must be shorter than cleanup_after_hours (%d)",
			cfg.Lifecycle.HibernateAfterMinutes, cfg.Lifecycle.CleanupAfterHours)
	}
	switch cfg.Sandbox.Network {
	case "bridge", "none":
	default:
		return fmt.Errorf("sandbox network %q not allowed: use \"bridge\" or \"none\"", cfg.Sandbox.Network)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CUBICLE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CUBICLE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CUBICLE_WORKSPACE_ROOT"); raw != "" {
		cfg.WorkspaceRoot = raw
	}
	if raw := os.Getenv("CUBICLE_SANDBOX_IMAGE"); raw != "" {
		cfg.Sandbox.Image = raw
	}
	if raw := os.Getenv("CUBICLE_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("CUBICLE_EXEC_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Lifecycle.ExecTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("CUBICLE_OPERATOR_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Channels.Telegram.OperatorID = v
		}
	}
	if raw := os.Getenv("CUBICLE_POLICY_PATH"); raw != "" {
		cfg.Policy.Path = raw
	}
}

// WriteStarter writes a minimal commented config.yaml on first run so the
// operator has something to edit.
func WriteStarter(homeDir string) error {
	cfg := defaultConfig()
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal starter config: %w", err)
	}
	header := []byte("# cubicled configuration. Generated on first run; edit and restart.\n")
	return os.WriteFile(ConfigPath(homeDir), append(header, out...), 0o644)
}

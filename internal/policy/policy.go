package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Verdict is the classification of a proposed sandbox command.
type Verdict string

const (
	VerdictSafe      Verdict = "safe"
	VerdictDangerous Verdict = "dangerous"
)

// Classifier is the interface the approval coordinator consults before
// letting a command run inside a cubicle.
type Classifier interface {
	Classify(command string) (Verdict, string)
	Version() string
}

// Rule is one class of dangerous commands. A command is dangerous when any
// of its program tokens matches any pattern in any rule.
type Rule struct {
	Name     string   `yaml:"name"`
	Patterns []string `yaml:"patterns"`
}

// Table is the serializable rule table.
type Table struct {
	Rules []Rule `yaml:"rules"`
}

// Default returns the built-in rule table. A missing or empty policy file
// falls back to these rules rather than to an empty table, so the gate never
// silently waves everything through.
func Default() Table {
	return Table{Rules: []Rule{
		{Name: "filesystem-destruction", Patterns: []string{"rm", "rmdir", "shred", "mkfs", "dd"}},
		{Name: "privilege-escalation", Patterns: []string{"sudo", "su", "doas", "chown", "chmod"}},
		{Name: "host-control", Patterns: []string{"shutdown", "reboot", "halt", "poweroff", "systemctl"}},
		{Name: "process-control", Patterns: []string{"kill", "killall", "pkill"}},
		{Name: "network-probing", Patterns: []string{"nmap", "masscan", "tcpdump"}},
		{Name: "container-escape", Patterns: []string{"docker", "podman", "nsenter", "mount", "umount"}},
		{Name: "agent-spawning", Patterns: []string{"spawn_agent", "cubicled"}},
	}}
}

func Load(path string) (Table, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Table{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Table{}, fmt.Errorf("parse policy: %w", err)
	}
	if len(t.Rules) == 0 {
		return Default(), nil
	}
	if err := t.validate(); err != nil {
		return Table{}, err
	}
	return t, nil
}

func (t Table) validate() error {
	for _, rule := range t.Rules {
		if strings.TrimSpace(rule.Name) == "" {
			return fmt.Errorf("policy rule with no name")
		}
		if len(rule.Patterns) == 0 {
			return fmt.Errorf("policy rule %q has no patterns", rule.Name)
		}
	}
	return nil
}

// Classify returns the verdict for a command and, when dangerous, the name
// of the rule that matched. Matching is against program tokens: the first
// word of each shell segment, with any directory prefix stripped, so
// "/bin/rm -rf /" and "ls && rm x" both trip the filesystem rule while
// "firmware.bin" does not.
func (t Table) Classify(command string) (Verdict, string) {
	for _, token := range programTokens(command) {
		for _, rule := range t.Rules {
			for _, pattern := range rule.Patterns {
				if token == strings.ToLower(strings.TrimSpace(pattern)) {
					return VerdictDangerous, rule.Name
				}
			}
		}
	}
	return VerdictSafe, ""
}

func (t Table) Version() string {
	h := fnv.New64a()
	for _, rule := range t.Rules {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(rule.Name)) + ":"))
		for _, p := range rule.Patterns {
			_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(p)) + "|"))
		}
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

// programTokens extracts the candidate program names from a shell command:
// the first token plus every token following a pipe, separator, or sudo-like
// prefix, lowercased, with path prefixes removed.
func programTokens(command string) []string {
	fields := strings.Fields(command)
	var tokens []string
	expectProgram := true
	for _, field := range fields {
		switch field {
		case "&&", "||", ";", "|", "&":
			expectProgram = true
			continue
		}
		trimmed := field
		for _, sep := range []string{";", "&&", "||", "|"} {
			if cut, ok := strings.CutSuffix(trimmed, sep); ok {
				trimmed = cut
			}
		}
		if trimmed == "" {
			continue
		}
		token := strings.ToLower(path.Base(trimmed))
		if expectProgram {
			tokens = append(tokens, token)
			// sudo and friends wrap another program: keep scanning.
			if token != "sudo" && token != "doas" && token != "env" && token != "nohup" {
				expectProgram = false
			}
		}
	}
	return tokens
}

// LiveTable wraps a Table with thread-safe reload and an optional WASM
// classifier plugin. The plugin can only escalate: a command the table calls
// dangerous stays dangerous regardless of what the plugin says.
type LiveTable struct {
	mu     sync.RWMutex
	data   Table
	plugin *Plugin
}

func NewLiveTable(initial Table) *LiveTable {
	return &LiveTable{data: initial}
}

// SetPlugin attaches a WASM classifier consulted for commands the table
// considers safe.
func (lt *LiveTable) SetPlugin(p *Plugin) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.plugin = p
}

func (lt *LiveTable) Classify(command string) (Verdict, string) {
	lt.mu.RLock()
	data := lt.data
	plugin := lt.plugin
	lt.mu.RUnlock()

	verdict, ruleName := data.Classify(command)
	if verdict == VerdictDangerous || plugin == nil {
		return verdict, ruleName
	}
	pluginVerdict, err := plugin.Classify(command)
	if err != nil {
		// Plugin faults fall back to the table verdict.
		return verdict, ruleName
	}
	if pluginVerdict == VerdictDangerous {
		return VerdictDangerous, "plugin"
	}
	return verdict, ruleName
}

func (lt *LiveTable) Version() string {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	return lt.data.Version()
}

// Reload replaces the rule table from a fresh snapshot.
func (lt *LiveTable) Reload(t Table) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.data = t
}

// Snapshot returns a copy of the current rule table.
func (lt *LiveTable) Snapshot() Table {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	cp := Table{Rules: make([]Rule, len(lt.data.Rules))}
	for i, rule := range lt.data.Rules {
		cp.Rules[i] = Rule{Name: rule.Name, Patterns: append([]string(nil), rule.Patterns...)}
	}
	return cp
}

// ReloadFromFile updates the live table only when the incoming file parses
// and validates. On error, the previous table remains active.
func ReloadFromFile(lt *LiveTable, path string) error {
	if lt == nil {
		return fmt.Errorf("nil live table")
	}
	t, err := Load(path)
	if err != nil {
		return err
	}
	lt.Reload(t)
	return nil
}

// WriteDefault writes the built-in rule table to path so operators have a
// file to edit.
func WriteDefault(path string) error {
	out, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default policy: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

package policy_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/cubicle/internal/policy"
)

func TestDefaultTableClassifiesKnownDangerous(t *testing.T) {
	table := policy.Default()

	cases := []struct {
		command string
		want    policy.Verdict
	}{
		{"rm -rf /tmp/scratch", policy.VerdictDangerous},
		{"sudo apt install curl", policy.VerdictDangerous},
		{"shutdown -h now", policy.VerdictDangerous},
		{"nmap -sV 10.0.0.1", policy.VerdictDangerous},
		{"kill -9 4242", policy.VerdictDangerous},
		{"docker ps", policy.VerdictDangerous},
		{"ls -la", policy.VerdictSafe},
		{"cat notes.txt", policy.VerdictSafe},
		{"python3 analyze.py", policy.VerdictSafe},
		{"echo hello", policy.VerdictSafe},
	}
	for _, tc := range cases {
		got, _ := table.Classify(tc.command)
		if got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.command, got, tc.want)
		}
	}
}

func TestClassifyMatchesProgramTokensOnly(t *testing.T) {
	table := policy.Default()

	// A dangerous word as an argument is not a dangerous command.
	if got, _ := table.Classify("cat rm-notes.txt"); got != policy.VerdictSafe {
		t.Errorf("argument mentioning rm should be safe, got %s", got)
	}
	if got, _ := table.Classify("echo firmware.bin"); got != policy.VerdictSafe {
		t.Errorf("file name should be safe, got %s", got)
	}

	// Path prefixes are stripped.
	if got, _ := table.Classify("/bin/rm -rf /"); got != policy.VerdictDangerous {
		t.Errorf("/bin/rm should be dangerous, got %s", got)
	}

	// Chained segments are each checked.
	if got, _ := table.Classify("ls && rm data.db"); got != policy.VerdictDangerous {
		t.Errorf("chained rm should be dangerous, got %s", got)
	}
	if got, _ := table.Classify("echo hi; sudo reboot"); got != policy.VerdictDangerous {
		t.Errorf("chained sudo should be dangerous, got %s", got)
	}

	// sudo wraps another program, so the wrapped program is also scanned.
	if got, rule := table.Classify("sudo shutdown -r now"); got != policy.VerdictDangerous {
		t.Errorf("sudo shutdown should be dangerous, got %s (%s)", got, rule)
	}
}

func TestClassifyReportsMatchedRule(t *testing.T) {
	table := policy.Default()

	verdict, rule := table.Classify("rm -rf /")
	if verdict != policy.VerdictDangerous {
		t.Fatalf("verdict = %s", verdict)
	}
	if rule != "filesystem-destruction" {
		t.Errorf("matched rule = %q, want filesystem-destruction", rule)
	}

	_, rule = table.Classify("ls")
	if rule != "" {
		t.Errorf("safe commands should carry no rule, got %q", rule)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	table, err := policy.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got, _ := table.Classify("rm x"); got != policy.VerdictDangerous {
		t.Error("missing file must keep the built-in rules active")
	}
}

func TestLoadCustomTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dangerous_commands.yaml")
	raw := strings.Join([]string{
		"rules:",
		"  - name: custom",
		"    patterns: [frobnicate]",
	}, "\n")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	table, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got, rule := table.Classify("frobnicate --all"); got != policy.VerdictDangerous || rule != "custom" {
		t.Errorf("custom rule not applied: %s %q", got, rule)
	}
	// Custom table replaces, not extends, the defaults.
	if got, _ := table.Classify("rm x"); got != policy.VerdictSafe {
		t.Error("custom table should fully replace defaults")
	}
}

func TestLoadRejectsRuleWithoutPatterns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("rules:\n  - name: empty\n    patterns: []\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if _, err := policy.Load(path); err == nil {
		t.Fatal("expected validation error for empty pattern list")
	}
}

func TestVersionTracksRuleChanges(t *testing.T) {
	table := policy.Default()
	v1 := table.Version()
	if !strings.HasPrefix(v1, "policy-") {
		t.Errorf("version format: %q", v1)
	}
	if v1 != policy.Default().Version() {
		t.Error("version not stable for identical tables")
	}

	table.Rules = append(table.Rules, policy.Rule{Name: "extra", Patterns: []string{"xyzzy"}})
	if table.Version() == v1 {
		t.Error("version unchanged after adding a rule")
	}
}

func TestLiveTableReload(t *testing.T) {
	lt := policy.NewLiveTable(policy.Default())

	if got, _ := lt.Classify("rm x"); got != policy.VerdictDangerous {
		t.Fatal("default table should flag rm")
	}

	lt.Reload(policy.Table{Rules: []policy.Rule{{Name: "only", Patterns: []string{"frobnicate"}}}})
	if got, _ := lt.Classify("rm x"); got != policy.VerdictSafe {
		t.Error("reloaded table should no longer flag rm")
	}
	if got, _ := lt.Classify("frobnicate"); got != policy.VerdictDangerous {
		t.Error("reloaded table should flag frobnicate")
	}
}

func TestReloadFromFileKeepsOldTableOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("rules:\n  - name: broken\n    patterns: []\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	lt := policy.NewLiveTable(policy.Default())
	before := lt.Version()

	if err := policy.ReloadFromFile(lt, path); err == nil {
		t.Fatal("expected reload error")
	}
	if lt.Version() != before {
		t.Error("failed reload must leave previous table active")
	}
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dangerous_commands.yaml")
	if err := policy.WriteDefault(path); err != nil {
		t.Fatalf("write default: %v", err)
	}
	table, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load written default: %v", err)
	}
	if table.Version() != policy.Default().Version() {
		t.Error("written default should load back identical")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	lt := policy.NewLiveTable(policy.Default())
	snap := lt.Snapshot()
	snap.Rules[0].Patterns[0] = "mutated"

	if got, _ := lt.Classify("rm x"); got != policy.VerdictDangerous {
		t.Error("mutating a snapshot must not affect the live table")
	}
}

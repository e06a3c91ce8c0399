package smoke

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// The container engine is allowed to be unreachable during these tests;
// the daemon warns and keeps booting, so every asserted phase is one that
// appears regardless of whether Docker is present on the test host.

func TestSmoke_StartupPhasesFollowRequiredOrder(t *testing.T) {
	bin := buildCubicledBinary(t)
	home := t.TempDir()
	addr := pickFreeAddr(t)

	cmd := exec.Command(bin, "daemon")
	cmd.Env = daemonEnv(home, addr)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		t.Fatalf("start daemon: %v", err)
	}

	logPath := filepath.Join(home, "logs", "cubicled.log")
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		data, _ := os.ReadFile(logPath)
		if strings.Contains(string(data), `"phase":"daemon_ready"`) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = cmd.Process.Signal(os.Interrupt)
	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()
	select {
	case <-time.After(8 * time.Second):
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		t.Fatalf("daemon did not exit after signal\noutput=%s", out.String())
	case <-waitDone:
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}

	phases := map[string]int{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		phase, _ := entry["phase"].(string)
		if phase == "" {
			continue
		}
		if _, exists := phases[phase]; !exists {
			phases[phase] = lineNo
		}
	}
	required := []string{
		"config_loaded",
		"schema_migrated",
		"policy_loaded",
		"pipeline_ready",
		"listener_bound",
		"daemon_ready",
	}
	for _, phase := range required {
		if _, ok := phases[phase]; !ok {
			t.Fatalf("missing startup phase %q in logs\noutput=%s", phase, out.String())
		}
	}
	for i := 1; i < len(required); i++ {
		prev := required[i-1]
		cur := required[i]
		if phases[prev] >= phases[cur] {
			t.Fatalf("phase ordering invalid: %s(%d) >= %s(%d)", prev, phases[prev], cur, phases[cur])
		}
	}

	if !strings.Contains(string(data), `"msg":"shutdown complete"`) {
		t.Fatalf("missing shutdown complete after interrupt\nlogs=%s", data)
	}
}

func TestSmoke_StartupFailureEmitsReasonCode(t *testing.T) {
	bin := buildCubicledBinary(t)
	home := t.TempDir()

	// A rule with no patterns fails table validation.
	invalidPolicy := "rules:\n  - name: nuker\n"
	if err := os.WriteFile(filepath.Join(home, "dangerous_commands.yaml"), []byte(invalidPolicy), 0o644); err != nil {
		t.Fatalf("write invalid policy: %v", err)
	}

	cmd := exec.Command(bin, "daemon")
	cmd.Env = daemonEnv(home, pickFreeAddr(t))
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err == nil {
		t.Fatalf("expected startup failure for invalid policy")
	}

	logData, _ := os.ReadFile(filepath.Join(home, "logs", "cubicled.log"))
	combined := string(logData) + "\n" + out.String()
	if !strings.Contains(combined, `"reason_code":"E_POLICY_LOAD"`) {
		t.Fatalf("expected structured startup reason_code in output/logs\ncombined=%s", combined)
	}
	if !strings.Contains(combined, `"msg":"startup failure"`) {
		t.Fatalf("expected startup failure log message\ncombined=%s", combined)
	}
	if !strings.Contains(combined, `"component":"orchestrator"`) {
		t.Fatalf("expected orchestrator component field\ncombined=%s", combined)
	}
	if !strings.Contains(combined, `"level":"ERROR"`) && !strings.Contains(combined, `"level":"error"`) {
		t.Fatalf("expected error level in output/logs\ncombined=%s", combined)
	}
}

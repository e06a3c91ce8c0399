// Command incident_check drills the incident-export path against a scratch
// home: seed the store, log through the real logger, then bundle the state
// an operator would hand to a postmortem. The verdict fails when secrets
// survive into the bundle or the tails run past their caps.
package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/cubicle/internal/persistence"
	"github.com/basket/cubicle/internal/telemetry"
)

const (
	maxMessages = 64
	maxLogs     = 32
)

type bundle struct {
	ExportedAt  time.Time                    `json:"exported_at"`
	ConfigHash  string                       `json:"config_hash"`
	AgentCount  int                          `json:"agent_count"`
	Approvals   []persistence.ApprovalRecord `json:"approvals"`
	Messages    []persistence.MessageRecord  `json:"messages"`
	RedactedLog []string                     `json:"redacted_logs"`
}

func main() {
	ctx := context.Background()
	home, err := os.MkdirTemp("", "cubicle-incident-check-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(home)

	cfgPath := filepath.Join(home, "config.yaml")
	cfgBody := []byte("bind_addr: \"127.0.0.1:18790\"\nlog_level: \"info\"\n")
	if err := os.WriteFile(cfgPath, cfgBody, 0o644); err != nil {
		fmt.Printf("write_config_error=%v\n", err)
		os.Exit(1)
	}

	// Log through the real pipeline so the bundle exercises redaction the
	// way a production incident would.
	const leakedToken = "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw-x"
	logger, logCloser, err := telemetry.NewLogger(home, "info", true)
	if err != nil {
		fmt.Printf("new_logger_error=%v\n", err)
		os.Exit(1)
	}
	logger.Info("startup phase", "phase", "config_loaded")
	logger.Warn("channel poll failed", "bot_token", leakedToken)
	logger.Info("run finished", "run_id", "run-incident-1", "cost", 0.05)
	logCloser.Close()

	store, err := persistence.Open(filepath.Join(home, "cubicle.db"))
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	agent := persistence.AgentRecord{
		AgentID: 11, Name: "Sam", Role: "ops", Personality: "careful",
		HITLEnabled: true, Active: true,
	}
	if err := store.CreateAgent(ctx, agent); err != nil {
		fmt.Printf("create_agent_error=%v\n", err)
		os.Exit(1)
	}
	const userID int64 = 42
	for i := 0; i < 10; i++ {
		if err := store.AppendMessage(ctx, agent.AgentID, userID, "user", fmt.Sprintf("incident probe %d", i), 0); err != nil {
			fmt.Printf("append_user_error=%v\n", err)
			os.Exit(1)
		}
		if err := store.AppendMessage(ctx, agent.AgentID, userID, "assistant", fmt.Sprintf("ack %d", i), 0.01); err != nil {
			fmt.Printf("append_assistant_error=%v\n", err)
			os.Exit(1)
		}
	}

	approvalID := uuid.NewString()
	if err := store.CreateApproval(ctx, persistence.ApprovalRecord{
		ApprovalID: approvalID, AgentID: agent.AgentID, UserID: userID,
		RunID: "run-incident-1", Command: "rm -rf /srv/stale", Rule: "filesystem-destruction",
		Status: persistence.ApprovalPending, ExpiresAt: time.Now().UTC().Add(time.Minute),
	}); err != nil {
		fmt.Printf("create_approval_error=%v\n", err)
		os.Exit(1)
	}
	first, err := store.ResolveApproval(ctx, approvalID, persistence.ApprovalDenied, "operator", "incident freeze")
	if err != nil || !first {
		fmt.Printf("resolve_error=%v applied=%v\n", err, first)
		os.Exit(1)
	}
	second, err := store.ResolveApproval(ctx, approvalID, persistence.ApprovalApproved, "operator", "late flip")
	if err != nil {
		fmt.Printf("reresolve_error=%v\n", err)
		os.Exit(1)
	}
	fmt.Printf("resolution_exactly_once=%v\n", !second)

	agents, err := store.ListAgents(ctx)
	if err != nil {
		fmt.Printf("list_agents_error=%v\n", err)
		os.Exit(1)
	}
	messages, err := store.RecentMessages(ctx, agent.AgentID, userID, maxMessages)
	if err != nil {
		fmt.Printf("list_messages_error=%v\n", err)
		os.Exit(1)
	}
	rec, err := store.GetApproval(ctx, approvalID)
	if err != nil || rec == nil {
		fmt.Printf("get_approval_error=%v nil=%v\n", err, rec == nil)
		os.Exit(1)
	}
	logs, err := tailLines(filepath.Join(home, "logs", telemetry.LogFileName), maxLogs)
	if err != nil {
		fmt.Printf("tail_logs_error=%v\n", err)
		os.Exit(1)
	}
	cfgHash, err := sha256File(cfgPath)
	if err != nil {
		fmt.Printf("config_hash_error=%v\n", err)
		os.Exit(1)
	}

	b := bundle{
		ExportedAt:  time.Now().UTC(),
		ConfigHash:  cfgHash,
		AgentCount:  len(agents),
		Approvals:   []persistence.ApprovalRecord{*rec},
		Messages:    messages,
		RedactedLog: logs,
	}
	encoded, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		fmt.Printf("marshal_bundle_error=%v\n", err)
		os.Exit(1)
	}
	bundlePath := filepath.Join(home, "incident_bundle.json")
	if err := os.WriteFile(bundlePath, encoded, 0o644); err != nil {
		fmt.Printf("write_bundle_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("bundle_path=%s\n", bundlePath)
	fmt.Printf("config_hash=%s\n", cfgHash)
	fmt.Printf("messages=%d max_messages=%d\n", len(messages), maxMessages)
	fmt.Printf("logs=%d max_logs=%d\n", len(logs), maxLogs)
	fmt.Printf("approval_status=%s\n", rec.Status)

	leaked := strings.Contains(string(encoded), leakedToken)
	fmt.Printf("bundle_leaks_token=%v\n", leaked)

	if leaked || !first || second ||
		rec.Status != persistence.ApprovalDenied ||
		len(messages) == 0 || len(messages) > maxMessages ||
		len(logs) == 0 || len(logs) > maxLogs {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

func tailLines(path string, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if limit <= 0 {
		limit = 1
	}
	lines := make([]string, 0, limit)
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) > limit {
			lines = lines[1:]
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func sha256File(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Package audit keeps the append-only decision trail: one JSONL line per
// decision under <home>/logs/audit.jsonl, mirrored into the audit_log table
// once a store is attached. Writes never fail the caller; a broken trail
// must not take the gate down with it.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/cubicle/internal/shared"
)

type entry struct {
	Timestamp     string `json:"timestamp"`
	TraceID       string `json:"trace_id,omitempty"`
	Decision      string `json:"decision"`
	Action        string `json:"action"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version,omitempty"`
	Subject       string `json:"subject,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

// Init opens the JSONL trail under <home>/logs. Calling it again after a
// successful open is a no-op.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB attaches the store so entries are mirrored into audit_log.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record writes one audit event with no request context attached. Prefer
// RecordCtx on paths that carry one.
func Record(decision, action, reason, policyVersion, subject string) {
	RecordCtx(context.Background(), decision, action, reason, policyVersion, subject)
}

// RecordCtx writes one audit event to the JSONL trail and, when configured,
// the audit_log table, stamped with the trace id carried by ctx. Typical
// actions: approval.request, approval.resolve, budget.gate,
// reaper.hibernate, reaper.cleanup, meeting.request, policy.reload,
// runtime.startup, protocol.violation.
func RecordCtx(ctx context.Context, decision, action, reason, policyVersion, subject string) {
	if decision == "deny" {
		denyCount.Add(1)
	}

	// Secrets never reach the trail.
	ev := entry{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:       traceID(ctx),
		Decision:      decision,
		Action:        action,
		Reason:        shared.Redact(reason),
		PolicyVersion: policyVersion,
		Subject:       shared.Redact(subject),
	}

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		if b, err := json.Marshal(ev); err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	// Background on purpose: a canceled request still leaves its row.
	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason, policy_version)
			VALUES (?, ?, ?, ?, ?, ?);
		`, ev.TraceID, ev.Subject, ev.Action, ev.Decision, ev.Reason, ev.PolicyVersion)
	}
}

func traceID(ctx context.Context) string {
	if id := shared.TraceID(ctx); id != "-" {
		return id
	}
	return ""
}

// Package audit implements the platform-wide Audit Trail (C14): a durable
// record of saga transitions, node status transitions, and job lifecycle
// events, written both to a local JSONL file (for operators tailing a
// single service) and to the audit_log table any service's Postgres pool
// is pointed at.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basket/nodeforge/internal/shared"
)

// Entry is one audit record (spec §3 AuditEntry).
type Entry struct {
	OccurredAt   string `json:"occurred_at"`
	EventType    string `json:"event_type"`    // e.g. "saga.step.completed", "node.status.transitioned"
	ResourceType string `json:"resource_type"` // e.g. "saga", "node", "inference_job"
	ResourceID   string `json:"resource_id"`
	ActorUserID  string `json:"actor_user_id,omitempty"`
	Detail       string `json:"detail,omitempty"` // free-form, redacted before persistence
}

var (
	mu        sync.Mutex
	file      *os.File
	pool      *pgxpool.Pool
	denyCount atomic.Int64
)

// Init opens the local audit JSONL sink under homeDir/logs/audit.jsonl.
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

// SetPool configures the Postgres pool audit_log rows are written to. A
// service without a database of its own (e.g. the delivery gateway) can
// skip this and rely on the JSONL sink alone.
func SetPool(p *pgxpool.Pool) {
	mu.Lock()
	defer mu.Unlock()
	pool = p
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

// RejectionCount returns the number of recorded rejection-kind events since
// startup (permission-denied saga steps, gauntlet failures), used by the
// maintenance reaper's stuck-saga alerting.
func RejectionCount() int64 {
	return denyCount.Load()
}

// Record writes one audit entry to the JSONL sink and, if configured, the
// audit_log table. detail is redacted before it touches either sink.
func Record(eventType, resourceType, resourceID, actorUserID, detail string) {
	if eventType == "rejected" {
		denyCount.Add(1)
	}

	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()

	ev := Entry{
		OccurredAt:   time.Now().UTC().Format(time.RFC3339Nano),
		EventType:    eventType,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		ActorUserID:  actorUserID,
		Detail:       detail,
	}

	if file != nil {
		if b, err := json.Marshal(ev); err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if pool != nil {
		_, _ = pool.Exec(context.Background(), `
			INSERT INTO audit_log (occurred_at, event_type, resource_type, resource_id, actor_user_id, detail)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, ev.OccurredAt, ev.EventType, ev.ResourceType, ev.ResourceID, ev.ActorUserID, ev.Detail)
	}
}

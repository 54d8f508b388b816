package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

// Audit events cover every access to stored conversation context outside the
// normal routing path, plus safety gate decisions.
const (
	AuditContextExport AuditEventType = "context_export"
	AuditContextImport AuditEventType = "context_import"
	AuditContextDelete AuditEventType = "context_delete"
	AuditRequestBlock  AuditEventType = "request_blocked"
)

// AuditEvent represents a single auditable action. It never carries
// conversation text.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Actor     string            `json:"actor"`
	Resource  string            `json:"resource,omitempty"`
	Action    string            `json:"action"`
	Outcome   string            `json:"outcome"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// AuditLogger writes audit events to a persistent log.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}

package security

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"medrouter/internal/domain"
)

// ContextExport is the on-disk form of an exported conversation context.
type ContextExport struct {
	UserID     string                      `json:"user_id"`
	ExportedAt time.Time                   `json:"exported_at"`
	Context    *domain.ConversationContext `json:"context"`
}

// ContextPrivacy exports, imports and erases stored conversation context.
// Every operation leaves an audit record; record text is never audited.
type ContextPrivacy struct {
	store   domain.ContextStore
	sandbox *Sandbox
	audit   domain.AuditLogger
	ttl     time.Duration
	now     func() time.Time
}

// NewContextPrivacy wires the store, the directory export files live in and
// the audit log. A nil audit logger discards events. ttl is applied to
// imported contexts.
func NewContextPrivacy(store domain.ContextStore, sandbox *Sandbox, audit domain.AuditLogger, ttl time.Duration) *ContextPrivacy {
	if audit == nil {
		audit = NopAuditLogger{}
	}
	return &ContextPrivacy{store: store, sandbox: sandbox, audit: audit, ttl: ttl, now: time.Now}
}

// Export writes the stored context of userID to name inside the sandbox and
// returns the resolved path. A user without stored context yields NotFound.
func (p *ContextPrivacy) Export(ctx context.Context, actor, userID, name string) (string, error) {
	if userID == "" {
		return "", domain.NewDomainError("ContextPrivacy.Export", domain.ErrInvalidInput, "empty user_id")
	}
	path, err := p.sandbox.Resolve(name)
	if err != nil {
		return "", err
	}

	cc, err := p.store.Get(ctx, userID)
	if err != nil {
		p.record(ctx, domain.AuditContextExport, actor, userID, "failure", nil)
		return "", domain.WrapOp("ContextPrivacy.Export", err)
	}
	if cc == nil {
		return "", domain.NewDomainError("ContextPrivacy.Export", domain.ErrNotFound, "no context for user")
	}

	data, err := json.MarshalIndent(ContextExport{UserID: userID, ExportedAt: p.now().UTC(), Context: cc}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal export: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		p.record(ctx, domain.AuditContextExport, actor, userID, "failure", nil)
		return "", fmt.Errorf("write export: %w", err)
	}

	p.record(ctx, domain.AuditContextExport, actor, userID, "success", map[string]string{
		"entries": strconv.Itoa(len(cc.Entries)),
		"file":    path,
	})
	return path, nil
}

// Import loads an export file from the sandbox and stores it, replacing any
// context the user has. Entries already past the TTL are dropped first.
// It returns the imported user ID and the number of entries stored.
func (p *ContextPrivacy) Import(ctx context.Context, actor, name string) (string, int, error) {
	path, err := p.sandbox.Resolve(name)
	if err != nil {
		return "", 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, fmt.Errorf("read export: %w", err)
	}

	var exp ContextExport
	if err := json.Unmarshal(data, &exp); err != nil {
		return "", 0, domain.NewDomainError("ContextPrivacy.Import", domain.ErrInvalidInput, err.Error())
	}
	if exp.UserID == "" || exp.Context == nil {
		return "", 0, domain.NewDomainError("ContextPrivacy.Import", domain.ErrInvalidInput, "export missing user_id or context")
	}

	now := p.now()
	cc := &domain.ConversationContext{UserID: exp.UserID, ExpiresAt: now.Add(p.ttl)}
	for _, t := range exp.Context.Entries {
		if !t.Expired(now, p.ttl) {
			cc.Entries = append(cc.Entries, t)
		}
	}

	if err := p.store.Set(ctx, exp.UserID, cc, p.ttl); err != nil {
		p.record(ctx, domain.AuditContextImport, actor, exp.UserID, "failure", nil)
		return "", 0, domain.WrapOp("ContextPrivacy.Import", err)
	}
	p.record(ctx, domain.AuditContextImport, actor, exp.UserID, "success", map[string]string{
		"entries": strconv.Itoa(len(cc.Entries)),
		"dropped": strconv.Itoa(len(exp.Context.Entries) - len(cc.Entries)),
	})
	return exp.UserID, len(cc.Entries), nil
}

// Delete erases the stored context of userID. Deleting absent context
// succeeds.
func (p *ContextPrivacy) Delete(ctx context.Context, actor, userID string) error {
	if userID == "" {
		return domain.NewDomainError("ContextPrivacy.Delete", domain.ErrInvalidInput, "empty user_id")
	}
	if err := p.store.Delete(ctx, userID); err != nil {
		p.record(ctx, domain.AuditContextDelete, actor, userID, "failure", nil)
		return domain.WrapOp("ContextPrivacy.Delete", err)
	}
	p.record(ctx, domain.AuditContextDelete, actor, userID, "success", nil)
	return nil
}

// record logs an audit event. Audit write failures never fail the operation.
func (p *ContextPrivacy) record(ctx context.Context, typ domain.AuditEventType, actor, userID, outcome string, detail map[string]string) {
	_ = p.audit.Log(ctx, domain.AuditEvent{
		Type:     typ,
		Actor:    actor,
		Resource: "context:" + userID,
		Outcome:  outcome,
		Detail:   detail,
	})
}

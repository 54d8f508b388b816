// Package routing implements the message control plane: it scores every
// registered agent for an inbound message, picks exactly one, stitches
// short-term context into the prompt, vets it with the safety gate, and
// dispatches it.
package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"medrouter/internal/domain"
	"medrouter/internal/infra/tracer"
)

// AgentSource lists the agents eligible for routing, in registration order.
type AgentSource interface {
	List() []domain.AgentDescriptor
}

// Config holds engine tuning. Zero durations disable the corresponding timeout.
type Config struct {
	TieEpsilon        float64
	ContextTTL        time.Duration
	ContextTimeout    time.Duration
	ScoringTimeout    time.Duration
	ScoringRetries    int
	SafetyTimeout     time.Duration
	DispatchTimeout   time.Duration
	PersistTimeout    time.Duration
	MaxPromptTokens   int
	MaxHistoryEntries int
	RefreshTTLOnBlock bool
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		TieEpsilon:        DefaultTieEpsilon,
		ContextTTL:        24 * time.Hour,
		ContextTimeout:    500 * time.Millisecond,
		ScoringTimeout:    2 * time.Second,
		ScoringRetries:    1,
		SafetyTimeout:     2 * time.Second,
		DispatchTimeout:   30 * time.Second,
		PersistTimeout:    500 * time.Millisecond,
		MaxPromptTokens:   4000,
		MaxHistoryEntries: 50,
		RefreshTTLOnBlock: true,
	}
}

// state is a step of the per-request state machine, used in debug logs.
type state string

const (
	stateReceived       state = "received"
	stateContextFetched state = "context_fetched"
	stateScored         state = "scored"
	stateSelected       state = "selected"
	stateBlocked        state = "blocked"
	stateDispatched     state = "dispatched"
	stateCompleted      state = "completed"
	stateFailed         state = "failed"
)

// Engine routes requests. It keeps no per-request state; the only shared
// mutable state is the tie-break cursor and the metrics counters.
type Engine struct {
	agents  AgentSource
	scorer  domain.ScoringProvider
	gate    domain.SafetyGate
	store   domain.ContextStore
	counter domain.TokenCounter
	audit   domain.AuditLogger
	ties    *TieBreaker
	metrics *Metrics
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine creates an Engine. store may be nil, in which case every request
// runs without prior context.
func NewEngine(agents AgentSource, scorer domain.ScoringProvider, gate domain.SafetyGate, store domain.ContextStore, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.ScoringRetries < 0 {
		cfg.ScoringRetries = 0
	}
	return &Engine{
		agents:  agents,
		scorer:  scorer,
		gate:    gate,
		store:   store,
		ties:    NewTieBreaker(cfg.TieEpsilon),
		metrics: NewMetrics(),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// SetTokenCounter sets the counter used for the prompt budget.
func (e *Engine) SetTokenCounter(c domain.TokenCounter) { e.counter = c }

// SetAuditLogger records every safety block in an audit trail.
func (e *Engine) SetAuditLogger(a domain.AuditLogger) { e.audit = a }

// SetClock overrides the clock used for context TTL decisions.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Stats returns the current metrics snapshot.
func (e *Engine) Stats() Snapshot { return e.metrics.Snapshot() }

// NewRequestID returns a new sortable request identifier.
func NewRequestID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

// Route handles one request end to end. On failure it returns a
// *domain.DomainError; use domain.PublicMessage for caller-facing text.
func (e *Engine) Route(ctx context.Context, req domain.RoutingRequest) (*domain.RoutingResult, error) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = NewRequestID(start)
	}

	ctx, span := tracer.StartSpan(ctx, "routing.route")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("request_id", req.RequestID))

	log := e.logger.With("request_id", req.RequestID, "user_id", req.UserID)
	log.Debug("routing state", "state", stateReceived)

	res, err := e.route(ctx, req, log)
	latency := time.Since(start)

	outcome := Outcome{Latency: latency, Err: err}
	if res != nil {
		res.RequestID = req.RequestID
		res.LatencyMS = latency.Milliseconds()
		outcome.TokenUsage = res.TokenUsage
		outcome.Blocked = res.Blocked
		outcome.Reason = res.Reason
	}
	e.metrics.Record(outcome)

	if err != nil {
		tracer.RecordError(span, err)
		log.Warn("routing failed", "state", stateFailed, "code", domain.ErrorCodeOf(err), "error", err, "latency_ms", latency.Milliseconds())
		return nil, err
	}
	tracer.SetOK(span)
	log.Info("routing completed",
		"agent_id", res.AgentID,
		"blocked", res.Blocked,
		"latency_ms", res.LatencyMS,
	)
	return res, nil
}

func (e *Engine) route(ctx context.Context, req domain.RoutingRequest, log *slog.Logger) (*domain.RoutingResult, error) {
	agents := e.agents.List()
	if len(agents) == 0 {
		return nil, domain.NewDomainError("Engine.Route", domain.ErrNoAgentsRegistered, "")
	}

	prior := e.fetchContext(ctx, req.UserID, log)
	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}
	log.Debug("routing state", "state", stateContextFetched, "prior_entries", entryCount(prior))

	scoreCtx, scoreSpan := tracer.StartSpan(ctx, "routing.score")
	cands, err := e.scoreAll(scoreCtx, req.InputText, agents)
	scoreSpan.End()
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}
		return nil, domain.NewDomainError("Engine.Route", domain.ErrScoringUnavailable, err.Error())
	}
	log.Debug("routing state", "state", stateScored, "candidates", len(cands))

	winner, tied := e.ties.Select(cands)
	log.Debug("routing state", "state", stateSelected, "agent_id", winner.AgentID, "score", winner.Score, "tied", tied)

	now := e.now()
	stitched := Stitch(req.UserID, prior, domain.Turn{
		Role:      domain.RoleUser,
		Text:      req.InputText,
		Timestamp: now,
	}, StitchOptions{
		Now:        now,
		TTL:        e.cfg.ContextTTL,
		MaxTokens:  e.cfg.MaxPromptTokens,
		MaxEntries: e.cfg.MaxHistoryEntries,
		Counter:    e.counter,
	})
	if stitched.Expired > 0 || stitched.Dropped > 0 {
		log.Debug("context trimmed", "expired", stitched.Expired, "dropped", stitched.Dropped)
	}

	safetyCtx, safetySpan := tracer.StartSpan(ctx, "routing.safety")
	verdict, err := callBounded(safetyCtx, e.cfg.SafetyTimeout, func(cctx context.Context) (domain.SafetyVerdict, error) {
		return e.gate.Check(cctx, stitched.Prompt)
	})
	safetySpan.End()
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}
		return nil, domain.NewDomainError("Engine.Route", domain.ErrSafetyGateUnavailable, err.Error())
	}

	if !verdict.Allowed {
		log.Info("request blocked by safety gate", "state", stateBlocked, "agent_id", winner.AgentID, "reason", verdict.Reason)
		blockedCtx := stitched.Context
		blockedCtx.Entries[len(blockedCtx.Entries)-1].Blocked = true
		ttl := e.cfg.ContextTTL
		if !e.cfg.RefreshTTLOnBlock && prior != nil && !prior.ExpiresAt.IsZero() {
			blockedCtx.ExpiresAt = prior.ExpiresAt
			ttl = prior.ExpiresAt.Sub(now)
		}
		e.persist(ctx, req.UserID, blockedCtx, ttl, log)
		e.auditBlock(ctx, req, winner.AgentID, verdict.Reason, log)
		return &domain.RoutingResult{
			AgentID: winner.AgentID,
			Blocked: true,
			Reason:  verdict.Reason,
		}, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}

	desc, ok := findAgent(agents, winner.AgentID)
	if !ok {
		return nil, domain.NewDomainError("Engine.Route", domain.ErrAgentExecution, "selected agent vanished: "+winner.AgentID)
	}

	dispatchCtx, dispatchSpan := tracer.StartSpan(ctx, "routing.dispatch")
	dispatchSpan.SetAttributes(tracer.StringAttr("agent_id", desc.ID))
	resp, err := e.dispatch(dispatchCtx, desc, stitched.Prompt, req)
	dispatchSpan.End()
	if err != nil {
		if errors.Is(err, domain.ErrCancelled) {
			return nil, err
		}
		return nil, domain.NewDomainError("Engine.Route", domain.ErrAgentExecution, fmt.Sprintf("agent %s: %v", desc.ID, err))
	}
	log.Debug("routing state", "state", stateDispatched, "agent_id", desc.ID)

	updated := AppendTurn(stitched.Context, domain.Turn{
		Role:      domain.RoleAssistant,
		Text:      resp.Text,
		AgentID:   desc.ID,
		Timestamp: e.now(),
	}, now, e.cfg.ContextTTL)
	e.persist(ctx, req.UserID, updated, e.cfg.ContextTTL, log)

	log.Debug("routing state", "state", stateCompleted)
	return &domain.RoutingResult{
		AgentID:      desc.ID,
		ResponseText: resp.Text,
		TokenUsage:   resp.TokenUsage,
	}, nil
}

// fetchContext reads prior context. Any failure degrades to no context and
// counts as a soft error.
func (e *Engine) fetchContext(ctx context.Context, userID string, log *slog.Logger) *domain.ConversationContext {
	if e.store == nil {
		return nil
	}
	cc, err := callBounded(ctx, e.cfg.ContextTimeout, func(cctx context.Context) (*domain.ConversationContext, error) {
		return e.store.Get(cctx, userID)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		e.metrics.RecordSoftError(domain.CodeContextStoreUnavailable)
		log.Warn("context fetch failed, continuing without history", "error", err)
		return nil
	}
	return cc
}

// persist writes context back. It is skipped once the caller has cancelled
// and never fails the request.
func (e *Engine) persist(ctx context.Context, userID string, cc *domain.ConversationContext, ttl time.Duration, log *slog.Logger) {
	if e.store == nil || ctx.Err() != nil {
		return
	}
	if ttl <= 0 && e.cfg.ContextTTL > 0 {
		log.Debug("context expired during request, not persisting")
		return
	}
	_, err := callBounded(ctx, e.cfg.PersistTimeout, func(cctx context.Context) (struct{}, error) {
		return struct{}{}, e.store.Set(cctx, userID, cc, ttl)
	})
	if err != nil {
		e.metrics.RecordSoftError(domain.CodeContextStoreUnavailable)
		log.Warn("context persist failed", "error", err)
	}
}

// auditBlock records a safety block. The prompt is never part of the record.
func (e *Engine) auditBlock(ctx context.Context, req domain.RoutingRequest, agentID string, reason domain.ReasonCode, log *slog.Logger) {
	if e.audit == nil {
		return
	}
	err := e.audit.Log(ctx, domain.AuditEvent{
		Type:     domain.AuditRequestBlock,
		Actor:    "safety_gate",
		Resource: "context:" + req.UserID,
		Outcome:  "blocked",
		Detail: map[string]string{
			"request_id": req.RequestID,
			"agent_id":   agentID,
			"reason":     string(reason),
		},
	})
	if err != nil {
		log.Warn("audit write failed", "error", err)
	}
}

// dispatch invokes the agent. Once issued the call is detached from caller
// cancellation and bounded only by DispatchTimeout; if the caller cancels
// first its result is discarded.
func (e *Engine) dispatch(ctx context.Context, desc domain.AgentDescriptor, prompt string, req domain.RoutingRequest) (*domain.AgentResponse, error) {
	dctx := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if e.cfg.DispatchTimeout > 0 {
		dctx, cancel = context.WithTimeout(dctx, e.cfg.DispatchTimeout)
	}

	type result struct {
		resp *domain.AgentResponse
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		resp, err := desc.Agent.Handle(dctx, prompt, req)
		if err == nil && resp == nil {
			err = errors.New("agent returned no response")
		}
		ch <- result{resp: resp, err: err}
	}()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		e.logger.Info("caller cancelled during dispatch, discarding agent result",
			"request_id", req.RequestID, "agent_id", desc.ID)
		return nil, cancelled(ctx.Err())
	}
}

func cancelled(cause error) error {
	return domain.NewDomainError("Engine.Route", domain.ErrCancelled, cause.Error())
}

func findAgent(agents []domain.AgentDescriptor, id string) (domain.AgentDescriptor, bool) {
	for _, a := range agents {
		if a.ID == id {
			return a, true
		}
	}
	return domain.AgentDescriptor{}, false
}

func entryCount(cc *domain.ConversationContext) int {
	if cc == nil {
		return 0
	}
	return len(cc.Entries)
}

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"medrouter/internal/domain"
	"medrouter/internal/infra/middleware"
	"medrouter/internal/usecase/routing"
)

type fakeEngine struct {
	mu    sync.Mutex
	last  domain.RoutingRequest
	calls int
	route func(ctx context.Context, req domain.RoutingRequest) (*domain.RoutingResult, error)
	stats routing.Snapshot
}

func (f *fakeEngine) Route(ctx context.Context, req domain.RoutingRequest) (*domain.RoutingResult, error) {
	f.mu.Lock()
	f.last = req
	f.calls++
	f.mu.Unlock()
	return f.route(ctx, req)
}

func (f *fakeEngine) Stats() routing.Snapshot { return f.stats }

type fakeDirectory struct {
	agents []domain.AgentDescriptor
	health map[string]domain.AgentHealth
}

func (d *fakeDirectory) List() []domain.AgentDescriptor { return d.agents }

func (d *fakeDirectory) Status(_ context.Context, id string) (domain.AgentStatus, error) {
	for _, a := range d.agents {
		if a.ID == id {
			return domain.AgentStatus{ID: id, AgentHealth: d.health[id]}, nil
		}
	}
	return domain.AgentStatus{}, domain.NewSubSystemError("agent", "Registry.Get", domain.ErrNotFound, id)
}

type fakeEraser struct {
	actor, userID string
	err           error
}

func (e *fakeEraser) Delete(_ context.Context, actor, userID string) error {
	e.actor, e.userID = actor, userID
	return e.err
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func okRoute(_ context.Context, req domain.RoutingRequest) (*domain.RoutingResult, error) {
	return &domain.RoutingResult{RequestID: req.RequestID, AgentID: "cardio", ResponseText: "see a cardiologist", LatencyMS: 12}, nil
}

func newTestChannel(t *testing.T, eng *fakeEngine, opts Options) (*HTTPChannel, http.Handler) {
	t.Helper()
	dir := &fakeDirectory{
		agents: []domain.AgentDescriptor{
			{ID: "cardio", Description: "heart and blood pressure", Keywords: []string{"chest pain"}},
			{ID: "derm", Description: "skin conditions"},
		},
		health: map[string]domain.AgentHealth{
			"cardio": {Healthy: true},
			"derm":   {Healthy: false, LastError: "status 503"},
		},
	}
	ch, err := NewHTTPChannel(opts, eng, dir, discard())
	if err != nil {
		t.Fatalf("NewHTTPChannel: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ch, ch.Handler(ctx)
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return body
}

func TestRouteSuccess(t *testing.T) {
	eng := &fakeEngine{route: okRoute}
	_, h := newTestChannel(t, eng, Options{})

	w := do(h, "POST", "/api/v1/route", `{"user_id":"u1","input_text":"chest pain since morning","context":{"age":54}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var res domain.RoutingResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.AgentID != "cardio" || res.ResponseText != "see a cardiologist" || res.Blocked {
		t.Errorf("result = %+v", res)
	}
	if eng.last.UserID != "u1" || eng.last.ExtraContext["age"] != float64(54) {
		t.Errorf("engine got %+v", eng.last)
	}
	if eng.last.RequestID == "" || eng.last.RequestID != w.Header().Get(middleware.RequestIDHeader) {
		t.Errorf("request id %q should match header %q", eng.last.RequestID, w.Header().Get(middleware.RequestIDHeader))
	}
	if w.Header().Get("Cache-Control") != "no-store" {
		t.Error("security headers missing")
	}
}

func TestRouteBodyRequestIDWins(t *testing.T) {
	eng := &fakeEngine{route: okRoute}
	_, h := newTestChannel(t, eng, Options{})

	w := do(h, "POST", "/api/v1/route", `{"request_id":"caller-7","user_id":"u1","input_text":"rash"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if eng.last.RequestID != "caller-7" {
		t.Errorf("RequestID = %q, want caller-7", eng.last.RequestID)
	}
}

func TestRouteBlockedIsOK(t *testing.T) {
	eng := &fakeEngine{route: func(context.Context, domain.RoutingRequest) (*domain.RoutingResult, error) {
		return &domain.RoutingResult{AgentID: "pharmacy", Blocked: true, Reason: domain.ReasonSelfHarm}, nil
	}}
	_, h := newTestChannel(t, eng, Options{})

	w := do(h, "POST", "/api/v1/route", `{"user_id":"u1","input_text":"how many pills"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"blocked":true`) || !strings.Contains(w.Body.String(), `"reason_code":"SELF_HARM"`) {
		t.Errorf("body = %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"response_text":""`) {
		t.Errorf("blocked response must carry empty text: %s", w.Body.String())
	}
}

func TestRouteSchemaRejections(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		mention string
	}{
		{"missing user", `{"input_text":"hi"}`, "user_id"},
		{"empty text", `{"user_id":"u1","input_text":""}`, "input_text"},
		{"wrong type", `{"user_id":42,"input_text":"hi"}`, "user_id"},
		{"unknown field", `{"user_id":"u1","input_text":"hi","priority":"high"}`, "priority"},
		{"context not object", `{"user_id":"u1","input_text":"hi","context":"x"}`, "context"},
		{"bad request id", `{"request_id":"a b","user_id":"u1","input_text":"hi"}`, "request_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{route: okRoute}
			_, h := newTestChannel(t, eng, Options{})

			w := do(h, "POST", "/api/v1/route", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			body := decodeError(t, w)
			if body.Error != "INVALID_INPUT" {
				t.Errorf("error = %q", body.Error)
			}
			if !strings.Contains(body.Message, tt.mention) {
				t.Errorf("message %q should mention %q", body.Message, tt.mention)
			}
			if eng.calls != 0 {
				t.Error("engine must not be called for invalid input")
			}
		})
	}
}

func TestRouteMalformedJSON(t *testing.T) {
	eng := &fakeEngine{route: okRoute}
	_, h := newTestChannel(t, eng, Options{})

	w := do(h, "POST", "/api/v1/route", `{"user_id":`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if decodeError(t, w).Message != "the request is invalid" {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestRouteBodyTooLarge(t *testing.T) {
	eng := &fakeEngine{route: okRoute}
	_, h := newTestChannel(t, eng, Options{MaxBodyBytes: 64})

	big := fmt.Sprintf(`{"user_id":"u1","input_text":%q}`, strings.Repeat("a", 200))
	w := do(h, "POST", "/api/v1/route", big)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
}

func TestRouteErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{domain.NewDomainError("Engine.Route", domain.ErrNoAgentsRegistered, ""), 503, "NO_AGENTS_REGISTERED"},
		{domain.NewDomainError("Engine.Route", domain.ErrScoringUnavailable, "3 of 3 failed"), 503, "SCORING_UNAVAILABLE"},
		{domain.NewDomainError("Engine.Route", domain.ErrSafetyGateUnavailable, "dial tcp 10.0.0.3:443"), 503, "SAFETY_GATE_UNAVAILABLE"},
		{domain.NewDomainError("Engine.Route", domain.ErrAgentExecution, "panic: nil map in cardio"), 502, "AGENT_EXECUTION_ERROR"},
		{domain.NewDomainError("Engine.Route", domain.ErrCancelled, ""), 499, "CANCELLED"},
		{errors.New("boom"), 500, "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			eng := &fakeEngine{route: func(context.Context, domain.RoutingRequest) (*domain.RoutingResult, error) {
				return nil, tt.err
			}}
			_, h := newTestChannel(t, eng, Options{})

			w := do(h, "POST", "/api/v1/route", `{"user_id":"u1","input_text":"hello"}`)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			body := decodeError(t, w)
			if body.Error != tt.code {
				t.Errorf("error = %q, want %q", body.Error, tt.code)
			}
			if body.Message != domain.PublicMessage(tt.err) {
				t.Errorf("message = %q", body.Message)
			}
			if strings.Contains(w.Body.String(), "10.0.0.3") || strings.Contains(w.Body.String(), "nil map") {
				t.Errorf("internal detail leaked: %s", w.Body.String())
			}
		})
	}
}

func TestRouteWrongMethod(t *testing.T) {
	_, h := newTestChannel(t, &fakeEngine{route: okRoute}, Options{})
	w := do(h, "GET", "/api/v1/route", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestStats(t *testing.T) {
	eng := &fakeEngine{route: okRoute, stats: routing.Snapshot{RequestCount: 7, BlockedCount: 2, AvgLatencyMS: 41.5}}
	_, h := newTestChannel(t, eng, Options{})

	w := do(h, "GET", "/api/v1/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var snap routing.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.RequestCount != 7 || snap.BlockedCount != 2 || snap.AvgLatencyMS != 41.5 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestAgentsAndStatus(t *testing.T) {
	_, h := newTestChannel(t, &fakeEngine{route: okRoute}, Options{})

	w := do(h, "GET", "/api/v1/agents", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"id":"derm"`) {
		t.Fatalf("agents: %d %s", w.Code, w.Body.String())
	}

	w = do(h, "GET", "/api/v1/agents/derm/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	var st domain.AgentStatus
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.ID != "derm" || st.Healthy || st.LastError != "status 503" {
		t.Errorf("status = %+v", st)
	}

	w = do(h, "GET", "/api/v1/agents/ghost/status", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown agent status = %d, want 404", w.Code)
	}
	if decodeError(t, w).Error != "AGENT_NOT_FOUND" {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestDeleteContext(t *testing.T) {
	ch, h := newTestChannel(t, &fakeEngine{route: okRoute}, Options{})

	w := do(h, "DELETE", "/api/v1/context/u1", "")
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("without eraser: status = %d, want 501", w.Code)
	}

	eraser := &fakeEraser{}
	ch.SetContextEraser(eraser)
	w = do(h, "DELETE", "/api/v1/context/u1", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if eraser.userID != "u1" || !strings.HasPrefix(eraser.actor, "api:") {
		t.Errorf("eraser got actor=%q user=%q", eraser.actor, eraser.userID)
	}

	eraser.err = domain.NewDomainError("RedisStore.Delete", domain.ErrContextStoreUnavailable, "i/o timeout")
	w = do(h, "DELETE", "/api/v1/context/u1", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("store failure status = %d, want 503", w.Code)
	}
}

func TestHealth(t *testing.T) {
	ch, h := newTestChannel(t, &fakeEngine{route: okRoute}, Options{})

	w := do(h, "GET", "/api/v1/health", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Fatalf("health: %d %s", w.Code, w.Body.String())
	}

	ch.SetStorePinger(fakePinger{err: errors.New("connection refused")})
	w = do(h, "GET", "/api/v1/health", "")
	if !strings.Contains(w.Body.String(), `"status":"degraded"`) {
		t.Errorf("health with failed store = %s", w.Body.String())
	}
}

func TestRateLimited(t *testing.T) {
	_, h := newTestChannel(t, &fakeEngine{route: okRoute}, Options{
		RateLimit: middleware.RateLimitConfig{PerSecond: 0.001, Burst: 1},
	})

	if w := do(h, "GET", "/api/v1/health", ""); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}
	if w := do(h, "GET", "/api/v1/health", ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", w.Code)
	}
}

func TestStartStop(t *testing.T) {
	ch, _ := newTestChannel(t, &fakeEngine{route: okRoute}, Options{Addr: "127.0.0.1:0"})

	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ch.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}

	resp, err := http.Get("http://" + ch.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[domain.ErrorCode]int{
		domain.CodeInvalidInput:            400,
		domain.CodePathOutsideRoot:         400,
		domain.CodeNotFound:                404,
		domain.CodeDuplicateAgentID:        409,
		domain.CodeContextStoreUnavailable: 503,
		domain.CodeTimeout:                 504,
		domain.CodeEncryption:              500,
	}
	for code, want := range tests {
		if got := StatusFor(code); got != want {
			t.Errorf("StatusFor(%s) = %d, want %d", code, got, want)
		}
	}
}

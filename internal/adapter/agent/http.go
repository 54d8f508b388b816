// Package agent provides domain.Agent implementations.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"medrouter/internal/domain"
)

// maxReplyBytes bounds how much of an agent reply is read.
const maxReplyBytes = 4 << 20

// HTTPAgent forwards the stitched prompt to a remote agent service.
//
// Request:  POST {url} {"request_id","user_id","prompt","input_text","context"}
// Response: 200 {"response_text","token_usage"}
type HTTPAgent struct {
	id        string
	url       string
	healthURL string
	client    *http.Client
}

// NewHTTPAgent creates an agent client. healthURL may be empty, in which
// case Health always reports healthy. timeout <= 0 leaves the call bounded
// only by the caller's context.
func NewHTTPAgent(id, url, healthURL string, timeout time.Duration) *HTTPAgent {
	return &HTTPAgent{
		id:        id,
		url:       url,
		healthURL: healthURL,
		client:    &http.Client{Timeout: timeout},
	}
}

type handleRequest struct {
	RequestID string         `json:"request_id,omitempty"`
	UserID    string         `json:"user_id"`
	Prompt    string         `json:"prompt"`
	InputText string         `json:"input_text"`
	Context   map[string]any `json:"context,omitempty"`
}

// Handle implements domain.Agent.
func (a *HTTPAgent) Handle(ctx context.Context, prompt string, req domain.RoutingRequest) (*domain.AgentResponse, error) {
	body, err := json.Marshal(handleRequest{
		RequestID: req.RequestID,
		UserID:    req.UserID,
		Prompt:    prompt,
		InputText: req.InputText,
		Context:   req.ExtraContext,
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s: marshal request: %w", a.id, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("agent %s: create request: %w", a.id, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", a.id, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("agent %s: read response: %w", a.id, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("agent %s: status %d", a.id, resp.StatusCode)
	}

	var out domain.AgentResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("agent %s: decode response: %w", a.id, err)
	}
	return &out, nil
}

// Health implements domain.HealthChecker with a GET on the health URL.
func (a *HTTPAgent) Health(ctx context.Context) domain.AgentHealth {
	if a.healthURL == "" {
		return domain.AgentHealth{Healthy: true}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.healthURL, nil)
	if err != nil {
		return domain.AgentHealth{LastError: err.Error()}
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return domain.AgentHealth{LastError: err.Error()}
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return domain.AgentHealth{LastError: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return domain.AgentHealth{Healthy: true}
}

var (
	_ domain.Agent         = (*HTTPAgent)(nil)
	_ domain.HealthChecker = (*HTTPAgent)(nil)
)

package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"medrouter/internal/domain"
)

// maxResponseBytes bounds how much of an embedding response is read.
const maxResponseBytes = 10 << 20

// postJSON sends body to url and decodes a 200 response into out. Every
// failure wraps domain.ErrEmbeddingFailed.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: marshal request: %v", domain.ErrEmbeddingFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: create request: %v", domain.ErrEmbeddingFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: http request: %w", domain.ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrEmbeddingFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		// The body may echo input text; keep only the status.
		return fmt.Errorf("%w: API error %d", domain.ErrEmbeddingFailed, resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: unmarshal response: %v", domain.ErrEmbeddingFailed, err)
	}
	return nil
}

// checkCount guards against providers returning fewer vectors than inputs.
func checkCount(got, want int) error {
	if got != want {
		return fmt.Errorf("%w: got %d embeddings for %d inputs", domain.ErrEmbeddingFailed, got, want)
	}
	return nil
}

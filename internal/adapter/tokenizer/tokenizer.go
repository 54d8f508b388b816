// Package tokenizer provides domain.TokenCounter implementations for the
// prompt budget.
package tokenizer

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"medrouter/internal/domain"
)

// Runes counts Unicode code points. It over-estimates BPE token counts,
// which keeps prompts inside the budget.
type Runes struct{}

// Count implements domain.TokenCounter.
func (Runes) Count(text string) int { return utf8.RuneCountInString(text) }

// Tiktoken counts BPE tokens with a tiktoken encoding such as "cl100k_base".
type Tiktoken struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding. The BPE ranks are fetched on first
// use and cached on disk by the library (see TIKTOKEN_CACHE_DIR).
func NewTiktoken(encoding string) (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %q: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

// Count implements domain.TokenCounter.
func (t *Tiktoken) Count(text string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

// New returns a Tiktoken counter for encoding, or Runes when encoding is
// empty or cannot be loaded. The returned error explains a fallback.
func New(encoding string) (domain.TokenCounter, error) {
	if encoding == "" {
		return Runes{}, nil
	}
	tk, err := NewTiktoken(encoding)
	if err != nil {
		return Runes{}, err
	}
	return tk, nil
}

var (
	_ domain.TokenCounter = Runes{}
	_ domain.TokenCounter = (*Tiktoken)(nil)
)

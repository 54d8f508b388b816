package routing

import (
	"strings"
	"time"
	"unicode/utf8"

	"medrouter/internal/domain"
)

// Prompt markers. The layout is identical whether or not history exists so
// the safety gate and the agent always see the same structure.
const (
	SensitivityMarker = "[sensitivity: may-contain-phi]"
	HistoryMarker     = "--- prior turns ---"
	BoundaryMarker    = "--- new turn ---"
)

// StitchOptions parameterizes Stitch. Zero limits mean unlimited.
type StitchOptions struct {
	Now        time.Time
	TTL        time.Duration
	MaxTokens  int
	MaxEntries int
	Counter    domain.TokenCounter // nil counts runes
}

// StitchResult is the outcome of merging prior context with a new turn.
type StitchResult struct {
	Prompt  string
	Context *domain.ConversationContext
	Expired int // prior entries dropped for exceeding the TTL
	Dropped int // prior entries dropped to fit the budget
}

// Stitch merges prior context with the new turn. It is pure: prior is never
// modified and nothing is persisted.
func Stitch(userID string, prior *domain.ConversationContext, turn domain.Turn, opts StitchOptions) StitchResult {
	counter := opts.Counter
	if counter == nil {
		counter = runeCounter{}
	}

	var history []domain.Turn
	var expired int
	if prior != nil && !prior.Expired(opts.Now) {
		history = make([]domain.Turn, 0, len(prior.Entries))
		for _, t := range prior.Entries {
			if t.Expired(opts.Now, opts.TTL) {
				expired++
				continue
			}
			history = append(history, t)
		}
	} else if prior != nil {
		expired = len(prior.Entries)
	}

	lines := make([]string, len(history))
	costs := make([]int, len(history))
	total := counter.Count(SensitivityMarker) + counter.Count(HistoryMarker) + counter.Count(BoundaryMarker)
	newLine := renderTurn(turn)
	total += counter.Count(newLine)
	for i, t := range history {
		lines[i] = renderTurn(t)
		costs[i] = counter.Count(lines[i])
		total += costs[i]
	}

	// FIFO: oldest entries go first, the new turn always stays.
	start := 0
	for start < len(history) {
		overTokens := opts.MaxTokens > 0 && total > opts.MaxTokens
		overEntries := opts.MaxEntries > 0 && len(history)-start+1 > opts.MaxEntries
		if !overTokens && !overEntries {
			break
		}
		total -= costs[start]
		start++
	}

	var b strings.Builder
	b.WriteString(SensitivityMarker)
	b.WriteByte('\n')
	b.WriteString(HistoryMarker)
	b.WriteByte('\n')
	for _, l := range lines[start:] {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	b.WriteString(BoundaryMarker)
	b.WriteByte('\n')
	b.WriteString(newLine)

	entries := make([]domain.Turn, 0, len(history)-start+2)
	entries = append(entries, history[start:]...)
	entries = append(entries, turn)

	return StitchResult{
		Prompt: b.String(),
		Context: &domain.ConversationContext{
			UserID:    userID,
			Entries:   entries,
			ExpiresAt: expiry(opts.Now, opts.TTL),
		},
		Expired: expired,
		Dropped: start,
	}
}

// AppendTurn returns a copy of cc with t appended and the expiry refreshed.
func AppendTurn(cc *domain.ConversationContext, t domain.Turn, now time.Time, ttl time.Duration) *domain.ConversationContext {
	out := cc.Clone()
	if out == nil {
		out = &domain.ConversationContext{}
	}
	out.Entries = append(out.Entries, t)
	out.ExpiresAt = expiry(now, ttl)
	return out
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// renderTurn formats one entry, keeping every stored field visible. The
// stored text itself is never altered.
func renderTurn(t domain.Turn) string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(t.Timestamp.UTC().Format(time.RFC3339))
	b.WriteString("] ")
	b.WriteString(t.Role)
	if t.AgentID != "" {
		b.WriteByte('@')
		b.WriteString(t.AgentID)
	}
	if t.Blocked {
		b.WriteString(" (blocked)")
	}
	b.WriteString(": ")
	b.WriteString(continuation.Replace(t.Text))
	return b.String()
}

// continuation indents every line of turn text after the first, so text can
// never start a line with a marker or an entry header.
var continuation = strings.NewReplacer(
	"\r\n", "\n  ",
	"\r", "\n  ",
	"\n", "\n  ",
	"\u2028", "\n  ",
	"\u2029", "\n  ",
)

type runeCounter struct{}

func (runeCounter) Count(text string) int { return utf8.RuneCountInString(text) }

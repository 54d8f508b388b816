package safety

import (
	"context"
	"strings"

	"medrouter/internal/domain"
)

// PatternGate blocks prompts that match any of its rules.
type PatternGate struct {
	rules  []Rule
	marker string
}

// PatternOption configures a PatternGate.
type PatternOption func(*PatternGate)

// WithScanAfter limits scanning to the text after the last line consisting
// solely of marker. Earlier turns were already vetted when they arrived, so a
// blocked turn kept in history does not block every later message. The marker
// only counts on a line of its own: turn text is rendered indented, so user
// input can never produce one. Prompts without the marker are scanned whole.
func WithScanAfter(marker string) PatternOption {
	return func(g *PatternGate) { g.marker = marker }
}

// NewPatternGate creates a gate over rules.
func NewPatternGate(rules []Rule, opts ...PatternOption) *PatternGate {
	g := &PatternGate{rules: append([]Rule(nil), rules...)}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check implements domain.SafetyGate.
func (g *PatternGate) Check(ctx context.Context, prompt string) (domain.SafetyVerdict, error) {
	if err := ctx.Err(); err != nil {
		return domain.SafetyVerdict{}, err
	}
	text := g.scanned(prompt)
	for _, r := range g.rules {
		if r.Pattern.MatchString(text) {
			return domain.Block(r.Reason), nil
		}
	}
	return domain.Allow(), nil
}

// scanned returns the part of prompt the rules apply to.
func (g *PatternGate) scanned(prompt string) string {
	if g.marker == "" {
		return prompt
	}
	line := g.marker + "\n"
	if i := strings.LastIndex(prompt, "\n"+line); i >= 0 {
		return prompt[i+1+len(line):]
	}
	if strings.HasPrefix(prompt, line) {
		return prompt[len(line):]
	}
	return prompt
}

// Rules returns the names of the active rules in evaluation order.
func (g *PatternGate) Rules() []string {
	names := make([]string, len(g.rules))
	for i, r := range g.rules {
		names[i] = r.Name
	}
	return names
}

var _ domain.SafetyGate = (*PatternGate)(nil)

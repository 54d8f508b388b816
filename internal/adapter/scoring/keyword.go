// Package scoring provides domain.ScoringProvider implementations.
package scoring

import (
	"context"
	"strings"
	"unicode"

	"medrouter/internal/domain"
)

// Catalog resolves an agent ID to its descriptor.
type Catalog interface {
	Get(id string) (domain.AgentDescriptor, error)
}

// KeywordScorer scores an agent by the share of its keywords found in the
// message. Agents without keywords fall back to the words of their
// description. It needs no network and is deterministic.
type KeywordScorer struct {
	catalog Catalog
}

// NewKeywordScorer creates a keyword scorer over catalog.
func NewKeywordScorer(catalog Catalog) *KeywordScorer {
	return &KeywordScorer{catalog: catalog}
}

// Score implements domain.ScoringProvider.
func (s *KeywordScorer) Score(ctx context.Context, text, agentID string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	desc, err := s.catalog.Get(agentID)
	if err != nil {
		return 0, err
	}

	terms := desc.Keywords
	if len(terms) == 0 {
		terms = significantWords(desc.Description)
	}
	if len(terms) == 0 {
		return 0, nil
	}

	msg := " " + strings.Join(words(text), " ") + " "
	matched := 0
	for _, term := range terms {
		phrase := strings.Join(words(term), " ")
		if phrase != "" && strings.Contains(msg, " "+phrase+" ") {
			matched++
		}
	}
	return float64(matched) / float64(len(terms)), nil
}

// words lowercases s and splits it on anything that is not a letter or digit.
func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// significantWords returns the distinct words of s longer than three letters,
// which drops most articles and prepositions.
func significantWords(s string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range words(s) {
		if len([]rune(w)) <= 3 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

var _ domain.ScoringProvider = (*KeywordScorer)(nil)

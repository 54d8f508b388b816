// Package safety provides domain.SafetyGate implementations.
package safety

import (
	"fmt"
	"regexp"

	"medrouter/internal/domain"
)

// Rule blocks prompts matching Pattern with Reason.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Reason  domain.ReasonCode
}

// validReasons are the reason codes a blocking rule may carry.
var validReasons = map[domain.ReasonCode]bool{
	domain.ReasonDisallowedContent: true,
	domain.ReasonSelfHarm:          true,
	domain.ReasonPromptInjection:   true,
	domain.ReasonPIIExfiltration:   true,
}

// NewRule compiles a rule from configuration.
func NewRule(name, pattern string, reason domain.ReasonCode) (Rule, error) {
	if !validReasons[reason] {
		return Rule{}, fmt.Errorf("rule %q: unknown reason code %q", name, reason)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: %w", name, err)
	}
	return Rule{Name: name, Pattern: re, Reason: reason}, nil
}

func builtin(name, pattern string, reason domain.ReasonCode) Rule {
	return Rule{Name: name, Pattern: regexp.MustCompile(pattern), Reason: reason}
}

// BuiltinRules returns the default rule set. Order matters: the first
// matching rule decides the reason code.
func BuiltinRules() []Rule {
	return []Rule{
		builtin("self_harm_intent",
			`(?i)\b(kill|hurt|harm)\s+my\s*self\b|\bend\s+my\s+life\b|\bsuicid(e|al)\b`,
			domain.ReasonSelfHarm),
		builtin("lethal_dose_request",
			`(?i)\b(lethal|fatal)\s+(dose|amount|quantity)\b`,
			domain.ReasonSelfHarm),
		builtin("ignore_instructions",
			`(?i)\b(ignore|disregard|forget)\s+(all\s+|any\s+)?(previous|prior|above|earlier)\s+(instructions|rules|prompts?)\b`,
			domain.ReasonPromptInjection),
		builtin("system_prompt_probe",
			`(?i)\b(reveal|print|show|repeat)\s+(your|the)\s+(system\s+prompt|hidden\s+instructions)\b`,
			domain.ReasonPromptInjection),
		builtin("other_patient_records",
			`(?i)\b(show|list|give|send|export)\s+(me\s+)?(all\s+)?(other\s+)?(patients?'?|users?'?)\s+(records|data|charts|files|details)\b`,
			domain.ReasonPIIExfiltration),
		builtin("bulk_identifier_request",
			`(?i)\b(all|every|list\s+of)\s+(ssns?|social\s+security\s+numbers|medical\s+record\s+numbers|mrns?)\b`,
			domain.ReasonPIIExfiltration),
		builtin("controlled_substance_sourcing",
			`(?i)\b(buy|get|obtain)\s+(\w+\s+)?(without\s+a\s+prescription|no\s+prescription)\b`,
			domain.ReasonDisallowedContent),
	}
}

package config

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateLogger(cfg, ve)
	validateRouting(cfg, ve)
	validateContext(cfg, ve)
	validateScoring(cfg, ve)
	validateSafety(cfg, ve)
	validateAgents(cfg, ve)
	validateScheduler(cfg, ve)
	validateAudit(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	if cfg.Server.Addr == "" {
		ve.Add("server.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		ve.Add("server.addr %q is not a valid host:port", cfg.Server.Addr)
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		ve.Add("server.max_body_bytes must be > 0")
	}
	if cfg.Server.RateLimit < 0 {
		ve.Add("server.rate_limit must be >= 0")
	}
	if cfg.Server.RateLimit > 0 && cfg.Server.RateBurst <= 0 {
		ve.Add("server.rate_burst must be > 0 when rate_limit is set")
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true, "": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateRouting(cfg *Config, ve *ValidationError) {
	r := cfg.Routing
	if r.TieEpsilon < 0 {
		ve.Add("routing.tie_epsilon must be >= 0")
	}
	if r.ScoringTimeout <= 0 {
		ve.Add("routing.scoring_timeout must be > 0")
	}
	if r.ScoringRetries < 0 {
		ve.Add("routing.scoring_retries must be >= 0")
	}
	if r.SafetyTimeout <= 0 {
		ve.Add("routing.safety_timeout must be > 0")
	}
	if r.DispatchTimeout < 0 {
		ve.Add("routing.dispatch_timeout must be >= 0")
	}
	if r.MaxPromptTokens < 0 {
		ve.Add("routing.max_prompt_tokens must be >= 0")
	}
	if r.MaxHistoryEntries < 0 {
		ve.Add("routing.max_history_entries must be >= 0")
	}
}

var validContextStores = map[string]bool{"memory": true, "redis": true, "none": true}

func validateContext(cfg *Config, ve *ValidationError) {
	c := cfg.Context
	if !validContextStores[c.Store] {
		ve.Add("context.store %q is invalid (want: memory, redis, none)", c.Store)
	}
	if c.TTL <= 0 {
		ve.Add("context.ttl must be > 0")
	}
	if c.Store == "memory" && c.MemorySize <= 0 {
		ve.Add("context.memory_size must be > 0 when store is memory")
	}
	if c.Store == "redis" {
		if c.Redis.Host == "" {
			ve.Add("context.redis.host is required when store is redis")
		}
		if c.Redis.Port < 1 || c.Redis.Port > 65535 {
			ve.Add("context.redis.port %d is out of range (1-65535)", c.Redis.Port)
		}
		if c.Redis.DB < 0 {
			ve.Add("context.redis.db must be >= 0")
		}
		if c.Redis.RequirePassword && c.Redis.Password == "" {
			ve.Add("context.redis.password is required when require_password is set")
		}
	}
	if c.Encryption.Enabled && len(c.Encryption.Key) < MinEncryptionKeyLen {
		ve.Add("context.encryption.key must be at least %d bytes", MinEncryptionKeyLen)
	}
}

func validateScoring(cfg *Config, ve *ValidationError) {
	switch cfg.Scoring.Provider {
	case "keyword":
	case "embedding":
		e := cfg.Scoring.Embedding
		switch e.Provider {
		case "openai":
			if e.APIKey == "" {
				ve.Add("scoring.embedding.api_key is required for the openai provider")
			}
		case "ollama":
		default:
			ve.Add("scoring.embedding.provider %q is invalid (want: openai, ollama)", e.Provider)
		}
		if e.Model == "" {
			ve.Add("scoring.embedding.model must not be empty")
		}
		if e.BaseURL != "" {
			if _, err := url.ParseRequestURI(e.BaseURL); err != nil {
				ve.Add("scoring.embedding.base_url %q is not a valid URL", e.BaseURL)
			}
		}
		if e.CacheSize < 0 {
			ve.Add("scoring.embedding.cache_size must be >= 0")
		}
	default:
		ve.Add("scoring.provider %q is invalid (want: keyword, embedding)", cfg.Scoring.Provider)
	}
	validateBreaker("scoring.circuit_breaker", cfg.Scoring.CircuitBreaker, ve)
}

var validReasonCodes = map[string]bool{
	"DISALLOWED_CONTENT": true,
	"SELF_HARM":          true,
	"PROMPT_INJECTION":   true,
	"PII_EXFILTRATION":   true,
}

func validateSafety(cfg *Config, ve *ValidationError) {
	for i, r := range cfg.Safety.Rules {
		if r.Name == "" {
			ve.Add("safety.rules[%d].name is required", i)
		}
		if _, err := regexp.Compile(r.Pattern); err != nil || r.Pattern == "" {
			ve.Add("safety.rules[%d].pattern is not a valid regular expression", i)
		}
		if !validReasonCodes[r.Reason] {
			ve.Add("safety.rules[%d].reason %q is not a known reason code", i, r.Reason)
		}
	}
	validateBreaker("safety.circuit_breaker", cfg.Safety.CircuitBreaker, ve)
}

func validateBreaker(path string, cb CircuitBreakerConfig, ve *ValidationError) {
	if !cb.Enabled {
		return
	}
	if cb.MaxFailures == 0 {
		ve.Add("%s.max_failures must be > 0 when enabled", path)
	}
	if cb.Timeout <= 0 {
		ve.Add("%s.timeout must be > 0 when enabled", path)
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, a := range cfg.Agents {
		if a.ID == "" {
			ve.Add("agents[%d].id must not be empty", i)
			continue
		}
		if seen[a.ID] {
			ve.Add("agents[%d]: duplicate agent ID %q", i, a.ID)
		}
		seen[a.ID] = true

		switch a.Type {
		case "http":
			if _, err := url.ParseRequestURI(a.URL); err != nil {
				ve.Add("agents[%d].url %q is not a valid URL", i, a.URL)
			}
		case "static":
		default:
			ve.Add("agents[%d].type %q is invalid (want: http, static)", i, a.Type)
		}
	}
}

var validTaskActions = map[string]bool{"stats_report": true, "health_probe": true, "audit_retention": true}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	for i, t := range cfg.Scheduler.Tasks {
		if t.Name == "" {
			ve.Add("scheduler.tasks[%d].name is required", i)
		}
		if t.Schedule == "" {
			ve.Add("scheduler.tasks[%d].schedule is required", i)
		}
		if !validTaskActions[t.Action] {
			ve.Add("scheduler.tasks[%d].action %q is invalid (want: stats_report, health_probe, audit_retention)", i, t.Action)
		}
		if t.Action == "audit_retention" && !cfg.Audit.Enabled {
			ve.Add("scheduler.tasks[%d]: audit_retention requires audit.enabled", i)
		}
	}
}

var sizePattern = regexp.MustCompile(`(?i)^\s*\d+\s*(b|kb|mb|gb)?\s*$`)

func validateAudit(cfg *Config, ve *ValidationError) {
	a := cfg.Audit
	if !a.Enabled {
		return
	}
	if a.Path == "" {
		ve.Add("audit.path is required when audit is enabled")
	}
	if a.MaxAge < 0 {
		ve.Add("audit.max_age must be >= 0")
	}
	if a.MaxSize != "" && !sizePattern.MatchString(a.MaxSize) {
		ve.Add("audit.max_size %q is invalid (want e.g. 512KB, 100MB)", a.MaxSize)
	}
}

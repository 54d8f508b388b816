package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"medrouter/internal/adapter/agent"
	"medrouter/internal/adapter/contextstore"
	"medrouter/internal/adapter/embedding"
	"medrouter/internal/adapter/safety"
	"medrouter/internal/adapter/scoring"
	"medrouter/internal/adapter/tokenizer"
	"medrouter/internal/domain"
	"medrouter/internal/infra/breaker"
	"medrouter/internal/infra/config"
	"medrouter/internal/security"
	"medrouter/internal/usecase/multiagent"
	"medrouter/internal/usecase/routing"
)

// redisAdapter bridges *goredis.Client to contextstore.RedisClient.
type redisAdapter struct {
	client *goredis.Client
}

func (r *redisAdapter) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", contextstore.ErrMiss
	}
	return v, err
}

func (r *redisAdapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *redisAdapter) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

func (r *redisAdapter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisAdapter) Close() error {
	return r.client.Close()
}

// components holds everything built from config. Fields that a
// configuration does not need stay nil.
type components struct {
	registry  *multiagent.Registry
	store     domain.ContextStore
	redis     *contextstore.RedisStore
	audit     domain.AuditLogger
	fileAudit *security.FileAuditLogger
	privacy   *security.ContextPrivacy
	engine    *routing.Engine

	cleanups []func()
}

// Close releases resources in reverse order of creation.
func (c *components) Close() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
	c.cleanups = nil
}

// build wires the routing engine and its collaborators.
func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*components, error) {
	c := &components{registry: multiagent.NewRegistry(log)}

	if err := registerAgents(c.registry, cfg.Agents); err != nil {
		return nil, err
	}
	c.registry.Seal()
	if c.registry.Len() == 0 {
		log.Warn("no agents configured, every request will fail with NO_AGENTS_REGISTERED")
	}

	scorer, err := buildScorer(cfg.Scoring, c.registry, log)
	if err != nil {
		return nil, err
	}
	gate, err := buildSafety(cfg.Safety, log)
	if err != nil {
		return nil, err
	}

	if err := c.buildStore(ctx, cfg.Context, log); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.buildAudit(cfg.Audit, log); err != nil {
		c.Close()
		return nil, err
	}
	if c.store != nil {
		sb, err := security.NewSandbox(cfg.Context.ExportDir)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("export dir: %w", err)
		}
		c.privacy = security.NewContextPrivacy(c.store, sb, c.audit, cfg.Context.TTL)
	}

	c.engine = routing.NewEngine(c.registry, scorer, gate, c.store, engineConfig(cfg), log)
	counter, err := tokenizer.New(cfg.Routing.TokenEncoding)
	if err != nil {
		log.Warn("token encoding unavailable, counting runes", "encoding", cfg.Routing.TokenEncoding, "error", err)
	}
	c.engine.SetTokenCounter(counter)
	if c.fileAudit != nil {
		c.engine.SetAuditLogger(c.audit)
	}
	return c, nil
}

func engineConfig(cfg *config.Config) routing.Config {
	return routing.Config{
		TieEpsilon:        cfg.Routing.TieEpsilon,
		ContextTTL:        cfg.Context.TTL,
		ContextTimeout:    cfg.Context.FetchTimeout,
		ScoringTimeout:    cfg.Routing.ScoringTimeout,
		ScoringRetries:    cfg.Routing.ScoringRetries,
		SafetyTimeout:     cfg.Routing.SafetyTimeout,
		DispatchTimeout:   cfg.Routing.DispatchTimeout,
		PersistTimeout:    cfg.Context.PersistTimeout,
		MaxPromptTokens:   cfg.Routing.MaxPromptTokens,
		MaxHistoryEntries: cfg.Routing.MaxHistoryEntries,
		RefreshTTLOnBlock: cfg.Routing.RefreshTTLOnBlock,
	}
}

func registerAgents(reg *multiagent.Registry, agents []config.AgentConfig) error {
	for _, a := range agents {
		var impl domain.Agent
		switch a.Type {
		case "http":
			impl = agent.NewHTTPAgent(a.ID, a.URL, a.HealthURL, a.Timeout)
		case "static":
			impl = agent.NewStaticAgent(a.Reply)
		default:
			return fmt.Errorf("agent %q: unsupported type %q", a.ID, a.Type)
		}
		desc := domain.AgentDescriptor{
			ID:          a.ID,
			Description: a.Description,
			Keywords:    a.Keywords,
			Agent:       impl,
		}
		if err := reg.Register(desc); err != nil {
			return fmt.Errorf("register agent %q: %w", a.ID, err)
		}
	}
	return nil
}

func breakerSettings(cb config.CircuitBreakerConfig) breaker.Settings {
	return breaker.Settings{
		MaxFailures: cb.MaxFailures,
		Timeout:     cb.Timeout,
		Interval:    cb.Interval,
	}
}

func buildScorer(cfg config.ScoringConfig, catalog scoring.Catalog, log *slog.Logger) (domain.ScoringProvider, error) {
	var scorer domain.ScoringProvider
	switch cfg.Provider {
	case "keyword":
		scorer = scoring.NewKeywordScorer(catalog)
	case "embedding":
		emb, err := buildEmbedder(cfg.Embedding)
		if err != nil {
			return nil, err
		}
		scorer = scoring.NewEmbeddingScorer(embedding.NewCachedEmbedder(emb, cfg.Embedding.CacheSize), catalog)
		log.Info("embedding scorer enabled", "provider", emb.Name(), "model", cfg.Embedding.Model)
	default:
		return nil, fmt.Errorf("unknown scoring provider %q", cfg.Provider)
	}

	if cfg.CircuitBreaker.Enabled {
		scorer = scoring.NewBreakerScorer(scorer, breakerSettings(cfg.CircuitBreaker), log)
	}
	return scorer, nil
}

func buildEmbedder(cfg config.EmbeddingConfig) (domain.EmbeddingProvider, error) {
	client := &http.Client{Timeout: cfg.Timeout}
	switch cfg.Provider {
	case "openai":
		opts := []embedding.OpenAIOption{embedding.WithOpenAIModel(cfg.Model), embedding.WithOpenAIClient(client)}
		if cfg.BaseURL != "" {
			opts = append(opts, embedding.WithOpenAIBaseURL(cfg.BaseURL))
		}
		return embedding.NewOpenAIProvider(cfg.APIKey, opts...), nil
	case "ollama":
		opts := []embedding.OllamaOption{embedding.WithOllamaModel(cfg.Model), embedding.WithOllamaClient(client)}
		if cfg.BaseURL != "" {
			opts = append(opts, embedding.WithOllamaBaseURL(cfg.BaseURL))
		}
		return embedding.NewOllamaProvider(opts...), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// buildSafety chains the builtin rules ahead of operator rules so a broken
// custom pattern set cannot mask the defaults.
func buildSafety(cfg config.SafetyConfig, log *slog.Logger) (domain.SafetyGate, error) {
	scanAfter := safety.WithScanAfter(routing.BoundaryMarker)

	var chain safety.Chain
	if cfg.UseBuiltinRules {
		chain = append(chain, safety.NewPatternGate(safety.BuiltinRules(), scanAfter))
	}
	if len(cfg.Rules) > 0 {
		custom := make([]safety.Rule, 0, len(cfg.Rules))
		for _, rc := range cfg.Rules {
			r, err := safety.NewRule(rc.Name, rc.Pattern, domain.ReasonCode(rc.Reason))
			if err != nil {
				return nil, fmt.Errorf("safety: %w", err)
			}
			custom = append(custom, r)
		}
		chain = append(chain, safety.NewPatternGate(custom, scanAfter))
	}
	if len(chain) == 0 {
		log.Warn("safety gate has no rules, every prompt will be allowed")
	}

	var gate domain.SafetyGate = chain
	if cfg.CircuitBreaker.Enabled {
		gate = safety.NewBreakerGate(gate, breakerSettings(cfg.CircuitBreaker), log)
	}
	return gate, nil
}

func (c *components) buildStore(ctx context.Context, cfg config.ContextConfig, log *slog.Logger) error {
	switch cfg.Store {
	case "none":
		log.Info("context store disabled")
		return nil
	case "memory":
		c.store = contextstore.NewMemoryStore(cfg.MemorySize, cfg.TTL)
		log.Info("context store: memory", "size", cfg.MemorySize, "ttl", cfg.TTL)
		return nil
	case "redis":
	default:
		return fmt.Errorf("unknown context store %q", cfg.Store)
	}

	opts := &goredis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	if cfg.Redis.SSL {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: cfg.Redis.Host}
	}
	rdb := &redisAdapter{client: goredis.NewClient(opts)}

	storeOpts := []contextstore.RedisOption{contextstore.WithKeyPrefix(cfg.Redis.KeyPrefix)}
	if cfg.Encryption.Enabled {
		enc, err := security.NewAESContentEncryptor(cfg.Encryption.Key)
		if err != nil {
			rdb.Close()
			return fmt.Errorf("context encryption: %w", err)
		}
		c.cleanups = append(c.cleanups, enc.Zeroize)
		storeOpts = append(storeOpts, contextstore.WithEncryptor(enc))
	}

	store := contextstore.NewRedisStore(rdb, storeOpts...)
	c.cleanups = append(c.cleanups, func() { _ = store.Close() })

	// An unreachable Redis at startup is not fatal: requests degrade to
	// running without history until it comes back.
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		log.Warn("redis unreachable at startup", "addr", cfg.Redis.Addr(), "error", err)
	}

	c.store, c.redis = store, store
	log.Info("context store: redis", "addr", cfg.Redis.Addr(), "db", cfg.Redis.DB,
		"ssl", cfg.Redis.SSL, "encrypted", cfg.Encryption.Enabled)
	return nil
}

func (c *components) buildAudit(cfg config.AuditConfig, log *slog.Logger) error {
	if !cfg.Enabled {
		c.audit = security.NopAuditLogger{}
		return nil
	}
	fa, err := security.NewFileAuditLogger(cfg.Path)
	if err != nil {
		return err
	}
	maxSize, err := security.ParseRetentionMaxSize(cfg.MaxSize)
	if err != nil {
		fa.Close()
		return fmt.Errorf("audit.max_size: %w", err)
	}
	fa.SetRetention(security.RetentionPolicy{MaxAge: cfg.MaxAge, MaxSize: maxSize})

	c.audit, c.fileAudit = fa, fa
	c.cleanups = append(c.cleanups, func() { _ = fa.Close() })
	log.Info("audit log enabled", "path", cfg.Path)
	return nil
}

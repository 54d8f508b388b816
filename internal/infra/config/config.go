package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Logger     LoggerConfig    `yaml:"logger"`
	Tracer     TracerConfig    `yaml:"tracer"`
	Routing    RoutingConfig   `yaml:"routing"`
	Context    ContextConfig   `yaml:"context"`
	Scoring    ScoringConfig   `yaml:"scoring"`
	Safety     SafetyConfig    `yaml:"safety"`
	Agents     []AgentConfig   `yaml:"agents"`
	AgentFiles []string        `yaml:"agent_files,omitempty"`
	Scheduler  SchedulerConfig `yaml:"scheduler"`
	Audit      AuditConfig     `yaml:"audit"`
}

// ServerConfig holds the HTTP ingress settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	RateLimit       float64       `yaml:"rate_limit"` // requests/sec, 0 = unlimited
	RateBurst       int           `yaml:"rate_burst"`
}

// RoutingConfig tunes the routing engine.
type RoutingConfig struct {
	TieEpsilon        float64       `yaml:"tie_epsilon"`
	ScoringTimeout    time.Duration `yaml:"scoring_timeout"`
	ScoringRetries    int           `yaml:"scoring_retries"`
	SafetyTimeout     time.Duration `yaml:"safety_timeout"`
	DispatchTimeout   time.Duration `yaml:"dispatch_timeout"`
	MaxPromptTokens   int           `yaml:"max_prompt_tokens"`
	MaxHistoryEntries int           `yaml:"max_history_entries"`
	RefreshTTLOnBlock bool          `yaml:"refresh_ttl_on_block"`
	TokenEncoding     string        `yaml:"token_encoding"` // tiktoken encoding, "" counts runes
}

// ContextConfig selects and configures the conversation context store.
type ContextConfig struct {
	Store          string           `yaml:"store"` // "memory", "redis", "none"
	TTL            time.Duration    `yaml:"ttl"`
	FetchTimeout   time.Duration    `yaml:"fetch_timeout"`
	PersistTimeout time.Duration    `yaml:"persist_timeout"`
	MemorySize     int              `yaml:"memory_size"`
	ExportDir      string           `yaml:"export_dir"` // context export/import files live here
	Redis          RedisConfig      `yaml:"redis"`
	Encryption     EncryptionConfig `yaml:"encryption"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	DB              int    `yaml:"db"`
	Password        string `yaml:"password,omitempty"`
	SSL             bool   `yaml:"ssl"`
	RequirePassword bool   `yaml:"require_password"`
	KeyPrefix       string `yaml:"key_prefix"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// EncryptionConfig holds at-rest encryption for stored context.
type EncryptionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Key     string `yaml:"key,omitempty"`
}

// MinEncryptionKeyLen is the minimum accepted length of the context encryption key.
const MinEncryptionKeyLen = 32

// ScoringConfig selects the scoring provider.
type ScoringConfig struct {
	Provider       string               `yaml:"provider"` // "keyword", "embedding"
	Embedding      EmbeddingConfig      `yaml:"embedding"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// EmbeddingConfig holds text embedding provider settings.
type EmbeddingConfig struct {
	Provider  string        `yaml:"provider"` // "openai", "ollama"
	BaseURL   string        `yaml:"base_url,omitempty"`
	Model     string        `yaml:"model"`
	APIKey    string        `yaml:"api_key,omitempty"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheSize int           `yaml:"cache_size"` // 0 disables caching
}

// CircuitBreakerConfig holds circuit breaker settings for remote providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// SafetyConfig holds the pre-dispatch safety gate rules.
type SafetyConfig struct {
	UseBuiltinRules bool                 `yaml:"use_builtin_rules"`
	Rules           []SafetyRuleConfig   `yaml:"rules,omitempty"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// SafetyRuleConfig is one regex rule mapped to a reason code.
type SafetyRuleConfig struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Reason  string `yaml:"reason"`
}

// AgentConfig declares one downstream agent.
type AgentConfig struct {
	ID          string        `yaml:"id"`
	Description string        `yaml:"description"`
	Keywords    []string      `yaml:"keywords,omitempty"`
	Type        string        `yaml:"type"` // "http", "static"
	URL         string        `yaml:"url,omitempty"`
	HealthURL   string        `yaml:"health_url,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	Reply       string        `yaml:"reply,omitempty"` // static agents only
}

// SchedulerConfig holds cron/scheduler settings.
type SchedulerConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Tasks   []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig defines a single scheduled task.
type ScheduledTaskConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
	Action   string `yaml:"action"`   // "stats_report", "health_probe", "audit_retention"
	OneShot  bool   `yaml:"one_shot,omitempty"`
}

// AuditConfig holds the audit trail for context access and blocked requests.
type AuditConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`
	MaxAge  time.Duration `yaml:"max_age,omitempty"`  // 0 keeps everything
	MaxSize string        `yaml:"max_size,omitempty"` // e.g. "100MB"
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"` // 0 or >= 1 samples everything
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    1 << 20,
			RateLimit:       50,
			RateBurst:       100,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter:    "noop",
			ServiceName: "medrouter",
		},
		Routing: RoutingConfig{
			TieEpsilon:        1e-6,
			ScoringTimeout:    2 * time.Second,
			ScoringRetries:    1,
			SafetyTimeout:     2 * time.Second,
			DispatchTimeout:   30 * time.Second,
			MaxPromptTokens:   4000,
			MaxHistoryEntries: 50,
			RefreshTTLOnBlock: true,
		},
		Context: ContextConfig{
			Store:          "memory",
			TTL:            86400 * time.Second,
			FetchTimeout:   500 * time.Millisecond,
			PersistTimeout: 500 * time.Millisecond,
			MemorySize:     10000,
			ExportDir:      "exports",
			Redis: RedisConfig{
				Host:      "localhost",
				Port:      6379,
				KeyPrefix: "context:",
			},
		},
		Scoring: ScoringConfig{
			Provider: "keyword",
			Embedding: EmbeddingConfig{
				Provider:  "openai",
				Model:     "text-embedding-3-small",
				Timeout:   10 * time.Second,
				CacheSize: 1024,
			},
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Safety: SafetyConfig{
			UseBuiltinRules: true,
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Audit: AuditConfig{
			Path:   "audit.jsonl",
			MaxAge: 90 * 24 * time.Hour,
		},
	}
}

// Load reads a YAML config file, merges agent catalog files, applies env var
// overrides, and decrypts secrets. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.AgentFiles) > 0 {
		if err := loadAgentFiles(cfg, filepath.Dir(absPath)); err != nil {
			return nil, err
		}
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("MEDROUTER_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps MEDROUTER_* env vars, and the bare REDIS_* and
// ENCRYPTION_KEY names used by existing deployments, to config fields.
// MEDROUTER_* wins when both are set.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MEDROUTER_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("MEDROUTER_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("MEDROUTER_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("MEDROUTER_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("MEDROUTER_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("MEDROUTER_SCORING_PROVIDER"); v != "" {
		cfg.Scoring.Provider = v
	}
	if v := os.Getenv("MEDROUTER_EMBEDDING_API_KEY"); v != "" {
		cfg.Scoring.Embedding.APIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.Scoring.Embedding.APIKey == "" {
		cfg.Scoring.Embedding.APIKey = v
	}
	if v := os.Getenv("MEDROUTER_CONTEXT_STORE"); v != "" {
		cfg.Context.Store = v
	}

	redis := &cfg.Context.Redis
	if v := firstEnv("MEDROUTER_REDIS_HOST", "REDIS_HOST"); v != "" {
		redis.Host = v
	}
	if v := firstEnv("MEDROUTER_REDIS_PORT", "REDIS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			redis.Port = n
		}
	}
	if v := firstEnv("MEDROUTER_REDIS_DB", "REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			redis.DB = n
		}
	}
	if v := firstEnv("MEDROUTER_REDIS_PASSWORD", "REDIS_PASSWORD"); v != "" {
		redis.Password = v
	}
	if v := firstEnv("MEDROUTER_REDIS_SSL", "REDIS_SSL"); v != "" {
		redis.SSL = strings.EqualFold(v, "true") || v == "1"
	}
	if v := firstEnv("MEDROUTER_CONTEXT_TTL", "REDIS_TTL"); v != "" {
		if d, ok := parseTTL(v); ok {
			cfg.Context.TTL = d
		}
	}
	if v := firstEnv("MEDROUTER_ENCRYPTION_KEY", "ENCRYPTION_KEY"); v != "" {
		cfg.Context.Encryption.Key = v
		cfg.Context.Encryption.Enabled = true
	}
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

// parseTTL accepts a Go duration ("12h") or a bare number of seconds ("86400").
func parseTTL(v string) (time.Duration, bool) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, true
	}
	d, err := time.ParseDuration(v)
	return d, err == nil
}

// decryptSecrets finds "enc:..." values in secret fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := []struct {
		name string
		val  *string
	}{
		{"context.redis.password", &cfg.Context.Redis.Password},
		{"context.encryption.key", &cfg.Context.Encryption.Key},
		{"scoring.embedding.api_key", &cfg.Scoring.Embedding.APIKey},
	}
	for _, s := range secrets {
		if !strings.HasPrefix(*s.val, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*s.val, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		*s.val = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result is hex(salt) + ":" + hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects group/world-writable config files. The file may
// hold Redis credentials and the context encryption key.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}

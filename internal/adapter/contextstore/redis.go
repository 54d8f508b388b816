// Package contextstore provides domain.ContextStore implementations.
package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"medrouter/internal/domain"
)

// ErrMiss is returned by a RedisClient when a key does not exist.
var ErrMiss = errors.New("key not found")

// DefaultKeyPrefix namespaces context keys: context:{user_id}.
const DefaultKeyPrefix = "context:"

// RedisClient abstracts the Redis operations needed by RedisStore, so a real
// go-redis client or a mock can be used interchangeably.
type RedisClient interface {
	// Get returns the value of key, or ErrMiss.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Del deletes keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// Close shuts down the client.
	Close() error
}

// RedisStore keeps one JSON document per user with a server-side TTL.
// When an encryptor is set the document is encrypted before it leaves the
// process; reads accept both encrypted and plaintext values so encryption
// can be switched on for a live store.
type RedisStore struct {
	client    RedisClient
	prefix    string
	encryptor domain.ContentEncryptor
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithEncryptor encrypts stored documents.
func WithEncryptor(enc domain.ContentEncryptor) RedisOption {
	return func(s *RedisStore) { s.encryptor = enc }
}

// NewRedisStore creates a store over client.
func NewRedisStore(client RedisClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: DefaultKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(userID string) string { return s.prefix + userID }

// Get implements domain.ContextStore.
func (s *RedisStore) Get(ctx context.Context, userID string) (*domain.ConversationContext, error) {
	raw, err := s.client.Get(ctx, s.key(userID))
	if errors.Is(err, ErrMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("RedisStore.Get", err)
	}

	if s.encryptor != nil {
		if raw, err = s.encryptor.Decrypt(raw); err != nil {
			return nil, unavailable("RedisStore.Get", err)
		}
	}

	var cc domain.ConversationContext
	if err := json.Unmarshal([]byte(raw), &cc); err != nil {
		return nil, unavailable("RedisStore.Get", fmt.Errorf("decode context: %w", err))
	}
	if cc.UserID == "" {
		cc.UserID = userID
	}
	return &cc, nil
}

// Set implements domain.ContextStore.
func (s *RedisStore) Set(ctx context.Context, userID string, cc *domain.ConversationContext, ttl time.Duration) error {
	data, err := json.Marshal(cc)
	if err != nil {
		return unavailable("RedisStore.Set", fmt.Errorf("encode context: %w", err))
	}
	value := string(data)
	if s.encryptor != nil {
		if value, err = s.encryptor.Encrypt(value); err != nil {
			return unavailable("RedisStore.Set", err)
		}
	}
	if err := s.client.Set(ctx, s.key(userID), value, ttl); err != nil {
		return unavailable("RedisStore.Set", err)
	}
	return nil
}

// Delete implements domain.ContextStore.
func (s *RedisStore) Delete(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.key(userID)); err != nil {
		return unavailable("RedisStore.Delete", err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx); err != nil {
		return unavailable("RedisStore.Ping", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error { return s.client.Close() }

func unavailable(op string, err error) error {
	return domain.NewDomainError(op, domain.ErrContextStoreUnavailable, err.Error())
}

var _ domain.ContextStore = (*RedisStore)(nil)

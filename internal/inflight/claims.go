// Package inflight tracks which council runs are currently executing so that a
// duplicate submission for the same request id can be rejected.
package inflight

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/util"
	"github.com/redis/go-redis/v9"
)

// DefaultClaimTTL bounds how long a claim survives when its run never
// releases it, for example after a crash.
const DefaultClaimTTL = 15 * time.Minute

// Common claim errors.
var (
	ErrAlreadyInFlight = errors.New("request already in flight")
	ErrClaimNotHeld    = errors.New("claim not held by caller")
)

// Claims marks request ids as in flight.
type Claims interface {
	// Claim takes the claim for key on behalf of owner. It returns
	// ErrAlreadyInFlight when another owner holds it.
	Claim(ctx context.Context, key, owner string, ttl time.Duration) error

	// Release drops the claim when owner still holds it.
	Release(ctx context.Context, key, owner string) error

	// InFlight reports whether any owner holds key.
	InFlight(ctx context.Context, key string) (bool, error)
}

// BackendType selects a Claims implementation.
type BackendType string

// Backend type constants.
const (
	BackendMemory BackendType = "memory"
	BackendRedis  BackendType = "redis"
)

// Config selects and configures the claims backend.
type Config struct {
	Backend  BackendType
	RedisURL string
}

// Store wraps a Claims implementation with the resources it owns.
type Store struct {
	Claims

	redisClient *redis.Client
}

// New creates the configured backend. A redis backend that cannot be reached
// falls back to memory with a warning; a single instance then still rejects
// its own duplicates.
func New(ctx context.Context, cfg Config) (*Store, error) {
	log := util.Log(ctx)

	if cfg.Backend != BackendRedis {
		log.Info("using in-memory in-flight claims")
		return &Store{Claims: NewMemoryClaims()}, nil
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("redis URL required when using redis backend")
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		log.WithError(pingErr).Warn("falling back to in-memory in-flight claims")
		return &Store{Claims: NewMemoryClaims()}, nil
	}

	log.Info("using Redis in-flight claims", "url", sanitizeRedisURL(cfg.RedisURL))
	return &Store{Claims: NewRedisClaims(client), redisClient: client}, nil
}

// Close closes any resources held by the store.
func (s *Store) Close() error {
	if s.redisClient != nil {
		return s.redisClient.Close()
	}
	return nil
}

// HealthCheck pings the backing server when there is one.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.redisClient != nil {
		if err := s.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis health check: %w", err)
		}
	}
	return nil
}

func sanitizeRedisURL(url string) string {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return "[invalid]"
	}
	if opts.Username != "" {
		return fmt.Sprintf("redis://%s@%s/%d", opts.Username, opts.Addr, opts.DB)
	}
	return fmt.Sprintf("redis://%s/%d", opts.Addr, opts.DB)
}

// MemoryClaims is an in-process Claims implementation.
type MemoryClaims struct {
	mu     sync.Mutex
	claims map[string]memoryClaim
	now    func() time.Time
}

type memoryClaim struct {
	owner     string
	expiresAt time.Time
}

// NewMemoryClaims creates an empty in-memory claim set.
func NewMemoryClaims() *MemoryClaims {
	return &MemoryClaims{
		claims: make(map[string]memoryClaim),
		now:    time.Now,
	}
}

// Claim implements Claims.
func (m *MemoryClaims) Claim(_ context.Context, key, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if c, ok := m.claims[key]; ok && now.Before(c.expiresAt) && c.owner != owner {
		return ErrAlreadyInFlight
	}
	m.claims[key] = memoryClaim{owner: owner, expiresAt: now.Add(ttl)}
	return nil
}

// Release implements Claims.
func (m *MemoryClaims) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.claims[key]
	if !ok || c.owner != owner || !m.now().Before(c.expiresAt) {
		return ErrClaimNotHeld
	}
	delete(m.claims, key)
	return nil
}

// InFlight implements Claims.
func (m *MemoryClaims) InFlight(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.claims[key]
	if !ok {
		return false, nil
	}
	if !m.now().Before(c.expiresAt) {
		delete(m.claims, key)
		return false, nil
	}
	return true, nil
}

package inflight

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const claimKeyPrefix = "inflight:"

var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// RedisClaims is a Redis-backed Claims implementation shared by every
// orchestrator instance.
type RedisClaims struct {
	client *redis.Client
}

// NewRedisClaims creates Redis-backed claims.
func NewRedisClaims(client *redis.Client) *RedisClaims {
	return &RedisClaims{client: client}
}

// Claim implements Claims.
func (r *RedisClaims) Claim(ctx context.Context, key, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	redisKey := claimKeyPrefix + key

	ok, err := r.client.SetNX(ctx, redisKey, owner, ttl).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}
	if ok {
		return nil
	}

	current, err := r.client.Get(ctx, redisKey).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET.
		return r.Claim(ctx, key, owner, ttl)
	}
	if err != nil {
		return fmt.Errorf("get owner: %w", err)
	}
	if current != owner {
		return ErrAlreadyInFlight
	}
	if expErr := r.client.PExpire(ctx, redisKey, ttl).Err(); expErr != nil {
		return fmt.Errorf("extend claim: %w", expErr)
	}
	return nil
}

// Release implements Claims.
func (r *RedisClaims) Release(ctx context.Context, key, owner string) error {
	result, err := releaseScript.Run(ctx, r.client, []string{claimKeyPrefix + key}, owner).Result()
	if err != nil {
		return fmt.Errorf("release script: %w", err)
	}
	count, ok := result.(int64)
	if !ok {
		return fmt.Errorf("unexpected result type: %T", result)
	}
	if count == 0 {
		return ErrClaimNotHeld
	}
	return nil
}

// InFlight implements Claims.
func (r *RedisClaims) InFlight(ctx context.Context, key string) (bool, error) {
	exists, err := r.client.Exists(ctx, claimKeyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return exists > 0, nil
}

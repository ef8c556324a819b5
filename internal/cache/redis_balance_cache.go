// Package cache provides the read-through balance cache backing the
// ledger's fast-path balance check.
package cache

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"tokenrail/internal/domain"
)

// RedisBalanceCache caches pessimistic settled balances in Redis.
// It is strictly advisory: a stale value is corrected by the conditional
// write's own precondition, never trusted for admission.
type RedisBalanceCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// DefaultTTL bounds how long a stale balance can linger when invalidation
// fails.
const DefaultTTL = 5 * time.Minute

// NewRedisBalanceCache creates a cache on an existing Redis client.
// A non-positive ttl falls back to DefaultTTL.
func NewRedisBalanceCache(client redis.UniversalClient, ttl time.Duration) *RedisBalanceCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisBalanceCache{client: client, ttl: ttl}
}

func balanceKey(key domain.LedgerKey) string {
	return fmt.Sprintf("balance:%s:%s", key.AccountAddress, key.AssetAddress)
}

// GetPessimistic returns the cached pessimistic balance for key.
// The second return value is false on a cache miss.
func (c *RedisBalanceCache) GetPessimistic(ctx context.Context, key domain.LedgerKey) (*big.Int, bool, error) {
	raw, err := c.client.Get(ctx, balanceKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get cached balance: %w", err)
	}

	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		// Corrupt entry; treat as a miss so the next write repopulates it.
		return nil, false, nil
	}
	return v, true, nil
}

// SetPessimistic stores the pessimistic balance for key.
func (c *RedisBalanceCache) SetPessimistic(ctx context.Context, key domain.LedgerKey, value *big.Int) error {
	if value == nil {
		return nil
	}
	if err := c.client.Set(ctx, balanceKey(key), value.String(), c.ttl).Err(); err != nil {
		return fmt.Errorf("set cached balance: %w", err)
	}
	return nil
}

// Invalidate drops the cached balance for key.
func (c *RedisBalanceCache) Invalidate(ctx context.Context, key domain.LedgerKey) error {
	if err := c.client.Del(ctx, balanceKey(key)).Err(); err != nil {
		return fmt.Errorf("invalidate cached balance: %w", err)
	}
	return nil
}

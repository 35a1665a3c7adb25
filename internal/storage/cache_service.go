package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/broker-aggregator/internal/models"
	"github.com/redis/go-redis/v9"
)

// CacheService provides the short-TTL portfolio snapshot cache. The cached
// snapshot is a latency optimization only; a miss or a Redis outage degrades
// to a fresh aggregation round, never to an error.
type CacheService struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewCacheService creates a new cache service
func NewCacheService(redis *RedisCache, ttl time.Duration) *CacheService {
	return &CacheService{
		redis: redis,
		ttl:   ttl,
	}
}

// TTL returns the configured snapshot TTL
func (c *CacheService) TTL() time.Duration {
	return c.ttl
}

// CacheKeyType represents different types of cache keys
type CacheKeyType string

const (
	// CacheKeyPortfolio is for consolidated portfolio snapshots
	CacheKeyPortfolio CacheKeyType = "portfolio"
)

// GenerateCacheKey generates a cache key for a given type and parameters
// Format: <type>:<param1>:<param2>:...
func (c *CacheService) GenerateCacheKey(keyType CacheKeyType, params ...string) string {
	parts := append([]string{string(keyType)}, params...)
	return strings.Join(parts, ":")
}

// GeneratePortfolioKey generates a cache key for a user's portfolio snapshot
// Format: portfolio:<user-id>
func (c *CacheService) GeneratePortfolioKey(userID string) string {
	return c.GenerateCacheKey(CacheKeyPortfolio, userID)
}

// PutSnapshot caches a portfolio snapshot under the configured TTL
func (c *CacheService) PutSnapshot(ctx context.Context, snapshot *models.PortfolioSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return c.redis.Set(ctx, c.GeneratePortfolioKey(snapshot.UserID), data, c.ttl)
}

// GetSnapshot retrieves a cached snapshot. The second return is false on a
// miss. A snapshot that Redis still holds but that is logically expired counts
// as a miss; Redis eviction timing is not the freshness guarantee.
func (c *CacheService) GetSnapshot(ctx context.Context, userID string) (*models.PortfolioSnapshot, bool, error) {
	data, err := c.redis.Get(ctx, c.GeneratePortfolioKey(userID))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var snapshot models.PortfolioSnapshot
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		// A corrupt entry behaves like a miss; the next round overwrites it.
		return nil, false, nil
	}

	if snapshot.Expired(time.Now()) {
		return nil, false, nil
	}

	return &snapshot, true, nil
}

// InvalidateSnapshot drops a user's cached snapshot. Called when a connection
// changes so the next read reflects the new connection set.
func (c *CacheService) InvalidateSnapshot(ctx context.Context, userID string) error {
	return c.redis.Del(ctx, c.GeneratePortfolioKey(userID))
}

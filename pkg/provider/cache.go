package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/liliang-cn/livingmemory/pkg/core"
	"github.com/liliang-cn/livingmemory/pkg/memory"
)

const cacheKeyPrefix = "livingmemory:embedding:"

// cacheCommands is the slice of the Redis API the cache needs. *redis.Client
// satisfies it; tests substitute a map-backed fake.
type cacheCommands interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// CachedEmbedder decorates an embedder with a Redis read-through cache keyed
// by content hash. Cache trouble only ever costs the saved call: reads and
// writes that fail are logged and the wrapped embedder is used directly.
type CachedEmbedder struct {
	inner  memory.Embedder
	cache  cacheCommands
	ttl    time.Duration
	logger core.Logger

	closer func() error
}

// NewCachedEmbedder wraps inner with a cache talking to the Redis instance
// at redisURL. A TTL of zero or less stores entries without expiry.
func NewCachedEmbedder(inner memory.Embedder, redisURL string, ttlSeconds int, logger core.Logger) (*CachedEmbedder, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, core.WrapError("provider.cache",
			fmt.Errorf("%w: invalid redis url: %v", core.ErrInvalidConfig, err))
	}
	client := redis.NewClient(opts)
	c := newCachedEmbedder(inner, client, ttlSeconds, logger)
	c.closer = client.Close
	return c, nil
}

func newCachedEmbedder(inner memory.Embedder, cache cacheCommands, ttlSeconds int, logger core.Logger) *CachedEmbedder {
	if logger == nil {
		logger = core.NopLogger()
	}
	var ttl time.Duration
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	return &CachedEmbedder{
		inner:  inner,
		cache:  cache,
		ttl:    ttl,
		logger: logger,
	}
}

// Embed returns the cached vector when present, otherwise embeds through the
// wrapped provider and stores the result.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)

	raw, err := c.cache.Get(ctx, key).Result()
	switch {
	case err == nil:
		var vec []float32
		if jerr := json.Unmarshal([]byte(raw), &vec); jerr == nil && len(vec) > 0 {
			return vec, nil
		}
		// Undecodable entry: fall through and overwrite it.
		c.logger.Warn("dropping corrupt embedding cache entry", "key", key)
	case errors.Is(err, redis.Nil):
		// miss
	default:
		c.logger.Warn("embedding cache read failed", "error", err)
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if raw, jerr := json.Marshal(vec); jerr == nil {
		if err := c.cache.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			c.logger.Warn("embedding cache write failed", "error", err)
		}
	}
	return vec, nil
}

// Close releases the underlying Redis connection, if this cache owns one.
func (c *CachedEmbedder) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisConfig contains Redis cache configuration
type RedisConfig struct {
	URL            string
	MaxConnections int
	MinIdleConns   int
	KeyPrefix      string
	TTL            time.Duration
}

// RedisCache shares engine results between gateway replicas
type RedisCache struct {
	client *redis.Client
	config RedisConfig
	logger *zap.Logger
	stats  counters
}

// NewRedisCache connects to Redis and verifies the connection
func NewRedisCache(config RedisConfig, logger *zap.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.PoolSize = config.MaxConnections
	opts.MinIdleConns = config.MinIdleConns

	rc := &RedisCache{
		client: redis.NewClient(opts),
		config: config,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rc.client.Ping(ctx).Err(); err != nil {
		rc.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Result cache connected to Redis",
		zap.String("redis_url", maskRedisURL(config.URL)),
		zap.Int("max_connections", config.MaxConnections),
		zap.Duration("ttl", config.TTL))

	return rc, nil
}

// Get looks up an entry. Redis failures are treated as misses.
func (rc *RedisCache) Get(ctx context.Context, key string) (*Entry, bool) {
	data, err := rc.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		rc.stats.miss()
		return nil, false
	} else if err != nil {
		rc.stats.miss()
		rc.logger.Warn("Cache lookup failed", zap.Error(err))
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		rc.stats.miss()
		rc.logger.Error("Failed to unmarshal cached result", zap.Error(err))
		// Delete corrupted cache entry
		rc.client.Del(ctx, key)
		return nil, false
	}

	rc.stats.hit()
	return &entry, true
}

// Set stores an entry with the configured TTL
func (rc *RedisCache) Set(ctx context.Context, key string, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal result for caching: %w", err)
	}

	if err := rc.client.Set(ctx, key, data, rc.config.TTL).Err(); err != nil {
		return fmt.Errorf("failed to cache result: %w", err)
	}
	return nil
}

// Stats returns hit and miss counts
func (rc *RedisCache) Stats() Stats {
	return rc.stats.snapshot()
}

// Clear removes every key under the configured prefix
func (rc *RedisCache) Clear(ctx context.Context) error {
	iter := rc.client.Scan(ctx, 0, rc.config.KeyPrefix+":*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}

	const batchSize = 100
	for i := 0; i < len(keys); i += batchSize {
		end := min(i+batchSize, len(keys))
		if err := rc.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	rc.logger.Info("Cache cleared", zap.Int("deleted_keys", len(keys)))
	return nil
}

// Close closes the Redis connection
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

// maskRedisURL hides the password in a Redis URL for logging
func maskRedisURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	scheme := strings.Index(url, "://")
	userInfo := url[scheme+3 : at]
	if colon := strings.Index(userInfo, ":"); colon >= 0 {
		return url[:scheme+3] + userInfo[:colon] + ":***" + url[at:]
	}
	return url
}

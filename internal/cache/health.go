// Package cache keeps the last diagnosis of every service in Redis so the
// API can answer health queries without probing again.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qiniu/zcp/internal/config"
	"github.com/qiniu/zcp/internal/verify"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	healthKeyPrefix  = "service_state:"
	DefaultHealthTTL = 24 * time.Hour
)

// NewRedisClientFromConfig returns nil when no address is configured.
func NewRedisClientFromConfig(c *config.RedisConfig) *redis.Client {
	if c == nil || c.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})
}

// HealthCache stores diagnoses keyed by hostname. A nil client turns every
// call into a no-op.
type HealthCache struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewHealthCache(rdb *redis.Client, ttl time.Duration) *HealthCache {
	if ttl <= 0 {
		ttl = DefaultHealthTTL
	}
	return &HealthCache{redis: rdb, ttl: ttl}
}

// Enabled reports whether a Redis client is attached.
func (c *HealthCache) Enabled() bool { return c != nil && c.redis != nil }

func healthKey(hostname string) string { return healthKeyPrefix + hostname }

// RecordDiagnosis implements verify.Recorder.
func (c *HealthCache) RecordDiagnosis(ctx context.Context, d *verify.Diagnosis) error {
	if !c.Enabled() {
		return nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal diagnosis: %w", err)
	}
	if err := c.redis.Set(ctx, healthKey(d.Hostname), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store diagnosis of %s: %w", d.Hostname, err)
	}
	log.Debug().Str("hostname", d.Hostname).Str("kind", string(d.Kind)).Dur("ttl", c.ttl).Msg("cached diagnosis")
	return nil
}

// Get returns the cached diagnosis, or nil when none is stored.
func (c *HealthCache) Get(ctx context.Context, hostname string) (*verify.Diagnosis, error) {
	if !c.Enabled() {
		return nil, nil
	}
	data, err := c.redis.Get(ctx, healthKey(hostname)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get diagnosis of %s: %w", hostname, err)
	}
	var d verify.Diagnosis
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal diagnosis of %s: %w", hostname, err)
	}
	return &d, nil
}

// Forget drops the cached diagnosis of hostname.
func (c *HealthCache) Forget(ctx context.Context, hostname string) error {
	if !c.Enabled() {
		return nil
	}
	return c.redis.Del(ctx, healthKey(hostname)).Err()
}

func (c *HealthCache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.redis.Close()
}

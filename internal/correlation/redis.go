package correlation

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	apperrors "trade-guardrails/internal/errors"
	"trade-guardrails/internal/models"
)

// NewRedisClient creates a client for the correlation feed.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     4,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// RedisMatrix serves correlations published by an upstream statistics job into a
// redis hash (field "crypto:stocks", value "0.42"). Lookups read an in-memory copy
// that Refresh replaces, so evaluation never waits on the network.
type RedisMatrix struct {
	client *redis.Client
	key    string
	cache  *StaticMatrix
	logger zerolog.Logger

	mu          sync.RWMutex
	lastRefresh time.Time
}

// NewRedisMatrix creates a provider reading hash key. fallback supplies values
// until the first successful refresh and may be nil.
func NewRedisMatrix(client *redis.Client, key string, fallback *StaticMatrix, logger zerolog.Logger) *RedisMatrix {
	cache := &StaticMatrix{values: make(map[string]float64)}
	if fallback != nil {
		fallback.mu.RLock()
		for k, v := range fallback.values {
			cache.values[k] = v
		}
		fallback.mu.RUnlock()
	}
	return &RedisMatrix{
		client: client,
		key:    key,
		cache:  cache,
		logger: logger.With().Str("component", "correlation").Str("redis_key", key).Logger(),
	}
}

// Correlation implements Provider.
func (r *RedisMatrix) Correlation(a, b models.AssetClass) float64 {
	return r.cache.Correlation(a, b)
}

// LastRefresh returns when the cache was last replaced.
func (r *RedisMatrix) LastRefresh() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRefresh
}

// Refresh loads the hash and replaces the cache. Malformed fields are skipped.
func (r *RedisMatrix) Refresh(ctx context.Context) error {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrCorrelationFeed, "hgetall %s: %v", r.key, err)
	}
	if len(fields) == 0 {
		return apperrors.Wrapf(apperrors.ErrCorrelationFeed, "hash %s is empty", r.key)
	}

	values := make(map[string]float64, len(fields))
	for field, raw := range fields {
		a, b, err := ParsePairKey(field)
		if err != nil {
			r.logger.Warn().Err(err).Str("field", field).Msg("Skipping correlation field")
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			r.logger.Warn().Err(err).Str("field", field).Str("value", raw).Msg("Skipping correlation value")
			continue
		}
		values[PairKey(a, b)] = Clamp(v)
	}

	r.cache.replace(values)
	r.mu.Lock()
	r.lastRefresh = time.Now()
	r.mu.Unlock()

	r.logger.Debug().Int("pairs", len(values)).Msg("Correlation matrix refreshed")
	return nil
}

// Run refreshes every interval until ctx is done.
func (r *RedisMatrix) Run(ctx context.Context, interval time.Duration) {
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Initial correlation refresh failed, using fallback values")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("Correlation refresh failed, keeping previous values")
			}
		}
	}
}

// Close closes the redis client.
func (r *RedisMatrix) Close() error {
	return r.client.Close()
}

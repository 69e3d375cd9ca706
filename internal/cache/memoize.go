package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kiranshivaraju/amrhunter/internal/logging"
	"github.com/kiranshivaraju/amrhunter/internal/metrics"
)

// Memoize returns the cached value at key, or calls fn and caches its result
// for ttl. Cache failures never fail the read: a Get error falls through to
// fn and a Set error is only logged. Errors from fn are returned unchanged
// and nothing is cached for them. A nil Cache always calls fn.
func Memoize[T any](ctx context.Context, c Cache, log *zap.Logger, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if c == nil {
		return fn(ctx)
	}
	log = logging.OrNop(log)
	label := metricLabel(key)

	raw, found, err := c.Get(ctx, key)
	switch {
	case err != nil:
		metrics.CacheRequests.WithLabelValues(label, "error").Inc()
		log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	case found:
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			metrics.CacheRequests.WithLabelValues(label, "hit").Inc()
			return v, nil
		}
		log.Warn("discarding undecodable cache entry", zap.String("key", key))
		_ = c.Delete(ctx, key)
		metrics.CacheRequests.WithLabelValues(label, "miss").Inc()
	default:
		metrics.CacheRequests.WithLabelValues(label, "miss").Inc()
	}

	v, err := fn(ctx)
	if err != nil {
		return v, err
	}

	raw, err = json.Marshal(v)
	if err != nil {
		log.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return v, nil
	}
	if err := c.Set(ctx, key, raw, ttl); err != nil {
		log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return v, nil
}

// metricLabel keeps the metric cardinality bounded: "ann:<job>:type:cds"
// is reported as "ann:type".
func metricLabel(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) >= 3 {
		return parts[0] + ":" + parts[2]
	}
	return parts[0]
}

package market

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"coinbeat/internal/metrics"
)

// CachedSource memoises coin metrics for a TTL so a monitor cycle fetches each coin once.
type CachedSource struct {
	next    Source
	cache   *gocache.Cache
	metrics *metrics.Metrics
}

// NewCachedSource wraps next with a TTL cache. m may be nil.
func NewCachedSource(next Source, ttl time.Duration, m *metrics.Metrics) *CachedSource {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedSource{
		next:    next,
		cache:   gocache.New(ttl, 2*ttl),
		metrics: m,
	}
}

// CoinMetrics returns the cached document or fetches it. Errors are not cached.
func (c *CachedSource) CoinMetrics(ctx context.Context, coinID string) (CoinMetrics, error) {
	if v, ok := c.cache.Get(coinID); ok {
		c.metrics.ObserveFeedCache(true)
		return v.(CoinMetrics), nil
	}
	c.metrics.ObserveFeedCache(false)

	doc, err := c.next.CoinMetrics(ctx, coinID)
	if err != nil {
		return CoinMetrics{}, err
	}
	c.cache.SetDefault(coinID, doc)
	return doc, nil
}

// Flush drops every cached document.
func (c *CachedSource) Flush() {
	c.cache.Flush()
}

var _ Source = (*CachedSource)(nil)

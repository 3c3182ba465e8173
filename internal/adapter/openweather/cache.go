package openweather

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/couchcryptid/wildfire-risk-service/internal/domain"
)

// Provider is the lookup the cache decorates. *Client satisfies it.
type Provider interface {
	Conditions(ctx context.Context, at domain.Coordinates) (domain.Conditions, error)
}

// CachedProvider wraps a Provider with a small in-memory LRU. Readings are
// keyed by coordinates rounded to two decimals and expire after ttl.
type CachedProvider struct {
	inner Provider
	cache *expirable.LRU[string, domain.Conditions]
}

// NewCachedProvider creates a cache decorator around a conditions provider.
func NewCachedProvider(inner Provider, maxEntries int, ttl time.Duration) *CachedProvider {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &CachedProvider{
		inner: inner,
		cache: expirable.NewLRU[string, domain.Conditions](maxEntries, nil, ttl),
	}
}

func (c *CachedProvider) Conditions(ctx context.Context, at domain.Coordinates) (domain.Conditions, error) {
	key := cacheKey(at)
	if cond, ok := c.cache.Get(key); ok {
		return cond, nil
	}
	cond, err := c.inner.Conditions(ctx, at)
	if err != nil {
		return cond, err
	}
	// Partial readings are not kept so a recovered air-quality endpoint is
	// picked up on the next request.
	if cond.AirQuality != nil {
		c.cache.Add(key, cond)
	}
	return cond, nil
}

func cacheKey(at domain.Coordinates) string {
	return fmt.Sprintf("%.2f,%.2f", at.Lat, at.Lng)
}

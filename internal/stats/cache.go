package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/Yiling-J/theine-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/hlmrf/hlmrf/internal/build"
	"github.com/hlmrf/hlmrf/pkg/queryrewriter"
)

const defaultMaxCacheSize = 1000

var cacheLookupCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "table_stats_cache_lookups_total",
	Help:      "The total number of table statistics cache lookups.",
}, []string{"result"})

type CachingProviderOption func(*CachingProvider)

func WithMaxCacheSize(size int64) CachingProviderOption {
	return func(c *CachingProvider) {
		c.maxSize = size
	}
}

// WithCacheTTL expires entries after ttl. Zero keeps entries until evicted.
func WithCacheTTL(ttl time.Duration) CachingProviderOption {
	return func(c *CachingProvider) {
		c.ttl = ttl
	}
}

// CachingProvider memoizes table statistics per predicate. Concurrent misses
// for the same predicate share one upstream call.
type CachingProvider struct {
	delegate queryrewriter.StatsProvider
	maxSize  int64
	ttl      time.Duration

	cache *theine.Cache[string, *queryrewriter.TableStats]
	group singleflight.Group
}

var _ queryrewriter.StatsProvider = (*CachingProvider)(nil)

func NewCachingProvider(delegate queryrewriter.StatsProvider, opts ...CachingProviderOption) (*CachingProvider, error) {
	c := &CachingProvider{
		delegate: delegate,
		maxSize:  defaultMaxCacheSize,
	}

	for _, opt := range opts {
		opt(c)
	}

	cache, err := theine.NewBuilder[string, *queryrewriter.TableStats](c.maxSize).Build()
	if err != nil {
		return nil, fmt.Errorf("build table stats cache: %w", err)
	}
	c.cache = cache

	return c, nil
}

// TableStats implements queryrewriter.StatsProvider.
func (c *CachingProvider) TableStats(ctx context.Context, predicate string) (*queryrewriter.TableStats, error) {
	if stats, ok := c.cache.Get(predicate); ok {
		cacheLookupCounter.WithLabelValues("hit").Inc()
		return stats, nil
	}
	cacheLookupCounter.WithLabelValues("miss").Inc()

	v, err, _ := c.group.Do(predicate, func() (interface{}, error) {
		stats, err := c.delegate.TableStats(ctx, predicate)
		if err != nil {
			return nil, err
		}

		if c.ttl > 0 {
			c.cache.SetWithTTL(predicate, stats, 1, c.ttl)
		} else {
			c.cache.Set(predicate, stats, 1)
		}
		return stats, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*queryrewriter.TableStats), nil
}

// Invalidate drops the cached statistics of predicate.
func (c *CachingProvider) Invalidate(predicate string) {
	c.cache.Delete(predicate)
}

func (c *CachingProvider) Close() {
	c.cache.Close()
}

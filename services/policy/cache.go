package policy

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "policy_cache_hits_total"})
	cacheMiss = promauto.NewCounter(prometheus.CounterOpts{Name: "policy_cache_miss_total"})
)

const defaultCacheSize = 256

type entry struct {
	policy   *Policy // nil when the key has no active version
	loadedAt time.Time
}

type cache struct {
	items *lru.Cache
	ttl   time.Duration
}

func newCache(size int, ttl time.Duration) *cache {
	items, err := lru.New(size)
	if err != nil {
		items, _ = lru.New(defaultCacheSize)
	}
	return &cache{items: items, ttl: ttl}
}

func (c *cache) get(key string) (entry, bool) {
	v, ok := c.items.Get(key)
	if !ok {
		cacheMiss.Inc()
		return entry{}, false
	}
	e := v.(entry)
	if c.ttl > 0 && time.Since(e.loadedAt) > c.ttl {
		c.items.Remove(key)
		cacheMiss.Inc()
		return entry{}, false
	}
	cacheHits.Inc()
	return e, true
}

func (c *cache) set(key string, p *Policy) {
	c.items.Add(key, entry{policy: p, loadedAt: time.Now()})
}

func (c *cache) invalidate(key string) {
	c.items.Remove(key)
}

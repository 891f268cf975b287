package kernel

import (
	"sort"
	"strings"
	"sync"

	"github.com/R3E-Network/service_kernel/internal/cache"
	"github.com/R3E-Network/service_kernel/internal/cache/memory"
	"github.com/R3E-Network/service_kernel/internal/cache/pgseries"
	"github.com/R3E-Network/service_kernel/internal/cache/rediscache"
	"github.com/R3E-Network/service_kernel/internal/mq"
	"github.com/R3E-Network/service_kernel/internal/mq/adapter"
	"github.com/R3E-Network/service_kernel/internal/mq/rocketmq"
)

// Catalog maps backend type names to factories. Type names are matched
// case-insensitively.
type Catalog struct {
	mu     sync.RWMutex
	caches map[string]cache.Factory
	queues map[string]mq.Factory
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		caches: make(map[string]cache.Factory),
		queues: make(map[string]mq.Factory),
	}
}

// DefaultCatalog returns a catalog holding every built-in backend.
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	c.RegisterCache(memory.TypeCache, memory.CacheFactory)
	c.RegisterCache(memory.TypeSeries, memory.SeriesFactory)
	c.RegisterCache(rediscache.TypeCache, rediscache.CacheFactory)
	c.RegisterCache(rediscache.TypeSeries, rediscache.SeriesFactory)
	c.RegisterCache(pgseries.Type, pgseries.Factory)
	c.RegisterMQ(adapter.Type, adapter.Factory)
	c.RegisterMQ(rocketmq.Type, rocketmq.Factory)
	return c
}

func normalizeType(typ string) string { return strings.ToLower(strings.TrimSpace(typ)) }

func (c *Catalog) RegisterCache(typ string, f cache.Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caches[normalizeType(typ)] = f
}

func (c *Catalog) RegisterMQ(typ string, f mq.Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[normalizeType(typ)] = f
}

func (c *Catalog) CacheFactory(typ string) (cache.Factory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.caches[normalizeType(typ)]
	return f, ok
}

func (c *Catalog) MQFactory(typ string) (mq.Factory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.queues[normalizeType(typ)]
	return f, ok
}

// Types lists the registered cache and queue types, sorted.
func (c *Catalog) Types() (caches, queues []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for t := range c.caches {
		caches = append(caches, t)
	}
	for t := range c.queues {
		queues = append(queues, t)
	}
	sort.Strings(caches)
	sort.Strings(queues)
	return caches, queues
}

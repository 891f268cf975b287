// Package memory provides the in-process cache backends: the shared memory
// cache ("SMC") and the in-memory time-series cache ("SMTS").
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/R3E-Network/service_kernel/internal/cache"
	"github.com/R3E-Network/service_kernel/internal/resource"
)

const (
	TypeCache  = "SMC"
	TypeSeries = "SMTS"
)

// Cache is a map-backed Cache. Data survives Stop/Start but not the process.
type Cache struct {
	*resource.Base
	*cache.Executor

	mu      sync.RWMutex
	data    map[cache.Key]cache.Value
	started atomic.Bool
}

// NewCache creates an unconfigured shared memory cache.
func NewCache(name string) *Cache {
	c := &Cache{
		Base: resource.NewBase(name, TypeCache),
		data: make(map[cache.Key]cache.Value),
	}
	c.Executor = cache.NewExecutor(name, c)
	return c
}

// CacheFactory is the kernel catalog entry for "SMC".
func CacheFactory(name string) resource.Backend { return NewCache(name) }

func (c *Cache) Start(context.Context) error {
	c.started.Store(true)
	return nil
}

func (c *Cache) Stop(context.Context) error {
	c.started.Store(false)
	return nil
}

func (c *Cache) Load(_ context.Context, key cache.Key) (cache.Value, bool, error) {
	if !c.started.Load() {
		return cache.Value{}, false, cache.ErrNotStarted
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *Cache) Store(_ context.Context, key cache.Key, value cache.Value) error {
	if !c.started.Load() {
		return cache.ErrNotStarted
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *Cache) Delete(_ context.Context, key cache.Key) error {
	if !c.started.Load() {
		return cache.ErrNotStarted
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Series is a map-of-sorted-slices TimeSeriesCache.
type Series struct {
	*resource.Base

	mu      sync.RWMutex
	series  map[cache.Key][]cache.Value
	started atomic.Bool
	now     func() time.Time
}

// NewSeries creates an unconfigured in-memory time-series cache.
func NewSeries(name string) *Series {
	return &Series{
		Base:   resource.NewBase(name, TypeSeries),
		series: make(map[cache.Key][]cache.Value),
		now:    time.Now,
	}
}

// SeriesFactory is the kernel catalog entry for "SMTS".
func SeriesFactory(name string) resource.Backend { return NewSeries(name) }

func (s *Series) Start(context.Context) error {
	s.started.Store(true)
	return nil
}

func (s *Series) Stop(context.Context) error {
	s.started.Store(false)
	return nil
}

func (s *Series) Add(_ context.Context, key cache.Key, value cache.Value) (cache.Value, error) {
	if !s.started.Load() {
		return cache.Value{}, cache.ErrNotStarted
	}
	if value.Timestamp == 0 {
		value.Timestamp = s.now().UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.series[key]
	// insert after any value with an equal timestamp so ties keep arrival order
	i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp > value.Timestamp })
	list = append(list, cache.Value{})
	copy(list[i+1:], list[i:])
	list[i] = value
	s.series[key] = list
	return value, nil
}

func (s *Series) Query(_ context.Context, key cache.Key, begin, end int64) ([]cache.Value, error) {
	if !s.started.Load() {
		return nil, cache.ErrNotStarted
	}
	if end < begin {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.series[key]
	lo := sort.Search(len(list), func(i int) bool { return list[i].Timestamp >= begin })
	hi := sort.Search(len(list), func(i int) bool { return list[i].Timestamp > end })
	if lo >= hi {
		return nil, nil
	}
	out := make([]cache.Value, hi-lo)
	copy(out, list[lo:hi])
	return out, nil
}

func (s *Series) Delete(_ context.Context, key cache.Key, before int64) (int, error) {
	if !s.started.Load() {
		return 0, cache.ErrNotStarted
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.series[key]
	n := sort.Search(len(list), func(i int) bool { return list[i].Timestamp > before })
	if n == 0 {
		return 0, nil
	}
	if n == len(list) {
		delete(s.series, key)
		return n, nil
	}
	rest := make([]cache.Value, len(list)-n)
	copy(rest, list[n:])
	s.series[key] = rest
	return n, nil
}

var (
	_ cache.Backend       = (*Cache)(nil)
	_ cache.SeriesBackend = (*Series)(nil)
)

package module

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/service_kernel/internal/cache"
	"github.com/R3E-Network/service_kernel/internal/cache/memory"
	"github.com/R3E-Network/service_kernel/internal/mq"
	"github.com/R3E-Network/service_kernel/internal/mq/adapter"
)

type stubKernel struct {
	caches map[string]cache.Cache
	series map[string]cache.TimeSeriesCache
	queues map[string]mq.MessageQueue
}

func (k *stubKernel) NodeName() string     { return "node-1" }
func (k *stubKernel) Module(string) Module { return nil }

func (k *stubKernel) Cache(name string) cache.Cache {
	if c, ok := k.caches[name]; ok {
		return c
	}
	return nil
}

func (k *stubKernel) TimeSeriesCache(name string) cache.TimeSeriesCache {
	if c, ok := k.series[name]; ok {
		return c
	}
	return nil
}

func (k *stubKernel) MQ(name string) mq.MessageQueue {
	if q, ok := k.queues[name]; ok {
		return q
	}
	return nil
}

func TestBaseLifecycle(t *testing.T) {
	b := NewBase("m1")
	assert.Equal(t, "m1", b.Name())
	assert.False(t, b.IsStarted())
	require.NoError(t, b.Start(context.Background()))
	assert.True(t, b.IsStarted())
	require.NoError(t, b.Stop(context.Background()))
	assert.False(t, b.IsStarted())

	b.SetStarted(true)
	assert.True(t, b.IsStarted())
}

func TestBaseWithoutKernel(t *testing.T) {
	b := NewBase("m1")
	assert.Nil(t, b.Kernel())
	assert.Nil(t, b.Cache("c"))
	assert.Nil(t, b.TimeSeriesCache("s"))
	assert.Nil(t, b.MQ("q"))
	assert.Nil(t, b.PluginSystem())

	_, err := b.Notify(context.Background(), "ping")
	assert.ErrorIs(t, err, ErrNoKernel)
}

func TestBaseDelegatesToKernel(t *testing.T) {
	c := memory.NewCache("c")
	s := memory.NewSeries("s")
	q := adapter.New("q")
	k := &stubKernel{
		caches: map[string]cache.Cache{"c": c},
		series: map[string]cache.TimeSeriesCache{"s": s},
		queues: map[string]mq.MessageQueue{"q": q},
	}

	b := NewBase("m1")
	b.SetKernel(k)
	assert.Same(t, k, b.Kernel())
	assert.Same(t, c, b.Cache("c"))
	assert.Same(t, s, b.TimeSeriesCache("s"))
	assert.Same(t, q, b.MQ("q"))
	assert.Nil(t, b.Cache("missing"))

	// Lookups are not cached: swapping the kernel's entry is visible.
	c2 := memory.NewCache("c")
	k.caches["c"] = c2
	assert.Same(t, c2, b.Cache("c"))

	out, err := b.Notify(context.Background(), "ping")
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.NoError(t, b.OnTick(context.Background(), k))
}

func TestBaseWithPlugins(t *testing.T) {
	b := NewBaseWithPlugins("auth")
	require.NotNil(t, b.PluginSystem())
}

var _ Module = (*Base)(nil)

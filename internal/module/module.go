// Package module defines the contract of a unit of business logic hosted by
// the kernel.
package module

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/R3E-Network/service_kernel/internal/cache"
	"github.com/R3E-Network/service_kernel/internal/mq"
	"github.com/R3E-Network/service_kernel/internal/plugin"
)

// ErrNoKernel is returned by Base.Notify before the kernel is bound.
var ErrNoKernel = errors.New("module: kernel not bound")

// Kernel is the view of the kernel a module is given. Lookups return nil
// when nothing is installed under the name.
type Kernel interface {
	NodeName() string
	Cache(name string) cache.Cache
	TimeSeriesCache(name string) cache.TimeSeriesCache
	MQ(name string) mq.MessageQueue
	Module(name string) Module
}

// Module is a unit of business logic. The kernel binds itself with SetKernel
// and then calls Start during startup, ticks the module from the maintenance
// daemon and calls Stop during shutdown or uninstall.
//
// OnTick is never called concurrently with itself for the same module but
// runs concurrently with other modules' ticks.
type Module interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsStarted() bool

	// PluginSystem returns the module's plugin system, or nil.
	PluginSystem() *plugin.System

	SetKernel(k Kernel)
	Kernel() Kernel
	Cache(name string) cache.Cache
	TimeSeriesCache(name string) cache.TimeSeriesCache
	MQ(name string) mq.MessageQueue

	OnTick(ctx context.Context, k Kernel) error
	// Notify delivers an out-of-band notification routed by the kernel.
	Notify(ctx context.Context, data any) (any, error)
}

// Entry pairs a module with the name it is installed under.
type Entry struct {
	Name   string
	Module Module
}

// Base supplies the kernel back-reference, the started flag and resource
// delegation. Concrete modules embed *Base and override what they need.
type Base struct {
	name    string
	mu      sync.RWMutex
	kernel  Kernel
	started atomic.Bool
	plugins *plugin.System
}

// NewBase returns a Base without a plugin system.
func NewBase(name string) *Base { return &Base{name: name} }

// NewBaseWithPlugins returns a Base owning a fresh plugin system.
func NewBaseWithPlugins(name string) *Base {
	return &Base{name: name, plugins: plugin.NewSystem(name)}
}

func (b *Base) Name() string { return b.name }

func (b *Base) Start(context.Context) error {
	b.started.Store(true)
	return nil
}

func (b *Base) Stop(context.Context) error {
	b.started.Store(false)
	return nil
}

func (b *Base) IsStarted() bool { return b.started.Load() }

// SetStarted lets modules with their own Start and Stop keep the flag.
func (b *Base) SetStarted(v bool) { b.started.Store(v) }

func (b *Base) PluginSystem() *plugin.System { return b.plugins }

func (b *Base) SetKernel(k Kernel) {
	b.mu.Lock()
	b.kernel = k
	b.mu.Unlock()
}

func (b *Base) Kernel() Kernel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.kernel
}

func (b *Base) Cache(name string) cache.Cache {
	if k := b.Kernel(); k != nil {
		return k.Cache(name)
	}
	return nil
}

func (b *Base) TimeSeriesCache(name string) cache.TimeSeriesCache {
	if k := b.Kernel(); k != nil {
		return k.TimeSeriesCache(name)
	}
	return nil
}

func (b *Base) MQ(name string) mq.MessageQueue {
	if k := b.Kernel(); k != nil {
		return k.MQ(name)
	}
	return nil
}

func (b *Base) OnTick(context.Context, Kernel) error { return nil }

func (b *Base) Notify(context.Context, any) (any, error) {
	if b.Kernel() == nil {
		return nil, ErrNoKernel
	}
	return nil, nil
}

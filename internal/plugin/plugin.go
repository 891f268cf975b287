// Package plugin implements per-module plugin systems and the loader that
// activates plugins listed in a deployment descriptor.
//
// Plugins are compiled in. A bundle of plugin factories is registered at
// init time with RegisterBundle, and the descriptor only selects which
// factories to instantiate and which hook of which module they attach to.
package plugin

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/service_kernel/pkg/logger"
)

// Context carries hook data to a plugin launch.
type Context struct {
	Hook string
	Data map[string]any
}

// HookResult aggregates what the plugins of one hook returned.
type HookResult struct {
	Values []any
	Errors []error
}

// Add merges o into r.
func (r *HookResult) Add(o *HookResult) {
	if o == nil {
		return
	}
	r.Values = append(r.Values, o.Values...)
	r.Errors = append(r.Errors, o.Errors...)
}

// Err joins the collected errors.
func (r *HookResult) Err() error { return errors.Join(r.Errors...) }

// Plugin is attached to a hook of a module's plugin system. Plugins are
// compared with ==, so implementations should be pointer types.
type Plugin interface {
	Setup(ctx context.Context) error
	Teardown(ctx context.Context) error
	Launch(ctx context.Context, pctx *Context) *HookResult
}

// Hook is a named extension point. Applying a hook launches every plugin
// registered under its key in the owning system.
type Hook struct {
	key string

	mu     sync.RWMutex
	system *System
}

func NewHook(key string) *Hook { return &Hook{key: key} }

func (h *Hook) Key() string { return h.key }

// System returns the owning plugin system, or nil when detached.
func (h *Hook) System() *System {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.system
}

// Apply launches the hook's plugins. A detached hook returns an empty result.
func (h *Hook) Apply(ctx context.Context, data map[string]any) *HookResult {
	sys := h.System()
	if sys == nil {
		return &HookResult{}
	}
	return sys.Apply(ctx, h.key, &Context{Hook: h.key, Data: data})
}

func (h *Hook) attach(s *System) {
	h.mu.Lock()
	h.system = s
	h.mu.Unlock()
}

// System holds the hooks and plugins of one module.
type System struct {
	mu      sync.RWMutex
	hooks   map[string]*Hook
	plugins map[string][]Plugin

	pending sync.WaitGroup
	log     *logrus.Entry
}

// NewSystem creates an empty plugin system owned by the named module.
func NewSystem(owner string) *System {
	return &System{
		hooks:   make(map[string]*Hook),
		plugins: make(map[string][]Plugin),
		log:     logger.NewDefault("plugin").WithField("module", owner),
	}
}

func (s *System) AddHook(h *Hook) {
	s.mu.Lock()
	s.hooks[h.key] = h
	s.mu.Unlock()
	h.attach(s)
}

func (s *System) RemoveHook(h *Hook) {
	s.mu.Lock()
	if s.hooks[h.key] == h {
		delete(s.hooks, h.key)
	}
	s.mu.Unlock()
	h.attach(nil)
}

// Hook returns the hook registered under key, or nil.
func (s *System) Hook(key string) *Hook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hooks[key]
}

// Register attaches p to key and runs its Setup in the background. A plugin
// already registered under key is ignored and Register reports false.
func (s *System) Register(key string, p Plugin) bool {
	s.mu.Lock()
	for _, existing := range s.plugins[key] {
		if existing == p {
			s.mu.Unlock()
			return false
		}
	}
	s.plugins[key] = append(s.plugins[key], p)
	s.mu.Unlock()

	s.async(key, "setup", p.Setup)
	return true
}

// Deregister detaches p from key and runs its Teardown in the background.
func (s *System) Deregister(key string, p Plugin) bool {
	s.mu.Lock()
	list := s.plugins[key]
	idx := -1
	for i, existing := range list {
		if existing == p {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	list = append(list[:idx:idx], list[idx+1:]...)
	if len(list) == 0 {
		delete(s.plugins, key)
	} else {
		s.plugins[key] = list
	}
	s.mu.Unlock()

	s.async(key, "teardown", p.Teardown)
	return true
}

// Apply launches every plugin registered under key in registration order
// and aggregates their results.
func (s *System) Apply(ctx context.Context, key string, pctx *Context) *HookResult {
	s.mu.RLock()
	list := append([]Plugin(nil), s.plugins[key]...)
	s.mu.RUnlock()

	result := &HookResult{}
	for _, p := range list {
		result.Add(p.Launch(ctx, pctx))
	}
	return result
}

// Plugins returns every registered plugin.
func (s *System) Plugins() []Plugin {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Plugin
	for _, list := range s.plugins {
		out = append(out, list...)
	}
	return out
}

// Count reports the number of plugins registered under key.
func (s *System) Count(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.plugins[key])
}

// TeardownAll removes every plugin and tears each one down synchronously.
func (s *System) TeardownAll(ctx context.Context) {
	s.pending.Wait()

	s.mu.Lock()
	all := s.plugins
	s.plugins = make(map[string][]Plugin)
	s.mu.Unlock()

	for key, list := range all {
		for _, p := range list {
			if err := p.Teardown(ctx); err != nil {
				s.log.WithError(err).WithField("hook", key).Warn("plugin teardown failed")
			}
		}
	}
}

// Wait blocks until background Setup and Teardown calls have returned.
func (s *System) Wait() { s.pending.Wait() }

func (s *System) async(key, phase string, fn func(context.Context) error) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.WithField("hook", key).WithField("panic", r).Errorf("plugin %s panicked", phase)
			}
		}()
		if err := fn(context.Background()); err != nil {
			s.log.WithError(err).WithField("hook", key).Warnf("plugin %s failed", phase)
		}
	}()
}

// Package kernel is the service container. It installs caches, time-series
// caches, message queues and modules by name, starts and stops them in
// dependency order, brokers lookups for modules, and owns the maintenance
// daemon and the plugin loader.
//
// Nothing here is fatal: a rejected install returns nil and a backend that
// fails to start stays registered with status failed until an operator
// restarts it.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/service_kernel/internal/cache"
	"github.com/R3E-Network/service_kernel/internal/daemon"
	"github.com/R3E-Network/service_kernel/internal/engine/bridge"
	"github.com/R3E-Network/service_kernel/internal/engine/events"
	"github.com/R3E-Network/service_kernel/internal/engine/metrics"
	"github.com/R3E-Network/service_kernel/internal/engine/recovery"
	"github.com/R3E-Network/service_kernel/internal/engine/state"
	"github.com/R3E-Network/service_kernel/internal/module"
	"github.com/R3E-Network/service_kernel/internal/mq"
	"github.com/R3E-Network/service_kernel/internal/plugin"
	"github.com/R3E-Network/service_kernel/internal/resource"
	"github.com/R3E-Network/service_kernel/internal/transport"
	"github.com/R3E-Network/service_kernel/pkg/logger"
)

var (
	ErrStarted        = errors.New("kernel already started")
	ErrNotStarted     = errors.New("kernel not started")
	ErrModuleNotFound = errors.New("module not found")
	ErrModuleUnbound  = errors.New("module installed after startup is not bound")
)

// Registry prefixes of resource ids.
const (
	PrefixCache  = "cache"
	PrefixMQ     = "mq"
	PrefixModule = "module"
)

// ResourceID qualifies name with its registry, e.g. "cache/sessions".
func ResourceID(prefix, name string) string { return prefix + "/" + name }

// Config holds the kernel's own settings.
type Config struct {
	NodeName string `yaml:"node_name" env:"KERNEL_NODE_NAME"`
	// DrainTimeout bounds how long Shutdown waits for running ticks.
	DrainTimeout time.Duration   `yaml:"drain_timeout" env:"KERNEL_DRAIN_TIMEOUT"`
	Daemon       daemon.Config   `yaml:"daemon"`
	Recovery     recovery.Config `yaml:"recovery"`
	PluginPaths  []string        `yaml:"plugin_paths"`
}

// DefaultConfig returns the kernel defaults.
func DefaultConfig() Config {
	return Config{
		DrainTimeout: 30 * time.Second,
		Daemon:       daemon.DefaultConfig(),
		Recovery:     recovery.DefaultConfig(),
		PluginPaths:  plugin.DefaultPaths,
	}
}

type backendEntry struct {
	backend resource.Backend
	tracker *bridge.Tracker
}

type moduleEntry struct {
	module  module.Module
	tracker *bridge.Tracker
	bound   atomic.Bool
}

// Kernel is the service container. Construct one per process with New.
type Kernel struct {
	cfg      Config
	catalog  *Catalog
	rt       *bridge.Runtime
	liveness transport.Liveness
	log      *logrus.Entry
	bundles  func(string) (plugin.Bundle, bool)

	caches  *Registry[*backendEntry]
	queues  *Registry[*backendEntry]
	modules *Registry[*moduleEntry]

	// lifecycle serializes Startup, Shutdown and Restart. It is never
	// taken by installs or lookups.
	lifecycle sync.Mutex

	mu       sync.Mutex
	nodeName string
	started  bool
	stopping bool
	daemon   *daemon.Daemon
	plugins  *plugin.Loader
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithConfig replaces the kernel configuration.
func WithConfig(cfg Config) Option {
	return func(k *Kernel) { k.cfg = cfg }
}

// WithCatalog replaces the backend catalog.
func WithCatalog(c *Catalog) Option {
	return func(k *Kernel) { k.catalog = c }
}

// WithCacheBackend adds a cache backend type to the catalog.
func WithCacheBackend(typ string, f cache.Factory) Option {
	return func(k *Kernel) { k.catalog.RegisterCache(typ, f) }
}

// WithMQBackend adds a message queue backend type to the catalog.
func WithMQBackend(typ string, f mq.Factory) Option {
	return func(k *Kernel) { k.catalog.RegisterMQ(typ, f) }
}

// WithRuntime sets the event log, metrics collector and recovery manager.
func WithRuntime(rt *bridge.Runtime) Option {
	return func(k *Kernel) { k.rt = rt }
}

// WithLiveness gives the daemon the transport to reconcile.
func WithLiveness(l transport.Liveness) Option {
	return func(k *Kernel) { k.liveness = l }
}

// WithPluginPaths sets the plugin descriptor search path.
func WithPluginPaths(paths ...string) Option {
	return func(k *Kernel) { k.cfg.PluginPaths = paths }
}

// WithBundleLookup replaces the global plugin bundle registry.
func WithBundleLookup(fn func(string) (plugin.Bundle, bool)) Option {
	return func(k *Kernel) { k.bundles = fn }
}

// WithLogger sets the kernel's logger.
func WithLogger(log *logrus.Entry) Option {
	return func(k *Kernel) { k.log = log }
}

// New creates a kernel with the default catalog unless options say
// otherwise. Catalog options apply in order, so WithCatalog must precede
// WithCacheBackend and WithMQBackend.
func New(opts ...Option) *Kernel {
	k := &Kernel{
		cfg:     DefaultConfig(),
		catalog: DefaultCatalog(),
		log:     logrus.NewEntry(logger.NewDefault("kernel").Logger),
		caches:  NewRegistry[*backendEntry](),
		queues:  NewRegistry[*backendEntry](),
		modules: NewRegistry[*moduleEntry](),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.rt == nil {
		k.rt = bridge.NewNoOpRuntime()
	}
	k.rt.Recovery.SetDefaultConfig(k.cfg.Recovery)
	k.nodeName = k.cfg.NodeName
	if k.nodeName == "" {
		k.nodeName = uuid.NewString()
	}
	if len(k.cfg.PluginPaths) == 0 {
		k.cfg.PluginPaths = plugin.DefaultPaths
	}
	k.daemon = k.newDaemon()
	popts := []plugin.LoaderOption{
		plugin.WithPaths(k.cfg.PluginPaths...),
		plugin.WithEventLogger(k.rt.Events),
		plugin.WithMetricsCollector(k.rt.Metrics),
	}
	if k.bundles != nil {
		popts = append(popts, plugin.WithBundleLookup(k.bundles))
	}
	k.plugins = plugin.NewLoader(pluginHost{k}, popts...)
	return k
}

func (k *Kernel) newDaemon() *daemon.Daemon {
	opts := []daemon.Option{
		daemon.WithEventLogger(k.rt.Events),
		daemon.WithMetricsCollector(k.rt.Metrics),
	}
	if k.liveness != nil {
		opts = append(opts, daemon.WithLiveness(k.liveness))
	}
	return daemon.New(k, k.cfg.Daemon, opts...)
}

// NodeName returns the kernel's node name.
func (k *Kernel) NodeName() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.nodeName
}

// SetNodeName overrides the node name. It fails once the kernel is started.
func (k *Kernel) SetNodeName(name string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return ErrStarted
	}
	k.nodeName = name
	return nil
}

// IsStarted reports whether Startup has run and Shutdown has not.
func (k *Kernel) IsStarted() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.started
}

// InstallCache creates, configures and registers a cache or time-series
// cache from a JSON document carrying a "type" field. A started kernel also
// starts it. Any configuration problem is logged and yields nil.
func (k *Kernel) InstallCache(ctx context.Context, name string, config []byte) resource.Backend {
	return k.install(ctx, PrefixCache, name, config)
}

// InstallMQ is InstallCache for message queues.
func (k *Kernel) InstallMQ(ctx context.Context, name string, config []byte) resource.Backend {
	return k.install(ctx, PrefixMQ, name, config)
}

func (k *Kernel) install(ctx context.Context, prefix, name string, config []byte) resource.Backend {
	id := ResourceID(prefix, name)
	log := k.log.WithField("resource", id)

	typ, ok := resource.TypeOf(config)
	if !ok {
		k.reject(log, id, prefix, "missing or malformed type", nil)
		return nil
	}
	log = log.WithField("type", typ)

	var b resource.Backend
	var kind state.Kind
	switch prefix {
	case PrefixCache:
		f, ok := k.catalog.CacheFactory(typ)
		if !ok {
			k.reject(log, id, prefix, "unknown type", nil)
			return nil
		}
		b = f(name)
		switch b.(type) {
		case cache.Backend:
			kind = state.KindCache
		case cache.SeriesBackend:
			kind = state.KindTimeSeries
		default:
			k.reject(log, id, prefix, "backend implements no cache contract", nil)
			return nil
		}
	case PrefixMQ:
		f, ok := k.catalog.MQFactory(typ)
		if !ok {
			k.reject(log, id, prefix, "unknown type", nil)
			return nil
		}
		b = f(name)
		if _, ok := b.(mq.Backend); !ok {
			k.reject(log, id, prefix, "backend implements no queue contract", nil)
			return nil
		}
		kind = state.KindQueue
	}

	if err := b.Configure(config); err != nil {
		k.reject(log, id, prefix, "configure failed", err)
		return nil
	}
	if in, ok := b.(resource.Instrumented); ok {
		in.SetMetrics(k.rt.Metrics)
	}

	reg := k.caches
	if prefix == PrefixMQ {
		reg = k.queues
	}

	k.mu.Lock()
	started := k.started
	k.rt.Untrack(id)
	e := &backendEntry{backend: b, tracker: k.rt.Track(id, kind, b.Type(), b.Start, b.Stop)}
	prev, replaced := reg.Put(name, e)
	k.mu.Unlock()
	if replaced {
		k.retire(ctx, prev.tracker)
	}

	k.rt.Events.Log(events.Event{Type: events.EventResourceInstalled, Resource: id, Kind: kind, Status: state.StatusRegistered,
		Metadata: map[string]string{"type": b.Type()}})
	log.Info("installed")

	if started {
		k.start(ctx, e.tracker)
	}
	return b
}

func (k *Kernel) reject(log *logrus.Entry, id, prefix, reason string, err error) {
	k.rt.Metrics.RecordInstallRejected(prefix, reason)
	ev := events.Event{Type: events.EventResourceRejected, Severity: events.SeverityWarning, Resource: id, Message: reason}
	if err != nil {
		ev.Error = err.Error()
		log = log.WithError(err)
	}
	k.rt.Events.Log(ev)
	log.Warn("install rejected: " + reason)
}

// retire stops a replaced or removed resource. Its restart state must
// already be dropped.
func (k *Kernel) retire(ctx context.Context, t *bridge.Tracker) {
	k.stop(ctx, t)
	k.rt.Events.Log(events.Event{Type: events.EventResourceUninstalled, Resource: t.Name(), Kind: t.Kind()})
}

// UninstallCache removes and stops the named cache. Absent names are ignored.
func (k *Kernel) UninstallCache(ctx context.Context, name string) {
	k.uninstall(ctx, k.caches, PrefixCache, name)
}

// UninstallMQ removes and stops the named queue. Absent names are ignored.
func (k *Kernel) UninstallMQ(ctx context.Context, name string) {
	k.uninstall(ctx, k.queues, PrefixMQ, name)
}

func (k *Kernel) uninstall(ctx context.Context, reg *Registry[*backendEntry], prefix, name string) {
	k.mu.Lock()
	e, ok := reg.Remove(name)
	if ok {
		k.rt.Untrack(ResourceID(prefix, name))
	}
	k.mu.Unlock()
	if ok {
		k.retire(ctx, e.tracker)
	}
}

// InstallModule registers m under name. It neither binds nor starts the
// module; Startup does both. A module installed after Startup stays
// unbound and stopped until the kernel is started again.
func (k *Kernel) InstallModule(ctx context.Context, name string, m module.Module) {
	if isNil(m) {
		k.log.WithField("module", name).Warn("install rejected: nil module")
		return
	}
	id := ResourceID(PrefixModule, name)
	k.mu.Lock()
	k.rt.Untrack(id)
	t := k.rt.Track(id, state.KindModule, fmt.Sprintf("%T", m), m.Start, m.Stop)
	prev, replaced := k.modules.Put(name, &moduleEntry{module: m, tracker: t})
	k.mu.Unlock()
	if replaced {
		k.retire(ctx, prev.tracker)
	}

	k.rt.Events.Log(events.Event{Type: events.EventResourceInstalled, Resource: id, Kind: state.KindModule, Status: state.StatusRegistered})
	k.log.WithField("module", name).Info("module installed")
}

// UninstallModule removes and stops the named module.
func (k *Kernel) UninstallModule(ctx context.Context, name string) {
	k.mu.Lock()
	e, ok := k.modules.Remove(name)
	if ok {
		k.rt.Untrack(ResourceID(PrefixModule, name))
	}
	k.mu.Unlock()
	if ok {
		k.retire(ctx, e.tracker)
	}
}

func (k *Kernel) start(ctx context.Context, t *bridge.Tracker) {
	if err := t.Start(ctx); err != nil {
		k.log.WithError(err).WithField("resource", t.Name()).Error("start failed")
	}
}

func (k *Kernel) stop(ctx context.Context, t *bridge.Tracker) {
	if err := t.Stop(ctx); err != nil {
		k.log.WithError(err).WithField("resource", t.Name()).Error("stop failed")
	}
}

// Startup starts every cache, then every queue, binds the kernel to every
// module, starts every module, activates plugins and finally starts the
// maintenance daemon. Calling it on a started kernel does nothing.
func (k *Kernel) Startup(ctx context.Context) {
	k.lifecycle.Lock()
	defer k.lifecycle.Unlock()

	k.mu.Lock()
	if k.started {
		k.mu.Unlock()
		k.log.Warn("startup ignored: kernel already started")
		return
	}
	k.started = true
	if k.daemon.State() == daemon.StateTerminated {
		k.daemon = k.newDaemon()
	}
	d := k.daemon
	k.mu.Unlock()

	begin := time.Now()
	k.rt.Events.Log(events.Event{Type: events.EventKernelStarting, Resource: k.NodeName()})

	for _, it := range k.caches.Snapshot() {
		k.start(ctx, it.Value.tracker)
	}
	for _, it := range k.queues.Snapshot() {
		k.start(ctx, it.Value.tracker)
	}
	mods := k.modules.Snapshot()
	for _, it := range mods {
		it.Value.module.SetKernel(k)
		it.Value.bound.Store(true)
	}
	for _, it := range mods {
		k.start(ctx, it.Value.tracker)
	}
	_ = k.plugins.Start(ctx)
	if err := d.Start(ctx); err != nil {
		k.log.WithError(err).Error("daemon start failed")
	}

	k.rt.Events.Log(events.Event{Type: events.EventKernelStarted, Resource: k.NodeName(), Duration: time.Since(begin)})
	k.log.WithFields(logrus.Fields{
		"node":    k.NodeName(),
		"caches":  k.caches.Len(),
		"queues":  k.queues.Len(),
		"modules": len(mods),
	}).Info("kernel started")
}

// Shutdown mirrors Startup: plugins are torn down, the daemon is terminated
// and drained for at most DrainTimeout, then modules, queues and caches are
// stopped in reverse install order. It does nothing unless started.
func (k *Kernel) Shutdown(ctx context.Context) {
	k.lifecycle.Lock()
	defer k.lifecycle.Unlock()

	k.mu.Lock()
	if !k.started || k.stopping {
		k.mu.Unlock()
		return
	}
	k.stopping = true
	d := k.daemon
	k.mu.Unlock()

	begin := time.Now()
	k.rt.Events.Log(events.Event{Type: events.EventKernelStopping, Resource: k.NodeName()})

	_ = k.plugins.Stop(ctx)

	d.Terminate()
	drainCtx := ctx
	if k.cfg.DrainTimeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, k.cfg.DrainTimeout)
		defer cancel()
	}
	if err := d.Wait(drainCtx); err != nil {
		k.log.WithError(err).Warn("ticks still running at shutdown")
	}

	for _, it := range k.modules.Reversed() {
		k.stop(ctx, it.Value.tracker)
	}
	for _, it := range k.queues.Reversed() {
		k.stop(ctx, it.Value.tracker)
	}
	for _, it := range k.caches.Reversed() {
		k.stop(ctx, it.Value.tracker)
	}

	k.mu.Lock()
	k.started = false
	k.stopping = false
	k.mu.Unlock()

	k.rt.Events.Log(events.Event{Type: events.EventKernelStopped, Resource: k.NodeName(), Duration: time.Since(begin)})
	k.log.Info("kernel stopped")
}

// Cache returns the named key/value cache, or nil.
func (k *Kernel) Cache(name string) cache.Cache {
	if e, ok := k.caches.Get(name); ok {
		if c, ok := e.backend.(cache.Cache); ok {
			return c
		}
	}
	return nil
}

// TimeSeriesCache returns the named time-series cache, or nil.
func (k *Kernel) TimeSeriesCache(name string) cache.TimeSeriesCache {
	if e, ok := k.caches.Get(name); ok {
		if c, ok := e.backend.(cache.TimeSeriesCache); ok {
			return c
		}
	}
	return nil
}

// MQ returns the named message queue, or nil.
func (k *Kernel) MQ(name string) mq.MessageQueue {
	if e, ok := k.queues.Get(name); ok {
		if q, ok := e.backend.(mq.MessageQueue); ok {
			return q
		}
	}
	return nil
}

// Module returns the named module, or nil.
func (k *Kernel) Module(name string) module.Module {
	if e, ok := k.modules.Get(name); ok {
		return e.module
	}
	return nil
}

// HasModule reports whether a module is installed under name.
func (k *Kernel) HasModule(name string) bool {
	_, ok := k.modules.Get(name)
	return ok
}

// Modules returns a snapshot of the installed modules in install order.
func (k *Kernel) Modules() []module.Entry {
	items := k.modules.Snapshot()
	out := make([]module.Entry, 0, len(items))
	for _, it := range items {
		out = append(out, module.Entry{Name: it.Name, Module: it.Value.module})
	}
	return out
}

// NotifyModule routes data to the named module's Notify.
func (k *Kernel) NotifyModule(ctx context.Context, name string, data any) (any, error) {
	m := k.Module(name)
	if m == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrModuleNotFound)
	}
	return m.Notify(ctx, data)
}

// Status returns the health of every installed resource: caches, then
// queues, then modules, each in install order.
func (k *Kernel) Status() []state.Health {
	var out []state.Health
	for _, it := range k.caches.Snapshot() {
		out = append(out, it.Value.tracker.Health())
	}
	for _, it := range k.queues.Snapshot() {
		out = append(out, it.Value.tracker.Health())
	}
	for _, it := range k.modules.Snapshot() {
		out = append(out, it.Value.tracker.Health())
	}
	return out
}

// Events returns the kernel event log.
func (k *Kernel) Events() events.EventLogger { return k.rt.Events }

// Metrics returns the collector resources record into.
func (k *Kernel) Metrics() metrics.MetricsCollector { return k.rt.Metrics }

// Restart stops and starts a resource by id ("cache/name", "mq/name" or
// "module/name") under the recovery policy. The kernel never restarts
// anything on its own. A stopped kernel refuses with ErrNotStarted and a
// module installed after Startup refuses with ErrModuleUnbound. Restart
// waits for a running Startup or Shutdown, so lifecycle callbacks must not
// call it.
func (k *Kernel) Restart(ctx context.Context, id string) error {
	k.lifecycle.Lock()
	defer k.lifecycle.Unlock()

	if !k.IsStarted() {
		return fmt.Errorf("restart %s: %w", id, ErrNotStarted)
	}
	if name, ok := strings.CutPrefix(id, PrefixModule+"/"); ok {
		if e, ok := k.modules.Get(name); ok && !e.bound.Load() {
			return fmt.Errorf("restart %s: %w", id, ErrModuleUnbound)
		}
	}
	return k.rt.Recovery.Restart(ctx, id)
}

// Daemon returns the current maintenance daemon.
func (k *Kernel) Daemon() *daemon.Daemon {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.daemon
}

// Plugins returns the plugin loader.
func (k *Kernel) Plugins() *plugin.Loader { return k.plugins }

// Catalog returns the backend catalog.
func (k *Kernel) Catalog() *Catalog { return k.catalog }

// pluginHost exposes module plugin systems to the loader.
type pluginHost struct{ k *Kernel }

func (h pluginHost) PluginSystem(name string) (*plugin.System, bool) {
	m := h.k.Module(name)
	if m == nil {
		return nil, false
	}
	return m.PluginSystem(), true
}

func (h pluginHost) PluginSystems() []*plugin.System {
	var out []*plugin.System
	for _, e := range h.k.Modules() {
		if sys := e.Module.PluginSystem(); sys != nil {
			out = append(out, sys)
		}
	}
	return out
}

var (
	_ module.Kernel = (*Kernel)(nil)
	_ daemon.Host   = (*Kernel)(nil)
	_ plugin.Host   = pluginHost{}
)

// isNil catches typed nil pointers hidden in an interface.
func isNil(m module.Module) bool {
	if m == nil {
		return true
	}
	v := reflect.ValueOf(m)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

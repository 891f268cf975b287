package plugin

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/service_kernel/internal/engine/events"
	"github.com/R3E-Network/service_kernel/internal/engine/metrics"
	"github.com/R3E-Network/service_kernel/pkg/logger"
)

// DefaultPaths are searched in order for the deployment descriptor.
var DefaultPaths = []string{"config/plugin.json", "plugin.json"}

// Host resolves modules to their plugin systems.
type Host interface {
	// PluginSystem returns the plugin system of the named module. exists is
	// false when no such module is installed; sys is nil when the module
	// has no plugin system.
	PluginSystem(module string) (sys *System, exists bool)
	// PluginSystems returns the plugin system of every installed module
	// that has one.
	PluginSystems() []*System
}

// Activation records one plugin the loader registered.
type Activation struct {
	Module string `json:"module"`
	Bundle string `json:"bundle"`
	Hook   string `json:"hook"`
	Class  string `json:"class"`
}

// Loader reads the deployment descriptor on Start and tears every plugin
// down on Stop. It never fails: unreadable or malformed input degrades to
// fewer plugins.
type Loader struct {
	host    Host
	paths   []string
	lookup  func(string) (Bundle, bool)
	events  events.EventLogger
	metrics metrics.MetricsCollector
	log     *logrus.Entry

	mu        sync.Mutex
	started   bool
	activated []Activation
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithPaths overrides the descriptor search paths.
func WithPaths(paths ...string) LoaderOption {
	return func(l *Loader) { l.paths = paths }
}

func WithEventLogger(el events.EventLogger) LoaderOption {
	return func(l *Loader) { l.events = el }
}

func WithMetricsCollector(mc metrics.MetricsCollector) LoaderOption {
	return func(l *Loader) { l.metrics = mc }
}

// WithBundleLookup replaces the global bundle registry.
func WithBundleLookup(fn func(string) (Bundle, bool)) LoaderOption {
	return func(l *Loader) { l.lookup = fn }
}

func NewLoader(host Host, opts ...LoaderOption) *Loader {
	l := &Loader{
		host:    host,
		paths:   DefaultPaths,
		lookup:  LookupBundle,
		events:  events.NoOpLogger{},
		metrics: metrics.NewNoOpCollector(),
		log:     logrus.NewEntry(logger.NewDefault("plugin-loader").Logger),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start activates the plugins named by the descriptor. The returned error is
// always nil.
func (l *Loader) Start(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}
	l.started = true
	l.activated = nil

	data, path, err := l.read()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			l.log.Debug("no plugin descriptor")
		} else {
			l.log.WithError(err).Warn("read plugin descriptor")
		}
		return nil
	}
	log := l.log.WithField("path", path)
	if !gjson.ValidBytes(data) {
		log.Warn("malformed plugin descriptor, no plugins loaded")
		return nil
	}

	deploy := gjson.GetBytes(data, "deploy")
	if !deploy.IsArray() {
		log.Warn("plugin descriptor has no deploy list")
		return nil
	}
	counts := make(map[string]int)
	deploy.ForEach(func(idx, entry gjson.Result) bool {
		l.deploy(log.WithField("entry", idx.Int()), entry, counts)
		return true
	})
	for module, n := range counts {
		l.metrics.RecordPlugins(module, n)
	}
	log.WithField("plugins", len(l.activated)).Info("plugin descriptor applied")
	return nil
}

func (l *Loader) deploy(log *logrus.Entry, entry gjson.Result, counts map[string]int) {
	module := entry.Get("module")
	file := entry.Get("file")
	if module.Type != gjson.String || module.Str == "" || file.Type != gjson.String || file.Str == "" {
		l.skip(log, "", "entry needs module and file")
		return
	}
	log = log.WithField("module", module.Str).WithField("bundle", file.Str)

	bundle, ok := l.lookup(file.Str)
	if !ok {
		l.skip(log, module.Str, "bundle not registered")
		return
	}
	sys, exists := l.host.PluginSystem(module.Str)
	if !exists {
		l.skip(log, module.Str, "module not installed")
		return
	}
	if sys == nil {
		l.skip(log, module.Str, "module has no plugin system")
		return
	}

	entry.Get("plugins").ForEach(func(_, p gjson.Result) bool {
		hook, class := p.Get("hook").String(), p.Get("class").String()
		plog := log.WithField("hook", hook).WithField("class", class)
		if hook == "" || class == "" {
			l.skip(plog, module.Str, "plugin needs hook and class")
			return true
		}
		factory, ok := bundle[class]
		if !ok {
			l.skip(plog, module.Str, "class not in bundle")
			return true
		}
		if !sys.Register(hook, factory()) {
			return true
		}
		l.activated = append(l.activated, Activation{Module: module.Str, Bundle: file.Str, Hook: hook, Class: class})
		counts[module.Str]++
		l.events.Log(events.Event{
			Type:     events.EventPluginActivated,
			Resource: module.Str,
			Message:  "plugin registered",
			Metadata: map[string]string{"hook": hook, "class": class, "bundle": file.Str},
		})
		plog.Info("plugin registered")
		return true
	})
}

func (l *Loader) skip(log *logrus.Entry, module, reason string) {
	log.Warn("plugin entry skipped: " + reason)
	l.events.Log(events.Event{
		Type:     events.EventPluginSkipped,
		Severity: events.SeverityWarning,
		Resource: module,
		Message:  reason,
	})
}

func (l *Loader) read() ([]byte, string, error) {
	for _, path := range l.paths {
		data, err := os.ReadFile(path)
		if err == nil {
			return data, path, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, path, err
		}
	}
	return nil, "", fs.ErrNotExist
}

// Stop tears down every plugin of every module. It is a no-op unless Start
// ran.
func (l *Loader) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return nil
	}
	l.started = false
	for _, sys := range l.host.PluginSystems() {
		sys.TeardownAll(ctx)
	}
	l.log.WithField("plugins", len(l.activated)).Info("plugins torn down")
	return nil
}

// Activations returns the plugins registered by the last Start.
func (l *Loader) Activations() []Activation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Activation(nil), l.activated...)
}

// Package resource defines the lifecycle contract shared by every backend the
// kernel installs, whether it is a cache, a time-series cache or a message
// queue.
package resource

import (
	"context"
	"errors"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/service_kernel/internal/engine/metrics"
)

var (
	// ErrAlreadyConfigured is returned when Configure is called twice.
	ErrAlreadyConfigured = errors.New("backend already configured")
	// ErrInvalidConfig is returned for a configuration document that is not
	// a JSON object.
	ErrInvalidConfig = errors.New("backend configuration must be a JSON object")
)

// Backend is a named, configurable, startable resource. The kernel calls
// Configure exactly once, then Start and Stop in registry order.
type Backend interface {
	Name() string
	Type() string
	Config() []byte
	Configure(config []byte) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Instrumented is implemented by backends that report metrics. The kernel
// passes its collector to such a backend before starting it.
type Instrumented interface {
	SetMetrics(mc metrics.MetricsCollector)
}

// Base stores name, type and configuration and enforces configure-once.
// Backends embed *Base and implement Start and Stop.
type Base struct {
	mu         sync.RWMutex
	name       string
	typ        string
	config     []byte
	configured bool
}

// NewBase returns a Base for the named backend of the given type.
func NewBase(name, typ string) *Base {
	return &Base{name: name, typ: typ}
}

func (b *Base) Name() string { return b.name }
func (b *Base) Type() string { return b.typ }

// Config returns a copy of the configuration document.
func (b *Base) Config() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]byte(nil), b.config...)
}

// Configure validates and stores the configuration document.
func (b *Base) Configure(config []byte) error {
	if !gjson.ValidBytes(config) || !gjson.ParseBytes(config).IsObject() {
		return ErrInvalidConfig
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.configured {
		return ErrAlreadyConfigured
	}
	b.config = append([]byte(nil), config...)
	b.configured = true
	return nil
}

// Configured reports whether Configure has succeeded.
func (b *Base) Configured() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.configured
}

// Field reads a field of the stored configuration with a gjson path.
func (b *Base) Field(path string) gjson.Result {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return gjson.GetBytes(b.config, path)
}

// TypeOf extracts the "type" field of a configuration document. ok is false
// when the document is malformed or the field is missing or blank.
func TypeOf(config []byte) (typ string, ok bool) {
	if !gjson.ValidBytes(config) {
		return "", false
	}
	doc := gjson.ParseBytes(config)
	if !doc.IsObject() {
		return "", false
	}
	t := doc.Get("type")
	if t.Type != gjson.String || t.Str == "" {
		return "", false
	}
	return t.Str, true
}

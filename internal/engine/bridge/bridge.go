// Package bridge connects kernel resources to the engine runtime. Every cache,
// queue and module the kernel installs is wrapped in a Tracker that validates
// lifecycle transitions, emits events, records metrics and makes the resource
// restartable by an operator.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/service_kernel/internal/engine/events"
	enginemetrics "github.com/R3E-Network/service_kernel/internal/engine/metrics"
	"github.com/R3E-Network/service_kernel/internal/engine/recovery"
	"github.com/R3E-Network/service_kernel/internal/engine/state"
)

var (
	// ErrInProgress is returned while another caller is starting or
	// stopping the same resource.
	ErrInProgress = errors.New("lifecycle operation in progress")
	ErrPanic      = errors.New("lifecycle callback panicked")
)

// Tracker owns the lifecycle bookkeeping of one named resource.
type Tracker struct {
	mu sync.RWMutex

	name string
	kind state.Kind
	typ  string

	status    state.Status
	lastError error
	since     time.Time
	startedAt time.Time
	stoppedAt time.Time
	restarts  int

	startFn func(context.Context) error
	stopFn  func(context.Context) error

	events  events.EventLogger
	metrics enginemetrics.MetricsCollector
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStartFunc sets the start callback.
func WithStartFunc(fn func(context.Context) error) Option {
	return func(t *Tracker) { t.startFn = fn }
}

// WithStopFunc sets the stop callback.
func WithStopFunc(fn func(context.Context) error) Option {
	return func(t *Tracker) { t.stopFn = fn }
}

// WithType records the backend type, e.g. "SMC" or "rocketmq".
func WithType(typ string) Option {
	return func(t *Tracker) { t.typ = typ }
}

// WithEventLogger sets the event logger.
func WithEventLogger(el events.EventLogger) Option {
	return func(t *Tracker) {
		if el != nil {
			t.events = el
		}
	}
}

// WithMetricsCollector sets the metrics collector.
func WithMetricsCollector(mc enginemetrics.MetricsCollector) Option {
	return func(t *Tracker) {
		if mc != nil {
			t.metrics = mc
		}
	}
}

// NewTracker creates a tracker in the registered state.
func NewTracker(name string, kind state.Kind, opts ...Option) *Tracker {
	t := &Tracker{
		name:    name,
		kind:    kind,
		status:  state.StatusRegistered,
		since:   time.Now(),
		events:  events.NoOpLogger{},
		metrics: enginemetrics.NewNoOpCollector(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.metrics.RecordResourceStatus(name, string(kind), int(t.status))
	return t
}

func (t *Tracker) Name() string     { return t.name }
func (t *Tracker) Kind() state.Kind { return t.kind }
func (t *Tracker) Type() string     { return t.typ }

// Status returns the current status.
func (t *Tracker) Status() state.Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Health returns the status snapshot reported by the kernel.
func (t *Tracker) Health() state.Health {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h := state.Health{
		Name:     t.name,
		Kind:     t.kind,
		Type:     t.typ,
		Status:   t.status,
		Since:    t.since,
		Restarts: t.restarts,
		Uptime:   t.uptimeLocked(),
	}
	if t.lastError != nil {
		h.Error = t.lastError.Error()
	}
	return h
}

// LastError returns the error of the last failed start or stop.
func (t *Tracker) LastError() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastError
}

// Uptime returns how long the resource has been running.
func (t *Tracker) Uptime() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.uptimeLocked()
}

func (t *Tracker) uptimeLocked() time.Duration {
	if t.startedAt.IsZero() {
		return 0
	}
	if !t.stoppedAt.IsZero() && t.stoppedAt.After(t.startedAt) {
		return t.stoppedAt.Sub(t.startedAt)
	}
	return time.Since(t.startedAt)
}

// enter validates cur -> next and commits it. The caller holds t.mu.
func (t *Tracker) enter(next state.Status) (state.Status, error) {
	cur := t.status
	if cur == state.StatusStarting || cur == state.StatusStopping {
		return cur, fmt.Errorf("%s is %s: %w", t.name, cur, ErrInProgress)
	}
	if !state.CanTransition(cur, next) {
		return cur, state.NewTransitionError(t.name, cur, next)
	}
	t.status = next
	t.since = time.Now()
	return cur, nil
}

// settle moves from an in-progress status to its outcome. Only the caller
// that entered the in-progress status may settle it.
func (t *Tracker) settle(next state.Status, err error, d time.Duration) {
	t.mu.Lock()
	prev := t.status
	t.status = next
	t.since = time.Now()
	t.mu.Unlock()
	t.emit(prev, next, err, d)
}

func (t *Tracker) emit(prev, next state.Status, err error, d time.Duration) {
	t.metrics.RecordResourceStatus(t.name, string(t.kind), int(next))

	ev := events.Event{
		Type:     statusToEventType(next),
		Resource: t.name,
		Kind:     t.kind,
		Status:   next,
		Severity: statusToSeverity(next),
		Message:  fmt.Sprintf("status changed: %s -> %s", prev, next),
		Duration: d,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if t.typ != "" {
		ev.Metadata = map[string]string{"type": t.typ}
	}
	t.events.Log(ev)
}

// invoke runs a lifecycle callback, turning a panic into an error.
func (t *Tracker) invoke(ctx context.Context, fn func(context.Context) error) (err error) {
	if fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: %w: %v", t.name, ErrPanic, r)
		}
	}()
	return fn(ctx)
}

// Start runs the start callback. Starting a running resource is a no-op and
// a start or stop already under way yields ErrInProgress, so the callback
// runs at most once per transition.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.status == state.StatusRunning {
		t.mu.Unlock()
		return nil
	}
	prev, err := t.enter(state.StatusStarting)
	if err == nil && prev != state.StatusRegistered {
		t.restarts++
	}
	t.mu.Unlock()
	if err != nil {
		return err
	}
	t.emit(prev, state.StatusStarting, nil, 0)

	begin := time.Now()
	err = t.invoke(ctx, t.startFn)
	d := time.Since(begin)
	t.metrics.RecordResourceStart(t.name, string(t.kind), d, err)

	t.mu.Lock()
	t.lastError = err
	if err == nil {
		t.startedAt = time.Now()
		t.stoppedAt = time.Time{}
	}
	t.mu.Unlock()

	if err != nil {
		t.settle(state.StatusFailed, err, d)
		return err
	}
	t.settle(state.StatusRunning, nil, d)
	return nil
}

// Stop runs the stop callback. Stopping a stopped resource is a no-op and a
// start or stop already under way yields ErrInProgress.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.status == state.StatusStopped {
		t.mu.Unlock()
		return nil
	}
	prev, err := t.enter(state.StatusStopping)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	t.emit(prev, state.StatusStopping, nil, 0)

	begin := time.Now()
	err = t.invoke(ctx, t.stopFn)
	d := time.Since(begin)
	t.metrics.RecordResourceStop(t.name, string(t.kind), d, err)

	t.mu.Lock()
	t.stoppedAt = time.Now()
	if err != nil {
		t.lastError = err
	}
	t.mu.Unlock()

	if err != nil {
		t.settle(state.StatusStopFailed, err, d)
		return err
	}
	t.settle(state.StatusStopped, nil, d)
	return nil
}

func statusToEventType(s state.Status) events.EventType {
	switch s {
	case state.StatusStarting:
		return events.EventResourceStarting
	case state.StatusRunning:
		return events.EventResourceStarted
	case state.StatusStopping:
		return events.EventResourceStopping
	case state.StatusStopped:
		return events.EventResourceStopped
	case state.StatusFailed:
		return events.EventResourceStartFailed
	case state.StatusStopFailed:
		return events.EventResourceStopFailed
	default:
		return events.EventResourceInstalled
	}
}

func statusToSeverity(s state.Status) events.Severity {
	switch s {
	case state.StatusFailed, state.StatusStopFailed:
		return events.SeverityError
	case state.StatusStarting, state.StatusStopping:
		return events.SeverityDebug
	default:
		return events.SeverityInfo
	}
}

// Runtime bundles the engine components the kernel shares with its trackers.
type Runtime struct {
	Events   events.EventLogger
	Metrics  enginemetrics.MetricsCollector
	Recovery *recovery.Manager
}

// NewRuntime creates a runtime with a ring buffer event log and a
// Prometheus collector. The collector is also returned so the host can
// expose its registry.
func NewRuntime(eventBufferSize int, metricsNamespace string, opts ...events.Option) (*Runtime, *enginemetrics.Collector) {
	el := events.NewRingBuffer(eventBufferSize, opts...)
	mc := enginemetrics.NewCollector(metricsNamespace)
	return &Runtime{
		Events:   el,
		Metrics:  mc,
		Recovery: recovery.NewManager(el, mc),
	}, mc
}

// NewNoOpRuntime creates a runtime that records nothing.
func NewNoOpRuntime() *Runtime {
	return &Runtime{
		Events:   events.NoOpLogger{},
		Metrics:  enginemetrics.NewNoOpCollector(),
		Recovery: recovery.NewManager(nil, nil),
	}
}

// Track creates a tracker wired to the runtime and registers it for
// operator restart.
func (r *Runtime) Track(name string, kind state.Kind, typ string, startFn, stopFn func(context.Context) error) *Tracker {
	t := NewTracker(name, kind,
		WithType(typ),
		WithStartFunc(startFn),
		WithStopFunc(stopFn),
		WithEventLogger(r.Events),
		WithMetricsCollector(r.Metrics),
	)
	r.Recovery.Register(t)
	return t
}

// Untrack removes a resource from restart management.
func (r *Runtime) Untrack(name string) {
	r.Recovery.Unregister(name)
}

// Package events records structured lifecycle events for the kernel: resource
// installs and state changes, daemon tick outcomes, session reaping, plugin
// loading and operator recovery. Events are kept in a bounded ring buffer and
// optionally mirrored to the structured log.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/service_kernel/internal/engine/state"
)

// EventType classifies the kind of kernel event.
type EventType string

const (
	// Resource lifecycle events
	EventResourceInstalled   EventType = "resource.installed"
	EventResourceRejected    EventType = "resource.rejected"
	EventResourceUninstalled EventType = "resource.uninstalled"
	EventResourceStarting    EventType = "resource.starting"
	EventResourceStarted     EventType = "resource.started"
	EventResourceStartFailed EventType = "resource.start_failed"
	EventResourceStopping    EventType = "resource.stopping"
	EventResourceStopped     EventType = "resource.stopped"
	EventResourceStopFailed  EventType = "resource.stop_failed"

	// Kernel events
	EventKernelStarting EventType = "kernel.starting"
	EventKernelStarted  EventType = "kernel.started"
	EventKernelStopping EventType = "kernel.stopping"
	EventKernelStopped  EventType = "kernel.stopped"

	// Daemon events
	EventTickSkipped   EventType = "daemon.tick_skipped"
	EventTickFailed    EventType = "daemon.tick_failed"
	EventTickDropped   EventType = "daemon.tick_dropped"
	EventSessionReaped EventType = "daemon.session_reaped"

	// Plugin events
	EventPluginActivated EventType = "plugin.activated"
	EventPluginSkipped   EventType = "plugin.skipped"

	// Recovery events
	EventRecoveryStarted   EventType = "recovery.started"
	EventRecoverySucceeded EventType = "recovery.succeeded"
	EventRecoveryFailed    EventType = "recovery.failed"
)

// Severity indicates the importance of an event.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one structured kernel event.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`

	Resource string       `json:"resource,omitempty"`
	Kind     state.Kind   `json:"kind,omitempty"`
	Status   state.Status `json:"status,omitempty"`

	Message  string            `json:"message,omitempty"`
	Error    string            `json:"error,omitempty"`
	Duration time.Duration     `json:"duration_ns,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// EventHandler observes events as they are logged.
type EventHandler func(Event)

// EventLogger is the sink every kernel component writes events to.
type EventLogger interface {
	Log(event Event)
	Recent(n int) []Event
	RecentByResource(resource string, n int) []Event
	RecentByType(eventType EventType, n int) []Event
}

// Option configures a RingBuffer.
type Option func(*RingBuffer)

// WithMirror writes every event to log at a level matching its severity.
func WithMirror(log *logrus.Entry) Option {
	return func(rb *RingBuffer) { rb.mirror = log }
}

// RingBuffer keeps the newest size events. It fills buf until full and
// then overwrites the oldest slot at next.
type RingBuffer struct {
	mu       sync.RWMutex
	size     int
	buf      []Event
	next     int
	handlers map[int]EventHandler
	seq      int
	mirror   *logrus.Entry
}

// NewRingBuffer creates a buffer holding at most size events. size <= 0
// means 1000.
func NewRingBuffer(size int, opts ...Option) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	rb := &RingBuffer{size: size, handlers: make(map[int]EventHandler)}
	for _, opt := range opts {
		opt(rb)
	}
	return rb
}

// Log stamps id, time and severity where missing, stores the event and then
// notifies handlers outside the lock.
func (rb *RingBuffer) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	rb.mu.Lock()
	if len(rb.buf) < rb.size {
		rb.buf = append(rb.buf, event)
	} else {
		rb.buf[rb.next] = event
	}
	rb.next = (rb.next + 1) % rb.size
	handlers := make([]EventHandler, 0, len(rb.handlers))
	for _, h := range rb.handlers {
		handlers = append(handlers, h)
	}
	rb.mu.Unlock()

	if rb.mirror != nil {
		rb.write(event)
	}
	for _, h := range handlers {
		h(event)
	}
}

func (rb *RingBuffer) write(e Event) {
	entry := rb.mirror.WithFields(logrus.Fields{"event": string(e.Type), "event_id": e.ID})
	if e.Resource != "" {
		entry = entry.WithField("resource", e.Resource)
	}
	if e.Duration > 0 {
		entry = entry.WithField("duration", e.Duration)
	}
	for k, v := range e.Metadata {
		entry = entry.WithField(k, v)
	}
	if e.Error != "" {
		entry = entry.WithField("error", e.Error)
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Type)
	}
	switch e.Severity {
	case SeverityDebug:
		entry.Debug(msg)
	case SeverityWarning:
		entry.Warn(msg)
	case SeverityError:
		entry.Error(msg)
	default:
		entry.Info(msg)
	}
}

// Subscribe registers handler for every later event and returns the
// function that removes it.
func (rb *RingBuffer) Subscribe(handler EventHandler) func() {
	rb.mu.Lock()
	id := rb.seq
	rb.seq++
	rb.handlers[id] = handler
	rb.mu.Unlock()
	return func() {
		rb.mu.Lock()
		delete(rb.handlers, id)
		rb.mu.Unlock()
	}
}

// Recent returns up to n events, newest first.
func (rb *RingBuffer) Recent(n int) []Event {
	return rb.newest(n, func(Event) bool { return true })
}

func (rb *RingBuffer) RecentByResource(resource string, n int) []Event {
	return rb.newest(n, func(e Event) bool { return e.Resource == resource })
}

func (rb *RingBuffer) RecentByType(eventType EventType, n int) []Event {
	return rb.newest(n, func(e Event) bool { return e.Type == eventType })
}

func (rb *RingBuffer) newest(n int, keep func(Event) bool) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	var out []Event
	for i := 1; i <= len(rb.buf) && len(out) < n; i++ {
		e := rb.buf[(rb.next-i+len(rb.buf))%len(rb.buf)]
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Count returns the number of buffered events.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return len(rb.buf)
}

// NoOpLogger discards all events.
type NoOpLogger struct{}

func (NoOpLogger) Log(Event)                            {}
func (NoOpLogger) Recent(int) []Event                   { return nil }
func (NoOpLogger) RecentByResource(string, int) []Event { return nil }
func (NoOpLogger) RecentByType(EventType, int) []Event  { return nil }

var (
	_ EventLogger = (*RingBuffer)(nil)
	_ EventLogger = NoOpLogger{}
)

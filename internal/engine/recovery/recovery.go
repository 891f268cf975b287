// Package recovery gates operator-initiated restarts of kernel resources. The
// kernel never restarts anything on its own; when an operator asks for a
// restart the manager applies the resource's strategy (plain restart,
// exponential backoff between attempts, or a circuit breaker) and then stops
// and starts the resource synchronously.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/service_kernel/internal/engine/events"
	enginemetrics "github.com/R3E-Network/service_kernel/internal/engine/metrics"
	"github.com/R3E-Network/service_kernel/internal/engine/state"
)

var (
	ErrRecoveryInProgress = errors.New("restart already in progress")
	ErrRecoveryDisabled   = errors.New("restart disabled for resource")
	ErrMaxRetriesExceeded = errors.New("max restart attempts exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrBackoff            = errors.New("restart attempted before backoff elapsed")
	ErrNotRecoverable     = errors.New("resource is not registered for restart")
)

// Strategy defines how repeated restart attempts are gated.
type Strategy string

const (
	StrategyRestart        Strategy = "restart"
	StrategyBackoff        Strategy = "backoff"
	StrategyCircuitBreaker Strategy = "circuit_breaker"
	StrategyNone           Strategy = "none"
)

// Config holds the restart policy for a resource.
type Config struct {
	Strategy Strategy `yaml:"strategy"`

	// MaxRetries caps consecutive failed attempts. 0 means unlimited.
	MaxRetries int `yaml:"max_retries"`

	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`

	CircuitBreakerThreshold int           `yaml:"circuit_breaker_threshold"`
	CircuitBreakerResetTime time.Duration `yaml:"circuit_breaker_reset_time"`

	// RecoveryTimeout bounds one stop+start attempt.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`
}

// DefaultConfig returns the default restart policy.
func DefaultConfig() Config {
	return Config{
		Strategy:                StrategyBackoff,
		MaxRetries:              5,
		InitialDelay:            time.Second,
		MaxDelay:                time.Minute,
		Multiplier:              2.0,
		CircuitBreakerThreshold: 3,
		CircuitBreakerResetTime: 5 * time.Minute,
		RecoveryTimeout:         30 * time.Second,
	}
}

// Restartable is a resource the manager can stop and start.
type Restartable interface {
	Name() string
	Kind() state.Kind
	Status() state.Status
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// State tracks consecutive restart attempts of one resource.
type State struct {
	Resource      string
	Kind          state.Kind
	InProgress    bool
	Attempts      int
	LastAttempt   time.Time
	LastError     error
	NextRetry     time.Time
	CircuitOpen   bool
	CircuitOpened time.Time
}

// Manager tracks restart policy and history per resource.
type Manager struct {
	mu         sync.RWMutex
	configs    map[string]Config
	states     map[string]*State
	resources  map[string]Restartable
	events     events.EventLogger
	metrics    enginemetrics.MetricsCollector
	defaultCfg Config
	now        func() time.Time
}

// NewManager creates a manager. Nil sinks are replaced with no-ops.
func NewManager(el events.EventLogger, mc enginemetrics.MetricsCollector) *Manager {
	if el == nil {
		el = events.NoOpLogger{}
	}
	if mc == nil {
		mc = enginemetrics.NewNoOpCollector()
	}
	return &Manager{
		configs:    make(map[string]Config),
		states:     make(map[string]*State),
		resources:  make(map[string]Restartable),
		events:     el,
		metrics:    mc,
		defaultCfg: DefaultConfig(),
		now:        time.Now,
	}
}

// SetDefaultConfig sets the policy for resources without their own.
func (m *Manager) SetDefaultConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultCfg = cfg
}

// SetConfig sets the policy for one resource.
func (m *Manager) SetConfig(resource string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[resource] = cfg
}

// Register makes a resource restartable. Re-registering a name replaces the
// resource and resets its history.
func (m *Manager) Register(r Restartable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := r.Name()
	m.resources[name] = r
	m.states[name] = &State{Resource: name, Kind: r.Kind()}
}

// Unregister forgets a resource.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resources, name)
	delete(m.states, name)
	delete(m.configs, name)
}

// Restart applies the resource's strategy and, if allowed, stops and starts
// it on the caller's goroutine. The returned error is either a gating error
// or the error of the attempt itself.
func (m *Manager) Restart(ctx context.Context, name string) error {
	m.mu.Lock()
	r, ok := m.resources[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrNotRecoverable)
	}
	cfg := m.configFor(name)
	st := m.states[name]
	if err := m.admit(cfg, st); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", name, err)
	}
	st.InProgress = true
	st.Attempts++
	attempt := st.Attempts
	m.mu.Unlock()

	m.metrics.RecordRecoveryAttempt(name, string(cfg.Strategy))
	m.events.Log(events.Event{
		Type:     events.EventRecoveryStarted,
		Resource: name,
		Kind:     r.Kind(),
		Severity: events.SeverityWarning,
		Message:  fmt.Sprintf("restart attempt %d started", attempt),
		Metadata: map[string]string{"strategy": string(cfg.Strategy)},
	})

	begin := m.now()
	err := m.attempt(ctx, r, cfg)
	d := m.now().Sub(begin)
	m.complete(name, r.Kind(), cfg, st, attempt, err, d)
	return err
}

// admit must be called with m.mu held.
func (m *Manager) admit(cfg Config, st *State) error {
	if cfg.Strategy == StrategyNone {
		return ErrRecoveryDisabled
	}
	if st.InProgress {
		return ErrRecoveryInProgress
	}
	now := m.now()
	if cfg.Strategy == StrategyCircuitBreaker && st.CircuitOpen {
		if now.Sub(st.CircuitOpened) < cfg.CircuitBreakerResetTime {
			return ErrCircuitBreakerOpen
		}
		// half-open: allow one attempt
		st.CircuitOpen = false
		st.Attempts = 0
	}
	if cfg.MaxRetries > 0 && st.Attempts >= cfg.MaxRetries {
		return ErrMaxRetriesExceeded
	}
	if cfg.Strategy == StrategyBackoff && st.Attempts > 0 && now.Before(st.NextRetry) {
		return fmt.Errorf("%w: retry in %s", ErrBackoff, st.NextRetry.Sub(now).Round(time.Millisecond))
	}
	return nil
}

func (m *Manager) attempt(ctx context.Context, r Restartable, cfg Config) error {
	if cfg.RecoveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RecoveryTimeout)
		defer cancel()
	}
	switch r.Status() {
	case state.StatusRunning, state.StatusStopFailed:
		if err := r.Stop(ctx); err != nil {
			return fmt.Errorf("stop: %w", err)
		}
	}
	return r.Start(ctx)
}

func (m *Manager) complete(name string, kind state.Kind, cfg Config, st *State, attempt int, err error, d time.Duration) {
	m.mu.Lock()
	st.InProgress = false
	st.LastAttempt = m.now()
	st.LastError = err
	if err != nil {
		st.NextRetry = st.LastAttempt.Add(m.calculateDelay(cfg, attempt))
		if cfg.Strategy == StrategyCircuitBreaker && st.Attempts >= cfg.CircuitBreakerThreshold {
			st.CircuitOpen = true
			st.CircuitOpened = st.LastAttempt
		}
	} else {
		st.Attempts = 0
		st.NextRetry = time.Time{}
		st.CircuitOpen = false
	}
	m.mu.Unlock()

	m.metrics.RecordRecoveryResult(name, string(cfg.Strategy), d, err)
	if err != nil {
		m.events.Log(events.Event{
			Type:     events.EventRecoveryFailed,
			Resource: name,
			Kind:     kind,
			Severity: events.SeverityError,
			Message:  fmt.Sprintf("restart attempt %d failed", attempt),
			Error:    err.Error(),
			Duration: d,
		})
		return
	}
	m.events.Log(events.Event{
		Type:     events.EventRecoverySucceeded,
		Resource: name,
		Kind:     kind,
		Message:  fmt.Sprintf("restart attempt %d succeeded", attempt),
		Duration: d,
	})
}

// calculateDelay returns the wait imposed after the given failed attempt.
func (m *Manager) calculateDelay(cfg Config, attempt int) time.Duration {
	if cfg.Strategy != StrategyBackoff || attempt <= 1 {
		return cfg.InitialDelay
	}
	delay := float64(cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= cfg.Multiplier
		if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
			return cfg.MaxDelay
		}
	}
	return time.Duration(delay)
}

func (m *Manager) configFor(name string) Config {
	if cfg, ok := m.configs[name]; ok {
		return cfg
	}
	return m.defaultCfg
}

// GetState returns the restart history of a resource.
func (m *Manager) GetState(name string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.states[name]; ok {
		return *st, true
	}
	return State{}, false
}

// ResetState clears the history of a resource, closing its circuit.
func (m *Manager) ResetState(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[name]; ok {
		*st = State{Resource: st.Resource, Kind: st.Kind}
	}
}

// Info is the restart summary served on the status endpoint.
type Info struct {
	Resource    string     `json:"resource"`
	Kind        state.Kind `json:"kind"`
	Strategy    Strategy   `json:"strategy"`
	Attempts    int        `json:"attempts"`
	MaxRetries  int        `json:"max_retries"`
	LastError   string     `json:"last_error,omitempty"`
	NextRetry   *time.Time `json:"next_retry,omitempty"`
	CircuitOpen bool       `json:"circuit_open"`
}

// Infos returns restart summaries for every registered resource.
func (m *Manager) Infos() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.states))
	for name, st := range m.states {
		cfg := m.configFor(name)
		info := Info{
			Resource:    st.Resource,
			Kind:        st.Kind,
			Strategy:    cfg.Strategy,
			Attempts:    st.Attempts,
			MaxRetries:  cfg.MaxRetries,
			CircuitOpen: st.CircuitOpen,
		}
		if st.LastError != nil {
			info.LastError = st.LastError.Error()
		}
		if !st.NextRetry.IsZero() {
			next := st.NextRetry
			info.NextRetry = &next
		}
		out = append(out, info)
	}
	return out
}

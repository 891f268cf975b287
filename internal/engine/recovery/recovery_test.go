package recovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/R3E-Network/service_kernel/internal/engine/events"
	"github.com/R3E-Network/service_kernel/internal/engine/state"
)

type mockResource struct {
	name       string
	mu         sync.Mutex
	status     state.Status
	startErr   error
	stopErr    error
	startCount int32
	stopCount  int32
}

func newMockResource(name string, status state.Status) *mockResource {
	return &mockResource{name: name, status: status}
}

func (m *mockResource) Name() string     { return m.name }
func (m *mockResource) Kind() state.Kind { return state.KindCache }

func (m *mockResource) Status() state.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *mockResource) setStartErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

func (m *mockResource) Start(context.Context) error {
	atomic.AddInt32(&m.startCount, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		m.status = state.StatusFailed
		return m.startErr
	}
	m.status = state.StatusRunning
	return nil
}

func (m *mockResource) Stop(context.Context) error {
	atomic.AddInt32(&m.stopCount, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopErr != nil {
		m.status = state.StatusStopFailed
		return m.stopErr
	}
	m.status = state.StatusStopped
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(cfg Config) (*Manager, *fakeClock, *events.RingBuffer) {
	el := events.NewRingBuffer(100)
	m := NewManager(el, nil)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m.now = clock.Now
	m.SetDefaultConfig(cfg)
	return m, clock, el
}

func TestRestart_FailedResourceIsStartedOnly(t *testing.T) {
	m, _, el := newTestManager(Config{Strategy: StrategyRestart})
	r := newMockResource("c1", state.StatusFailed)
	m.Register(r)

	if err := m.Restart(context.Background(), "c1"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if atomic.LoadInt32(&r.stopCount) != 0 {
		t.Errorf("failed resource should not be stopped first")
	}
	if atomic.LoadInt32(&r.startCount) != 1 {
		t.Errorf("startCount = %d, want 1", r.startCount)
	}
	if len(el.RecentByType(events.EventRecoverySucceeded, 10)) != 1 {
		t.Error("expected a recovery.succeeded event")
	}
	st, _ := m.GetState("c1")
	if st.Attempts != 0 {
		t.Errorf("Attempts after success = %d, want 0", st.Attempts)
	}
}

func TestRestart_RunningResourceIsStoppedFirst(t *testing.T) {
	m, _, _ := newTestManager(Config{Strategy: StrategyRestart})
	r := newMockResource("m1", state.StatusRunning)
	m.Register(r)

	if err := m.Restart(context.Background(), "m1"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if r.stopCount != 1 || r.startCount != 1 {
		t.Errorf("stop=%d start=%d, want 1/1", r.stopCount, r.startCount)
	}
}

func TestRestart_Unregistered(t *testing.T) {
	m, _, _ := newTestManager(DefaultConfig())
	if err := m.Restart(context.Background(), "ghost"); !errors.Is(err, ErrNotRecoverable) {
		t.Errorf("err = %v, want ErrNotRecoverable", err)
	}
}

func TestRestart_Disabled(t *testing.T) {
	m, _, _ := newTestManager(DefaultConfig())
	r := newMockResource("c1", state.StatusFailed)
	m.Register(r)
	m.SetConfig("c1", Config{Strategy: StrategyNone})

	if err := m.Restart(context.Background(), "c1"); !errors.Is(err, ErrRecoveryDisabled) {
		t.Errorf("err = %v, want ErrRecoveryDisabled", err)
	}
	if r.startCount != 0 {
		t.Error("disabled resource must not be started")
	}
}

func TestRestart_BackoffGatesAttempts(t *testing.T) {
	m, clock, _ := newTestManager(Config{
		Strategy:     StrategyBackoff,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
	})
	r := newMockResource("c1", state.StatusFailed)
	r.setStartErr(errors.New("dial tcp: refused"))
	m.Register(r)

	if err := m.Restart(context.Background(), "c1"); err == nil {
		t.Fatal("first attempt should fail")
	}
	if err := m.Restart(context.Background(), "c1"); !errors.Is(err, ErrBackoff) {
		t.Fatalf("immediate retry err = %v, want ErrBackoff", err)
	}

	clock.Advance(time.Second)
	if err := m.Restart(context.Background(), "c1"); err == nil || errors.Is(err, ErrBackoff) {
		t.Fatalf("retry after delay should reach the resource, got %v", err)
	}

	// second failure doubles the delay
	clock.Advance(time.Second)
	if err := m.Restart(context.Background(), "c1"); !errors.Is(err, ErrBackoff) {
		t.Fatalf("err = %v, want ErrBackoff", err)
	}
	clock.Advance(time.Second)
	r.setStartErr(nil)
	if err := m.Restart(context.Background(), "c1"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if r.startCount != 3 {
		t.Errorf("startCount = %d, want 3", r.startCount)
	}
}

func TestRestart_MaxRetries(t *testing.T) {
	m, _, _ := newTestManager(Config{Strategy: StrategyRestart, MaxRetries: 2})
	r := newMockResource("c1", state.StatusFailed)
	r.setStartErr(errors.New("boom"))
	m.Register(r)

	_ = m.Restart(context.Background(), "c1")
	_ = m.Restart(context.Background(), "c1")
	if err := m.Restart(context.Background(), "c1"); !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Errorf("err = %v, want ErrMaxRetriesExceeded", err)
	}

	m.ResetState("c1")
	r.setStartErr(nil)
	if err := m.Restart(context.Background(), "c1"); err != nil {
		t.Errorf("Restart after reset: %v", err)
	}
}

func TestRestart_CircuitBreaker(t *testing.T) {
	m, clock, _ := newTestManager(Config{
		Strategy:                StrategyCircuitBreaker,
		CircuitBreakerThreshold: 2,
		CircuitBreakerResetTime: time.Minute,
	})
	r := newMockResource("q1", state.StatusFailed)
	r.setStartErr(errors.New("broker down"))
	m.Register(r)

	_ = m.Restart(context.Background(), "q1")
	_ = m.Restart(context.Background(), "q1")
	if err := m.Restart(context.Background(), "q1"); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("err = %v, want ErrCircuitBreakerOpen", err)
	}

	clock.Advance(time.Minute)
	r.setStartErr(nil)
	if err := m.Restart(context.Background(), "q1"); err != nil {
		t.Fatalf("half-open attempt: %v", err)
	}
	st, _ := m.GetState("q1")
	if st.CircuitOpen {
		t.Error("circuit should close after a successful attempt")
	}
}

func TestCalculateDelay(t *testing.T) {
	m := NewManager(nil, nil)
	cfg := Config{Strategy: StrategyBackoff, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	tests := map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
		4: 800 * time.Millisecond,
		5: time.Second,
		9: time.Second,
	}
	for attempt, want := range tests {
		if got := m.calculateDelay(cfg, attempt); got != want {
			t.Errorf("calculateDelay(%d) = %v, want %v", attempt, got, want)
		}
	}
	cfg.Strategy = StrategyRestart
	if got := m.calculateDelay(cfg, 4); got != 100*time.Millisecond {
		t.Errorf("restart strategy delay = %v", got)
	}
}

func TestInfosAndUnregister(t *testing.T) {
	m, _, _ := newTestManager(Config{Strategy: StrategyRestart})
	r := newMockResource("c1", state.StatusFailed)
	r.setStartErr(errors.New("boom"))
	m.Register(r)
	_ = m.Restart(context.Background(), "c1")

	infos := m.Infos()
	if len(infos) != 1 || infos[0].LastError != "boom" || infos[0].Attempts != 1 {
		t.Fatalf("Infos() = %+v", infos)
	}
	m.Unregister("c1")
	if _, ok := m.GetState("c1"); ok {
		t.Error("state should be removed on Unregister")
	}
}

package daemon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/R3E-Network/service_kernel/internal/cache"
	"github.com/R3E-Network/service_kernel/internal/engine/events"
	"github.com/R3E-Network/service_kernel/internal/engine/metrics"
	"github.com/R3E-Network/service_kernel/internal/module"
	"github.com/R3E-Network/service_kernel/internal/mq"
	"github.com/R3E-Network/service_kernel/pkg/testutil"
)

type fakeHost struct {
	mu      sync.Mutex
	entries []module.Entry
}

func (h *fakeHost) NodeName() string                             { return "test-node" }
func (h *fakeHost) Cache(string) cache.Cache                     { return nil }
func (h *fakeHost) TimeSeriesCache(string) cache.TimeSeriesCache { return nil }
func (h *fakeHost) MQ(string) mq.MessageQueue                    { return nil }
func (h *fakeHost) Module(string) module.Module                  { return nil }

func (h *fakeHost) Modules() []module.Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]module.Entry(nil), h.entries...)
}

func (h *fakeHost) add(name string, m module.Module) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, module.Entry{Name: name, Module: m})
}

func (h *fakeHost) remove(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, e := range h.entries {
		if e.Name == name {
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
			return
		}
	}
}

type tickModule struct {
	*module.Base
	fn      func(ctx context.Context) error
	ticks   atomic.Int32
	running atomic.Int32
	maxSeen atomic.Int32
}

func newTickModule(name string, fn func(ctx context.Context) error) *tickModule {
	return &tickModule{Base: module.NewBase(name), fn: fn}
}

func (m *tickModule) OnTick(ctx context.Context, _ module.Kernel) error {
	n := m.running.Add(1)
	defer m.running.Add(-1)
	for {
		seen := m.maxSeen.Load()
		if n <= seen || m.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	m.ticks.Add(1)
	if m.fn != nil {
		return m.fn(ctx)
	}
	return nil
}

func fastConfig() Config {
	return Config{TickInterval: 5 * time.Millisecond, ReapInterval: time.Hour}
}

func TestDefaults(t *testing.T) {
	d := New(&fakeHost{}, Config{})
	cfg := d.Config()
	assert.Equal(t, 60*time.Second, cfg.TickInterval)
	assert.Equal(t, 10*time.Minute, cfg.ReapInterval)
	assert.Equal(t, 60*time.Second, cfg.ReportInterval)
	assert.Equal(t, 8, cfg.PoolSize)
	assert.Equal(t, StateIdle, d.State())
	assert.Equal(t, "idle", d.State().String())
}

func TestLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := New(&fakeHost{}, fastConfig())
	require.NoError(t, d.Start(context.Background()))
	assert.Equal(t, StateSpinning, d.State())
	assert.ErrorIs(t, d.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, StateTerminated, d.State())
	assert.ErrorIs(t, d.Start(context.Background()), ErrTerminated)
	d.Terminate()
}

func TestTerminateBeforeStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := New(&fakeHost{}, fastConfig())
	d.Terminate()
	require.NoError(t, d.Wait(context.Background()))
}

func TestTicksEveryModule(t *testing.T) {
	defer goleak.VerifyNone(t)

	host := &fakeHost{}
	a, b := newTickModule("a", nil), newTickModule("b", nil)
	host.add("a", a)
	host.add("b", b)

	d := New(host, fastConfig())
	require.NoError(t, d.Start(context.Background()))
	require.Eventually(t, func() bool { return a.ticks.Load() >= 3 && b.ticks.Load() >= 3 }, 2*time.Second, time.Millisecond)
	require.NoError(t, d.Stop(context.Background()))
}

func TestModuleNeverTickedConcurrentlyWithItself(t *testing.T) {
	defer goleak.VerifyNone(t)

	host := &fakeHost{}
	slow := newTickModule("slow", func(ctx context.Context) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	})
	host.add("slow", slow)

	el := events.NewRingBuffer(256)
	d := New(host, fastConfig(), WithEventLogger(el))
	require.NoError(t, d.Start(context.Background()))
	require.Eventually(t, func() bool { return slow.ticks.Load() >= 3 }, 2*time.Second, time.Millisecond)
	require.NoError(t, d.Stop(context.Background()))

	assert.Equal(t, int32(1), slow.maxSeen.Load())
	assert.NotEmpty(t, el.RecentByType(events.EventTickSkipped, 10))
}

func TestModulesTickConcurrently(t *testing.T) {
	defer goleak.VerifyNone(t)

	var running, peak atomic.Int32
	release := make(chan struct{})
	block := func(context.Context) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		return nil
	}
	host := &fakeHost{}
	host.add("a", newTickModule("a", block))
	host.add("b", newTickModule("b", block))

	d := New(host, fastConfig())
	d.fanOut()
	require.Eventually(t, func() bool { return peak.Load() == 2 }, 2*time.Second, time.Millisecond)
	assert.True(t, d.InFlight("a"))
	close(release)
	require.NoError(t, d.Stop(context.Background()))
	assert.False(t, d.InFlight("a"))
}

func TestTickFailuresAreContained(t *testing.T) {
	defer goleak.VerifyNone(t)

	host := &fakeHost{}
	panicky := newTickModule("panicky", func(context.Context) error { panic("boom") })
	failing := newTickModule("failing", func(context.Context) error { return errors.New("nope") })
	healthy := newTickModule("healthy", nil)
	host.add("panicky", panicky)
	host.add("failing", failing)
	host.add("healthy", healthy)

	el := events.NewRingBuffer(256)
	d := New(host, fastConfig(), WithEventLogger(el))
	require.NoError(t, d.Start(context.Background()))
	require.Eventually(t, func() bool {
		return panicky.ticks.Load() >= 3 && failing.ticks.Load() >= 3 && healthy.ticks.Load() >= 3
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, StateSpinning, d.State())
	require.NoError(t, d.Stop(context.Background()))

	failed := el.RecentByType(events.EventTickFailed, 100)
	results := map[string]string{}
	for _, e := range failed {
		results[e.Resource] = e.Metadata["result"]
	}
	assert.Equal(t, metrics.TickPanic, results["panicky"])
	assert.Equal(t, metrics.TickError, results["failing"])
	assert.NotContains(t, results, "healthy")
}

func TestTerminateDropsQueuedTicks(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	started := make(chan struct{})
	host := &fakeHost{}
	first := newTickModule("first", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	second := newTickModule("second", nil)
	host.add("first", first)
	host.add("second", second)

	el := events.NewRingBuffer(64)
	cfg := fastConfig()
	cfg.PoolSize = 1
	d := New(host, cfg, WithEventLogger(el))
	require.NoError(t, d.Start(context.Background()))
	<-started
	// first holds the only slot, so any further tick of second is queued.
	before := second.ticks.Load()
	require.Eventually(t, func() bool { return d.InFlight("second") }, 2*time.Second, time.Millisecond)

	d.Terminate()
	close(release)
	require.NoError(t, d.Wait(context.Background()))

	assert.Equal(t, int32(1), first.ticks.Load())
	assert.Equal(t, before, second.ticks.Load())
	assert.NotEmpty(t, el.RecentByType(events.EventTickDropped, 10))
}

func TestNoFanOutAfterTerminate(t *testing.T) {
	defer goleak.VerifyNone(t)

	host := &fakeHost{}
	m := newTickModule("m", nil)
	host.add("m", m)

	d := New(host, fastConfig())
	require.NoError(t, d.Start(context.Background()))
	require.Eventually(t, func() bool { return m.ticks.Load() >= 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, d.Stop(context.Background()))

	after := m.ticks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, m.ticks.Load())
}

func TestReinstalledModuleIsNotSkipped(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	host := &fakeHost{}
	host.add("auth", newTickModule("auth", func(context.Context) error {
		<-release
		return nil
	}))
	d := New(host, fastConfig())
	d.fanOut()
	require.Eventually(t, func() bool { return d.InFlight("auth") }, time.Second, time.Millisecond)

	host.remove("auth")
	fresh := newTickModule("auth", nil)
	host.add("auth", fresh)
	d.fanOut()
	require.Eventually(t, func() bool { return fresh.ticks.Load() == 1 }, time.Second, time.Millisecond)

	close(release)
	require.NoError(t, d.Stop(context.Background()))
}

func TestIdleFlagsOfRemovedModulesArePruned(t *testing.T) {
	defer goleak.VerifyNone(t)

	host := &fakeHost{}
	for _, name := range []string{"a", "b", "c"} {
		host.add(name, newTickModule(name, nil))
	}
	d := New(host, fastConfig())
	d.fanOut()
	require.Eventually(t, func() bool {
		return !d.InFlight("a") && !d.InFlight("b") && !d.InFlight("c")
	}, time.Second, time.Millisecond)
	assert.Equal(t, 3, d.tracked())

	host.remove("a")
	host.remove("b")
	d.fanOut()
	assert.Equal(t, 1, d.tracked())
	require.NoError(t, d.Stop(context.Background()))
}

func TestWaitIsBoundedByContext(t *testing.T) {
	release := make(chan struct{})
	host := &fakeHost{}
	host.add("stuck", newTickModule("stuck", func(context.Context) error {
		<-release
		return nil
	}))
	d := New(host, fastConfig())
	d.fanOut()
	require.Eventually(t, func() bool { return d.InFlight("stuck") }, time.Second, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	d.Terminate()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, d.Wait(context.Background()))
}

func TestReapHangsUpInactiveSessions(t *testing.T) {
	live := testutil.NewMockLiveness()
	live.AddSession("a", true)
	live.AddSession("b", false)
	live.AddSession("c", false)
	el := events.NewRingBuffer(16)
	d := New(&fakeHost{}, fastConfig(), WithLiveness(live), WithEventLogger(el))

	d.reap()
	assert.Equal(t, []string{"b", "c"}, live.Hangups())
	assert.Len(t, el.RecentByType(events.EventSessionReaped, 10), 2)
	assert.Len(t, live.Sessions(), 1)
}

func TestReapSurvivesHangupErrors(t *testing.T) {
	live := testutil.NewMockLiveness()
	live.AddSession("idle", false)
	live.FailHangups(errors.New("socket gone"))
	d := New(&fakeHost{}, fastConfig(), WithLiveness(live))

	assert.NotPanics(t, d.reap)
	assert.Empty(t, live.Hangups())
}

func TestReapRunsOnItsOwnPeriod(t *testing.T) {
	defer goleak.VerifyNone(t)

	live := testutil.NewMockLiveness()
	live.AddSession("idle", false)
	var clock atomic.Int64
	cfg := fastConfig()
	cfg.ReapInterval = 10 * time.Minute
	cfg.ReportInterval = 0
	d := New(&fakeHost{}, cfg, WithLiveness(live))
	d.now = func() time.Time { return time.Unix(0, clock.Load()) }

	require.NoError(t, d.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, live.Hangups())

	clock.Add(int64(11 * time.Minute))
	require.Eventually(t, func() bool { return len(live.Hangups()) == 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, d.Stop(context.Background()))
}

type processRecorder struct {
	metrics.NoOpCollector
	calls      atomic.Int32
	goroutines atomic.Int32
}

func (r *processRecorder) RecordProcess(_ float64, _ uint64, goroutines, _ int) {
	r.calls.Add(1)
	r.goroutines.Store(int32(goroutines))
}

func TestReportSamplesProcess(t *testing.T) {
	rec := &processRecorder{}
	d := New(&fakeHost{}, fastConfig(), WithMetricsCollector(rec))
	d.report()
	assert.Equal(t, int32(1), rec.calls.Load())
	assert.Positive(t, rec.goroutines.Load())
}

// Package daemon is the kernel's maintenance daemon. A single driver
// goroutine wakes on a fixed period, fans one tick out per installed module
// through a bounded pool, reconciles transport sessions against the
// transport's own liveness signal, and samples process resource usage.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/service_kernel/internal/engine/bus"
	"github.com/R3E-Network/service_kernel/internal/engine/events"
	"github.com/R3E-Network/service_kernel/internal/engine/metrics"
	"github.com/R3E-Network/service_kernel/internal/engine/state"
	"github.com/R3E-Network/service_kernel/internal/module"
	"github.com/R3E-Network/service_kernel/internal/transport"
	"github.com/R3E-Network/service_kernel/pkg/logger"
)

var (
	ErrAlreadyStarted = errors.New("daemon already started")
	ErrTerminated     = errors.New("daemon terminated")
)

// State is the daemon lifecycle: Idle, then Spinning, then Terminated.
type State int32

const (
	StateIdle State = iota
	StateSpinning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpinning:
		return "spinning"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config controls the daemon's periods and pool.
type Config struct {
	TickInterval   time.Duration `yaml:"tick_interval" env:"KERNEL_TICK_INTERVAL"`
	ReapInterval   time.Duration `yaml:"reap_interval" env:"KERNEL_REAP_INTERVAL"`
	ReportInterval time.Duration `yaml:"report_interval" env:"KERNEL_REPORT_INTERVAL"`
	// TickTimeout bounds a single OnTick call. 0 leaves ticks unbounded.
	TickTimeout time.Duration `yaml:"tick_timeout" env:"KERNEL_TICK_TIMEOUT"`
	PoolSize    int           `yaml:"pool_size" env:"KERNEL_TICK_POOL"`
	// QueueSize caps ticks waiting for a pool slot.
	QueueSize int `yaml:"queue_size"`
}

func DefaultConfig() Config {
	lc := bus.DefaultLimiterConfig()
	return Config{
		TickInterval:   60 * time.Second,
		ReapInterval:   10 * time.Minute,
		ReportInterval: 60 * time.Second,
		PoolSize:       lc.MaxConcurrent,
		QueueSize:      lc.QueueSize,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = def.ReapInterval
	}
	if c.ReportInterval < 0 {
		c.ReportInterval = 0
	}
	if c.PoolSize <= 0 {
		c.PoolSize = def.PoolSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	return c
}

// Host is the kernel as the daemon sees it.
type Host interface {
	module.Kernel
	// Modules returns a snapshot of the installed modules.
	Modules() []module.Entry
}

// Daemon ticks modules and reaps inactive sessions.
type Daemon struct {
	cfg      Config
	host     Host
	liveness transport.Liveness
	pool     *bus.Limiter

	events  events.EventLogger
	metrics metrics.MetricsCollector
	log     *logrus.Entry
	now     func() time.Time

	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	queueCtx context.Context
	driver   chan struct{}
	ticks    sync.WaitGroup

	mu       sync.Mutex
	inflight map[flightKey]*atomic.Bool

	lastReap   time.Time
	lastReport time.Time
	proc       *process.Process
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithLiveness enables the session reconciliation pass.
func WithLiveness(l transport.Liveness) Option {
	return func(d *Daemon) { d.liveness = l }
}

func WithEventLogger(el events.EventLogger) Option {
	return func(d *Daemon) { d.events = el }
}

func WithMetricsCollector(mc metrics.MetricsCollector) Option {
	return func(d *Daemon) { d.metrics = mc }
}

// New creates an idle daemon for host.
func New(host Host, cfg Config, opts ...Option) *Daemon {
	cfg = cfg.withDefaults()
	d := &Daemon{
		cfg:  cfg,
		host: host,
		pool: bus.NewLimiter(bus.LimiterConfig{
			MaxConcurrent: cfg.PoolSize,
			QueueSize:     cfg.QueueSize,
		}),
		events:   events.NoOpLogger{},
		metrics:  metrics.NewNoOpCollector(),
		log:      logrus.NewEntry(logger.NewDefault("daemon").Logger),
		now:      time.Now,
		stop:     make(chan struct{}),
		driver:   make(chan struct{}),
		inflight: make(map[flightKey]*atomic.Bool),
	}
	d.queueCtx, d.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Daemon) State() State   { return State(d.state.Load()) }
func (d *Daemon) Config() Config { return d.cfg }

// Start launches the driver goroutine.
func (d *Daemon) Start(context.Context) error {
	if !d.state.CompareAndSwap(int32(StateIdle), int32(StateSpinning)) {
		if d.State() == StateTerminated {
			return ErrTerminated
		}
		return ErrAlreadyStarted
	}
	now := d.now()
	d.lastReap, d.lastReport = now, now
	go d.run()
	d.log.WithField("tick_interval", d.cfg.TickInterval).WithField("pool", d.cfg.PoolSize).Info("daemon spinning")
	return nil
}

// Terminate stops the daemon. The driver exits without starting another
// fan-out, ticks still waiting for a pool slot are dropped and running
// ticks are left to finish.
func (d *Daemon) Terminate() {
	prev := State(d.state.Swap(int32(StateTerminated)))
	d.stopOnce.Do(func() {
		close(d.stop)
		d.cancel()
		d.pool.Close()
		if prev != StateSpinning {
			close(d.driver)
		}
	})
}

// Wait blocks until the driver has exited and running ticks have returned,
// or ctx is done.
func (d *Daemon) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		<-d.driver
		d.ticks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for daemon: %w", ctx.Err())
	}
}

// Stop terminates the daemon and waits for it.
func (d *Daemon) Stop(ctx context.Context) error {
	d.Terminate()
	return d.Wait(ctx)
}

func (d *Daemon) run() {
	defer close(d.driver)
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}
		if d.State() != StateSpinning {
			return
		}
		d.fanOut()

		now := d.now()
		if d.liveness != nil && now.Sub(d.lastReap) >= d.cfg.ReapInterval {
			d.reap()
			d.lastReap = d.now()
		}
		if d.cfg.ReportInterval > 0 && now.Sub(d.lastReport) >= d.cfg.ReportInterval {
			d.report()
			d.lastReport = d.now()
		}
	}
}

// fanOut dispatches one tick per module. A module whose previous tick is
// still running is skipped for this period.
func (d *Daemon) fanOut() {
	mods := d.host.Modules()
	d.prune(mods)
	for _, e := range mods {
		flag := d.flag(e)
		if !flag.CompareAndSwap(false, true) {
			d.metrics.RecordTickSkipped(e.Name)
			d.events.Log(events.Event{
				Type:     events.EventTickSkipped,
				Severity: events.SeverityDebug,
				Resource: e.Name,
				Kind:     state.KindModule,
				Message:  "previous tick still running",
			})
			d.log.WithField("module", e.Name).Debug("tick skipped, previous tick still running")
			continue
		}
		d.ticks.Add(1)
		go d.tick(e, flag)
	}
}

// flightKey identifies a module instance, so a module reinstalled under
// the same name does not inherit the old instance's in-flight tick.
type flightKey struct {
	name string
	m    module.Module
}

func keyOf(e module.Entry) flightKey {
	k := flightKey{name: e.Name}
	if t := reflect.TypeOf(e.Module); t != nil && t.Comparable() {
		k.m = e.Module
	}
	return k
}

func (d *Daemon) flag(e module.Entry) *atomic.Bool {
	k := keyOf(e)
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.inflight[k]
	if !ok {
		f = new(atomic.Bool)
		d.inflight[k] = f
	}
	return f
}

// prune forgets idle flags of modules that are no longer installed.
func (d *Daemon) prune(mods []module.Entry) {
	live := make(map[flightKey]bool, len(mods))
	for _, e := range mods {
		live[keyOf(e)] = true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, f := range d.inflight {
		if !live[k] && !f.Load() {
			delete(d.inflight, k)
		}
	}
}

// InFlight reports whether a tick of the named module is queued or running.
func (d *Daemon) InFlight(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, f := range d.inflight {
		if k.name == name && f.Load() {
			return true
		}
	}
	return false
}

func (d *Daemon) tracked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

func (d *Daemon) tick(e module.Entry, flag *atomic.Bool) {
	defer d.ticks.Done()
	defer flag.Store(false)

	if err := d.pool.Acquire(d.queueCtx); err != nil {
		d.drop(e.Name, err)
		return
	}
	defer func() {
		d.pool.Release()
		d.metrics.RecordTickPoolActive(d.pool.Active())
	}()
	if d.State() == StateTerminated {
		d.drop(e.Name, ErrTerminated)
		return
	}
	d.metrics.RecordTickPoolActive(d.pool.Active())

	ctx := context.Background()
	if d.cfg.TickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.TickTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := d.invoke(ctx, e.Module)
	elapsed := time.Since(start)
	d.metrics.RecordTick(e.Name, elapsed, result)
	if err != nil {
		d.events.Log(events.Event{
			Type:     events.EventTickFailed,
			Severity: events.SeverityError,
			Resource: e.Name,
			Kind:     state.KindModule,
			Error:    err.Error(),
			Duration: elapsed,
			Metadata: map[string]string{"result": result},
		})
		d.log.WithError(err).WithField("module", e.Name).WithField("result", result).Error("module tick failed")
	}
}

func (d *Daemon) invoke(ctx context.Context, m module.Module) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = metrics.TickPanic, fmt.Errorf("tick panic: %v", r)
		}
	}()
	if err := m.OnTick(ctx, d.host); err != nil {
		return metrics.TickError, err
	}
	return metrics.TickOK, nil
}

func (d *Daemon) drop(name string, err error) {
	d.metrics.RecordTickDropped(name)
	d.events.Log(events.Event{
		Type:     events.EventTickDropped,
		Severity: events.SeverityDebug,
		Resource: name,
		Kind:     state.KindModule,
		Error:    err.Error(),
	})
	d.log.WithError(err).WithField("module", name).Debug("tick dropped")
}

// reap hangs up every session the transport reports inactive.
func (d *Daemon) reap() {
	reaped := 0
	for _, s := range d.liveness.Sessions() {
		if d.liveness.IsActive(s) {
			continue
		}
		if err := d.liveness.Hangup(s); err != nil {
			d.log.WithError(err).WithField("session", s.ID()).Warn("hangup inactive session")
			continue
		}
		reaped++
		d.events.Log(events.Event{
			Type:     events.EventSessionReaped,
			Resource: s.ID(),
			Metadata: map[string]string{"remote": s.RemoteAddr()},
		})
	}
	d.metrics.RecordSessionsReaped(reaped)
	if reaped > 0 {
		d.log.WithField("sessions", reaped).Info("reaped inactive sessions")
	}
}

// report samples process resource usage into metrics.
func (d *Daemon) report() {
	if d.proc == nil {
		p, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			d.log.WithError(err).Debug("process handle unavailable")
			return
		}
		d.proc = p
	}
	cpu, err := d.proc.CPUPercent()
	if err != nil {
		d.log.WithError(err).Debug("sample cpu")
	}
	var rss uint64
	if mem, err := d.proc.MemoryInfo(); err == nil && mem != nil {
		rss = mem.RSS
	}
	threads, _ := d.proc.NumThreads()
	d.metrics.RecordProcess(cpu, rss, runtime.NumGoroutine(), int(threads))
}

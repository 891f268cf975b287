// Package metrics exports kernel telemetry to Prometheus: resource lifecycle
// latencies, daemon tick outcomes, queue and cache traffic, operator recovery
// and process resource usage.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector is what kernel components record into.
type MetricsCollector interface {
	RecordResourceStatus(resource, kind string, status int)
	RecordResourceStart(resource, kind string, d time.Duration, err error)
	RecordResourceStop(resource, kind string, d time.Duration, err error)
	RecordInstallRejected(kind, reason string)

	RecordTick(module string, d time.Duration, result string)
	RecordTickSkipped(module string)
	RecordTickDropped(module string)
	RecordTickPoolActive(n int)
	RecordSessionsReaped(n int)

	RecordPublish(queue, topic string, d time.Duration, err error)
	RecordDelivery(queue, topic string, err error)
	RecordTransaction(cache string, d time.Duration, err error)

	RecordRecoveryAttempt(resource, strategy string)
	RecordRecoveryResult(resource, strategy string, d time.Duration, err error)

	RecordProcess(cpuPercent float64, rssBytes uint64, goroutines, threads int)
	RecordPlugins(module string, n int)
}

// Tick results.
const (
	TickOK    = "ok"
	TickError = "error"
	TickPanic = "panic"
)

// Collector is the Prometheus-backed MetricsCollector.
type Collector struct {
	registry *prometheus.Registry

	resourceStatus       *prometheus.GaugeVec
	resourceStartLatency *prometheus.HistogramVec
	resourceStopLatency  *prometheus.HistogramVec
	resourceFailures     *prometheus.CounterVec
	installRejected      *prometheus.CounterVec

	ticks        *prometheus.CounterVec
	tickLatency  *prometheus.HistogramVec
	ticksSkipped *prometheus.CounterVec
	ticksDropped *prometheus.CounterVec
	poolActive   prometheus.Gauge
	reaped       prometheus.Counter

	publishTotal   *prometheus.CounterVec
	publishLatency *prometheus.HistogramVec
	deliveries     *prometheus.CounterVec
	txnTotal       *prometheus.CounterVec
	txnLatency     *prometheus.HistogramVec

	recoveryAttempts *prometheus.CounterVec
	recoveryResults  *prometheus.CounterVec
	recoveryLatency  *prometheus.HistogramVec

	cpuPercent prometheus.Gauge
	rssBytes   prometheus.Gauge
	goroutines prometheus.Gauge
	threads    prometheus.Gauge
	uptime     prometheus.GaugeFunc
	plugins    *prometheus.GaugeVec
}

// NewCollector creates a collector with its own registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "kernel"
	}
	startTime := time.Now()
	c := &Collector{registry: prometheus.NewRegistry()}

	c.resourceStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "resource",
		Name:      "status",
		Help:      "Lifecycle status of a resource (1=registered, 2=starting, 3=running, 4=stopping, 5=stopped, 6=failed, 7=stop_failed)",
	}, []string{"resource", "kind"})
	c.resourceStartLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "resource",
		Name:      "start_duration_seconds",
		Help:      "Time taken to start a resource",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"resource", "kind", "result"})
	c.resourceStopLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "resource",
		Name:      "stop_duration_seconds",
		Help:      "Time taken to stop a resource",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"resource", "kind", "result"})
	c.resourceFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resource",
		Name:      "failures_total",
		Help:      "Resource lifecycle failures by phase",
	}, []string{"resource", "kind", "phase"})
	c.installRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resource",
		Name:      "install_rejected_total",
		Help:      "Install calls rejected because of configuration errors",
	}, []string{"kind", "reason"})

	c.ticks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "daemon",
		Name:      "ticks_total",
		Help:      "Module ticks executed by the maintenance daemon",
	}, []string{"module", "result"})
	c.tickLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "daemon",
		Name:      "tick_duration_seconds",
		Help:      "Time spent in a module tick",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"module"})
	c.ticksSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "daemon",
		Name:      "ticks_skipped_total",
		Help:      "Ticks skipped because the previous tick of the module was still running",
	}, []string{"module"})
	c.ticksDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "daemon",
		Name:      "ticks_dropped_total",
		Help:      "Queued ticks dropped because the daemon terminated",
	}, []string{"module"})
	c.poolActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "daemon",
		Name:      "pool_active",
		Help:      "Ticks currently holding a worker permit",
	})
	c.reaped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "daemon",
		Name:      "sessions_reaped_total",
		Help:      "Inactive transport sessions hung up by the reconciliation pass",
	})

	c.publishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mq",
		Name:      "publish_total",
		Help:      "Messages published per queue and topic",
	}, []string{"queue", "topic", "result"})
	c.publishLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "mq",
		Name:      "publish_duration_seconds",
		Help:      "Time taken to publish a message",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"queue"})
	c.deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mq",
		Name:      "deliveries_total",
		Help:      "Messages handed to subscribers",
	}, []string{"queue", "topic", "result"})
	c.txnTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "transactions_total",
		Help:      "Per-key cache transactions executed",
	}, []string{"cache", "result"})
	c.txnLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "transaction_duration_seconds",
		Help:      "Time spent inside a cache transaction including lock wait",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
	}, []string{"cache"})

	c.recoveryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recovery",
		Name:      "attempts_total",
		Help:      "Operator-triggered restart attempts",
	}, []string{"resource", "strategy"})
	c.recoveryResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recovery",
		Name:      "results_total",
		Help:      "Restart attempt outcomes",
	}, []string{"resource", "strategy", "result"})
	c.recoveryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "recovery",
		Name:      "duration_seconds",
		Help:      "Time taken by a restart attempt",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"resource"})

	c.cpuPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "cpu_percent",
		Help:      "Process CPU usage sampled by the maintenance daemon",
	})
	c.rssBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "rss_bytes",
		Help:      "Process resident set size",
	})
	c.goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "goroutines",
		Help:      "Number of goroutines",
	})
	c.threads = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "threads",
		Help:      "Number of OS threads",
	})
	c.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Kernel uptime in seconds",
	}, func() float64 { return time.Since(startTime).Seconds() })
	c.plugins = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "plugin",
		Name:      "active",
		Help:      "Plugins registered per module",
	}, []string{"module"})

	c.registry.MustRegister(
		c.resourceStatus,
		c.resourceStartLatency,
		c.resourceStopLatency,
		c.resourceFailures,
		c.installRejected,
		c.ticks,
		c.tickLatency,
		c.ticksSkipped,
		c.ticksDropped,
		c.poolActive,
		c.reaped,
		c.publishTotal,
		c.publishLatency,
		c.deliveries,
		c.txnTotal,
		c.txnLatency,
		c.recoveryAttempts,
		c.recoveryResults,
		c.recoveryLatency,
		c.cpuPercent,
		c.rssBytes,
		c.goroutines,
		c.threads,
		c.uptime,
		c.plugins,
	)
	return c
}

// Registry returns the Prometheus registry for exposition.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (c *Collector) RecordResourceStatus(resource, kind string, status int) {
	c.resourceStatus.WithLabelValues(resource, kind).Set(float64(status))
}

func (c *Collector) RecordResourceStart(resource, kind string, d time.Duration, err error) {
	c.resourceStartLatency.WithLabelValues(resource, kind, result(err)).Observe(d.Seconds())
	if err != nil {
		c.resourceFailures.WithLabelValues(resource, kind, "start").Inc()
	}
}

func (c *Collector) RecordResourceStop(resource, kind string, d time.Duration, err error) {
	c.resourceStopLatency.WithLabelValues(resource, kind, result(err)).Observe(d.Seconds())
	if err != nil {
		c.resourceFailures.WithLabelValues(resource, kind, "stop").Inc()
	}
}

func (c *Collector) RecordInstallRejected(kind, reason string) {
	c.installRejected.WithLabelValues(kind, reason).Inc()
}

func (c *Collector) RecordTick(module string, d time.Duration, res string) {
	c.ticks.WithLabelValues(module, res).Inc()
	c.tickLatency.WithLabelValues(module).Observe(d.Seconds())
}

func (c *Collector) RecordTickSkipped(module string) {
	c.ticksSkipped.WithLabelValues(module).Inc()
}

func (c *Collector) RecordTickDropped(module string) {
	c.ticksDropped.WithLabelValues(module).Inc()
}

func (c *Collector) RecordTickPoolActive(n int) {
	c.poolActive.Set(float64(n))
}

func (c *Collector) RecordSessionsReaped(n int) {
	c.reaped.Add(float64(n))
}

func (c *Collector) RecordPublish(queue, topic string, d time.Duration, err error) {
	c.publishTotal.WithLabelValues(queue, topic, result(err)).Inc()
	c.publishLatency.WithLabelValues(queue).Observe(d.Seconds())
}

func (c *Collector) RecordDelivery(queue, topic string, err error) {
	c.deliveries.WithLabelValues(queue, topic, result(err)).Inc()
}

func (c *Collector) RecordTransaction(cache string, d time.Duration, err error) {
	c.txnTotal.WithLabelValues(cache, result(err)).Inc()
	c.txnLatency.WithLabelValues(cache).Observe(d.Seconds())
}

func (c *Collector) RecordRecoveryAttempt(resource, strategy string) {
	c.recoveryAttempts.WithLabelValues(resource, strategy).Inc()
}

func (c *Collector) RecordRecoveryResult(resource, strategy string, d time.Duration, err error) {
	c.recoveryResults.WithLabelValues(resource, strategy, result(err)).Inc()
	c.recoveryLatency.WithLabelValues(resource).Observe(d.Seconds())
}

func (c *Collector) RecordProcess(cpuPercent float64, rssBytes uint64, goroutines, threads int) {
	c.cpuPercent.Set(cpuPercent)
	c.rssBytes.Set(float64(rssBytes))
	c.goroutines.Set(float64(goroutines))
	c.threads.Set(float64(threads))
}

func (c *Collector) RecordPlugins(module string, n int) {
	c.plugins.WithLabelValues(module).Set(float64(n))
}

// NoOpCollector discards all metrics.
type NoOpCollector struct{}

// NewNoOpCollector returns a collector that records nothing.
func NewNoOpCollector() *NoOpCollector {
	return &NoOpCollector{}
}

func (*NoOpCollector) RecordResourceStatus(string, string, int)                  {}
func (*NoOpCollector) RecordResourceStart(string, string, time.Duration, error)  {}
func (*NoOpCollector) RecordResourceStop(string, string, time.Duration, error)   {}
func (*NoOpCollector) RecordInstallRejected(string, string)                      {}
func (*NoOpCollector) RecordTick(string, time.Duration, string)                  {}
func (*NoOpCollector) RecordTickSkipped(string)                                  {}
func (*NoOpCollector) RecordTickDropped(string)                                  {}
func (*NoOpCollector) RecordTickPoolActive(int)                                  {}
func (*NoOpCollector) RecordSessionsReaped(int)                                  {}
func (*NoOpCollector) RecordPublish(string, string, time.Duration, error)        {}
func (*NoOpCollector) RecordDelivery(string, string, error)                      {}
func (*NoOpCollector) RecordTransaction(string, time.Duration, error)            {}
func (*NoOpCollector) RecordRecoveryAttempt(string, string)                      {}
func (*NoOpCollector) RecordRecoveryResult(string, string, time.Duration, error) {}
func (*NoOpCollector) RecordProcess(float64, uint64, int, int)                   {}
func (*NoOpCollector) RecordPlugins(string, int)                                 {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = (*NoOpCollector)(nil)
)

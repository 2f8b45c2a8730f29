// Package metrics provides Prometheus metrics for validium-demo.
//
// Each Collector owns a private registry, so several runs (or tests) never
// share metric state. Supervisor metrics are labelled by process label
// ("server", "workload"); fetcher metrics are unlabelled apart from outcome.
package metrics

import (
	"io"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const namespace = "validium_demo"

// CollectorConfig describes the run the metrics belong to.
type CollectorConfig struct {
	Version string
	RunID   string
	Mode    string // "run" or "fetch"
}

// Collector records supervisor and fetcher metrics.
type Collector struct {
	registry *prometheus.Registry

	info *prometheus.GaugeVec

	// --- Supervisor ---
	processState   *prometheus.GaugeVec
	processStarts  *prometheus.CounterVec
	processExits   *prometheus.CounterVec
	processLines   *prometheus.CounterVec
	processReady   *prometheus.GaugeVec
	processUptime  *prometheus.GaugeVec
	workloadLaunch prometheus.Gauge
	launchFailures *prometheus.CounterVec

	// --- Fetcher ---
	fetchAttempts *prometheus.CounterVec
	fetchLatency  prometheus.Histogram
	fetchRetries  prometheus.Counter
	highestBatch  prometheus.Gauge
	batchesStored prometheus.Counter
	storeSave     prometheus.Histogram
}

// NewCollector creates a collector with its own registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.NewRegistry())
}

// NewCollectorWithRegistry creates a collector registered on registry.
func NewCollectorWithRegistry(cfg CollectorConfig, registry *prometheus.Registry) *Collector {
	c := &Collector{
		registry: registry,

		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Information about this run (value always 1)",
		}, []string{"version", "run_id", "mode"}),

		processState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_state",
			Help:      "Supervised process state (0=created 1=building 2=ready 3=terminated)",
		}, []string{"label"}),

		processStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_starts_total",
			Help:      "Processes started",
		}, []string{"label"}),

		processExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_exits_total",
			Help:      "Process exits by exit code category",
		}, []string{"label", "code"}),

		processLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_output_lines_total",
			Help:      "Output lines read from supervised processes",
		}, []string{"label", "forwarded"}),

		processReady: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_ready_seconds",
			Help:      "Seconds from process start to the ready marker",
		}, []string{"label"}),

		processUptime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_uptime_seconds",
			Help:      "Lifetime of the last exited process",
		}, []string{"label"}),

		workloadLaunch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workload_launched",
			Help:      "1 once the dependent workload has been launched",
		}),

		launchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_launch_failures_total",
			Help:      "Processes that could not be started",
		}, []string{"label"}),

		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Batch fetch attempts by outcome",
		}, []string{"outcome"}),

		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_latency_seconds",
			Help:      "Batch RPC round-trip time",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		fetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Retry waits scheduled",
		}),

		highestBatch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fetch_highest_batch",
			Help:      "Highest batch number persisted",
		}),

		batchesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_stored_total",
			Help:      "Batches persisted during this run",
		}),

		storeSave: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_save_seconds",
			Help:      "Time to atomically rewrite the batch document",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}

	registry.MustRegister(
		c.info,
		c.processState,
		c.processStarts,
		c.processExits,
		c.processLines,
		c.processReady,
		c.processUptime,
		c.workloadLaunch,
		c.launchFailures,
		c.fetchAttempts,
		c.fetchLatency,
		c.fetchRetries,
		c.highestBatch,
		c.batchesStored,
		c.storeSave,
	)

	c.info.WithLabelValues(cfg.Version, cfg.RunID, cfg.Mode).Set(1)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// =============================================================================
// Supervisor
// =============================================================================

// SetProcessState records a state transition. state is the numeric state.
func (c *Collector) SetProcessState(label string, state int) {
	c.processState.WithLabelValues(label).Set(float64(state))
}

// ProcessStarted counts a start.
func (c *Collector) ProcessStarted(label string) {
	c.processStarts.WithLabelValues(label).Inc()
}

// ProcessLaunchFailed counts a process that never started.
func (c *Collector) ProcessLaunchFailed(label string) {
	c.launchFailures.WithLabelValues(label).Inc()
}

// RecordLine counts one output line.
func (c *Collector) RecordLine(label string, forwarded bool) {
	c.processLines.WithLabelValues(label, strconv.FormatBool(forwarded)).Inc()
}

// ProcessReady records the time it took to reach the ready marker.
func (c *Collector) ProcessReady(label string, after time.Duration) {
	c.processReady.WithLabelValues(label).Set(after.Seconds())
}

// ProcessExited records an exit.
func (c *Collector) ProcessExited(label string, exitCode int, uptime time.Duration) {
	c.processExits.WithLabelValues(label, ExitCodeLabel(exitCode)).Inc()
	c.processUptime.WithLabelValues(label).Set(uptime.Seconds())
}

// WorkloadLaunched marks the dependent launch.
func (c *Collector) WorkloadLaunched() {
	c.workloadLaunch.Set(1)
}

// =============================================================================
// Fetcher
// =============================================================================

// FetchAttempt records one completed RPC call.
func (c *Collector) FetchAttempt(outcome string, latency time.Duration) {
	c.fetchAttempts.WithLabelValues(outcome).Inc()
	c.fetchLatency.Observe(latency.Seconds())
}

// FetchRetry counts a scheduled retry.
func (c *Collector) FetchRetry() {
	c.fetchRetries.Inc()
}

// BatchStored records a persisted batch.
func (c *Collector) BatchStored(batch int64) {
	c.batchesStored.Inc()
	c.highestBatch.Set(float64(batch))
}

// SetHighestBatch sets the gauge at startup from the loaded store.
func (c *Collector) SetHighestBatch(batch int64) {
	c.highestBatch.Set(float64(batch))
}

// StoreSaved observes one document rewrite.
func (c *Collector) StoreSaved(d time.Duration) {
	c.storeSave.Observe(d.Seconds())
}

// =============================================================================
// Export
// =============================================================================

// Gather returns the current metric families.
func (c *Collector) Gather() ([]*dto.MetricFamily, error) {
	return c.registry.Gather()
}

// WriteSnapshot writes every metric in the text exposition format.
func (c *Collector) WriteSnapshot(w io.Writer) error {
	families, err := c.registry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// CounterTotal sums a counter family across all label values. It returns
// false when the family does not exist.
func (c *Collector) CounterTotal(name string) (float64, bool) {
	families, err := c.registry.Gather()
	if err != nil {
		return 0, false
	}
	for _, mf := range families {
		if mf.GetName() != name || mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total, true
	}
	return 0, false
}

// ExitCodeLabel buckets exit codes so the label set stays small.
func ExitCodeLabel(code int) string {
	switch {
	case code == 0:
		return "0"
	case code < 0:
		return "launch_failed"
	case code == 130:
		return "130_sigint"
	case code == 137:
		return "137_sigkill"
	case code == 143:
		return "143_sigterm"
	case code > 128:
		return "signal"
	default:
		return "error"
	}
}

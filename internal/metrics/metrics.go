// Package metrics holds the process-wide Prometheus collectors. All record methods are
// safe on a nil *Metrics, which is how components run with metrics disabled.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sigwatch"

type Metrics struct {
	reg *prometheus.Registry

	SignalsIn *prometheus.CounterVec // source

	TimeoutArmed     *prometheus.CounterVec // block
	TimeoutCancelled *prometheus.CounterVec // block
	TimeoutFired     *prometheus.CounterVec // block, repeatable
	TimeoutActive    *prometheus.GaugeVec   // block
	TimeoutSkipped   *prometheus.CounterVec // block, reason
	EmitErrors       *prometheus.CounterVec // block

	DebouncePassed  *prometheus.CounterVec // block
	DebounceDropped *prometheus.CounterVec // block

	DispatchQueued  prometheus.Counter
	DispatchDropped prometheus.Counter
	DispatchDepth   prometheus.Gauge

	StoreOps      *prometheus.CounterVec   // driver, op, result
	StoreDuration *prometheus.HistogramVec // driver, op

	NotifySent   *prometheus.CounterVec // result
	NotifyQueued prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		SignalsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "source", Name: "signals_total",
			Help: "Signals received per source",
		}, []string{"source"}),
		TimeoutArmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "timeout", Name: "armed_total",
			Help: "Timers armed",
		}, []string{"block"}),
		TimeoutCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "timeout", Name: "cancelled_total",
			Help: "Timers cancelled by a newer signal of the same group or by stop",
		}, []string{"block"}),
		TimeoutFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "timeout", Name: "fired_total",
			Help: "Timeout signals emitted",
		}, []string{"block", "repeatable"}),
		TimeoutActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "timeout", Name: "armed",
			Help: "Currently armed timers",
		}, []string{"block"}),
		TimeoutSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "timeout", Name: "skipped_total",
			Help: "Intervals not armed because evaluation or scheduling failed",
		}, []string{"block", "reason"}),
		EmitErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "block", Name: "emit_errors_total",
			Help: "Downstream emission failures",
		}, []string{"block"}),
		DebouncePassed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "debounce", Name: "passed_total",
			Help: "Signals let through by debounce",
		}, []string{"block"}),
		DebounceDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "debounce", Name: "dropped_total",
			Help: "Signals suppressed by debounce",
		}, []string{"block"}),
		DispatchQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "queued_total",
			Help: "Batches accepted into the dispatch queue",
		}),
		DispatchDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "dropped_total",
			Help: "Batches dropped because the dispatch queue was full",
		}),
		DispatchDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "queue_depth",
			Help: "Batches waiting in the dispatch queue",
		}),
		StoreOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "ops_total",
			Help: "Registry store operations",
		}, []string{"driver", "op", "result"}),
		StoreDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "store", Name: "op_duration_seconds",
			Help:    "Registry store operation latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"driver", "op"}),
		NotifySent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notifier", Name: "sent_total",
			Help: "Chat notifications by outcome",
		}, []string{"result"}),
		NotifyQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "notifier", Name: "queue_depth",
			Help: "Notifications waiting to be sent",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SignalsIn,
		m.TimeoutArmed, m.TimeoutCancelled, m.TimeoutFired, m.TimeoutActive, m.TimeoutSkipped,
		m.EmitErrors,
		m.DebouncePassed, m.DebounceDropped,
		m.DispatchQueued, m.DispatchDropped, m.DispatchDepth,
		m.StoreOps, m.StoreDuration,
		m.NotifySent, m.NotifyQueued,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) SignalReceived(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SignalsIn.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) Armed(block string) {
	if m == nil {
		return
	}
	m.TimeoutArmed.WithLabelValues(block).Inc()
	m.TimeoutActive.WithLabelValues(block).Inc()
}

func (m *Metrics) Cancelled(block string) {
	if m == nil {
		return
	}
	m.TimeoutCancelled.WithLabelValues(block).Inc()
	m.TimeoutActive.WithLabelValues(block).Dec()
}

// Fired counts an emitted timeout. A one-shot timer also leaves the armed gauge.
func (m *Metrics) Fired(block string, repeatable bool) {
	if m == nil {
		return
	}
	r := "false"
	if repeatable {
		r = "true"
	} else {
		m.TimeoutActive.WithLabelValues(block).Dec()
	}
	m.TimeoutFired.WithLabelValues(block, r).Inc()
}

func (m *Metrics) Skipped(block, reason string) {
	if m == nil {
		return
	}
	m.TimeoutSkipped.WithLabelValues(block, reason).Inc()
}

func (m *Metrics) EmitFailed(block string) {
	if m == nil {
		return
	}
	m.EmitErrors.WithLabelValues(block).Inc()
}

func (m *Metrics) Debounced(block string, passed, dropped int) {
	if m == nil {
		return
	}
	if passed > 0 {
		m.DebouncePassed.WithLabelValues(block).Add(float64(passed))
	}
	if dropped > 0 {
		m.DebounceDropped.WithLabelValues(block).Add(float64(dropped))
	}
}

func (m *Metrics) Enqueued(depth int) {
	if m == nil {
		return
	}
	m.DispatchQueued.Inc()
	m.DispatchDepth.Set(float64(depth))
}

func (m *Metrics) Dequeued(depth int) {
	if m == nil {
		return
	}
	m.DispatchDepth.Set(float64(depth))
}

func (m *Metrics) QueueFull() {
	if m == nil {
		return
	}
	m.DispatchDropped.Inc()
}

func (m *Metrics) StoreOp(driver, op string, seconds float64, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StoreOps.WithLabelValues(driver, op, result).Inc()
	m.StoreDuration.WithLabelValues(driver, op).Observe(seconds)
}

func (m *Metrics) Notified(result string, depth int) {
	if m == nil {
		return
	}
	if result != "" {
		m.NotifySent.WithLabelValues(result).Inc()
	}
	m.NotifyQueued.Set(float64(depth))
}

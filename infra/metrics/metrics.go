// Package metrics owns the process Prometheus registry. Every method is safe
// on a nil *Metrics so components can run without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	commands      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	trades        prometheus.Counter
	haltedPairs   prometheus.Gauge
	queueDepth    prometheus.Gauge
	outboxDropped prometheus.Counter
	outboxStored  prometheus.Counter
	published     *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,

		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_commands_total",
			Help:      "Commands processed by the engine loop, by type and result",
		}, []string{"type", "result"}),

		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_command_seconds",
			Help:      "Time from dequeue to reply for engine commands",
			Buckets:   []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 5e-3, 1e-2, 5e-2},
		}, []string{"type"}),

		trades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_executed_total",
			Help:      "Total number of trades executed",
		}),

		haltedPairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_halted_pairs",
			Help:      "Pairs whose matching is halted after an invariant violation",
		}),

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_queue_depth",
			Help:      "Commands waiting in the engine queue",
		}),

		outboxDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_dropped_total",
			Help:      "Events dropped because the archiver queue was full",
		}),

		outboxStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_stored_total",
			Help:      "Events written to the outbox",
		}),

		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox publish attempts by result",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.commands, m.latency, m.trades, m.haltedPairs, m.queueDepth,
		m.outboxDropped, m.outboxStored, m.published,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WatchSeq exports a sequence number read at scrape time, e.g. the WAL's
// durable sequence.
func (m *Metrics) WatchSeq(name, help string, read func() uint64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	}, func() float64 { return float64(read()) }))
}

func (m *Metrics) ObserveCommand(typ, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(typ, result).Inc()
	m.latency.WithLabelValues(typ).Observe(d.Seconds())
}

func (m *Metrics) AddTrades(n int) {
	if m == nil || n == 0 {
		return
	}
	m.trades.Add(float64(n))
}

func (m *Metrics) SetHaltedPairs(n int) {
	if m == nil {
		return
	}
	m.haltedPairs.Set(float64(n))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) OutboxDropped() {
	if m == nil {
		return
	}
	m.outboxDropped.Inc()
}

func (m *Metrics) OutboxStored(n int) {
	if m == nil || n == 0 {
		return
	}
	m.outboxStored.Add(float64(n))
}

func (m *Metrics) Published(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.published.WithLabelValues(result).Inc()
}

// Package metrics holds the bridge's Prometheus instruments. Each Metrics value
// owns a private registry, so tests and multiple engines never collide.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"slackbridge/internal/a2a"
	"slackbridge/internal/domain"
)

const namespace = "slackbridge"

// Stage is a pipeline step outcome.
type Stage string

const (
	StageReceived          Stage = "received"
	StageFiltered          Stage = "filtered"
	StageThrottled         Stage = "throttled"
	StageSanitizedRejected Stage = "sanitized_rejected"
	StageInvoked           Stage = "invoked"
	StageSucceeded         Stage = "succeeded"
	StageFailed            Stage = "failed"
)

var allStages = []Stage{
	StageReceived, StageFiltered, StageThrottled, StageSanitizedRejected,
	StageInvoked, StageSucceeded, StageFailed,
}

// Metrics aggregates counters, gauges and histograms for one bridge process.
type Metrics struct {
	registry  *prometheus.Registry
	startTime time.Time

	stages            *prometheus.CounterVec
	filtered          *prometheus.CounterVec
	invocation        *prometheus.HistogramVec
	dropped           prometheus.Counter
	inflight          prometheus.Gauge
	envelopes         *prometheus.CounterVec
	connectionState   prometheus.Gauge
	reconnects        prometheus.Counter
	heartbeatTimeouts prometheus.Counter
	replyErrors       prometheus.Counter
}

// New creates and registers all instruments.
func New() *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),

		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "events_total",
			Help:      "Inbound events by pipeline stage outcome.",
		}, []string{"stage"}),
		filtered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "filtered_total",
			Help:      "Events discarded before invocation, by reason.",
		}, []string{"reason"}),
		invocation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "invocation_duration_seconds",
			Help:      "Wall time of a complete agent invocation including retries.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "dropped_total",
			Help:      "Events dropped because the handler queue was full.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "inflight",
			Help:      "Events currently being handled.",
		}),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "envelopes_total",
			Help:      "Socket Mode envelopes by type and processing status.",
		}, []string{"type", "status"}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Connection state: 0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 shutting down.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "reconnects_total",
			Help:      "Transitions into the reconnecting state.",
		}),
		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "heartbeat_timeouts_total",
			Help:      "Heartbeat acks not observed within the timeout.",
		}),
		replyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "slack",
			Name:      "reply_errors_total",
			Help:      "Failed chat.postMessage calls.",
		}),
	}

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Time since start in seconds.",
	}, func() float64 { return time.Since(m.startTime).Seconds() })

	m.registry.MustRegister(
		m.stages, m.filtered, m.invocation, m.dropped, m.inflight,
		m.envelopes, m.connectionState, m.reconnects, m.heartbeatTimeouts,
		m.replyErrors, uptime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Pre-create stage series so every stage is exported from the first scrape.
	for _, s := range allStages {
		m.stages.WithLabelValues(string(s))
	}
	return m
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Uptime returns how long the metrics have been collected.
func (m *Metrics) Uptime() time.Duration { return time.Since(m.startTime) }

func (m *Metrics) IncStage(s Stage) { m.stages.WithLabelValues(string(s)).Inc() }

// IncFiltered counts a discarded event under both the filtered stage and its reason.
func (m *Metrics) IncFiltered(reason string) {
	m.stages.WithLabelValues(string(StageFiltered)).Inc()
	m.filtered.WithLabelValues(reason).Inc()
}

// ObserveInvocation implements a2a.InvocationObserver.
func (m *Metrics) ObserveInvocation(d time.Duration, kind a2a.ErrorKind) {
	outcome := "success"
	if kind != "" {
		outcome = string(kind)
	}
	m.invocation.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) IncDropped() { m.dropped.Inc() }

func (m *Metrics) AddInflight(d float64) { m.inflight.Add(d) }

func (m *Metrics) IncHeartbeatTimeout() { m.heartbeatTimeouts.Inc() }

func (m *Metrics) IncReplyError() { m.replyErrors.Inc() }

func (m *Metrics) IncEnvelope(envelopeType, status string) {
	m.envelopes.WithLabelValues(envelopeType, status).Inc()
}

// ConnectionStateChanged implements domain.StateObserver.
func (m *Metrics) ConnectionStateChanged(_, to domain.ConnectionState) {
	m.connectionState.Set(float64(to))
	if to == domain.StateReconnecting {
		m.reconnects.Inc()
	}
}

// RegisterGaugeFunc exports fn as a gauge, for sizes owned by other components.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

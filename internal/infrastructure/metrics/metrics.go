package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "iotlab"

// Message kinds used as the "kind" label.
const (
	KindTelemetry = "telemetry"
	KindResponse  = "response"
)

// Outcomes used as the "outcome" label.
const (
	OutcomeAccepted  = "accepted"
	OutcomeFiltered  = "filtered"
	OutcomeMalformed = "malformed"
	OutcomeFailed    = "failed"
	OutcomeDiscarded = "discarded"
	OutcomeRouted    = "routed"
	OutcomePublished = "published"
	OutcomeDropped   = "dropped"
	OutcomeInvalid   = "invalid"
	OutcomeDelivered = "delivered"
)

// Metrics holds the service's Prometheus collectors on a private registry.
//
// Every method is safe on a nil *Metrics, so components can be built
// without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	messages        *prometheus.CounterVec
	handleDuration  *prometheus.HistogramVec
	queueDepth      prometheus.Gauge
	provisioned     prometheus.Counter
	commands        *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	listeners       prometheus.Gauge
	routerState     prometheus.Gauge
	busConnected    prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	startupAttempts prometheus.Counter
}

// New creates and registers all collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Inbound bus messages by kind and outcome",
		}, []string{"kind", "outcome"}),

		handleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "handle_duration_seconds",
			Help:      "Time spent processing one inbound message",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"kind"}),

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "queue_depth",
			Help:      "Messages waiting in the per-device worker queues",
		}),

		provisioned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "devices_provisioned_total",
			Help:      "Devices created by auto-provisioning",
		}),

		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "total",
			Help:      "Outbound commands by outcome",
		}, []string{"outcome"}),

		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "deliveries_total",
			Help:      "Real-time messages handed to listeners by outcome",
		}, []string{"outcome"}),

		listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "listeners",
			Help:      "Connected real-time listeners",
		}),

		routerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "state",
			Help:      "Router lifecycle state (0 initializing, 1 running, 2 stopped)",
		}),

		busConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "connected",
			Help:      "1 while the broker connection is up",
		}),

		startupAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "subscribe_attempts_total",
			Help:      "Attempts made to establish the inbound subscriptions",
		}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messages,
		m.handleDuration,
		m.queueDepth,
		m.provisioned,
		m.commands,
		m.deliveries,
		m.listeners,
		m.routerState,
		m.busConnected,
		m.startupAttempts,
		m.httpRequests,
		m.httpDuration,
	)

	return m
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MessageHandled counts one inbound message.
func (m *Metrics) MessageHandled(kind, outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind, outcome).Inc()
}

// ObserveHandle records how long one inbound message took.
func (m *Metrics) ObserveHandle(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.handleDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// QueueDepthAdd moves the worker queue gauge by delta.
func (m *Metrics) QueueDepthAdd(delta float64) {
	if m == nil {
		return
	}
	m.queueDepth.Add(delta)
}

// DeviceProvisioned counts one auto-provisioned device.
func (m *Metrics) DeviceProvisioned() {
	if m == nil {
		return
	}
	m.provisioned.Inc()
}

// CommandHandled counts one outbound command.
func (m *Metrics) CommandHandled(outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(outcome).Inc()
}

// Delivery counts one real-time hand-off.
func (m *Metrics) Delivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

// SetListeners sets the connected listener gauge.
func (m *Metrics) SetListeners(n int) {
	if m == nil {
		return
	}
	m.listeners.Set(float64(n))
}

// SetRouterState records the router lifecycle state.
func (m *Metrics) SetRouterState(state int) {
	if m == nil {
		return
	}
	m.routerState.Set(float64(state))
}

// SetBusConnected records the broker link state.
func (m *Metrics) SetBusConnected(up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.busConnected.Set(v)
}

// SubscribeAttempt counts one attempt to establish inbound subscriptions.
func (m *Metrics) SubscribeAttempt() {
	if m == nil {
		return
	}
	m.startupAttempts.Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, http.StatusText(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/iotlab-core/internal/correlator"
	"github.com/nerrad567/iotlab-core/internal/device"
	"github.com/nerrad567/iotlab-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/iotlab-core/internal/infrastructure/metrics"
	"github.com/nerrad567/iotlab-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/iotlab-core/internal/reading"
	"github.com/nerrad567/iotlab-core/internal/telemetry"
)

// State is the router lifecycle state.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	// ErrBusNotConnected is reported by a subscription attempt while the
	// broker link is down.
	ErrBusNotConnected = errors.New("router: bus not connected")

	// ErrSubscribeFailed is returned by Start when MaxAttempts is exhausted.
	ErrSubscribeFailed = errors.New("router: subscription failed")

	// ErrNotInitializing is returned by Start on a router that already ran.
	ErrNotInitializing = errors.New("router: not in INITIALIZING state")
)

// Bus is the inbound side of the message bus.
type Bus interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	HasSubscription(topic string) bool
	IsConnected() bool
}

// Registry provisions devices on first sight.
type Registry interface {
	FindOrCreate(ctx context.Context, id device.Identity) (*device.Device, error)
}

// Store persists readings.
type Store interface {
	Append(ctx context.Context, r *reading.Reading) error
}

// ResponseRouter handles command responses.
type ResponseRouter interface {
	Route(ctx context.Context, topic string, payload []byte) bool
}

// Notifier is told about every stored reading.
type Notifier interface {
	OnTelemetry(r *reading.Reading, d *device.Device)
}

// TimeSeries mirrors readings into a time-series database.
type TimeSeries interface {
	WriteTelemetry(p influxdb.TelemetryPoint)
	Flush()
}

// Logger defines the logging interface used by the Router.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds the router settings.
type Config struct {
	TelemetryTopic string
	ResponseTopic  string
	QoS            byte

	Workers        int
	QueueSize      int
	HandlerTimeout time.Duration

	Backoff Backoff
}

// Deps groups the Router's collaborators. TimeSeries, Notifier, Logger
// and Metrics are optional.
type Deps struct {
	Bus        Bus
	Registry   Registry
	Store      Store
	Responses  ResponseRouter
	Notifier   Notifier
	TimeSeries TimeSeries
	Logger     Logger
	Metrics    *metrics.Metrics
}

// Router subscribes the inbound topics and dispatches their messages.
type Router struct {
	cfg  Config
	deps Deps

	pool *workerPool

	mu    sync.RWMutex
	state State
}

// New creates a router in StateInitializing.
func New(cfg Config, deps Deps) *Router {
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}
	cfg.Backoff = cfg.Backoff.normalised()

	r := &Router{
		cfg:   cfg,
		deps:  deps,
		pool:  newWorkerPool(cfg.Workers, cfg.QueueSize, cfg.HandlerTimeout, deps.Logger, deps.Metrics),
		state: StateInitializing,
	}
	deps.Metrics.SetRouterState(int(StateInitializing))
	return r
}

// State returns the current lifecycle state.
func (r *Router) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Router) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.deps.Metrics.SetRouterState(int(s))
}

// Start subscribes both inbound topics, retrying with exponential backoff
// until they are accepted, MaxAttempts is used up or ctx ends. On success
// the router is RUNNING; otherwise it is STOPPED and the last error is
// returned.
func (r *Router) Start(ctx context.Context) error {
	if s := r.State(); s != StateInitializing {
		return fmt.Errorf("%w: %s", ErrNotInitializing, s)
	}

	r.pool.start()

	b := r.cfg.Backoff
	delay := b.Initial
	for attempt := 1; ; attempt++ {
		r.deps.Metrics.SubscribeAttempt()

		err := r.subscribe()
		if err == nil {
			r.setState(StateRunning)
			r.deps.Logger.Info("router running",
				"telemetry_topic", r.cfg.TelemetryTopic,
				"response_topic", r.cfg.ResponseTopic,
				"attempts", attempt,
			)
			return nil
		}

		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			r.abort()
			return fmt.Errorf("%w after %d attempts: %w", ErrSubscribeFailed, attempt, err)
		}

		wait := b.wait(delay)
		r.deps.Logger.Warn("router subscription failed, retrying",
			"attempt", attempt,
			"retry_in", wait.String(),
			"error", err,
		)
		if err := sleep(ctx, wait); err != nil {
			r.abort()
			return err
		}
		delay = b.next(delay)
	}
}

func (r *Router) abort() {
	r.setState(StateStopped)
	r.unsubscribe()
	r.pool.stop(context.Background()) //nolint:errcheck // drains whatever a partial subscription let in
}

func (r *Router) subscribe() error {
	if !r.deps.Bus.IsConnected() {
		return ErrBusNotConnected
	}
	for _, sub := range r.subscriptions() {
		// A topic accepted on an earlier attempt stays subscribed.
		if r.deps.Bus.HasSubscription(sub.topic) {
			continue
		}
		if err := r.deps.Bus.Subscribe(sub.topic, r.cfg.QoS, sub.handler); err != nil {
			return fmt.Errorf("subscribing %s: %w", sub.topic, err)
		}
	}
	return nil
}

type topicHandler struct {
	topic   string
	handler mqtt.MessageHandler
}

func (r *Router) subscriptions() []topicHandler {
	return []topicHandler{
		{r.cfg.TelemetryTopic, r.handleTelemetry},
		{r.cfg.ResponseTopic, r.handleResponse},
	}
}

// unsubscribe releases the inbound topics. A dropped link already lost them
// broker-side, so failures are only logged.
func (r *Router) unsubscribe() {
	for _, sub := range r.subscriptions() {
		if !r.deps.Bus.HasSubscription(sub.topic) {
			continue
		}
		if err := r.deps.Bus.Unsubscribe(sub.topic); err != nil {
			r.deps.Logger.Debug("unsubscribe failed", "topic", sub.topic, "error", err)
		}
	}
}

// Stop unsubscribes the inbound topics, waits for queued messages to be
// handled and flushes the time-series mirror. When ctx ends first,
// in-flight handlers are cancelled.
func (r *Router) Stop(ctx context.Context) error {
	if r.State() == StateStopped {
		return nil
	}
	r.setState(StateStopped)
	r.unsubscribe()
	err := r.pool.stop(ctx)
	if r.deps.TimeSeries != nil {
		r.deps.TimeSeries.Flush()
	}
	r.deps.Logger.Info("router stopped")
	return err
}

// handleTelemetry runs on the bus delivery goroutine: decode, then hand the
// frame to its device's worker.
func (r *Router) handleTelemetry(_ string, payload []byte) error {
	res, err := telemetry.Decode(payload)
	if err != nil {
		r.deps.Logger.Info("malformed telemetry discarded", "error", err, "bytes", len(payload))
		r.deps.Metrics.MessageHandled(metrics.KindTelemetry, metrics.OutcomeMalformed)
		return nil
	}
	if !res.Accepted() {
		r.deps.Metrics.MessageHandled(metrics.KindTelemetry, metrics.OutcomeFiltered)
		return nil
	}

	frame := res.Frame
	received := time.Now()
	if !r.pool.submit(frame.Identity.ExternalID, func(ctx context.Context) {
		r.processTelemetry(ctx, frame, received)
	}) {
		r.deps.Logger.Debug("router stopped, telemetry dropped", "device_id", frame.Identity.ExternalID)
	}
	return nil
}

func (r *Router) processTelemetry(ctx context.Context, frame telemetry.Frame, received time.Time) {
	defer func() { r.deps.Metrics.ObserveHandle(metrics.KindTelemetry, time.Since(received)) }()

	dev, err := r.deps.Registry.FindOrCreate(ctx, device.Identity{
		ExternalID:  frame.Identity.ExternalID,
		Name:        frame.Identity.Name,
		NetworkName: frame.Identity.NetworkName,
		Address:     frame.Identity.Address,
	})
	if err != nil {
		r.deps.Logger.Error("device resolution failed, telemetry dropped",
			"device_id", frame.Identity.ExternalID,
			"error", err,
		)
		r.deps.Metrics.MessageHandled(metrics.KindTelemetry, metrics.OutcomeFailed)
		return
	}

	rd := reading.FromFrame(dev.ID, frame)
	if err := r.deps.Store.Append(ctx, rd); err != nil {
		r.deps.Logger.Error("failed to store reading",
			"device_id", dev.ExternalID,
			"error", err,
		)
		r.deps.Metrics.MessageHandled(metrics.KindTelemetry, metrics.OutcomeFailed)
		return
	}

	if r.deps.TimeSeries != nil {
		r.deps.TimeSeries.WriteTelemetry(influxdb.TelemetryPoint{
			DeviceID:   dev.ExternalID,
			DeviceName: dev.Name,
			Broker:     frame.Broker,
			Fields:     rd.Fields(),
			Time:       rd.CreatedAt,
		})
	}

	if r.deps.Notifier != nil {
		r.deps.Notifier.OnTelemetry(rd, dev)
	}

	r.deps.Logger.Debug("telemetry stored", "device_id", dev.ExternalID, "reading_id", rd.ID)
	r.deps.Metrics.MessageHandled(metrics.KindTelemetry, metrics.OutcomeAccepted)
}

// handleResponse queues a command response behind earlier messages from
// the same device, whatever sub-topic they arrived on.
func (r *Router) handleResponse(topic string, payload []byte) error {
	received := time.Now()
	body := append([]byte(nil), payload...)
	if !r.pool.submit(responseKey(topic), func(ctx context.Context) {
		r.deps.Responses.Route(ctx, topic, body)
		r.deps.Metrics.ObserveHandle(metrics.KindResponse, time.Since(received))
	}) {
		r.deps.Logger.Debug("router stopped, response dropped", "topic", topic)
	}
	return nil
}

// responseKey is the worker key of a response: its device, or the raw
// topic when the topic names none.
func responseKey(topic string) string {
	if externalID, ok := correlator.DeviceFromTopic(topic); ok {
		return externalID
	}
	return topic
}

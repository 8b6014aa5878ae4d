package realtime

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/iotlab-core/internal/device"
	"github.com/nerrad567/iotlab-core/internal/infrastructure/metrics"
	"github.com/nerrad567/iotlab-core/internal/reading"
)

// Message types of the envelope.
const (
	TypeEvent = "event"
)

// Channel prefixes.
const (
	SensorDataPrefix      = "sensorData/"
	CommandResponsePrefix = "command-response/"
)

// SensorDataChannel names the channel carrying readings of device id.
func SensorDataChannel(id int64) string {
	return SensorDataPrefix + strconv.FormatInt(id, 10)
}

// CommandResponseChannel names the channel carrying responses of a device.
func CommandResponseChannel(externalID string) string {
	return CommandResponsePrefix + externalID
}

// Message is the envelope every listener receives.
type Message struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// Listener receives encoded messages. Deliver must not block; it returns
// false when the message was not taken.
type Listener interface {
	Deliver(data []byte) bool
}

// Logger defines the logging interface used by the Hub.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Error(string, ...any) {}

// Hub tracks channel subscriptions and broadcasts to them.
//
// All methods are safe for concurrent use.
type Hub struct {
	mu        sync.RWMutex
	channels  map[string]map[Listener]struct{}
	listeners map[Listener]map[string]struct{}

	logger  Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewHub creates an empty hub. m may be nil.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		channels:  make(map[string]map[Listener]struct{}),
		listeners: make(map[Listener]map[string]struct{}),
		logger:    noopLogger{},
		metrics:   m,
		now:       time.Now,
	}
}

// SetLogger sets the logger for the hub.
func (h *Hub) SetLogger(logger Logger) {
	h.logger = logger
}

// Subscribe adds l to each channel. Subscribing twice is harmless.
func (h *Hub) Subscribe(l Listener, channels ...string) {
	h.mu.Lock()
	subs, ok := h.listeners[l]
	if !ok {
		subs = make(map[string]struct{})
		h.listeners[l] = subs
	}
	for _, ch := range channels {
		set, ok := h.channels[ch]
		if !ok {
			set = make(map[Listener]struct{})
			h.channels[ch] = set
		}
		set[l] = struct{}{}
		subs[ch] = struct{}{}
	}
	n := len(h.listeners)
	h.mu.Unlock()

	h.metrics.SetListeners(n)
}

// Unsubscribe removes l from each channel. l stays known to the hub.
func (h *Hub) Unsubscribe(l Listener, channels ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.listeners[l]
	for _, ch := range channels {
		h.dropLocked(l, ch)
		delete(subs, ch)
	}
}

// Remove forgets l and all its subscriptions. Call it when the listener
// disconnects.
func (h *Hub) Remove(l Listener) {
	h.mu.Lock()
	for ch := range h.listeners[l] {
		h.dropLocked(l, ch)
	}
	delete(h.listeners, l)
	n := len(h.listeners)
	h.mu.Unlock()

	h.metrics.SetListeners(n)
}

func (h *Hub) dropLocked(l Listener, ch string) {
	set, ok := h.channels[ch]
	if !ok {
		return
	}
	delete(set, l)
	if len(set) == 0 {
		delete(h.channels, ch)
	}
}

// Broadcast sends payload to the listeners of channel and returns how many
// took it. With no listeners it does nothing.
func (h *Hub) Broadcast(channel string, payload any) int {
	// Snapshot under the lock, deliver outside it.
	h.mu.RLock()
	set := h.channels[channel]
	targets := make([]Listener, 0, len(set))
	for l := range set {
		targets = append(targets, l)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	data, err := json.Marshal(Message{
		Type:      TypeEvent,
		EventType: channel,
		Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "channel", channel, "error", err)
		return 0
	}

	delivered := 0
	for _, l := range targets {
		if l.Deliver(data) {
			delivered++
			h.metrics.Delivery(metrics.OutcomeDelivered)
		} else {
			h.metrics.Delivery(metrics.OutcomeDropped)
		}
	}
	h.logger.Debug("broadcast sent", "channel", channel, "recipients", delivered, "listeners", len(targets))
	return delivered
}

// ListenerCount returns the number of known listeners.
func (h *Hub) ListenerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Subscribers returns the number of listeners on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// OnTelemetry broadcasts a stored reading on the device's sensorData channel.
func (h *Hub) OnTelemetry(r *reading.Reading, d *device.Device) {
	h.Broadcast(SensorDataChannel(d.ID), r)
}

// OnCommandResponse broadcasts a device response unchanged. JSON payloads
// are embedded as-is; anything else is sent as a string.
func (h *Hub) OnCommandResponse(externalID string, payload []byte) {
	var body any = string(payload)
	if json.Valid(payload) {
		body = json.RawMessage(payload)
	}
	h.Broadcast(CommandResponseChannel(externalID), body)
}

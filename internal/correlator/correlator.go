// Package correlator matches device command responses to their devices.
//
// Responses arrive on a single wildcard subscription; the device is the
// third segment of the topic. Each response is forwarded to real-time
// listeners and settles the device's oldest pending command.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/nerrad567/iotlab-core/internal/command"
	"github.com/nerrad567/iotlab-core/internal/device"
	"github.com/nerrad567/iotlab-core/internal/infrastructure/metrics"
)

// deviceSegment is the index of the device id in
// <root>/command-response/<deviceId>[/...].
const deviceSegment = 2

// Notifier receives responses for fan-out.
type Notifier interface {
	OnCommandResponse(externalID string, payload []byte)
}

// DeviceLookup resolves external device ids.
type DeviceLookup interface {
	GetByExternalID(ctx context.Context, externalID string) (*device.Device, error)
}

// CommandResolver settles pending commands.
type CommandResolver interface {
	ResolveOldestPending(ctx context.Context, deviceID int64, status string) (*command.Command, error)
}

// Logger defines the logging interface used by the Correlator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// Correlator routes command responses.
type Correlator struct {
	notifier Notifier
	devices  DeviceLookup
	commands CommandResolver
	logger   Logger
	metrics  *metrics.Metrics
}

// Deps groups the Correlator's collaborators. Only Notifier is required;
// without Devices and Commands responses are forwarded but no command is
// settled.
type Deps struct {
	Notifier Notifier
	Devices  DeviceLookup
	Commands CommandResolver
	Logger   Logger
	Metrics  *metrics.Metrics
}

// New creates a Correlator.
func New(deps Deps) *Correlator {
	c := &Correlator{
		notifier: deps.Notifier,
		devices:  deps.Devices,
		commands: deps.Commands,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
	}
	if c.logger == nil {
		c.logger = noopLogger{}
	}
	return c
}

// DeviceFromTopic returns the device segment of a response topic.
// Topics with fewer than three segments carry no device.
func DeviceFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) <= deviceSegment {
		return "", false
	}
	return parts[deviceSegment], true
}

// Route handles one response message. It returns false when the topic
// names no device and the message is discarded. Store failures are logged
// and never stop the forward.
func (c *Correlator) Route(ctx context.Context, topic string, payload []byte) bool {
	externalID, ok := DeviceFromTopic(topic)
	if !ok {
		c.logger.Debug("command response without device discarded", "topic", topic)
		c.metrics.MessageHandled(metrics.KindResponse, metrics.OutcomeDiscarded)
		return false
	}

	c.logger.Info("command response received", "device_id", externalID, "topic", topic)

	c.settle(ctx, externalID, payload)

	if c.notifier != nil {
		c.notifier.OnCommandResponse(externalID, payload)
	}
	c.metrics.MessageHandled(metrics.KindResponse, metrics.OutcomeRouted)
	return true
}

func (c *Correlator) settle(ctx context.Context, externalID string, payload []byte) {
	if c.devices == nil || c.commands == nil {
		return
	}

	dev, err := c.devices.GetByExternalID(ctx, externalID)
	if err != nil {
		if !errors.Is(err, device.ErrDeviceNotFound) {
			c.logger.Warn("device lookup for response failed", "device_id", externalID, "error", err)
		}
		return
	}

	status := ResponseStatus(payload)
	cmd, err := c.commands.ResolveOldestPending(ctx, dev.ID, status)
	switch {
	case errors.Is(err, command.ErrCommandNotFound):
		c.logger.Debug("response without pending command", "device_id", externalID)
	case err != nil:
		c.logger.Warn("failed to settle command", "device_id", externalID, "error", err)
	default:
		c.logger.Debug("command settled", "device_id", externalID, "command_id", cmd.ID, "status", cmd.Status)
	}
}

// ResponseStatus extracts the status a device reported: the string "status"
// field of a JSON object, upper-cased. Anything else settles the command as
// RESPONDED.
func ResponseStatus(payload []byte) string {
	var body struct {
		Status interface{} `json:"status"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return command.StatusResponded
	}
	s, ok := body.Status.(string)
	s = strings.ToUpper(strings.TrimSpace(s))
	if !ok || s == "" {
		return command.StatusResponded
	}
	return s
}

package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/iotlab-core/internal/device"
	"github.com/nerrad567/iotlab-core/internal/infrastructure/metrics"
)

// QoS is the delivery guarantee for commands: exactly once.
const QoS byte = 2

// Publisher is the outbound side of the message bus.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// DeviceLookup resolves internal device ids.
type DeviceLookup interface {
	GetByID(ctx context.Context, id int64) (*device.Device, error)
}

// TopicBuilder names the command topic for a device.
type TopicBuilder interface {
	Command(externalID string) string
}

// Logger defines the logging interface used by the Dispatcher.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Dispatcher turns client commands into device commands on the bus.
//
// Send holds no locks across the publish, so a slow broker only delays the
// caller that is waiting on it.
type Dispatcher struct {
	devices   DeviceLookup
	repo      Repository
	publisher Publisher
	topics    TopicBuilder
	logger    Logger
	metrics   *metrics.Metrics
}

// DispatcherDeps groups the Dispatcher's collaborators. Repository, Logger
// and Metrics are optional.
type DispatcherDeps struct {
	Devices    DeviceLookup
	Repository Repository
	Publisher  Publisher
	Topics     TopicBuilder
	Logger     Logger
	Metrics    *metrics.Metrics
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	d := &Dispatcher{
		devices:   deps.Devices,
		repo:      deps.Repository,
		publisher: deps.Publisher,
		topics:    deps.Topics,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
	}
	if d.logger == nil {
		d.logger = noopLogger{}
	}
	return d
}

// Send publishes body as a command to the device with internal id deviceID.
//
// An unknown device yields AckDropped and no error. A body that is not a
// JSON object returns ErrInvalidCommand. The command is recorded as PENDING
// before publishing; a failure to record it is logged and the publish still
// happens. A publish failure marks the record FAILED and returns an error
// wrapping ErrPublishFailed.
func (d *Dispatcher) Send(ctx context.Context, deviceID int64, body []byte) (Ack, error) {
	payload, err := BuildPayload(body)
	if err != nil {
		d.metrics.CommandHandled(metrics.OutcomeInvalid)
		return Ack{}, err
	}

	dev, err := d.devices.GetByID(ctx, deviceID)
	if errors.Is(err, device.ErrDeviceNotFound) {
		d.logger.Warn("command for unknown device dropped", "id", deviceID)
		d.metrics.CommandHandled(metrics.OutcomeDropped)
		return Ack{Status: AckDropped}, nil
	}
	if err != nil {
		d.metrics.CommandHandled(metrics.OutcomeFailed)
		return Ack{}, fmt.Errorf("looking up device %d: %w", deviceID, err)
	}

	encoded, err := payload.MarshalJSON()
	if err != nil {
		return Ack{}, fmt.Errorf("encoding command: %w", err)
	}
	topic := d.topics.Command(dev.ExternalID)

	ack := Ack{Status: AckPublished, Topic: topic, Payload: payload}

	if d.repo != nil {
		cmd := &Command{DeviceID: dev.ID, Body: string(encoded), Status: StatusPending}
		if err := d.repo.Create(ctx, cmd); err != nil {
			d.logger.Error("failed to record command",
				"device_id", dev.ExternalID,
				"error", err,
			)
		} else {
			ack.CommandID = cmd.ID
		}
	}

	if err := d.publisher.Publish(topic, encoded, QoS, false); err != nil {
		d.logger.Error("failed to publish command",
			"device_id", dev.ExternalID,
			"topic", topic,
			"error", err,
		)
		d.metrics.CommandHandled(metrics.OutcomeFailed)
		d.markFailed(ctx, ack.CommandID)
		ack.Status = AckFailed
		return ack, fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}

	d.logger.Info("command published",
		"device_id", dev.ExternalID,
		"topic", topic,
		"command_id", ack.CommandID,
	)
	d.metrics.CommandHandled(metrics.OutcomePublished)
	return ack, nil
}

func (d *Dispatcher) markFailed(ctx context.Context, id int64) {
	if d.repo == nil || id == 0 {
		return
	}
	if err := d.repo.UpdateStatus(ctx, id, StatusFailed); err != nil {
		d.logger.Warn("failed to mark command failed", "command_id", id, "error", err)
	}
}

// History returns the device's most recent commands, newest first.
func (d *Dispatcher) History(ctx context.Context, deviceID int64, limit int) ([]Command, error) {
	if d.repo == nil {
		return []Command{}, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return d.repo.ListByDevice(ctx, deviceID, limit)
}

package command

import "time"

// Command lifecycle statuses. Devices may report any other status in their
// response; it is stored upper-cased.
const (
	StatusPending   = "PENDING"
	StatusFailed    = "FAILED"
	StatusResponded = "RESPONDED"
)

// Command is one command sent to a device.
type Command struct {
	ID        int64     `json:"id"`
	DeviceID  int64     `json:"device_id"`
	Body      string    `json:"body"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AckStatus is the outcome of Dispatcher.Send.
type AckStatus string

const (
	// AckPublished means the broker accepted the command.
	AckPublished AckStatus = "published"

	// AckDropped means the device is unknown and nothing was sent.
	AckDropped AckStatus = "dropped"

	// AckFailed means the command was recorded but the publish failed.
	AckFailed AckStatus = "failed"
)

// Ack describes what Send did with a command.
type Ack struct {
	Status    AckStatus `json:"status"`
	CommandID int64     `json:"command_id,omitempty"`
	Topic     string    `json:"topic,omitempty"`
	Payload   Payload   `json:"payload,omitempty"`
}

package reading

import (
	"time"

	"github.com/nerrad567/iotlab-core/internal/telemetry"
)

// MaxHistoryWindow is how many of a device's most recent readings History
// can page through. Older readings are kept but never returned.
const MaxHistoryWindow = 100

// Reading is one persisted telemetry frame.
type Reading struct {
	ID       int64 `json:"id"`
	DeviceID int64 `json:"device_id"`

	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Light       float64 `json:"light"`
	Gas         float64 `json:"gas"`

	AlertLED int `json:"alert_led"`
	Buzzer   int `json:"buzzer"`
	LED      int `json:"led"`
	Fan      int `json:"fan"`
	Servo    int `json:"servo"`

	Topic   string `json:"topic"`
	Broker  string `json:"broker"`
	Payload string `json:"payload"`

	CreatedAt time.Time `json:"created_at"`
}

// FromFrame builds an unsaved reading for deviceID from a decoded frame.
func FromFrame(deviceID int64, f telemetry.Frame) *Reading {
	return &Reading{
		DeviceID:    deviceID,
		Temperature: f.Sensors.Temperature,
		Humidity:    f.Sensors.Humidity,
		Light:       f.Sensors.Light,
		Gas:         f.Sensors.Gas,
		AlertLED:    f.Actuators.AlertLED,
		Buzzer:      f.Actuators.Buzzer,
		LED:         f.Actuators.LED,
		Fan:         f.Actuators.Fan,
		Servo:       f.Actuators.Servo,
		Topic:       f.Topic,
		Broker:      f.Broker,
		Payload:     f.Raw,
	}
}

// Fields returns the measured values keyed by column name, in the shape the
// time-series writer expects.
func (r *Reading) Fields() map[string]interface{} {
	return map[string]interface{}{
		"temperature": r.Temperature,
		"humidity":    r.Humidity,
		"light":       r.Light,
		"gas":         r.Gas,
		"alert_led":   r.AlertLED,
		"buzzer":      r.Buzzer,
		"led":         r.LED,
		"fan":         r.Fan,
		"servo":       r.Servo,
	}
}

// Page is one page of a device's reading history.
type Page struct {
	Items      []Reading `json:"items"`
	Page       int       `json:"page"`
	Size       int       `json:"size"`
	TotalItems int       `json:"total_items"`
	TotalPages int       `json:"total_pages"`
}

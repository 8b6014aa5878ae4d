package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// DevicePrefix marks identifiers of devices this service manages.
// Frames from any other identifier are filtered.
const DevicePrefix = "node_"

// Unknown is substituted for missing identity strings.
const Unknown = "N/A"

// ErrMalformedPayload is the only hard failure: the payload is not JSON.
var ErrMalformedPayload = errors.New("telemetry: malformed payload")

// Status tags a successful decode.
type Status int

const (
	// StatusAccepted means the frame belongs to a managed device.
	// Missing fields have been defaulted.
	StatusAccepted Status = iota

	// StatusFiltered means the frame parsed but is not for a managed device.
	StatusFiltered
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusFiltered:
		return "filtered"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Identity is the device metadata a frame carries.
type Identity struct {
	ExternalID  string
	Name        string
	NetworkName string
	Address     string
}

// Sensors are the measured values. Absent values decode as zero.
type Sensors struct {
	Temperature float64
	Humidity    float64
	Light       float64
	Gas         float64
}

// Actuators are the reported output states. Absent values decode as zero.
type Actuators struct {
	AlertLED int
	Buzzer   int
	LED      int
	Fan      int
	Servo    int
}

// Frame is one decoded telemetry message.
type Frame struct {
	Identity  Identity
	Broker    string
	Topic     string
	Sensors   Sensors
	Actuators Actuators

	// Raw is the payload exactly as received.
	Raw string
}

// Result is the outcome of Decode. Frame is populated for StatusAccepted
// and, as far as parsing got, for StatusFiltered.
type Result struct {
	Status Status
	Frame  Frame
}

// Accepted reports whether the frame should be persisted.
func (r Result) Accepted() bool {
	return r.Status == StatusAccepted
}

// Decode parses a compact telemetry payload:
//
//	{"id":"node_7","name":"Greenhouse","w":"lab-wifi","i":"10.0.0.7",
//	 "b":"broker.lab","t":"data",
//	 "ss":{"temp":21.5,"hum":40,"lgt":300,"gas":0.2},
//	 "stt":{"alt":0,"bzr":0,"led":1,"fan":0,"sv":90}}
//
// Decoding is lenient. Missing or ill-typed numbers become zero,
// fractional values on integer fields truncate toward zero, and missing
// identity strings become Unknown. Valid JSON that is not an object, or
// whose id lacks DevicePrefix, is filtered without error. Only the first
// JSON value is read; bytes after it are ignored.
//
// Decode is pure and safe for concurrent use.
func Decode(payload []byte) (Result, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var root interface{}
	if err := dec.Decode(&root); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	obj, ok := root.(map[string]interface{})
	if !ok {
		return Result{Status: StatusFiltered, Frame: Frame{Identity: Identity{ExternalID: Unknown}, Raw: string(payload)}}, nil
	}

	frame := Frame{
		Identity: Identity{
			ExternalID:  text(obj["id"]),
			Name:        text(obj["name"]),
			NetworkName: text(obj["w"]),
			Address:     text(obj["i"]),
		},
		Broker: text(obj["b"]),
		Topic:  text(obj["t"]),
		Raw:    string(payload),
	}

	if !strings.HasPrefix(frame.Identity.ExternalID, DevicePrefix) {
		return Result{Status: StatusFiltered, Frame: frame}, nil
	}

	sensors := object(obj["ss"])
	frame.Sensors = Sensors{
		Temperature: float(sensors["temp"]),
		Humidity:    float(sensors["hum"]),
		Light:       float(sensors["lgt"]),
		Gas:         float(sensors["gas"]),
	}

	status := object(obj["stt"])
	frame.Actuators = Actuators{
		AlertLED: integer(status["alt"]),
		Buzzer:   integer(status["bzr"]),
		LED:      integer(status["led"]),
		Fan:      integer(status["fan"]),
		Servo:    integer(status["sv"]),
	}

	return Result{Status: StatusAccepted, Frame: frame}, nil
}

func object(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return nil
}

// text renders scalars as their JSON text; absent, null and containers
// become Unknown.
func text(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return Unknown
	}
}

// float accepts JSON numbers only.
func float(v interface{}) float64 {
	n, ok := v.(json.Number)
	if !ok {
		return 0
	}
	f, err := n.Float64()
	if err != nil || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// integer accepts JSON numbers only, truncating fractions toward zero and
// clamping to the int32 range devices report in.
func integer(v interface{}) int {
	n, ok := v.(json.Number)
	if !ok {
		return 0
	}
	if i, err := n.Int64(); err == nil {
		return clamp(float64(i))
	}
	f, err := n.Float64()
	if err != nil {
		return 0
	}
	return clamp(math.Trunc(f))
}

func clamp(f float64) int {
	switch {
	case f > math.MaxInt32:
		return math.MaxInt32
	case f < math.MinInt32:
		return math.MinInt32
	default:
		return int(f)
	}
}

package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DeviceNameField is informational and never forwarded to the device.
const DeviceNameField = "deviceName"

// Field is one outbound command entry.
type Field struct {
	Name  string
	Value int
}

// Payload is the outbound command: integer fields in the order the client
// sent them. A repeated key keeps its first position and its last value.
type Payload []Field

// MarshalJSON renders p as a flat JSON object preserving field order.
func (p Payload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(f.Value))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Get returns the value of field name.
func (p Payload) Get(name string) (int, bool) {
	for _, f := range p {
		if f.Name == name {
			return f.Value, true
		}
	}
	return 0, false
}

// BuildPayload converts a client command body into the outbound payload.
//
// body must be a JSON object; anything else returns ErrInvalidCommand.
// Values are coerced with Coerce and the deviceName field is dropped.
func BuildPayload(body []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, ErrInvalidCommand
	}

	payload := Payload{}
	index := make(map[string]int)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
		key, _ := keyTok.(string)

		var raw interface{}
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
		if key == DeviceNameField {
			continue
		}

		value := Coerce(raw)
		if i, seen := index[key]; seen {
			payload[i].Value = value
			continue
		}
		index[key] = len(payload)
		payload = append(payload, Field{Name: key, Value: value})
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if _, err := dec.Token(); err == nil {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidCommand)
	}
	return payload, nil
}

// Coerce converts one decoded JSON value to an integer.
//
// Numbers truncate toward zero. Strings are trimmed and parsed as an
// integer, then as a float that is truncated, and fall back to zero.
// Booleans map to 1 and 0. Null, objects and arrays become zero. Results
// are clamped to the 32-bit range devices accept.
func Coerce(v interface{}) int {
	switch x := v.(type) {
	case json.Number:
		return parseInt(string(x))
	case float64:
		return clamp(x)
	case string:
		return parseInt(strings.TrimSpace(x))
	case bool:
		if x {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func parseInt(s string) int {
	if s == "" {
		return 0
	}
	// ParseInt and ParseFloat saturate on ErrRange, which clamping absorbs.
	if n, err := strconv.ParseInt(s, 10, 64); err == nil || errors.Is(err, strconv.ErrRange) {
		return clampInt(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil || errors.Is(err, strconv.ErrRange) {
		return clamp(f)
	}
	return 0
}

func clamp(f float64) int {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt32:
		return math.MaxInt32
	case f <= math.MinInt32:
		return math.MinInt32
	}
	return int(f)
}

func clampInt(n int64) int {
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	if n < math.MinInt32 {
		return math.MinInt32
	}
	return int(n)
}

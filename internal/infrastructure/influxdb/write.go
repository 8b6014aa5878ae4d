package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementSensorData is the measurement every telemetry frame is mirrored into.
const MeasurementSensorData = "sensor_data"

// TelemetryPoint is one telemetry frame in time-series form.
//
// Tags carry low-cardinality identity (device, broker); fields carry the
// sensor values and actuator states.
type TelemetryPoint struct {
	DeviceID   string
	DeviceName string
	Broker     string
	Fields     map[string]interface{}
	Time       time.Time
}

// WriteTelemetry queues p for the next batch. It never blocks and is a
// no-op while disconnected or when p has no fields.
func (c *Client) WriteTelemetry(p TelemetryPoint) {
	if len(p.Fields) == 0 {
		return
	}

	tags := map[string]string{"device_id": p.DeviceID}
	if p.DeviceName != "" {
		tags["device_name"] = p.DeviceName
	}
	if p.Broker != "" {
		tags["broker"] = p.Broker
	}

	ts := p.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	c.WritePointWithTime(MeasurementSensorData, tags, p.Fields, ts)
}

// WritePointWithTime writes an arbitrary point with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}

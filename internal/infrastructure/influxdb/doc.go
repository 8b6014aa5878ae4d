// Package influxdb mirrors telemetry into InfluxDB v2 for time-series
// dashboards. It is optional: when influxdb.enabled is false, Connect
// returns ErrDisabled and the service runs on SQLite alone.
package influxdb

// Package device is the registry of field devices.
//
// Devices are provisioned automatically the first time telemetry arrives
// from a managed identifier and are afterwards edited only through the
// administrative Save path. The registry guarantees one record per
// external identifier even when frames from a new device race each other.
package device

// Package reading stores telemetry readings.
//
// Readings are append-only: every accepted frame becomes one row, even when
// it repeats the previous one. The store assigns the ID and CreatedAt, and
// history queries only ever look at the most recent MaxHistoryWindow
// readings of a device.
package reading

// Package telemetry decodes the compact JSON frames field devices publish
// on the telemetry topic into a typed, tagged result.
package telemetry

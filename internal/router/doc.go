// Package router owns the inbound side of the message bus.
//
// On Start the router subscribes the telemetry topic and the command
// response wildcard, retrying with exponential backoff until the bus
// accepts both. Bus callbacks only decode and enqueue; the work itself runs
// on a fixed set of serial workers chosen by hashing the device, so one
// device's messages are handled in arrival order while different devices
// proceed in parallel.
//
// Lifecycle:
//
//	INITIALIZING --Start--> RUNNING --Stop--> STOPPED
//
// A Start that gives up also ends in STOPPED.
package router

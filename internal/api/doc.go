// Package api implements the HTTP REST API and WebSocket server for IoT Lab Core.
//
// This package provides:
//   - REST endpoints for devices, readings and commands
//   - A WebSocket endpoint bridging clients onto the realtime hub
//   - Health, system and Prometheus metrics endpoints
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The API server sits between dashboards and the ingestion core. Reads go
// straight to the device registry and reading store; commands go through the
// command dispatcher onto the bus. Telemetry and command responses reach
// WebSocket clients through the realtime hub, to which every connection is
// registered as a listener.
//
// # Graceful Degradation
//
// The server operates without a broker connection: reads and WebSocket
// subscriptions keep working, only commands fail.
package api

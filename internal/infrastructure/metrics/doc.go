// Package metrics exposes Prometheus collectors for ingestion, command relay,
// real-time fan-out and the HTTP surface.
package metrics

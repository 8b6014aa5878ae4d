package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemStatus is the /system response: process, link and store statistics
// for dashboards that do not scrape Prometheus.
type SystemStatus struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeStats   `json:"runtime"`
	Realtime      RealtimeStats  `json:"realtime"`
	Bus           BusStats       `json:"bus"`
	Ingest        IngestStats    `json:"ingest"`
	Database      *DatabaseStats `json:"database,omitempty"`
}

// RuntimeStats contains Go runtime statistics.
type RuntimeStats struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// RealtimeStats counts connected clients and hub listeners.
type RealtimeStats struct {
	WebSocketClients int `json:"websocket_clients"`
	Listeners        int `json:"listeners"`
}

// BusStats reports the broker link.
type BusStats struct {
	Connected     bool `json:"connected"`
	Subscriptions int  `json:"subscriptions"`
}

// IngestStats reports the router lifecycle.
type IngestStats struct {
	State string `json:"state"`
}

// DatabaseStats contains the file location and connection pool statistics.
type DatabaseStats struct {
	Path            string `json:"path"`
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
	Idle            int    `json:"idle"`
	WaitCount       int64  `json:"wait_count"`
}

// handleSystem returns a snapshot of the service.
func (s *Server) handleSystem(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	status := SystemStatus{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeStats{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Realtime: RealtimeStats{
			WebSocketClients: s.ClientCount(),
			Listeners:        s.hub.ListenerCount(),
		},
		Ingest: IngestStats{State: "unknown"},
	}

	if s.bus != nil {
		status.Bus.Connected = s.bus.IsConnected()
		status.Bus.Subscriptions = s.bus.SubscriptionCount()
	}
	if s.router != nil {
		status.Ingest.State = s.router.State().String()
	}
	if s.db != nil {
		dbStats := s.db.Stats()
		status.Database = &DatabaseStats{
			Path:            s.db.Path(),
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, status)
}

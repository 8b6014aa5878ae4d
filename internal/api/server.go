package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/iotlab-core/internal/command"
	"github.com/nerrad567/iotlab-core/internal/device"
	"github.com/nerrad567/iotlab-core/internal/infrastructure/config"
	"github.com/nerrad567/iotlab-core/internal/infrastructure/logging"
	"github.com/nerrad567/iotlab-core/internal/infrastructure/metrics"
	"github.com/nerrad567/iotlab-core/internal/reading"
	"github.com/nerrad567/iotlab-core/internal/realtime"
	"github.com/nerrad567/iotlab-core/internal/router"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// DeviceService is the device registry as seen by the API.
type DeviceService interface {
	List(ctx context.Context, page, size int) (device.Page, error)
	GetByID(ctx context.Context, id int64) (*device.Device, error)
	Save(ctx context.Context, d *device.Device) (*device.Device, error)
}

// ReadingService serves stored telemetry.
type ReadingService interface {
	Latest(ctx context.Context, deviceID int64) (*reading.Reading, error)
	History(ctx context.Context, deviceID int64, page, size int) (reading.Page, error)
}

// CommandService sends commands and lists sent ones.
type CommandService interface {
	Send(ctx context.Context, deviceID int64, body []byte) (command.Ack, error)
	History(ctx context.Context, deviceID int64, limit int) ([]command.Command, error)
}

// HealthChecker is implemented by every infrastructure component.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// BusStatus reports the broker link.
type BusStatus interface {
	IsConnected() bool
	SubscriptionCount() int
}

// DBStatus reports the SQLite store behind the service.
type DBStatus interface {
	Stats() sql.DBStats
	Path() string
}

// RouterStatus reports the ingestion lifecycle.
type RouterStatus interface {
	State() router.State
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Devices  DeviceService
	Readings ReadingService
	Commands CommandService
	Hub      *realtime.Hub
	Metrics  *metrics.Metrics

	// Optional status sources for /health and /system.
	Checks map[string]HealthChecker
	Bus    BusStatus
	Router RouterStatus
	DB     DBStatus

	Version string
}

// Server is the HTTP API server for IoT Lab Core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket clients.
// The server is created with New() and started with Start().
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	logger   *logging.Logger
	devices  DeviceService
	readings ReadingService
	commands CommandService
	hub      *realtime.Hub
	metrics  *metrics.Metrics
	checks   map[string]HealthChecker
	bus      BusStatus
	router   RouterStatus
	db       DBStatus
	version  string

	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time

	clients   map[*wsClient]struct{}
	clientsMu sync.Mutex
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device service is required")
	}
	if deps.Readings == nil {
		return nil, fmt.Errorf("reading service is required")
	}
	if deps.Commands == nil {
		return nil, fmt.Errorf("command service is required")
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("realtime hub is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger.Component("api"),
		devices:   deps.Devices,
		readings:  deps.Readings,
		commands:  deps.Commands,
		hub:       deps.Hub,
		metrics:   deps.Metrics,
		checks:    deps.Checks,
		bus:       deps.Bus,
		router:    deps.Router,
		db:        deps.DB,
		version:   deps.Version,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
		clients:   make(map[*wsClient]struct{}),
	}, nil
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close disconnects WebSocket clients and gracefully shuts down the server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.cancel()
	s.closeClients()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

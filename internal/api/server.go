package api

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/Gyeeta/nodewebserver/internal/logger"
	"github.com/Gyeeta/nodewebserver/internal/metrics"
	"github.com/Gyeeta/nodewebserver/internal/topology"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
)

// Topology is what the status server reads from the topology root.
type Topology interface {
	IsReachable() bool
	Snapshot() *topology.Snapshot
	Stats() map[string]interface{}
}

// ServerConfig holds status server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string

	// OnListenError is called if the listener fails after Start returned.
	OnListenError func(error)
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:            "0.0.0.0",
		Port:            10039,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server is the gateway's HTTP status server.
type Server struct {
	app       *fiber.App
	cfg       *ServerConfig
	topo      Topology
	collector *metrics.TimeSeriesCollector
	logs      *logger.LogBuffer
	started   time.Time
	logger    zerolog.Logger
}

// NewServer creates the status server and registers its routes. collector
// may be nil, in which case the time-series endpoint answers 404.
func NewServer(cfg *ServerConfig, topo Topology, collector *metrics.TimeSeriesCollector, log zerolog.Logger) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	log = log.With().Str("component", "status-server").Logger()

	app := fiber.New(fiber.Config{
		AppName:               "Gyeeta Gateway",
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(log),
	})

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))
	app.Use(requestLogger(log))

	s := &Server{
		app:       app,
		cfg:       cfg,
		topo:      topo,
		collector: collector,
		logs:      logger.GetBuffer(),
		started:   time.Now(),
		logger:    log,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/ready", s.readyHandler)

	// Prometheus text, or JSON with Accept: application/json
	s.app.Get("/metrics", s.metricsHandler)

	v1 := s.app.Group("/api/v1")
	v1.Get("/metrics", s.apiMetricsHandler)
	v1.Get("/metrics/timeseries/:series", s.timeseriesHandler)
	v1.Get("/logs", s.logsHandler)
	v1.Get("/topology", s.topologyHandler)
	v1.Get("/topology/stats", s.topologyStatsHandler)
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) healthHandler(c *fiber.Ctx) error {
	uptime := time.Since(s.started)
	return c.JSON(fiber.Map{
		"status":     "ok",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime":     uptime.String(),
		"uptime_sec": uptime.Seconds(),
	})
}

// readyHandler reports ready once the active coordinator has a registered connection.
func (s *Server) readyHandler(c *fiber.Ctx) error {
	reachable := s.topo.IsReachable()
	status, code := "ready", fiber.StatusOK
	if !reachable {
		status, code = "coordinator unreachable", fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status":                status,
		"coordinator_reachable": reachable,
		"time":                  time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) metricsHandler(c *fiber.Ctx) error {
	m := metrics.Get()
	if c.Get(fiber.HeaderAccept) == fiber.MIMEApplicationJSON {
		return c.JSON(m.Snapshot())
	}
	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4; charset=utf-8")
	return c.SendString(m.PrometheusFormat())
}

func (s *Server) apiMetricsHandler(c *fiber.Ctx) error {
	snapshot := metrics.Get().Snapshot()
	snapshot["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return c.JSON(snapshot)
}

// queryInt reads a bounded positive integer query parameter.
func queryInt(c *fiber.Ctx, key string, def, max int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= max {
			return n
		}
	}
	return def
}

func (s *Server) timeseriesHandler(c *fiber.Ctx) error {
	if s.collector == nil {
		return fiber.NewError(fiber.StatusNotFound, "time-series collection is disabled")
	}

	name := c.Params("series")
	buf, ok := s.collector.Series(name)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":       "Invalid series",
			"valid_types": []string{"system", "comm", "topology"},
		})
	}

	minutes := queryInt(c, "duration_minutes", 30, 1440)
	points := buf.GetRecent(time.Now(), time.Duration(minutes)*time.Minute)

	return c.JSON(fiber.Map{
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"type":             name,
		"duration_minutes": minutes,
		"points_count":     len(points),
		"data":             points,
	})
}

func (s *Server) logsHandler(c *fiber.Ctx) error {
	f := logger.Filter{
		Limit:     queryInt(c, "limit", 100, 1000),
		Level:     c.Query("level"),
		Component: c.Query("component"),
		Since:     time.Duration(queryInt(c, "since_minutes", 60, 1440)) * time.Minute,
	}
	entries := s.logs.Recent(time.Now(), f)

	return c.JSON(fiber.Map{
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"count":            len(entries),
		"limit":            f.Limit,
		"level_filter":     f.Level,
		"component_filter": f.Component,
		"since_minutes":    int(f.Since / time.Minute),
		"logs":             entries,
	})
}

// Start begins listening in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.logger.Info().Str("addr", addr).Bool("tls", s.cfg.TLSEnabled).Msg("Starting status server")

	go func() {
		var err error
		if s.cfg.TLSEnabled {
			err = s.app.ListenTLS(addr, s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			err = s.app.Listen(addr)
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("Status server stopped listening")
			if s.cfg.OnListenError != nil {
				s.cfg.OnListenError(err)
			}
		}
	}()
	return nil
}

// Close shuts the server down within the configured timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("status server shutdown failed: %w", err)
	}
	s.logger.Info().Msg("Status server stopped")
	return nil
}

func errorHandler(log zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		if code >= fiber.StatusInternalServerError {
			log.Error().
				Err(err).
				Int("status", code).
				Str("method", c.Method()).
				Str("path", c.Path()).
				Msg("Request error")
		}

		return c.Status(code).JSON(fiber.Map{"error": err.Error()})
	}
}

// requestLogger counts requests and logs the failed ones.
func requestLogger(log zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		m := metrics.Get()
		m.IncStatusRequests()

		status := c.Response().StatusCode()
		if err != nil {
			if e, ok := err.(*fiber.Error); ok {
				status = e.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		if status >= 400 {
			m.IncStatusErrors()
			log.Debug().
				Str("method", c.Method()).
				Str("path", c.Path()).
				Int("status", status).
				Dur("elapsed", time.Since(start)).
				Str("ip", c.IP()).
				Msg("Request failed")
		}
		return err
	}
}

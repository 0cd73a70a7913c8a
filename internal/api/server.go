// Package api exposes the hardware core over HTTP for the controller UI.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dsyorkd/hydro-controller/internal/api/handlers"
	"github.com/dsyorkd/hydro-controller/internal/api/middleware"
	"github.com/dsyorkd/hydro-controller/internal/config"
	"github.com/dsyorkd/hydro-controller/internal/hardware"
	"github.com/dsyorkd/hydro-controller/internal/logger"
	"github.com/dsyorkd/hydro-controller/internal/websocket"
)

// Server represents the REST API server
type Server struct {
	config  *config.APIConfig
	logger  logger.Interface
	system  *hardware.System
	dataDir string
	router  *gin.Engine
	stream  *websocket.Server
	server  *http.Server
}

// New creates a new API server instance
func New(cfg *config.APIConfig, system *hardware.System, dataDir string, log logger.Interface) *Server {
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config:  cfg,
		logger:  log.WithField("component", "api"),
		system:  system,
		dataDir: dataDir,
		router:  gin.New(),
		stream:  websocket.New(system.Events, cfg.AllowedOrigins, log),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes and middleware
func (s *Server) setupRoutes() {
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerMinute: s.config.RequestsPerMinute,
		BurstSize:         s.config.BurstSize,
		TrustedIPs:        s.config.TrustedIPs,
	}, s.logger)

	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.LimitBody(middleware.MaxBodyBytes))

	health := handlers.NewHealthHandler(s.system.Store, s.system.Transport.Ready)
	s.router.GET("/health", health.Health)
	s.router.GET("/ready", health.Ready)
	s.router.GET("/metrics", gin.WrapH(s.system.Metrics.Handler()))

	v1 := s.router.Group("/api/v1")
	v1.Use(limiter.RateLimit())
	{
		systemHandler := handlers.NewSystemHandler(s.system, s.dataDir, s.logger)
		v1.GET("/status", systemHandler.Status)
		v1.POST("/emergency-stop", systemHandler.EmergencyStop)
		v1.POST("/command", systemHandler.Command)
		v1.GET("/events", s.stream.Handle)

		system := v1.Group("/system")
		{
			system.GET("/board", systemHandler.BoardInfo)
			system.GET("/runtime", handlers.RuntimeInfo)
		}

		pumpHandler := handlers.NewPumpHandler(s.system.Pumps, s.logger)
		pumps := v1.Group("/pumps")
		{
			pumps.GET("", pumpHandler.List)
			pumps.GET("/:id", pumpHandler.Get)
			pumps.POST("/:id/dispense", pumpHandler.Dispense)
			pumps.POST("/:id/poll", pumpHandler.Poll)
			pumps.POST("/:id/stop", pumpHandler.Stop)
			pumps.POST("/:id/pause", pumpHandler.Pause)
			pumps.POST("/:id/resume", pumpHandler.Resume)
			pumps.POST("/:id/calibrate", pumpHandler.Calibrate)
			pumps.GET("/:id/total-volume", pumpHandler.TotalVolume)
		}

		relayHandler := handlers.NewRelayHandler(s.system.Relays, s.logger)
		relays := v1.Group("/relays")
		{
			relays.GET("", relayHandler.List)
			relays.PUT("", relayHandler.SetAll)
			relays.GET("/:id", relayHandler.Get)
			relays.PUT("/:id", relayHandler.Set)
			relays.POST("/:id/toggle", relayHandler.Toggle)
		}

		flowHandler := handlers.NewFlowHandler(s.system.Flow, s.logger)
		flow := v1.Group("/flow")
		{
			flow.GET("", flowHandler.List)
			flow.GET("/:id", flowHandler.Get)
			flow.POST("/:id/start", flowHandler.Start)
			flow.POST("/:id/poll", flowHandler.Poll)
			flow.POST("/:id/stop", flowHandler.Stop)
			flow.POST("/:id/calibrate", flowHandler.Calibrate)
			flow.POST("/:id/reset", flowHandler.ResetPulses)
		}

		sensorHandler := handlers.NewSensorHandler(s.system.Sensors, s.logger)
		sensors := v1.Group("/sensors")
		{
			sensors.GET("/:id", sensorHandler.Last)
			sensors.POST("/:id/read", sensorHandler.Read)
			sensors.POST("/:id/calibrate", sensorHandler.Calibrate)
			sensors.POST("/:id/compensate", sensorHandler.Compensate)
		}

		stateHandler := handlers.NewStateHandler(s.system.Store, s.logger)
		state := v1.Group("/state")
		state.Use(middleware.ValidStateKey())
		{
			state.GET("", stateHandler.List)
			state.GET("/:key", stateHandler.Get)
			state.PUT("/:key", stateHandler.Set)
			state.DELETE("/:key", stateHandler.Delete)
		}
	}
}

// Start runs the event stream and serves until Stop is called
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.GetAddress(),
		Handler:           s.router,
		ReadTimeout:       config.Duration(s.config.ReadTimeout, 30*time.Second),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      config.Duration(s.config.WriteTimeout, 30*time.Second),
		IdleTimeout:       60 * time.Second,
	}

	go s.stream.Run(ctx)

	s.logger.Info("Starting API server", "address", s.config.GetAddress())
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Shutting down API server")
	return s.server.Shutdown(ctx)
}

// Router returns the underlying Gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

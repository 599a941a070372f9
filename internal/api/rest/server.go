package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenMachineIO/internal/auth"
	"github.com/KevinKickass/OpenMachineIO/internal/config"
	"github.com/KevinKickass/OpenMachineIO/internal/interfaces"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router *gin.Engine
	lm     interfaces.LifecycleManager
	jwt    *auth.JWTHandler
	logger *zap.Logger
	server *http.Server
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, jwt *auth.JWTHandler, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router: gin.New(),
		lm:     lm,
		jwt:    jwt,
		logger: logger,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the port and serves in the background. A port that is already
// taken is reported here instead of from the serving goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// ==================== DIAGNOSTICS (PUBLIC) ====================
		v1.GET("/devices", s.listDevices)
		v1.GET("/devices/:address", s.getDevice)
		v1.GET("/inputs", s.listInputs)

		system := v1.Group("/system")
		{
			system.GET("/status", s.getSystemStatus)
			system.GET("/clients", s.listClients)
		}

		// ==================== BUS CONTROL (JWT) ====================
		control := v1.Group("")
		control.Use(s.jwt.Middleware())
		{
			control.POST("/outputs", auth.RequirePermission(auth.PermWriteOutputs), s.setOutputs)
			control.POST("/leds", auth.RequirePermission(auth.PermWriteLEDs), s.setLEDs)
			control.POST("/detect", auth.RequirePermission(auth.PermDetect), s.detect)
		}
	}
}

// Health check (public). Reports 503 once the bus loop has stopped.
func (s *Server) healthCheck(c *gin.Context) {
	status := s.lm.GetCurrentStatus()
	code := http.StatusOK
	health := "ok"
	if status.Bus.LoopStopped {
		code = http.StatusServiceUnavailable
		health = "degraded"
	}

	c.JSON(code, gin.H{
		"status":    health,
		"state":     status.State,
		"timestamp": time.Now().Unix(),
	})
}

package relay

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// Server serves the websocket hub at /ws and the REST backend next to it.
type Server struct {
	echo *echo.Echo
	hub  *Hub
	api  *API
	log  *zap.Logger
}

// NewServer wires the hub and the API onto one echo instance.
func NewServer(auth *Authenticator, opts HubOptions, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(requestLogger(log))
	e.Use(middleware.Recover())

	hub := NewHub(auth, opts, log.Named("hub"))
	api := NewAPI(hub, auth, log.Named("api"))
	s := &Server{echo: e, hub: hub, api: api, log: log}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status": "healthy",
			"online": len(s.hub.Online()),
		})
	})
	s.echo.GET("/ws", echo.WrapHandler(s.hub))
	s.echo.GET("/uploads/:id/:name", s.api.download)

	authed := s.echo.Group("", s.api.RequireAuth())
	s.api.Routes(authed)
}

// Handler exposes the server for tests and custom listeners.
func (s *Server) Handler() http.Handler { return s.echo }

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Start listens on addr and blocks until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info("relay listening", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drops websocket clients and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.echo.Shutdown(ctx)
}

func requestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				log.Warn("request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			log.Debug("request", fields...)
			return nil
		},
	})
}

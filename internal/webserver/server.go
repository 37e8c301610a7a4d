// Package webserver hosts the admin HTTP API. Handlers register themselves
// under /api/v1 through ApiGET and ApiPOST.
package webserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kelurahan-dev/jadwal/config"
	"github.com/labstack/echo-contrib/echoprometheus"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const apiPrefix = "/api/v1"

var server *AdminServer

type AdminServer struct {
	root *echo.Echo
	api  *echo.Group
	reg  *prometheus.Registry
	addr string
}

// Init creates the process-wide admin server.
func Init(cfg *config.AppConfig) {
	server = NewAdminServer(cfg)
}

func NewAdminServer(cfg *config.AppConfig) *AdminServer {
	s := &AdminServer{
		root: echo.New(),
		reg:  prometheus.NewRegistry(),
		addr: fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
	}
	s.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s.root.HideBanner = true
	s.root.HidePort = true
	if cfg.System.Debug {
		s.root.Logger.SetLevel(log.DEBUG)
		s.root.Debug = true
	} else {
		s.root.Logger.SetLevel(log.INFO)
	}

	s.root.Use(middleware.Recover())
	s.root.Use(requestLogger())
	s.root.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "jadwal",
		Registerer: s.reg,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/healthz"
		},
	}))

	s.root.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: s.reg}))
	s.root.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	s.api = s.root.Group(apiPrefix)
	if cfg.Web.Secret != "" {
		s.api.Use(echojwt.WithConfig(echojwt.Config{
			ParseTokenFunc: tokenParser(cfg.Web.Secret),
			ErrorHandler: func(c echo.Context, err error) error {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error":   "UNAUTHORIZED",
					"message": "Missing or invalid bearer token",
				})
			},
		}))
	} else {
		zap.L().Warn("webserver: web.secret is empty, /api/v1 is not authenticated")
	}
	return s
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				zap.L().Warn("webserver: request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			zap.L().Debug("webserver: request", fields...)
			return nil
		},
	})
}

func (s *AdminServer) Echo() *echo.Echo {
	return s.root
}

// Start blocks until the server stops. A graceful shutdown is not an error.
func (s *AdminServer) Start() error {
	zap.L().Info("webserver: admin api listening", zap.String("addr", s.addr))
	if err := s.root.Start(s.addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.root.Shutdown(ctx)
}

func Server() *AdminServer {
	return server
}

func Use(m ...echo.MiddlewareFunc) {
	server.api.Use(m...)
}

func ApiGET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.api.GET(path, h, m...)
}

func ApiPOST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.api.POST(path, h, m...)
}

func MustRegister(cs ...prometheus.Collector) {
	server.reg.MustRegister(cs...)
}

func Start() error {
	return server.Start()
}

func Shutdown(ctx context.Context) error {
	return server.Shutdown(ctx)
}

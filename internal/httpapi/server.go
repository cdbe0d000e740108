// Package httpapi is the server's plain-HTTP surface: health/readiness
// checks, the prometheus scrape endpoint, and the websocket upgrade route,
// all served from one Echo instance.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lyricfollow/server/internal/follow"
	"lyricfollow/server/internal/ws"
)

// Server is the Echo application serving health, metrics, and the websocket
// upgrade route.
type Server struct {
	echo   *echo.Echo
	mgr    *follow.Manager
	logger *slog.Logger
}

// New constructs an Echo app with the health/metrics/websocket routes
// registered. wsHandler is registered directly so the websocket upgrade
// shares this process's Echo router and middleware stack.
func New(mgr *follow.Manager, wsHandler *ws.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(logger))

	s := &Server{echo: e, mgr: mgr, logger: logger}
	s.registerRoutes(wsHandler)
	return s
}

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path
			if path == "/ws" || path == "/healthz" {
				logger.Debug("http request", "method", req.Method, "path", path,
					"status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds())
			} else {
				logger.Info("http request", "method", req.Method, "path", path,
					"status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP())
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes(wsHandler *ws.Handler) {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	wsHandler.Register(s.echo)
}

type healthResponse struct {
	Status     string `json:"status"`
	Sessions   int    `json:"sessions"`
	STTStreams int    `json:"sttStreams"`
}

func (s *Server) handleHealth(c echo.Context) error {
	stats := s.mgr.Stats()
	return c.JSON(http.StatusOK, healthResponse{
		Status:     "ok",
		Sessions:   stats.Sessions,
		STTStreams: stats.STTStreams,
	})
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		s.logger.Info("http server stopped")
		return nil
	}
}

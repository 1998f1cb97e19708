// Package status serves the health and progress of a running transformation
// on a local HTTP address.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/cdmparser/cdm/internal/transform"
)

// RequestTimeoutDuration bounds every status request.
const RequestTimeoutDuration = 5 * time.Second

// ProgressSource is satisfied by *transform.Progress.
type ProgressSource interface {
	Snapshot() transform.ProgressSnapshot
}

// Server is the run status endpoint. It only reads, so it is safe to serve
// while the run goroutine writes.
type Server struct {
	echo   *echo.Echo
	logger zerolog.Logger
}

// New registers GET /healthz with the given handler and GET /progress backed
// by progress.
func New(health echo.HandlerFunc, progress ProgressSource, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(Recovery(logger))
	e.Use(RequestID())
	e.Use(Logger(logger))
	e.Use(NoStore())
	e.Use(RequestTimeout(RequestTimeoutDuration))

	e.GET("/healthz", health)
	e.GET("/progress", func(c echo.Context) error {
		return c.JSON(http.StatusOK, progress.Snapshot())
	})
	return &Server{echo: e, logger: logger}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr and serves in the background. The returned address
// is the one actually bound, which differs from addr for port 0.
func (s *Server) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	s.echo.Listener = ln
	go func() {
		if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("status server error")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("status server started")
	return ln.Addr().String(), nil
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

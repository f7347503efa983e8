// Package httpapi exposes the JSON API over Echo.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"coinbeat/internal/apperr"
	"coinbeat/internal/metrics"
	"coinbeat/internal/monitor"
	"coinbeat/internal/pool"
	"coinbeat/internal/subscriptions"
	"coinbeat/internal/verification"
)

// CycleRunner runs one monitor cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context, now time.Time) (monitor.CycleReport, error)
}

// Options configure the HTTP server.
type Options struct {
	Addr         string
	AdminToken   string
	CronToken    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolPolicy   pool.Policy
}

// Server hosts the API handlers.
type Server struct {
	echo          *echo.Echo
	opts          Options
	verification  *verification.Service
	subscriptions *subscriptions.Service
	monitor       CycleRunner
	metrics       *metrics.Metrics
	logger        zerolog.Logger
	now           func() time.Time
}

// New wires handlers and middleware. m may be nil, in which case /metrics is not served.
func New(opts Options, verify *verification.Service, subs *subscriptions.Service, runner CycleRunner, m *metrics.Metrics, logger zerolog.Logger) *Server {
	s := &Server{
		echo:          echo.New(),
		opts:          opts,
		verification:  verify,
		subscriptions: subs,
		monitor:       runner,
		metrics:       m,
		logger:        logger.With().Str("component", "httpapi").Logger(),
		now:           time.Now,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.handleError

	s.echo.Use(middleware.Recover())
	s.echo.Use(s.requestLogger)
	s.routes()
	return s
}

func (s *Server) routes() {
	admin := s.bearerAuth(func() string { return s.opts.AdminToken })
	cron := s.bearerAuth(func() string { return s.opts.CronToken })

	s.echo.GET("/healthz", s.healthz)
	if reg := s.metrics.Registry(); reg != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	s.echo.POST("/alerts", s.stakeAlert)
	s.echo.GET("/alerts", s.listAlerts)
	s.echo.PUT("/alerts", s.verifyPool, admin)
	s.echo.PATCH("/alerts", s.rejectPool, admin)
	s.echo.DELETE("/alerts", s.deletePool, admin)
	s.echo.POST("/admin/alerts", s.createAdminAlert, admin)
	s.echo.GET("/pools", s.listPools, admin)

	s.echo.POST("/user-alerts", s.upsertWatch)
	s.echo.GET("/user-alerts", s.listWatches)
	s.echo.DELETE("/user-alerts", s.deleteWatch)

	s.echo.POST("/notifications/monitor", s.runMonitor, cron)
	s.echo.GET("/notifications", s.pollNotifications)
	s.echo.GET("/notifications/history", s.notificationHistory)
	s.echo.POST("/notifications/:id/ack", s.acknowledgeNotification)
	s.echo.DELETE("/notifications", s.clearNotifications)

	s.echo.GET("/preferences", s.getPreferences)
	s.echo.PUT("/preferences", s.putPreferences)

	s.echo.GET("/quota", s.getQuota)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is cancelled, then shuts down within shutdownTimeout.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.echo,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("http server listening")
		errCh <- s.echo.StartServer(srv)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// bearerAuth rejects requests whose bearer token does not match. An empty configured
// token rejects everything.
func (s *Server) bearerAuth(token func() string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			want := token()
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			parts := strings.SplitN(header, " ", 2)
			if want == "" || len(parts) != 2 || parts[0] != "Bearer" {
				return apperr.Auth("missing or invalid authorization")
			}
			if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(want)) != 1 {
				return apperr.Auth("missing or invalid authorization")
			}
			return next(c)
		}
	}
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		started := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}

		status := c.Response().Status
		route := c.Path()
		elapsed := time.Since(started)
		s.metrics.ObserveHTTP(c.Request().Method, route, status, elapsed)

		event := s.logger.Debug()
		if status >= http.StatusInternalServerError {
			event = s.logger.Error().Err(err)
		}
		event.
			Str("method", c.Request().Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", elapsed).
			Msg("request")
		return nil
	}
}

// handleError renders every error as {"error": message}.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	msg := err.Error()

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		status = httpErr.Code
		if m, ok := httpErr.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(status)
		}
	} else {
		status = apperr.HTTPStatus(err)
	}

	if writeErr := c.JSON(status, map[string]string{"error": msg}); writeErr != nil {
		s.logger.Error().Err(writeErr).Msg("write error response")
	}
}

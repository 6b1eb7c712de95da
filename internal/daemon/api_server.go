package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"zipline/internal/api"
	"zipline/internal/config"
	"zipline/internal/logging"
)

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon
	echo   *echo.Echo

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:   strings.TrimSpace(cfg.Paths.APIBind),
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = srv.handleEchoError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(extractRequester())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURIPath:   true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			srv.logger.Debug("api request",
				logging.String("method", v.Method),
				logging.String("path", v.URIPath),
				logging.Int("status", v.Status),
				logging.Duration("latency", v.Latency),
				logging.String(logging.FieldCorrelationID, v.RequestID),
			)
			return nil
		},
	}))

	apiGroup := e.Group("/api", bearerAuth(cfg.Paths.APIToken))
	apiGroup.GET("/health", srv.handleHealth)
	apiGroup.GET("/status", srv.handleStatus)
	apiGroup.POST("/resolve", srv.handleResolve)
	apiGroup.POST("/cancel", srv.handleCancelPath)
	apiGroup.GET("/jobs/:id", srv.handleJob)
	apiGroup.GET("/jobs/:id/events", srv.handleJobEvents)
	apiGroup.POST("/jobs/:id/cancel", srv.handleCancel)
	apiGroup.GET("/jobs/:id/url", srv.handleJobURL)
	apiGroup.GET("/cache", srv.handleCacheStats)
	apiGroup.GET("/cache/entries", srv.handleCacheEntries)
	apiGroup.POST("/cache/sweep", srv.handleCacheSweep)
	apiGroup.DELETE("/cache/:fingerprint", srv.handleCacheEvict)
	apiGroup.GET("/logs", srv.handleLogs)

	// Signed links carry their own authorization.
	e.GET("/download/:name", srv.handleDownload)

	srv.echo = e
	// No WriteTimeout: event streams and long polls hold responses open.
	srv.server = &http.Server{
		Handler:           e,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s.listener == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
	_ = s.listener.Close()
	s.listener = nil
}

// fail writes err as an ErrorResponse with the status its class maps to.
func (s *apiServer) fail(c echo.Context, err error) error {
	status, code := api.Classify(err)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithContext(logging.WithContext(c.Request().Context(), s.logger), "api request failed", "api_request_failed",
			logging.String("path", c.Path()),
			logging.Error(err),
			logging.String(logging.FieldImpact, "client received an internal error"),
		)
	}
	return c.JSON(status, api.ErrorResponse{Error: err.Error(), Code: code})
}

func (s *apiServer) handleEchoError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		message := fmt.Sprint(httpErr.Message)
		code := api.CodeInternal
		switch httpErr.Code {
		case http.StatusNotFound:
			code = api.CodeNotFound
		case http.StatusBadRequest, http.StatusMethodNotAllowed:
			code = api.CodeValidation
		}
		_ = c.JSON(httpErr.Code, api.ErrorResponse{Error: message, Code: code})
		return
	}
	_ = s.fail(c, err)
}

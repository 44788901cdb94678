package portal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/config"
	"github.com/ehr/portal/internal/platform/apiclient"
	"github.com/ehr/portal/internal/platform/auth"
	"github.com/ehr/portal/internal/platform/middleware"
	"github.com/ehr/portal/internal/platform/storage"
	"github.com/ehr/portal/internal/platform/telemetry"
)

// Server bundles the echo instance with the route guard so callers can
// trigger the boot-time session check before the first request.
type Server struct {
	Echo   *echo.Echo
	Guard  *auth.RouteGuard
	logger zerolog.Logger
}

// ServerOption configures NewServer.
type ServerOption func(*serverOptions)

type serverOptions struct {
	recorders []middleware.AuditRecorder
	metrics   *telemetry.Metrics
}

// WithAuditRecorders adds sinks for proxied backend calls.
func WithAuditRecorders(r ...middleware.AuditRecorder) ServerOption {
	return func(o *serverOptions) { o.recorders = append(o.recorders, r...) }
}

// WithMetrics records request and sign-in metrics.
func WithMetrics(m *telemetry.Metrics) ServerOption {
	return func(o *serverOptions) { o.metrics = m }
}

// NewServer wires the portal routes:
//
//	/health, /auth/*, <login path>   public
//	/api/*                          guarded, proxied to the backend
//	/*                              guarded SPA bundle
//
// st is the backend behind store; /health pings it.
func NewServer(cfg *config.Config, store Store, st storage.Storage, logger zerolog.Logger, opts ...ServerOption) (*Server, error) {
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	if !cfg.AllowRemote {
		e.Use(middleware.LocalOnly(logger))
	}
	if o.metrics != nil {
		e.Use(o.metrics.Middleware())
	}
	secCfg := middleware.DefaultSecurityHeadersConfig()
	secCfg.HSTS = cfg.IsProduction()
	e.Use(middleware.SecurityHeaders(secCfg))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders:     []string{"Content-Type", "X-Request-ID", "X-Requested-With"},
		AllowCredentials: true,
	}))

	e.GET("/health", storage.HealthHandler(st))

	h := NewHandler(store, cfg.MFAIssuer, logger)
	h.metrics = o.metrics
	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerSecond = cfg.RateLimitRPS
	rl.BurstSize = cfg.RateLimitBurst
	h.RegisterRoutes(e.Group("/auth", middleware.RateLimit(rl)))

	spa := newSPA(cfg.StaticDir)
	e.GET(cfg.LoginPath, func(c echo.Context) error {
		if spa.enabled() {
			return spa.index(c)
		}
		return h.State(c)
	})

	guard := auth.NewRouteGuard(store, auth.GuardConfig{
		Skipper: func(c echo.Context) bool {
			return c.Request().URL.Path == cfg.LoginPath || auth.AuthSkipper(c)
		},
		LoginPath: cfg.LoginPath,
		Wait:      2 * time.Second,
		Logger:    logger,
	})
	protected := e.Group("", guard.Middleware(), middleware.Audit(logger, o.recorders...))

	if cfg.BackendURL != "" {
		proxy, err := backendProxy(cfg.BackendURL, cfg.LoginPath, store, logger)
		if err != nil {
			return nil, err
		}
		protected.Any("/api/*", func(c echo.Context) error { return echo.ErrNotFound }, proxy...)
	}

	protected.GET("/*", func(c echo.Context) error {
		if spa.enabled() {
			return spa.serve(c)
		}
		return h.State(c)
	})

	return &Server{Echo: e, Guard: guard, logger: logger}, nil
}

// backendProxy forwards guarded /api/* requests to the REST backend with
// the session's ID token as bearer credentials.
func backendProxy(rawURL, loginPath string, store Store, logger zerolog.Logger) ([]echo.MiddlewareFunc, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}

	// The browser never supplies backend credentials; the portal does.
	requireToken := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			req.Header.Del("Authorization")
			if _, err := store.BearerToken(req.Context()); err != nil {
				logger.Info().Err(err).Msg("no bearer token for backend call")
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error":    "session expired",
					"redirect": loginPath,
				})
			}
			return next(c)
		}
	}

	proxy := echomw.ProxyWithConfig(echomw.ProxyConfig{
		Balancer:  echomw.NewRoundRobinBalancer([]*echomw.ProxyTarget{{Name: "backend", URL: target}}),
		Transport: &apiclient.Transport{Source: store},
	})
	return []echo.MiddlewareFunc{requireToken, proxy}, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.Guard.Start()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("starting server")
		if err := s.Echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info().Msg("server stopped")
	return nil
}

package auth

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/session"
)

// SessionSource is the part of the session store the guard reads.
type SessionSource interface {
	CheckSession(ctx context.Context) bool
	Snapshot() session.Snapshot
}

type GuardConfig struct {
	// Skipper selects requests that bypass the guard. Defaults to AuthSkipper.
	Skipper middleware.Skipper
	// LoginPath is where unauthenticated browsers are sent. Defaults to /login.
	LoginPath string
	// Wait bounds how long a request blocks on the boot-time session check
	// before the loading placeholder is returned instead.
	Wait time.Duration
	// CheckTimeout bounds the boot-time session check itself.
	CheckTimeout time.Duration
	Logger       zerolog.Logger
}

// RouteGuard runs the boot-time session check exactly once, holds the
// protected tree behind a loading placeholder until it finishes, and then
// gates every request on the store's current snapshot.
type RouteGuard struct {
	store SessionSource
	cfg   GuardConfig
	once  sync.Once
	done  chan struct{}
}

// NewRouteGuard fills in defaults for the skipper, login path and check timeout.
func NewRouteGuard(store SessionSource, cfg GuardConfig) *RouteGuard {
	if cfg.Skipper == nil {
		cfg.Skipper = AuthSkipper
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/login"
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 30 * time.Second
	}
	cfg.Logger = cfg.Logger.With().Str("component", "route_guard").Logger()
	return &RouteGuard{store: store, cfg: cfg, done: make(chan struct{})}
}

// Start triggers the session check if it has not run yet. It never blocks.
func (g *RouteGuard) Start() {
	g.once.Do(func() {
		go g.check()
	})
}

// Ready reports whether the boot-time check has completed.
func (g *RouteGuard) Ready() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

// Done is closed once the boot-time check has completed.
func (g *RouteGuard) Done() <-chan struct{} {
	return g.done
}

func (g *RouteGuard) check() {
	defer close(g.done)
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.CheckTimeout)
	defer cancel()

	start := time.Now()
	ok := g.store.CheckSession(ctx)
	g.cfg.Logger.Info().
		Bool("authenticated", ok).
		Dur("duration", time.Since(start)).
		Msg("boot session check complete")
}

// Middleware returns the echo middleware guarding the protected tree.
func (g *RouteGuard) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if g.cfg.Skipper(c) {
				return next(c)
			}

			g.Start()
			if !g.wait(c.Request().Context()) {
				return loading(c)
			}

			snap := g.store.Snapshot()
			if !snap.IsAuthenticated {
				return g.redirect(c)
			}

			ctx := WithUser(c.Request().Context(), snap.User)
			c.SetRequest(c.Request().WithContext(ctx))
			if snap.User != nil {
				c.Set("user_id", snap.User.ID)
			}
			return next(c)
		}
	}
}

func (g *RouteGuard) wait(ctx context.Context) bool {
	if g.Ready() {
		return true
	}
	if g.cfg.Wait <= 0 {
		return false
	}
	t := time.NewTimer(g.cfg.Wait)
	defer t.Stop()
	select {
	case <-g.done:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func loading(c echo.Context) error {
	c.Response().Header().Set("Retry-After", "1")
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusAccepted, map[string]string{"status": "loading"})
}

func (g *RouteGuard) redirect(c echo.Context) error {
	if wantsJSON(c.Request()) {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":    "not authenticated",
			"redirect": g.cfg.LoginPath,
		})
	}
	return c.Redirect(http.StatusFound, g.cfg.LoginPath)
}

// wantsJSON reports whether the caller is a script rather than a browser
// navigation.
func wantsJSON(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest") {
		return true
	}
	accept := r.Header.Get(echo.HeaderAccept)
	return strings.Contains(accept, echo.MIMEApplicationJSON) && !strings.Contains(accept, echo.MIMETextHTML)
}

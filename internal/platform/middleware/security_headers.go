package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// SecurityHeadersConfig tunes SecurityHeaders for the portal.
type SecurityHeadersConfig struct {
	// ContentSecurityPolicy applies to every response. The SPA bundle is
	// served from the same origin, so the default only allows 'self'.
	ContentSecurityPolicy string
	// HSTS enables Strict-Transport-Security. Leave off for plain-HTTP
	// development servers.
	HSTS bool
	// NoStorePrefixes are path prefixes whose responses must never be
	// cached (session state and proxied patient data).
	NoStorePrefixes []string
}

func DefaultSecurityHeadersConfig() SecurityHeadersConfig {
	return SecurityHeadersConfig{
		ContentSecurityPolicy: "default-src 'self'; img-src 'self' data:; object-src 'none'; base-uri 'self'; frame-ancestors 'none'",
		NoStorePrefixes:       []string{"/auth", "/api/", "/login"},
	}
}

// SecurityHeaders sets browser hardening headers on every response.
func SecurityHeaders(cfg SecurityHeadersConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-XSS-Protection", "0")
			if cfg.ContentSecurityPolicy != "" {
				h.Set("Content-Security-Policy", cfg.ContentSecurityPolicy)
			}
			if cfg.HSTS {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			h.Set("Referrer-Policy", "same-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")

			path := c.Request().URL.Path
			for _, p := range cfg.NoStorePrefixes {
				if strings.HasPrefix(path, p) {
					h.Set("Cache-Control", "no-store")
					break
				}
			}

			return next(c)
		}
	}
}

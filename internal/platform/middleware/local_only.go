package middleware

import (
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// LocalOnly rejects requests whose peer is not a loopback address. The peer
// is taken from the connection, never from forwarding headers.
func LocalOnly(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isLoopbackPeer(c.Request().RemoteAddr) {
				return next(c)
			}
			logger.Warn().
				Str("remote_addr", c.Request().RemoteAddr).
				Str("path", c.Request().URL.Path).
				Msg("non-local request rejected")
			return echo.NewHTTPError(http.StatusForbidden, "the portal only accepts local connections")
		}
	}
}

func isLoopbackPeer(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

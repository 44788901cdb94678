package auth

import (
	"path"
	"strings"

	"github.com/labstack/echo/v4"
)

// publicPaths are served without a session: the login entry point, health
// checks and the sign-in API itself.
var publicPaths = map[string]bool{
	"/login":  true,
	"/health": true,
	"/auth":   true,
}

var publicPrefixes = []string{
	"/auth/",
	"/assets/",
}

// staticExts are bundle files the login page needs before anyone signs in.
var staticExts = map[string]bool{
	".js":    true,
	".css":   true,
	".map":   true,
	".ico":   true,
	".png":   true,
	".svg":   true,
	".woff":  true,
	".woff2": true,
}

// AuthSkipper returns true for requests the route guard must let through.
// It matches on the request path since the protected tree is mounted on
// wildcard routes.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Request().URL.Path)
}

// IsPublicPath reports whether p bypasses the route guard.
func IsPublicPath(p string) bool {
	if publicPaths[p] {
		return true
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	if strings.HasPrefix(p, "/api/") {
		return false
	}
	return staticExts[path.Ext(p)]
}

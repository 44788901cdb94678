package portal

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"
)

// spa serves a single-page application bundle: existing files as-is and
// index.html for every other path so client-side routes deep-link.
type spa struct {
	root string
}

func newSPA(root string) spa {
	return spa{root: root}
}

func (s spa) enabled() bool {
	if s.root == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(s.root, "index.html"))
	return err == nil
}

func (s spa) index(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.File(filepath.Join(s.root, "index.html"))
}

func (s spa) serve(c echo.Context) error {
	p := path.Clean("/" + c.Request().URL.Path)
	if strings.Contains(p, "..") {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid path")
	}
	name := filepath.Join(s.root, filepath.FromSlash(p))
	if fi, err := os.Stat(name); err == nil && !fi.IsDir() {
		return c.File(name)
	}
	// Missing bundle files are real 404s, not client routes.
	if path.Ext(p) != "" {
		return echo.ErrNotFound
	}
	return s.index(c)
}

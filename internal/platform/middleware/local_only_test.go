package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestLocalOnly(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		wantStatus int
	}{
		{"ipv4 loopback", "127.0.0.1:51000", "", http.StatusOK},
		{"ipv6 loopback", "[::1]:51000", "", http.StatusOK},
		{"remote host", "203.0.113.9:51000", "", http.StatusForbidden},
		{"remote host claiming loopback", "203.0.113.9:51000", "127.0.0.1", http.StatusForbidden},
		{"unparseable peer", "somewhere", "", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/Patient", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set(echo.HeaderXForwardedFor, tt.forwarded)
				req.Header.Set(echo.HeaderXRealIP, tt.forwarded)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			called := false
			err := LocalOnly(zerolog.Nop())(func(c echo.Context) error {
				called = true
				return c.String(http.StatusOK, "ok")
			})(c)

			if tt.wantStatus == http.StatusOK {
				if err != nil || !called {
					t.Fatalf("expected pass-through, got err=%v called=%v", err, called)
				}
				return
			}
			var he *echo.HTTPError
			if !errors.As(err, &he) || he.Code != tt.wantStatus {
				t.Fatalf("err = %v, want HTTP %d", err, tt.wantStatus)
			}
			if called {
				t.Error("handler ran for a rejected request")
			}
		})
	}
}

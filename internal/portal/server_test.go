package portal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/config"
	"github.com/ehr/portal/internal/platform/middleware"
	"github.com/ehr/portal/internal/platform/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:            "test",
		MFAIssuer:      "Clinic Portal",
		LoginPath:      "/login",
		CORSOrigins:    []string{"http://localhost:5173"},
		RateLimitRPS:   100,
		RateLimitBurst: 100,
	}
}

func newTestServer(t *testing.T, cfg *config.Config, store Store, recorders ...middleware.AuditRecorder) *Server {
	t.Helper()
	srv, err := NewServer(cfg, store, storage.NewMemory(), zerolog.Nop(), WithAuditRecorders(recorders...))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.Guard.Start()
	select {
	case <-srv.Guard.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("boot session check did not complete")
	}
	return srv
}

func serve(srv *Server, method, path string, header map[string]string) *httptest.ResponseRecorder {
	return serveFrom(srv, "127.0.0.1:50000", method, path, header)
}

func serveFrom(srv *Server, remoteAddr, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remoteAddr
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Echo.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t, testConfig(), &fakeStore{})
	rec := serve(srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Error("expected a request id on every response")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}
}

func TestServer_GuardsProtectedTree(t *testing.T) {
	srv := newTestServer(t, testConfig(), &fakeStore{})

	rec := serve(srv, http.MethodGet, "/patients/42", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get(echo.HeaderLocation); loc != "/login" {
		t.Errorf("Location = %q, want /login", loc)
	}

	rec = serve(srv, http.MethodGet, "/login", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("login page status = %d, want 200", rec.Code)
	}
	rec = serve(srv, http.MethodGet, "/auth/state", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("auth api status = %d, want 200", rec.Code)
	}
}

func TestServer_AuthenticatedSeesState(t *testing.T) {
	srv := newTestServer(t, testConfig(), &fakeStore{snap: signedIn()})

	rec := serve(srv, http.MethodGet, "/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"is_authenticated":true`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestServer_CustomLoginPath(t *testing.T) {
	cfg := testConfig()
	cfg.LoginPath = "/sign-in"
	srv := newTestServer(t, cfg, &fakeStore{})

	if rec := serve(srv, http.MethodGet, "/sign-in", nil); rec.Code != http.StatusOK {
		t.Errorf("login page status = %d, want 200", rec.Code)
	}
	rec := serve(srv, http.MethodGet, "/", nil)
	if loc := rec.Header().Get(echo.HeaderLocation); loc != "/sign-in" {
		t.Errorf("Location = %q, want /sign-in", loc)
	}
}

func TestServer_ServesSPA(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>portal</html>"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "assets"), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "assets", "app.js"), []byte("console.log(1)"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.StaticDir = dir
	srv := newTestServer(t, cfg, &fakeStore{snap: signedIn()})

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"/", http.StatusOK, "portal"},
		{"/patients/42", http.StatusOK, "portal"},
		{"/login", http.StatusOK, "portal"},
		{"/assets/app.js", http.StatusOK, "console.log"},
		{"/assets/missing.js", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := serve(srv, http.MethodGet, tt.path, nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestServer_ProxiesAPIWithSessionToken(t *testing.T) {
	var gotAuth, gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"resourceType":"Patient","id":"42"}`))
	}))
	defer backend.Close()

	var entries []middleware.AuditEntry
	recorder := middleware.AuditRecorderFunc(func(e middleware.AuditEntry) error {
		entries = append(entries, e)
		return nil
	})

	cfg := testConfig()
	cfg.BackendURL = backend.URL
	srv := newTestServer(t, cfg, &fakeStore{snap: signedIn(), token: "id-token"}, recorder)

	rec := serve(srv, http.MethodGet, "/api/v1/Patient/42", map[string]string{"Authorization": "Bearer forged"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if gotAuth != "Bearer id-token" {
		t.Errorf("backend saw Authorization %q, want the session token", gotAuth)
	}
	if gotPath != "/api/v1/Patient/42" {
		t.Errorf("backend path = %q", gotPath)
	}
	if len(entries) != 1 || entries[0].UserID != "user-1" || entries[0].Action != "read" {
		t.Errorf("audit entries = %+v", entries)
	}
}

func TestServer_APIWithoutToken(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be called without a token")
	}))
	defer backend.Close()

	cfg := testConfig()
	cfg.BackendURL = backend.URL

	tests := []struct {
		name  string
		store *fakeStore
	}{
		{"signed out", &fakeStore{}},
		{"token refresh failed", &fakeStore{snap: signedIn(), tokenErr: errors.New("session expired")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, cfg, tt.store)
			rec := serve(srv, http.MethodGet, "/api/v1/Patient", nil)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), `"redirect":"/login"`) {
				t.Errorf("body = %s", rec.Body.String())
			}
		})
	}
}

func TestServer_RunShutsDownOnCancel(t *testing.T) {
	store := &fakeStore{}
	srv, err := NewServer(testConfig(), store, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, "127.0.0.1:0") }()

	select {
	case <-srv.Guard.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not start the session check")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestServer_RejectsRemoteClients(t *testing.T) {
	var backendCalls int
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendCalls++
		w.Write([]byte(`{"patients":[]}`))
	}))
	defer backend.Close()

	cfg := testConfig()
	cfg.BackendURL = backend.URL
	store := &fakeStore{snap: signedIn(), token: "alice-id-token"}
	srv := newTestServer(t, cfg, store)

	for _, path := range []string{"/api/patients", "/auth/state", "/", "/health"} {
		t.Run(path, func(t *testing.T) {
			rec := serveFrom(srv, "203.0.113.9:41000", http.MethodGet, path, nil)
			if rec.Code != http.StatusForbidden {
				t.Errorf("status = %d, want 403", rec.Code)
			}
			if strings.Contains(rec.Body.String(), "alice") {
				t.Errorf("session data leaked: %s", rec.Body.String())
			}
		})
	}
	if backendCalls != 0 {
		t.Errorf("backend called %d times for remote clients", backendCalls)
	}

	rec := serve(srv, http.MethodGet, "/api/patients", nil)
	if rec.Code != http.StatusOK || backendCalls != 1 {
		t.Errorf("local client: status %d, backend calls %d", rec.Code, backendCalls)
	}
}

func TestServer_AllowRemoteOptIn(t *testing.T) {
	cfg := testConfig()
	cfg.AllowRemote = true
	srv := newTestServer(t, cfg, &fakeStore{snap: signedIn()})

	rec := serveFrom(srv, "203.0.113.9:41000", http.MethodGet, "/auth/state", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestServer_DefaultListenAddrIsLoopback(t *testing.T) {
	cfg := testConfig()
	cfg.Port = "3000"
	if got := cfg.ListenAddr(); got != "127.0.0.1:3000" {
		t.Errorf("ListenAddr() = %q, want 127.0.0.1:3000", got)
	}
	if err := (&config.Config{CognitoRegion: "us-east-1", LoginPath: "/login", BindAddr: "0.0.0.0"}).Validate(); err == nil {
		t.Error("expected a non-loopback bind to be rejected without ALLOW_REMOTE")
	}
}

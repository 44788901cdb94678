package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counterValues returns the data points of an int64 sum keyed by the value
// of attr.
func counterValues(t *testing.T, reader *sdkmetric.ManualReader, name string, attr attribute.Key) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: unexpected data type %T", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(attr)
				out[v.Emit()] += dp.Value
			}
		}
	}
	return out
}

func TestMiddleware_CountsByRouteAndStatus(t *testing.T) {
	m, reader := newTestMetrics(t)

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/patients/:id", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/boom", func(c echo.Context) error { return echo.NewHTTPError(http.StatusBadGateway) })

	for _, path := range []string{"/patients/1", "/patients/2", "/boom"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	routes := counterValues(t, reader, "portal.http.requests", "http.route")
	if routes["/patients/:id"] != 2 {
		t.Errorf("route counts = %v, want 2 for /patients/:id", routes)
	}
	statuses := counterValues(t, reader, "portal.http.requests", "http.status_code")
	if statuses["200"] != 2 || statuses["502"] != 1 {
		t.Errorf("status counts = %v", statuses)
	}
}

func TestRecordAuth(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAuth(ctx, "login", "success")
	m.RecordAuth(ctx, "login", "challenge")
	m.RecordAuth(ctx, "mfa_verify", "provider_auth_failure")

	ops := counterValues(t, reader, "portal.auth.outcomes", "auth.operation")
	if ops["login"] != 2 || ops["mfa_verify"] != 1 {
		t.Errorf("operation counts = %v", ops)
	}
	results := counterValues(t, reader, "portal.auth.outcomes", "auth.result")
	if results["success"] != 1 || results["challenge"] != 1 {
		t.Errorf("result counts = %v", results)
	}
}

func TestRecordAuth_NilMetrics(t *testing.T) {
	var m *Metrics
	m.RecordAuth(context.Background(), "login", "success")
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		wantErr  bool
	}{
		{"disabled", "", false},
		{"host and port", "localhost:4317", false},
		{"url", "http://collector:4317/v1/metrics", false},
		{"missing host", "http://", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(context.Background(), tt.endpoint, "clinic-portal", false, time.Hour)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewProvider error = %v, wantErr %v", err, tt.wantErr)
			}
			if p != nil {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				p.Shutdown(ctx)
			}
		})
	}
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"dashboard-proxy/internal/metrics"
)

// requestCounters returns the label sets and values of the request counter.
func requestCounters(t *testing.T, m *metrics.Metrics) []map[string]string {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	var out []map[string]string
	for _, f := range families {
		if f.GetName() != "dashboard_proxy_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if metric.GetCounter().GetValue() != 1 {
				t.Errorf("counter %v = %v, want 1", labels, metric.GetCounter().GetValue())
			}
			out = append(out, labels)
		}
	}
	return out
}

func TestMetricsMiddleware_LabelsByRouteTemplate(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/api/reports/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/reports/123", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	counters := requestCounters(t, m)
	if len(counters) != 1 {
		t.Fatalf("got %d counters, want 1", len(counters))
	}
	if got := counters[0]["route"]; got != "/api/reports/:id" {
		t.Errorf("route = %q, want %q", got, "/api/reports/:id")
	}
	if got := counters[0]["status_code"]; got != "200" {
		t.Errorf("status_code = %q, want %q", got, "200")
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "dashboard_proxy_http_request_duration_seconds" {
			for _, metric := range f.GetMetric() {
				if metric.GetHistogram().GetSampleCount() > 0 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("expected dashboard_proxy_http_request_duration_seconds with at least one sample")
	}
}

func TestMetricsMiddleware_HTTPErrorStatus(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.POST("/api/chat", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/chat", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	for _, labels := range requestCounters(t, m) {
		if labels["route"] == "/api/chat" {
			if labels["status_code"] != "413" {
				t.Errorf("status_code = %q, want %q", labels["status_code"], "413")
			}
			return
		}
	}
	t.Error("expected dashboard_proxy_http_requests_total with route=/api/chat")
}

func TestMetricsMiddleware_UnknownMethodNormalized(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	// Any registers every method, so a non-standard one still reaches the handler.
	e.Any("/api/chat", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest("XYZZY", "/api/chat", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	for _, labels := range requestCounters(t, m) {
		if labels["route"] == "/api/chat" {
			if labels["method"] != "other" {
				t.Errorf("method = %q, want %q", labels["method"], "other")
			}
			return
		}
	}
	t.Error("expected dashboard_proxy_http_requests_total with route=/api/chat and method=other")
}

func TestMetricsMiddleware_RouterNotFound(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	// No routes registered; request should yield 404.

	req := httptest.NewRequest(http.MethodGet, "/nonexistent/abc123", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	for _, labels := range requestCounters(t, m) {
		if labels["method"] == "GET" {
			if labels["status_code"] != "404" {
				t.Errorf("status_code = %q, want %q", labels["status_code"], "404")
			}
			if labels["route"] == "/nonexistent/abc123" {
				t.Error("unmatched request path must not become a route label")
			}
			return
		}
	}
	t.Error("expected dashboard_proxy_http_requests_total with method=GET, status_code=404")
}

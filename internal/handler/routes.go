// Package handler provides the Echo handlers for the proxy routes and the
// operational endpoints.
package handler

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dashboard-proxy/internal/config"
	"dashboard-proxy/internal/metrics"
)

// RegisterRoutes wires the operational endpoints and one handler per
// configured proxy route onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics, logger *slog.Logger) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	for _, r := range cfg.Routes {
		e.Add(r.Method, r.Path, proxy.Handler(r))
		logger.Debug("registered route",
			"name", r.Name,
			"method", r.Method,
			"path", r.Path,
			"auth", r.Auth,
		)
	}
	if len(cfg.Routes) == 0 {
		logger.Warn("no proxy routes configured")
	}
}

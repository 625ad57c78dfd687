package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"dashboard-proxy/internal/config"
	"dashboard-proxy/internal/model"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

type routeStatus struct {
	Name   string             `json:"name"`
	Method string             `json:"method"`
	Path   string             `json:"path"`
	Auth   model.AuthStrategy `json:"auth"`
}

type statusResponse struct {
	Status     string        `json:"status"`
	Version    string        `json:"version"`
	BackendURL string        `json:"backend_url"`
	OpenMode   bool          `json:"open_mode"`
	Routes     []routeStatus `json:"routes"`
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information. Target paths and credentials are
// not exposed.
func (h *HealthHandler) Status(c echo.Context) error {
	routes := make([]routeStatus, 0, len(h.cfg.Routes))
	for _, r := range h.cfg.Routes {
		routes = append(routes, routeStatus{Name: r.Name, Method: r.Method, Path: r.Path, Auth: r.Auth})
	}

	backend := h.cfg.Upstream.BaseURL
	if backend == "" {
		backend = config.DefaultBackendURL
	}

	return c.JSON(http.StatusOK, statusResponse{
		Status:     "ok",
		Version:    string(h.version),
		BackendURL: backend,
		OpenMode:   h.cfg.Auth.OpenMode,
		Routes:     routes,
	})
}

package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"dashboard-proxy/internal/auth"
	"dashboard-proxy/internal/config"
	"dashboard-proxy/internal/model"
	"dashboard-proxy/internal/service"
	"dashboard-proxy/internal/validate"
)

// Error messages returned to callers.
const (
	msgUnauthenticated = "Authentication required"
	msgBodyRequired    = "Request body required"
	msgInvalidJSON     = "Invalid JSON body"
	msgValidation      = "Request body failed validation"
	msgInvalidParam    = "Invalid path parameter"
	msgBackendFailed   = "Backend request failed"
	msgInternal        = "Internal server error"
)

// ProxyHandler serves the configured proxy routes.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handler returns the Echo handler for one route table entry.
func (h *ProxyHandler) Handler(route model.Route) echo.HandlerFunc {
	params := config.PathParams(route.Path)

	return func(c echo.Context) error {
		req := c.Request()

		pr := &model.ProxyRequest{
			Ctx:       req.Context(),
			Route:     route,
			Query:     req.URL.Query(),
			Header:    req.Header,
			RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
		}

		if len(params) > 0 {
			pr.PathParams = make(map[string]string, len(params))
			for _, name := range params {
				v := c.Param(name)
				if unescaped, err := url.PathUnescape(v); err == nil {
					v = unescaped
				}
				pr.PathParams[name] = v
			}
		}

		if route.Method == http.MethodPost {
			body, err := io.ReadAll(req.Body)
			if err != nil {
				return h.mapError(c, fmt.Errorf("read request body: %w", err))
			}
			pr.Body = body
		}

		res, err := h.service.Forward(pr)
		if err != nil {
			return h.mapError(c, err)
		}

		if len(res.Body) == 0 {
			return c.NoContent(res.StatusCode)
		}
		return c.JSONBlob(res.StatusCode, res.Body)
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	// Body limit and similar middleware errors are rendered by the error handler.
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	log := h.logger.With(
		"path", c.Request().URL.Path,
		"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
	)

	var (
		backendErr *service.BackendError
		validErr   *validate.Error
	)
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		log.Info("unauthenticated request", "reason", sanitizeError(err))
		return c.JSON(http.StatusUnauthorized, model.ErrorEnvelope{Error: msgUnauthenticated})

	case errors.Is(err, service.ErrBodyRequired):
		return c.JSON(http.StatusBadRequest, model.ErrorEnvelope{Error: msgBodyRequired})

	case errors.Is(err, service.ErrInvalidJSON):
		log.Debug("invalid request body", "err", err)
		return c.JSON(http.StatusBadRequest, model.ErrorEnvelope{Error: msgInvalidJSON})

	case errors.As(err, &validErr):
		log.Debug("request body failed validation", "details", validErr.Details)
		return c.JSON(http.StatusBadRequest, model.ErrorEnvelope{Error: msgValidation, Details: validErr.Details})

	case errors.Is(err, service.ErrInvalidPathParam):
		return c.JSON(http.StatusBadRequest, model.ErrorEnvelope{Error: msgInvalidParam})

	case errors.As(err, &backendErr):
		log.Warn("backend request failed", "status", backendErr.StatusCode)
		return c.JSON(backendErr.StatusCode, model.ErrorEnvelope{Error: msgBackendFailed, Details: backendErr.Body})

	case errors.Is(err, context.Canceled):
		log.Warn("client disconnected", "err", sanitizeError(err))
		return c.JSON(http.StatusInternalServerError, model.ErrorEnvelope{Error: msgInternal})
	}

	log.Error("proxy error", "err", sanitizeError(err))
	return c.JSON(http.StatusInternalServerError, model.ErrorEnvelope{Error: msgInternal})
}

// ErrorHandler renders errors that reach Echo (unknown routes, body limits,
// rate limiting, panics) as the proxy's JSON error envelope.
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	logger = logger.With("component", "error_handler")

	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		msg := msgInternal

		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if s, ok := he.Message.(string); ok && s != "" {
				msg = s
			} else {
				msg = http.StatusText(code)
			}
		}
		if code >= http.StatusInternalServerError {
			logger.Error("request failed",
				"err", sanitizeError(err),
				"path", c.Request().URL.Path,
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			)
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(code)
		} else {
			werr = c.JSON(code, model.ErrorEnvelope{Error: msg})
		}
		if werr != nil {
			logger.Error("write error response", "err", werr)
		}
	}
}

// sanitizeError redacts bearer tokens from error messages before logging.
func sanitizeError(err error) string {
	return auth.ScrubBearer(err.Error())
}

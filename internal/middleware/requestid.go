package middleware

import (
	"regexp"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// validRequestID bounds inbound request ids before they reach logs and the backend.
var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// RequestID returns Echo's request-id middleware generating UUIDs. A
// well-formed inbound X-Request-Id is kept; anything else is replaced.
func RequestID() echo.MiddlewareFunc {
	rid := echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
	})

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		h := rid(next)
		return func(c echo.Context) error {
			req := c.Request()
			if v := req.Header.Get(echo.HeaderXRequestID); v != "" && !validRequestID.MatchString(v) {
				req.Header.Del(echo.HeaderXRequestID)
			}
			return h(c)
		}
	}
}

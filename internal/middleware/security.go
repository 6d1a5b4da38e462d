package middleware

import (
	"github.com/labstack/echo/v4"

	"nyx-proxy-go/internal/model"
)

// SecurityHeaders returns an Echo middleware that adds security headers
// and strips hop-by-hop headers from requests.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range model.HopByHopHeaders {
				c.Request().Header.Del(h)
			}

			// Set before next: relayed bodies are streamed, so the header
			// block is already on the wire when the handler returns.
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")

			return next(c)
		}
	}
}

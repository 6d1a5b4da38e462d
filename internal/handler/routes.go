package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The access
// middleware guards only the POST route of each endpoint.
func RegisterRoutes(e *echo.Echo, proxies []*ProxyHandler, health *HealthHandler, access echo.MiddlewareFunc) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)
	e.GET("/api/warmup", health.Warmup)

	for _, p := range proxies {
		e.GET(p.Path(), p.Describe)
		e.OPTIONS(p.Path(), p.Preflight)
		e.POST(p.Path(), p.Handle, access)
	}
}

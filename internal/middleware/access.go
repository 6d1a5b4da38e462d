package middleware

import (
	"log/slog"

	"github.com/labstack/echo/v4"

	"nyx-proxy-go/internal/gate"
	"nyx-proxy-go/internal/metrics"
	"nyx-proxy-go/internal/relay"
)

// AccessGate returns an Echo middleware that answers 403 before the handler
// runs when the gate denies the request.
func AccessGate(g *gate.Gate, m *metrics.Metrics, logger *slog.Logger) echo.MiddlewareFunc {
	logger = logger.With("component", "gate")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			in := g.Extract(c.Request().Header)
			d := g.Authorize(in)

			if !d.Allowed {
				m.AccessDecisions.WithLabelValues("denied").Inc()
				logger.Warn("access denied",
					"reason", d.Reason,
					"origin", in.Origin,
					"referer", in.Referer,
					"fetch_site", in.FetchSite,
					"remote_ip", c.RealIP(),
				)
				return relay.Forbidden(c)
			}

			m.AccessDecisions.WithLabelValues("allowed").Inc()
			if d.Reason == gate.ReasonDebugBypass {
				logger.Info("debug bypass used",
					"path", c.Request().URL.Path,
					"remote_ip", c.RealIP(),
				)
			}
			return next(c)
		}
	}
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"nyx-proxy-go/internal/client"
	"nyx-proxy-go/internal/config"
	"nyx-proxy-go/internal/gate"
	"nyx-proxy-go/internal/handler"
	"nyx-proxy-go/internal/metrics"
	"nyx-proxy-go/internal/middleware"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("nyx-proxy"),
		kong.Description("Signing reverse proxy for the NyxAi background-removal backend."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			newGate,
			newEcho,
			client.NewBackendClient,
			handler.NewProxyHandlers,
			handler.NewHealthHandler,
		),
		fx.Invoke(
			registerRoutes,
			registerMetrics,
			warnConfigPermissions,
			warnMissingKey,
			startServer,
		),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newMetrics(cfg *config.Config) *metrics.Metrics {
	paths := make([]string, 0, len(cfg.Endpoints)+1)
	for _, ep := range cfg.Endpoints {
		paths = append(paths, ep.Path)
	}
	if cfg.Metrics.Enabled {
		paths = append(paths, cfg.Metrics.Path)
	}
	return metrics.New(paths...)
}

func newGate(cfg *config.Config) *gate.Gate {
	return gate.New(cfg.Access.AllowedDomains, cfg.Access.DebugHeader, cfg.Access.DebugValue)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays disabled: a patient endpoint may wait 90s for the
	// backend before the first byte is written.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.BodyLimitWithConfig(echomw.BodyLimitConfig{
		// Proxy endpoints run the access gate first and then their own
		// size guard, which answers 413 with the endpoint limit.
		Skipper: proxyRouteSkipper(cfg),
		Limit:   fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes),
	}))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func proxyRouteSkipper(cfg *config.Config) echomw.Skipper {
	paths := make(map[string]bool, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		paths[ep.Path] = true
	}
	return func(c echo.Context) bool {
		return paths[c.Request().URL.Path]
	}
}

func registerRoutes(e *echo.Echo, proxies []*handler.ProxyHandler, health *handler.HealthHandler, g *gate.Gate, m *metrics.Metrics, logger *slog.Logger) {
	handler.RegisterRoutes(e, proxies, health, middleware.AccessGate(g, m, logger))
	for _, p := range proxies {
		logger.Info("endpoint registered", "path", p.Path())
	}
}

func registerMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	logger.Info("metrics enabled", "path", cfg.Metrics.Path)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func warnMissingKey(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnMissingKey(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "backend", cfg.Backend.BaseURL)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}

package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"nyx-proxy-go/internal/client"
	"nyx-proxy-go/internal/config"
	"nyx-proxy-go/internal/forward"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health, status and warmup endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	client  *client.BackendClient
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, bc *client.BackendClient, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		cfg:     cfg,
		version: v,
		client:  bc,
		logger:  logger.With("component", "health_handler"),
	}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type endpointStatus struct {
	Path           string `json:"path"`
	Target         string `json:"target"`
	Profile        string `json:"profile"`
	MaxRetries     int    `json:"max_retries"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxBodyBytes   int64  `json:"max_body_bytes"`
	DryRun         bool   `json:"dry_run"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	endpoints := make([]endpointStatus, 0, len(h.cfg.Endpoints))
	for i := range h.cfg.Endpoints {
		ep := &h.cfg.Endpoints[i]
		p := forward.PolicyFor(ep.Retry())
		endpoints = append(endpoints, endpointStatus{
			Path:           ep.Path,
			Target:         h.cfg.Backend.URL(ep.TargetPath),
			Profile:        ep.Profile,
			MaxRetries:     p.MaxRetries,
			TimeoutSeconds: int(p.Timeout / time.Second),
			MaxBodyBytes:   ep.MaxBodyBytes,
			DryRun:         ep.DryRun,
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         string(h.version),
		"backend_url":     h.cfg.Backend.BaseURL,
		"api_key_present": h.cfg.Backend.APIKey != "",
		"endpoints":       endpoints,
	})
}

// Warmup pings the backend base URL so that a sleeping backend starts
// before the first real upload arrives.
func (h *HealthHandler) Warmup(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.cfg.Backend.WarmupTimeout())
	defer cancel()

	resp, err := h.client.Get(ctx, h.cfg.Backend.BaseURL)
	if err != nil {
		h.logger.Warn("warmup failed", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"status":  "error",
			"message": "backend unreachable",
		})
	}
	client.Drain(resp)

	backend := "starting"
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		backend = "ready"
	}

	return c.JSON(http.StatusOK, map[string]string{
		"status":    "ok",
		"backend":   backend,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

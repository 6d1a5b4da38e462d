package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"nyx-proxy-go/internal/client"
	"nyx-proxy-go/internal/config"
	"nyx-proxy-go/internal/forward"
	"nyx-proxy-go/internal/guard"
	"nyx-proxy-go/internal/metrics"
	"nyx-proxy-go/internal/model"
	"nyx-proxy-go/internal/payload"
	"nyx-proxy-go/internal/relay"
	"nyx-proxy-go/internal/signer"
)

// HeaderDebug asks a dry-run endpoint to answer with the signed request
// instead of forwarding it.
const HeaderDebug = "X-Debug"

// ProxyHandler serves one proxy entry point.
type ProxyHandler struct {
	endpoint  config.EndpointConfig
	targetURL string
	apiKey    string
	userAgent string

	guard     *guard.Guard
	extractor payload.Extractor
	forwarder *forward.Forwarder
	relay     *relay.Relay
	logger    *slog.Logger
}

// NewProxyHandlers creates a handler for every configured endpoint.
func NewProxyHandlers(cfg *config.Config, bc *client.BackendClient, m *metrics.Metrics, logger *slog.Logger) ([]*ProxyHandler, error) {
	handlers := make([]*ProxyHandler, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		h, err := NewProxyHandler(cfg, ep, bc, m, logger)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, h)
	}
	return handlers, nil
}

// NewProxyHandler creates the handler for a single endpoint.
func NewProxyHandler(cfg *config.Config, ep config.EndpointConfig, p forward.Poster, m *metrics.Metrics, logger *slog.Logger) (*ProxyHandler, error) {
	ex, err := payload.ForName(ep.Extractor)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", ep.Path, err)
	}

	target := cfg.Backend.URL(ep.TargetPath)
	policy := forward.PolicyFor(ep.Retry())

	return &ProxyHandler{
		endpoint:  ep,
		targetURL: target,
		apiKey:    cfg.Backend.APIKey,
		userAgent: cfg.Backend.UserAgent,
		guard:     guard.New(ep.MaxBodyBytes),
		extractor: ex,
		forwarder: forward.New(p, cfg.Backend.APIKey, ep.Path, policy, logger, m),
		relay:     relay.New(target, policy.Timeout, logger),
		logger:    logger.With("component", "proxy_handler", "endpoint", ep.Path),
	}, nil
}

// Path returns the inbound route of the endpoint.
func (h *ProxyHandler) Path() string {
	return h.endpoint.Path
}

// Describe answers GET with a description of the endpoint.
func (h *ProxyHandler) Describe(c echo.Context) error {
	c.Response().Header().Set("X-Service", "NyxAi-Proxy")
	return c.JSON(http.StatusOK, map[string]any{
		"endpoint":        h.endpoint.Path,
		"method":          http.MethodPost,
		"allowed_methods": []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		"content_type":    "multipart/form-data",
		"required_fields": map[string]string{
			"image": "Image file (jpg, png, webp, etc.)",
		},
		"max_body_bytes": h.guard.Limit(),
		"signing": map[string]any{
			"algorithm": signer.Algorithm,
			"headers":   []string{signer.HeaderTimestamp, signer.HeaderNonce, signer.HeaderSignature},
		},
		"description": "AI-powered background removal service",
		"note":        "This endpoint is only accessible from the frontend UI. Direct external access is restricted.",
	})
}

// Preflight answers the CORS preflight for the endpoint.
func (h *ProxyHandler) Preflight(c echo.Context) error {
	relay.SetCORS(c.Response().Header(), c.Request().Header.Get(echo.HeaderOrigin))
	return c.NoContent(http.StatusNoContent)
}

// Handle reads, signs and forwards the payload, then relays the outcome.
// The access gate runs before it as route middleware.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	if h.apiKey == "" {
		h.logger.Error("signing key missing; rejecting request")
		return h.relay.Misconfigured(c)
	}

	start := time.Now()
	body, err := h.guard.ReadBody(req.Body, req.ContentLength)
	if err != nil {
		return h.relay.Error(c, err)
	}
	readTime := time.Since(start)

	out, err := h.extractor.Extract(body)
	if err != nil {
		return h.relay.Error(c, fmt.Errorf("extract payload: %w", err))
	}

	if h.endpoint.DryRun && req.Header.Get(HeaderDebug) == "true" {
		return h.dryRun(c, out, readTime)
	}

	outcome := h.forwarder.Forward(req.Context(), &model.BackendRequest{
		URL:         h.targetURL,
		Body:        out,
		ContentType: req.Header.Get(echo.HeaderContentType),
	})

	h.logger.Info("forwarded",
		"status", outcome.Status(),
		"attempts", outcome.Attempts,
		"reason", string(outcome.Reason),
		"body_bytes", len(out),
	)

	return h.relay.Outcome(c, outcome)
}

// dryRun reports what would be sent without contacting the backend.
func (h *ProxyHandler) dryRun(c echo.Context, body []byte, readTime time.Duration) error {
	env, err := signer.Sign(h.apiKey, body)
	if err != nil {
		h.logger.Error("dry run signing failed", "err", err)
		return h.relay.Misconfigured(c)
	}

	headers := env.Headers()
	if ct := c.Request().Header.Get(echo.HeaderContentType); ct != "" {
		headers[echo.HeaderContentType] = ct
	}
	if h.userAgent != "" {
		headers["User-Agent"] = h.userAgent
	}

	return c.JSON(http.StatusOK, map[string]any{
		"debug":      true,
		"target_url": h.targetURL,
		"headers":    headers,
		"sign": map[string]string{
			"body_sha256":    env.BodyHashHex,
			"string_to_sign": env.StringToSign,
		},
		"body_size": len(body),
		"timings_ms": map[string]int64{
			"read_body": readTime.Milliseconds(),
		},
	})
}

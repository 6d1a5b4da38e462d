// Package client provides the outbound HTTP client for the image-processing backend.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"nyx-proxy-go/internal/config"
	"nyx-proxy-go/internal/metrics"
	"nyx-proxy-go/internal/model"
)

// BackendClient sends requests to the backend.
//
// It sets no overall timeout: the forwarder bounds each attempt through the
// request context so that a timeout cancels only that attempt.
type BackendClient struct {
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewBackendClient creates a BackendClient with connection pooling.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewBackendClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *BackendClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Backend.IdleConnections,
		MaxIdleConnsPerHost: cfg.Backend.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &BackendClient{
		httpClient: &http.Client{Transport: transport},
		userAgent:  cfg.Backend.UserAgent,
		logger:     logger.With("component", "backend_client"),
		metrics:    m,
	}
}

// Do executes an HTTP request against the backend and returns the raw response.
// The caller is responsible for closing the response body.
func (c *BackendClient) Do(req *http.Request) (*model.BackendResponse, error) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	c.logger.Debug("backend request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via BackendResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("backend request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.BackendResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// Post sends body to url with the given headers. Content-Length is derived
// by the transport from the byte slice and is never taken from header.
// The provided context controls the lifetime of the request, including the
// body stream of the returned response.
func (c *BackendClient) Post(ctx context.Context, url string, header http.Header, body []byte) (*model.BackendResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	for k, vals := range header {
		if http.CanonicalHeaderKey(k) == "Content-Length" {
			continue
		}
		req.Header[http.CanonicalHeaderKey(k)] = vals
	}

	return c.Do(req)
}

// Get issues a bodiless GET, used for warmup probes.
func (c *BackendClient) Get(ctx context.Context, url string) (*model.BackendResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}

	return c.Do(req)
}

// Drain discards and closes a response body so the connection can be reused.
func Drain(resp *model.BackendResponse) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

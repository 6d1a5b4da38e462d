// Package relay turns forward outcomes and local rejections into the
// response the original caller sees.
package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/labstack/echo/v4"

	"nyx-proxy-go/internal/forward"
	"nyx-proxy-go/internal/guard"
	"nyx-proxy-go/internal/model"
)

// CORS values applied to every relayed backend response.
const (
	AllowMethods = "POST, OPTIONS"
	AllowHeaders = "Content-Type"
)

// ErrorBody is the JSON shape of every synthesized failure.
type ErrorBody struct {
	Error          string `json:"error"`
	Message        string `json:"message,omitempty"`
	DirectEndpoint string `json:"direct_endpoint,omitempty"`
	Timeout        string `json:"timeout,omitempty"`
	MaxProxySize   string `json:"max_proxy_size,omitempty"`
	MaxProxyBytes  int64  `json:"max_proxy_bytes,omitempty"`
	YourSize       string `json:"your_size,omitempty"`
	Attempts       int    `json:"attempts,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
}

// Relay writes responses for one entry point.
type Relay struct {
	directURL string
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Relay. directURL is the backend endpoint offered to callers
// as a way around the proxy; timeout is the per-attempt timeout reported in 504s.
func New(directURL string, timeout time.Duration, logger *slog.Logger) *Relay {
	return &Relay{
		directURL: directURL,
		timeout:   timeout,
		logger:    logger.With("component", "relay"),
		now:       time.Now,
	}
}

// SetCORS sets the CORS headers for a caller with the given Origin.
func SetCORS(h http.Header, origin string) {
	if origin == "" {
		origin = "*"
	}
	h.Set(echo.HeaderAccessControlAllowOrigin, origin)
	h.Set(echo.HeaderAccessControlAllowMethods, AllowMethods)
	h.Set(echo.HeaderAccessControlAllowHeaders, AllowHeaders)
	if origin != "*" {
		h.Add(echo.HeaderVary, echo.HeaderOrigin)
	}
}

// Outcome writes the final result of a forward call. A backend response is
// streamed through with its status; other outcomes become JSON errors.
func (r *Relay) Outcome(c echo.Context, out forward.Outcome) error {
	if out.Response != nil {
		return r.passThrough(c, out.Response)
	}

	switch out.Reason {
	case forward.ReasonTimeout:
		return c.JSON(http.StatusGatewayTimeout, ErrorBody{
			Error:          "Request timeout",
			Message:        "Backend processing took too long. Try a smaller image or use direct endpoint.",
			DirectEndpoint: r.directURL,
			Timeout:        fmt.Sprintf("%d seconds", int(r.timeout.Seconds())),
			Attempts:       out.Attempts,
		})
	case forward.ReasonUnsigned:
		return r.Misconfigured(c)
	case forward.ReasonCanceled:
		return c.JSON(http.StatusBadGateway, ErrorBody{
			Error:     "Request canceled",
			Message:   "The request was canceled before the backend answered.",
			Timestamp: r.timestamp(),
		})
	default:
		return c.JSON(http.StatusBadGateway, ErrorBody{
			Error:          "Failed to connect to backend",
			Message:        "The backend could not be reached. Try again later or use direct endpoint.",
			DirectEndpoint: r.directURL,
			Attempts:       out.Attempts,
			Timestamp:      r.timestamp(),
		})
	}
}

// passThrough relays status and body unchanged. A backend header replaces any
// value middleware already set under the same key. Content-Length and
// hop-by-hop headers are dropped so the server frames the stream itself.
func (r *Relay) passThrough(c echo.Context, resp *model.BackendResponse) error {
	defer func() { _ = resp.Body.Close() }()

	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = slices.Clone(vals)
	}
	for _, h := range model.HopByHopHeaders {
		dst.Del(h)
	}
	dst.Del(echo.HeaderContentLength)
	SetCORS(dst, c.Request().Header.Get(echo.HeaderOrigin))

	c.Response().WriteHeader(resp.StatusCode)

	// Once the status is written a mid-stream failure can only truncate the
	// body, so it is logged and not returned.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		r.logger.Error("streaming response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}
	return nil
}

// TooLarge answers 413 for a payload rejected by the size guard.
func (r *Relay) TooLarge(c echo.Context, err *guard.TooLargeError) error {
	body := ErrorBody{
		Error:          "File too large for proxy",
		Message:        fmt.Sprintf("Please use direct backend endpoint for files > %s", formatMB(err.Limit)),
		DirectEndpoint: r.directURL,
		MaxProxySize:   formatMB(err.Limit),
		MaxProxyBytes:  err.Limit,
	}
	if err.Actual >= 0 {
		body.YourSize = fmt.Sprintf("%.2fMB", float64(err.Actual)/(1024*1024))
	}
	return c.JSON(http.StatusRequestEntityTooLarge, body)
}

// Misconfigured answers 500 when the proxy has no signing key.
func (r *Relay) Misconfigured(c echo.Context) error {
	return c.JSON(http.StatusInternalServerError, ErrorBody{
		Error: "Server configuration error: API_KEY missing",
	})
}

// Forbidden answers 403 for a request rejected by the access gate.
func Forbidden(c echo.Context) error {
	return c.JSON(http.StatusForbidden, ErrorBody{
		Error:   "Forbidden",
		Message: "Access denied. This API is only accessible via the official UI.",
	})
}

// Error maps local failures that happen before forwarding.
func (r *Relay) Error(c echo.Context, err error) error {
	var tooLarge *guard.TooLargeError
	if errors.As(err, &tooLarge) {
		return r.TooLarge(c, tooLarge)
	}
	r.logger.Warn("request rejected", "err", err, "path", c.Request().URL.Path)
	return c.JSON(http.StatusBadRequest, ErrorBody{
		Error:   "Bad request",
		Message: "The request body could not be read.",
	})
}

func (r *Relay) timestamp() string {
	return r.now().UTC().Format(time.RFC3339)
}

func formatMB(n int64) string {
	if n%(1024*1024) == 0 {
		return fmt.Sprintf("%dMB", n/(1024*1024))
	}
	return fmt.Sprintf("%.2fMB", float64(n)/(1024*1024))
}

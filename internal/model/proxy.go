// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
)

// BackendRequest is one payload to be signed and posted to the backend.
// Body is the exact byte sequence that is hashed, signed and sent.
type BackendRequest struct {
	URL         string
	Body        []byte
	ContentType string
}

// BackendResponse is a backend reply to be streamed back to the caller.
type BackendResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// HopByHopHeaders are headers that must not be forwarded by proxies.
var HopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

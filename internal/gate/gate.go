// Package gate decides whether a browser-originated request may use the proxy.
//
// The decision is made from request headers only and holds no state between
// requests. It is an origin filter for the official UI, not authentication:
// every header it reads is caller-controlled.
package gate

import (
	"net/http"
	"slices"
	"strings"
)

// HeaderFetchSite is the browser-supplied same-site indicator.
const HeaderFetchSite = "Sec-Fetch-Site"

// Decision reasons.
const (
	ReasonAllowedOrigin  = "allowed origin"
	ReasonAllowedReferer = "allowed referer"
	ReasonDebugBypass    = "debug bypass"
	ReasonUnknownOrigin  = "origin and referer not allowed"
	ReasonCrossSite      = "cross-site request"
)

// Decision is the outcome of Authorize.
type Decision struct {
	Allowed bool
	Reason  string
}

// Headers are the inputs of one access decision.
type Headers struct {
	Origin    string
	Referer   string
	FetchSite string
	Debug     bool
}

// Gate holds the allow-list and the trusted-operator debug marker.
type Gate struct {
	allowed     []string
	debugHeader string
	debugValue  string
}

// New returns a Gate. An empty debugHeader disables the bypass.
func New(allowedDomains []string, debugHeader, debugValue string) *Gate {
	return &Gate{
		allowed:     slices.Clone(allowedDomains),
		debugHeader: debugHeader,
		debugValue:  debugValue,
	}
}

// Extract reads the decision inputs from h.
func (g *Gate) Extract(h http.Header) Headers {
	return Headers{
		Origin:    h.Get("Origin"),
		Referer:   h.Get("Referer"),
		FetchSite: h.Get(HeaderFetchSite),
		Debug:     g.debugHeader != "" && h.Get(g.debugHeader) == g.debugValue,
	}
}

// Check is Extract followed by Authorize.
func (g *Gate) Check(h http.Header) Decision {
	return g.Authorize(g.Extract(h))
}

// Authorize allows a request whose Origin or Referer contains an allowed
// domain, provided a present Sec-Fetch-Site says same-origin or same-site.
// The debug marker skips every check. That marker is a trusted-operator
// escape hatch; anyone who learns it can use the proxy from anywhere.
func (g *Gate) Authorize(in Headers) Decision {
	if in.Debug {
		return Decision{Allowed: true, Reason: ReasonDebugBypass}
	}

	allowedOrigin := g.matches(in.Origin)
	allowedReferer := g.matches(in.Referer)
	if !allowedOrigin && !allowedReferer {
		return Decision{Reason: ReasonUnknownOrigin}
	}

	if in.FetchSite != "" && !isSameSite(in.FetchSite) {
		return Decision{Reason: ReasonCrossSite}
	}

	if allowedOrigin {
		return Decision{Allowed: true, Reason: ReasonAllowedOrigin}
	}
	return Decision{Allowed: true, Reason: ReasonAllowedReferer}
}

// matches uses substring containment to stay compatible with the deployed UI.
func (g *Gate) matches(v string) bool {
	if v == "" {
		return false
	}
	for _, d := range g.allowed {
		if strings.Contains(v, d) {
			return true
		}
	}
	return false
}

func isSameSite(v string) bool {
	return v == "same-origin" || v == "same-site"
}

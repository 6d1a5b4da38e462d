package config

import (
	"slices"
	"time"
)

// Named retry profiles.
const (
	// ProfilePatient lets one slow backend call run to completion.
	ProfilePatient = "patient"
	// ProfileFastFail gives up on a slow call early and retries.
	ProfileFastFail = "fast-fail"
)

// DefaultMaxBodyBytes is the per-endpoint payload limit (2 MiB).
const DefaultMaxBodyBytes int64 = 2 * 1024 * 1024

// Backoff schedule shared by every profile: min(base * 2^attempt, max).
const (
	BackoffBase = 1000 * time.Millisecond
	BackoffMax  = 5000 * time.Millisecond
)

// RetryProfile is the retry budget and per-attempt timeout of an entry point.
type RetryProfile struct {
	MaxRetries int
	Timeout    time.Duration
}

var profiles = map[string]RetryProfile{
	ProfilePatient:  {MaxRetries: 0, Timeout: 90 * time.Second},
	ProfileFastFail: {MaxRetries: 2, Timeout: 25 * time.Second},
}

// Profile returns the named retry profile.
func Profile(name string) (RetryProfile, bool) {
	p, ok := profiles[name]
	return p, ok
}

// ProfileNames returns the known profile names in sorted order.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Retry resolves the endpoint's profile and applies its explicit overrides.
func (e *EndpointConfig) Retry() RetryProfile {
	p, ok := profiles[e.Profile]
	if !ok {
		p = profiles[ProfilePatient]
	}
	if e.MaxRetries != nil {
		p.MaxRetries = *e.MaxRetries
	}
	if e.TimeoutSeconds > 0 {
		p.Timeout = time.Duration(e.TimeoutSeconds) * time.Second
	}
	return p
}

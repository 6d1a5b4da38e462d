// Package signer builds the time-stamped, nonce-bound HMAC envelope that the
// backend verifies on every forwarded request.
//
// The string-to-sign is "{timestamp}:{nonce}:{sha256_hex(body)}" and the
// signature is the lowercase hex HMAC-SHA256 of that string keyed by the raw
// API key bytes. Both sides must agree on this byte for byte.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outbound signing headers.
const (
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
)

// Algorithm is a human-readable description of the signing scheme.
const Algorithm = `HMAC-SHA256(api_key, "{timestamp}:{nonce}:{sha256_hex(body)}"), lowercase hex`

var (
	// ErrMissingAPIKey means the proxy was deployed without a signing key.
	ErrMissingAPIKey = errors.New("signing key is not configured")
	// ErrMissingHeaders is returned by Verify when a signing header is absent.
	ErrMissingHeaders = errors.New("missing signing headers")
	// ErrSignatureMismatch is returned by Verify when the signature does not match.
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// Envelope is the full set of values derived for one signed request.
type Envelope struct {
	Timestamp    string
	Nonce        string
	BodyHashHex  string
	StringToSign string
	SignatureHex string
}

type options struct {
	now   func() time.Time
	nonce func() (string, error)
}

// Option customizes a single Sign call.
type Option func(*options)

// WithTime pins the timestamp to the given Unix seconds.
func WithTime(unixSeconds int64) Option {
	return func(o *options) {
		o.now = func() time.Time { return time.Unix(unixSeconds, 0) }
	}
}

// WithNonce pins the nonce. Only meant for reproducing a known envelope.
func WithNonce(nonce string) Option {
	return func(o *options) {
		o.nonce = func() (string, error) { return nonce, nil }
	}
}

// Sign computes a fresh envelope over body. Every call draws a new nonce and
// reads the clock, so envelopes must never be reused across attempts.
func Sign(apiKey string, body []byte, opts ...Option) (*Envelope, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	o := options{now: time.Now, nonce: newNonce}
	for _, opt := range opts {
		opt(&o)
	}

	nonce, err := o.nonce()
	if err != nil {
		return nil, err
	}

	timestamp := strconv.FormatInt(o.now().Unix(), 10)
	bodyHash := BodyHash(body)
	stringToSign := StringToSign(timestamp, nonce, bodyHash)

	return &Envelope{
		Timestamp:    timestamp,
		Nonce:        nonce,
		BodyHashHex:  bodyHash,
		StringToSign: stringToSign,
		SignatureHex: mac(apiKey, stringToSign),
	}, nil
}

// BodyHash returns the lowercase hex SHA-256 of body.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// StringToSign joins the three signed fields in wire order.
func StringToSign(timestamp, nonce, bodyHashHex string) string {
	return strings.Join([]string{timestamp, nonce, bodyHashHex}, ":")
}

// Apply sets the three signing headers on h, replacing any existing values.
func (e *Envelope) Apply(h http.Header) {
	h.Set(HeaderTimestamp, e.Timestamp)
	h.Set(HeaderNonce, e.Nonce)
	h.Set(HeaderSignature, e.SignatureHex)
}

// Headers returns the signing headers as a plain map.
func (e *Envelope) Headers() map[string]string {
	return map[string]string{
		HeaderTimestamp: e.Timestamp,
		HeaderNonce:     e.Nonce,
		HeaderSignature: e.SignatureHex,
	}
}

// Verify recomputes the signature carried in h over body and compares it in
// constant time. It mirrors the backend check and performs no replay or clock
// skew validation.
func Verify(apiKey string, body []byte, h http.Header) error {
	if apiKey == "" {
		return ErrMissingAPIKey
	}

	timestamp := h.Get(HeaderTimestamp)
	nonce := h.Get(HeaderNonce)
	signature := h.Get(HeaderSignature)
	if timestamp == "" || nonce == "" || signature == "" {
		return ErrMissingHeaders
	}

	expected := mac(apiKey, StringToSign(timestamp, nonce, BodyHash(body)))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureMismatch
	}
	return nil
}

func mac(key, message string) string {
	m := hmac.New(sha256.New, []byte(key))
	m.Write([]byte(message))
	return hex.EncodeToString(m.Sum(nil))
}

func newNonce() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return id.String(), nil
}

// Package guard rejects oversized payloads before they reach the signer.
package guard

import (
	"fmt"
	"io"
)

// TooLargeError reports a payload above the configured limit.
// Actual is -1 when the real size is unknown.
type TooLargeError struct {
	Limit  int64
	Actual int64
}

func (e *TooLargeError) Error() string {
	if e.Actual < 0 {
		return fmt.Sprintf("payload exceeds %d bytes", e.Limit)
	}
	return fmt.Sprintf("payload of %d bytes exceeds %d bytes", e.Actual, e.Limit)
}

// Guard enforces a single byte limit at two checkpoints: the declared
// Content-Length before reading and the actual byte count after.
type Guard struct {
	limit int64
}

// New returns a Guard for the given limit in bytes.
func New(limit int64) *Guard {
	return &Guard{limit: limit}
}

// Limit returns the configured limit in bytes.
func (g *Guard) Limit() int64 {
	return g.limit
}

// CheckDeclared rejects a declared length above the limit. A negative
// declared length means "unknown" and always passes.
func (g *Guard) CheckDeclared(declared int64) error {
	if declared > g.limit {
		return &TooLargeError{Limit: g.limit, Actual: declared}
	}
	return nil
}

// CheckActual rejects a body whose real size is above the limit.
func (g *Guard) CheckActual(body []byte) error {
	if n := int64(len(body)); n > g.limit {
		return &TooLargeError{Limit: g.limit, Actual: n}
	}
	return nil
}

// ReadBody applies both checkpoints around reading r into memory. It never
// buffers more than limit+1 bytes, so a lying or absent Content-Length
// cannot force an unbounded read.
func (g *Guard) ReadBody(r io.Reader, declared int64) ([]byte, error) {
	if err := g.CheckDeclared(declared); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(r, g.limit+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}

	if int64(len(body)) > g.limit {
		return nil, &TooLargeError{Limit: g.limit, Actual: -1}
	}
	return body, nil
}

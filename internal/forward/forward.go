// Package forward posts signed payloads to the backend under a
// timeout-and-backoff retry policy.
//
// Attempts are strictly sequential. Each one signs the body again so that no
// timestamp or nonce is ever sent twice, and each has its own timeout that
// cancels only that attempt.
package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nyx-proxy-go/internal/client"
	"nyx-proxy-go/internal/metrics"
	"nyx-proxy-go/internal/model"
	"nyx-proxy-go/internal/signer"
)

// ErrAttemptTimeout is the cause recorded when an attempt hits its timeout.
var ErrAttemptTimeout = errors.New("backend attempt timed out")

// Poster is the transport used for each attempt.
type Poster interface {
	Post(ctx context.Context, url string, header http.Header, body []byte) (*model.BackendResponse, error)
}

// Forwarder runs the retry state machine for one entry point.
type Forwarder struct {
	poster   Poster
	apiKey   string
	endpoint string
	policy   Policy
	logger   *slog.Logger
	metrics  *metrics.Metrics

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Forwarder. The metrics parameter is optional.
func New(p Poster, apiKey, endpoint string, policy Policy, logger *slog.Logger, m *metrics.Metrics) *Forwarder {
	return &Forwarder{
		poster:   p,
		apiKey:   apiKey,
		endpoint: endpoint,
		policy:   policy,
		logger:   logger.With("component", "forwarder", "endpoint", endpoint),
		metrics:  m,
		sleep:    sleepContext,
	}
}

// Policy returns the forwarder's retry policy.
func (f *Forwarder) Policy() Policy {
	return f.policy
}

// Forward posts req to the backend, retrying timeouts, network errors and
// 5xx replies up to MaxRetries times. Replies below 500 return immediately.
// When the returned outcome carries a Response, the caller must close its body.
func (f *Forwarder) Forward(ctx context.Context, req *model.BackendRequest) Outcome {
	var out Outcome
	for attempt := 0; ; attempt++ {
		out = f.attempt(ctx, req)
		out.Attempts = attempt + 1
		f.record(out)

		if out.Kind != KindRetryable {
			return out
		}
		if attempt >= f.policy.MaxRetries {
			break
		}

		client.Drain(out.Response)
		delay := f.policy.Backoff(attempt)
		f.logger.Debug("retrying backend call",
			"attempt", attempt,
			"reason", out.Reason,
			"delay_ms", delay.Milliseconds(),
		)
		if f.metrics != nil {
			f.metrics.BackoffSeconds.WithLabelValues(f.endpoint).Add(delay.Seconds())
		}
		if err := f.sleep(ctx, delay); err != nil {
			return Outcome{Kind: KindTerminal, Reason: ReasonCanceled, Err: err, Attempts: out.Attempts}
		}
	}

	if out.Response != nil {
		out.Kind = KindResponse
		return out
	}
	out.Kind = KindTerminal
	return out
}

func (f *Forwarder) attempt(ctx context.Context, req *model.BackendRequest) Outcome {
	env, err := signer.Sign(f.apiKey, req.Body)
	if err != nil {
		return Outcome{Kind: KindTerminal, Reason: ReasonUnsigned, Err: err}
	}

	header := make(http.Header)
	if req.ContentType != "" {
		header.Set("Content-Type", req.ContentType)
	}
	env.Apply(header)

	actx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	var timer *time.Timer
	if f.policy.Timeout > 0 {
		timer = time.AfterFunc(f.policy.Timeout, func() {
			timedOut.Store(true)
			cancel()
		})
	}

	resp, err := f.poster.Post(actx, req.URL, header, req.Body)
	if timer != nil && !timer.Stop() && err == nil {
		// The timer fired after headers arrived; the body is already cut off.
		client.Drain(resp)
		err = ErrAttemptTimeout
	}

	if err != nil {
		cancel()
		switch {
		case timedOut.Load():
			return Outcome{Kind: KindRetryable, Reason: ReasonTimeout, Err: fmt.Errorf("%w: %w", ErrAttemptTimeout, err)}
		case ctx.Err() != nil:
			return Outcome{Kind: KindTerminal, Reason: ReasonCanceled, Err: err}
		default:
			return Outcome{Kind: KindRetryable, Reason: ReasonNetwork, Err: err}
		}
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}

	if resp.StatusCode >= http.StatusInternalServerError {
		return Outcome{
			Kind:     KindRetryable,
			Reason:   ReasonServerError,
			Response: resp,
			Err:      fmt.Errorf("backend returned %d", resp.StatusCode),
		}
	}
	return Outcome{Kind: KindResponse, Response: resp}
}

func (f *Forwarder) record(out Outcome) {
	if f.metrics != nil {
		f.metrics.ForwardAttempts.WithLabelValues(f.endpoint, out.result()).Inc()
	}
	if out.Kind != KindResponse {
		f.logger.Warn("backend attempt failed",
			"attempt", out.Attempts-1,
			"reason", out.Reason,
			"status", out.Status(),
			"err", out.Err,
		)
	}
}

// cancelOnClose releases the attempt context once the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(c.cancel)
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package forward

import (
	"net/http"

	"nyx-proxy-go/internal/model"
)

// Kind tags the variant held by an Outcome.
type Kind int

const (
	// KindResponse means the backend answered; Response is set.
	KindResponse Kind = iota
	// KindRetryable is a transient failure that may be retried.
	KindRetryable
	// KindTerminal ends the call without a backend response.
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindRetryable:
		return "retryable"
	case KindTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Reason explains a non-success outcome.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonTimeout     Reason = "timeout"
	ReasonNetwork     Reason = "network"
	ReasonServerError Reason = "server_error"
	ReasonCanceled    Reason = "canceled"
	ReasonUnsigned    Reason = "unsigned"
)

// Outcome is the result of one attempt, or of a whole Forward call.
//
// A retryable outcome carries Response only for a 5xx reply. After Forward
// returns, Kind is never KindRetryable: an exhausted 5xx becomes
// KindResponse and an exhausted timeout or network error becomes
// KindTerminal with the same Reason.
type Outcome struct {
	Kind     Kind
	Reason   Reason
	Response *model.BackendResponse
	Err      error
	Attempts int
}

// Status returns the HTTP status the caller should see for this outcome.
func (o Outcome) Status() int {
	if o.Response != nil {
		return o.Response.StatusCode
	}
	switch o.Reason {
	case ReasonTimeout:
		return http.StatusGatewayTimeout
	case ReasonUnsigned:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func (o Outcome) result() string {
	if o.Kind == KindResponse {
		return "success"
	}
	return string(o.Reason)
}

package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies the outcome of an upstream fetch. Every outbound-network
// failure is translated into one of these before it leaves this package;
// the relay never sees a raw transport error.
type Kind int

const (
	KindConfiguration Kind = iota // no upstream instance resolvable
	KindUpstreamStatus            // upstream responded non-2xx
	KindNetwork                   // connection refused, reset, or otherwise failed
	KindTimeout                   // the per-class wall deadline fired
	KindCancelled                 // client disconnect or session supersession; not an error condition
)

// String returns the metric label for the kind.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindUpstreamStatus:
		return "upstream_status"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is the classified failure of an upstream fetch.
type Error struct {
	Kind   Kind
	Status int // upstream HTTP status, set for KindUpstreamStatus
	Err    error
}

func (e *Error) Error() string {
	if e.Kind == KindUpstreamStatus {
		return fmt.Sprintf("upstream returned %d", e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error to the status code reported to the client,
// assuming no response headers have been sent yet.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindUpstreamStatus:
		return e.Status
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// AsError extracts a classified *Error from err, or nil.
func AsError(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return nil
}

// classify translates a transport error into the taxonomy. session is the
// cancellation scope of the request (client disconnect or supersession);
// deadline is the per-class timeout scope. The order matters: a fired
// deadline also cancels the derived context, so the session scope is
// checked first to keep genuine cancellations silent.
func classify(session, deadline context.Context, err error) *Error {
	if session.Err() != nil {
		return &Error{Kind: KindCancelled, Err: session.Err()}
	}
	if errors.Is(deadline.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCancelled, Err: err}
	}
	return &Error{Kind: KindNetwork, Err: err}
}

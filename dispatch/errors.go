package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNoCredential = errors.New("dispatch: no credential configured")
	ErrNoModel      = errors.New("dispatch: no model configured")
	ErrSoftTimeout  = errors.New("dispatch: attempt exceeded its timeout")
	ErrTotalBudget  = errors.New("dispatch: total budget exhausted")
	ErrParse        = errors.New("dispatch: unparseable provider response")
	ErrNoResult     = errors.New("dispatch: no attempt completed")
	ErrCancelled    = errors.New("dispatch: cancelled by caller")
)

// HTTPError is returned by providers for non-2xx responses.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider http status %d", e.Status)
	}
	return fmt.Sprintf("provider http status %d: %s", e.Status, e.Body)
}

// TransportError wraps network-level failures.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "provider transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Status is the terminal state of one provider attempt.
type Status int

const (
	StatusPending Status = iota
	StatusOK
	StatusSoftTimeout
	StatusHTTPError
	StatusParseError
	StatusTransportError
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusOK:
		return "ok"
	case StatusSoftTimeout:
		return "soft_timeout"
	case StatusHTTPError:
		return "http_error"
	case StatusParseError:
		return "parse_error"
	case StatusTransportError:
		return "transport_error"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Code returns the short reason code for an error from the taxonomy.
func Code(err error) string {
	var httpErr *HTTPError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &httpErr):
		return fmt.Sprintf("http_%d", httpErr.Status)
	case errors.Is(err, ErrTotalBudget):
		return "timeout_total_budget"
	case errors.Is(err, ErrSoftTimeout), errors.Is(err, context.DeadlineExceeded):
		return "soft_timeout"
	case errors.Is(err, ErrParse):
		return "parse_error"
	case errors.Is(err, ErrNoCredential):
		return "no_credential"
	case errors.Is(err, ErrNoModel):
		return "no_model"
	case errors.Is(err, ErrNoResult):
		return "no_result"
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "transport_error"
	}
}

// IsTransient reports whether err is a failure worth retrying later: timeouts,
// transport errors, HTTP 429 and 5xx.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == http.StatusTooManyRequests || httpErr.Status >= 500
	}
	var tErr *TransportError
	return errors.As(err, &tErr) ||
		errors.Is(err, ErrSoftTimeout) ||
		errors.Is(err, ErrTotalBudget) ||
		errors.Is(err, ErrNoResult) ||
		errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// errors.go defines the broker error taxonomy.
//
// Every client method returns errors classified into three kinds so callers
// can decide between retrying, backing off, or giving up:
//
//   - Transient:   timeouts, DNS failures, 5xx — safe to retry locally,
//     then fall through to cached or alternative data.
//   - RateLimited: 429 or a broker-provided throttle signal — cool down,
//     retry once, otherwise defer to the next tick.
//   - Permanent:   auth failures, validation errors, malformed responses —
//     retrying will not help.
package broker

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a broker error for retry decisions.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindRateLimited
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "permanent"
	}
}

// APIError is the structured error returned by all client methods.
type APIError struct {
	Kind   ErrorKind
	Op     string // logical operation, e.g. "ltp", "place_order"
	Status int    // HTTP status, 0 for transport errors
	Detail string
	Err    error
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("broker %s: %s (status %d): %s", e.Op, e.Kind, e.Status, e.Detail)
	}
	return fmt.Sprintf("broker %s: %s: %s", e.Op, e.Kind, e.Detail)
}

func (e *APIError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable transport-level failure.
func IsTransient(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == KindTransient
}

// IsRateLimited reports whether err is a throttle response.
func IsRateLimited(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == KindRateLimited
}

// IsPermanent reports whether retrying err is pointless.
func IsPermanent(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Kind == KindPermanent
}

func transientErr(op string, status int, err error) *APIError {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return &APIError{Kind: KindTransient, Op: op, Status: status, Detail: detail, Err: err}
}

func rateLimitedErr(op string) *APIError {
	return &APIError{Kind: KindRateLimited, Op: op, Status: 429, Detail: "throttled"}
}

func permanentErr(op string, status int, detail string) *APIError {
	return &APIError{Kind: KindPermanent, Op: op, Status: status, Detail: detail}
}

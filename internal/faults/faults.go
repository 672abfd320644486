// Package faults defines the typed error vocabulary shared by the interceptor
// stages and the HTTP error mapper.
package faults

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a fault for retry decisions and HTTP status mapping.
type Kind string

const (
	KindBadRequest               Kind = "BAD_REQUEST"
	KindUnauthorized             Kind = "UNAUTHORIZED"
	KindConflict                 Kind = "CONFLICT"
	KindMissingIdempotencyKey    Kind = "MISSING_IDEMPOTENCY_KEY"
	KindKeyPayloadConflict       Kind = "KEY_PAYLOAD_CONFLICT"
	KindKeyPreviousFailed        Kind = "KEY_PREVIOUS_FAILED"
	KindKeyInFlight              Kind = "KEY_IN_FLIGHT"
	KindRateLimited              Kind = "RATE_LIMITED"
	KindStoredResponseUnreadable Kind = "STORED_RESPONSE_UNREADABLE"
	KindInternal                 Kind = "INTERNAL"
)

// Fault is the concrete error type every stage raises. Status is the HTTP
// status the boundary mapper emits; RetryAfter is only set for rate limiting.
type Fault struct {
	Kind       Kind
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// New builds a fault with the canonical status for its kind.
func New(kind Kind, message string) *Fault {
	return &Fault{Kind: kind, Status: statusFor(kind), Message: message}
}

// Newf is New with fmt-style formatting.
func Newf(kind Kind, format string, args ...any) *Fault {
	return New(kind, fmt.Sprintf(format, args...))
}

// RateLimited builds the 429 fault carrying the cooldown hint.
func RateLimited(message string, retryAfter time.Duration) *Fault {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return &Fault{
		Kind:       KindRateLimited,
		Status:     http.StatusTooManyRequests,
		Message:    message,
		RetryAfter: retryAfter,
	}
}

func statusFor(kind Kind) int {
	switch kind {
	case KindBadRequest, KindMissingIdempotencyKey:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindConflict, KindKeyPayloadConflict, KindKeyPreviousFailed, KindKeyInFlight:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// RootCause walks the wrap chain to the innermost error, stopping on
// self-referential cycles.
func RootCause(err error) error {
	for err != nil {
		next := errors.Unwrap(err)
		if next == nil || next == err {
			return err
		}
		err = next
	}
	return nil
}

// KindOf reports the fault kind of the root cause, or KindInternal when the
// chain carries no *Fault.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(RootCause(err), &f) {
		return f.Kind
	}
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternal
}

// AsFault extracts the nearest *Fault in the chain.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	ok := errors.As(err, &f)
	return f, ok
}

// NonRetryable reports kinds that must never be re-executed regardless of the
// configured retry classification.
func NonRetryable(kind Kind) bool {
	switch kind {
	case KindBadRequest, KindMissingIdempotencyKey, KindUnauthorized,
		KindConflict, KindKeyPayloadConflict, KindKeyPreviousFailed, KindKeyInFlight:
		return true
	}
	return false
}

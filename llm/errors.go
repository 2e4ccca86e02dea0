package llm

import (
	"context"
	stderrors "errors"
)

// Transport failure classes. Backends wrap provider errors into one of
// these sentinels so the planner's retry policy stays provider-agnostic.
var (
	ErrNoCredentials = stderrors.New("llm credentials missing")
	ErrRateLimited   = stderrors.New("llm rate limited")
	ErrUnavailable   = stderrors.New("llm unavailable")
	ErrTimeout       = stderrors.New("llm request timed out")
)

// Retryable reports whether the failure is transient: rate limits, service
// unavailability and timeouts are retried; everything else is not.
func Retryable(err error) bool {
	return stderrors.Is(err, ErrRateLimited) ||
		stderrors.Is(err, ErrUnavailable) ||
		stderrors.Is(err, ErrTimeout) ||
		stderrors.Is(err, context.DeadlineExceeded)
}

// sentinelForStatus maps an HTTP status to a failure sentinel, or nil when
// the status carries no transient meaning.
func sentinelForStatus(code int) error {
	switch {
	case code == 429:
		return ErrRateLimited
	case code == 408:
		return ErrTimeout
	case code >= 500:
		return ErrUnavailable
	}
	return nil
}

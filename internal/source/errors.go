// Package source holds the shared pieces of the fetch layer: the error
// model every fetcher speaks, the time segments the engine plans over, and
// the router that decides which upstream serves a segment.
package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/tradeforge/klinefeed/internal/market"
)

// Kind classifies a fetch failure for retry and reporting decisions.
type Kind string

const (
	KindInvalidInput     Kind = "invalid_input"
	KindTransientNetwork Kind = "transient_network"
	KindRateLimited      Kind = "rate_limited"
	KindTimeout          Kind = "timeout"
	KindCacheCorruption  Kind = "cache_corruption"
	KindUnavailable      Kind = "source_unavailable"
	KindInvariant        Kind = "internal_invariant"
)

// Sentinel errors used for branching. Fetchers wrap these with context;
// callers test with errors.Is.
var (
	// ErrRangeTooLarge means a live fetch would exceed the chunk budget;
	// the router should have sent the range to the archive instead.
	ErrRangeTooLarge = errors.New("range too large for live endpoint")

	// ErrInvalidInput marks caller mistakes that must never be retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvariant marks a frame that failed validation after merge. It is
	// surfaced to the caller and never silently swallowed.
	ErrInvariant = errors.New("frame invariant violated")
)

// SourceError is the typed failure fetchers propagate once their local
// retry budget is exhausted.
type SourceError struct {
	Source    market.Source `json:"source"`
	Kind      Kind          `json:"kind"`
	Status    int           `json:"http_status,omitempty"`
	Message   string        `json:"message"`
	Temporary bool          `json:"temporary"`
	Cause     error         `json:"-"`
}

func (e *SourceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (%s, HTTP %d)", e.Source, e.Message, e.Kind, e.Status)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Source, e.Message, e.Kind)
}

func (e *SourceError) Unwrap() error { return e.Cause }

// NewError builds a SourceError, deriving Temporary from the kind.
func NewError(src market.Source, kind Kind, msg string, cause error) *SourceError {
	return &SourceError{
		Source:    src,
		Kind:      kind,
		Message:   msg,
		Temporary: kind == KindTransientNetwork || kind == KindRateLimited || kind == KindTimeout,
		Cause:     cause,
	}
}

// Classify maps an arbitrary fetch error onto a Kind. Used by fetchers to
// wrap transport errors uniformly and by the engine for statistics.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrRangeTooLarge):
		return KindInvalidInput
	case errors.Is(err, ErrInvariant):
		return KindInvariant
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindTimeout
	}

	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindTransientNetwork
	}
	return KindTransientNetwork
}

// KindForStatus maps an HTTP status onto a failure kind. 404 is not here:
// a missing archive file is an empty segment, not a failure.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return KindRateLimited
	case status >= 500:
		return KindTransientNetwork
	case status >= 400:
		return KindInvalidInput
	default:
		return ""
	}
}

// IsTemporary reports whether the error is worth retrying.
func IsTemporary(err error) bool {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Temporary
	}
	switch Classify(err) {
	case KindTransientNetwork, KindRateLimited, KindTimeout:
		return true
	}
	return false
}

package llm

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ErrorKind classifies provider failures for the loop's policy decisions
type ErrorKind string

const (
	ErrRateLimited     ErrorKind = "rate_limited"
	ErrConnection      ErrorKind = "connection_error"
	ErrTimeout         ErrorKind = "timeout"
	ErrContextExceeded ErrorKind = "context_window_exceeded"
	ErrInvalidModel    ErrorKind = "invalid_model"
	ErrRefusal         ErrorKind = "refusal"
)

// ProviderError wraps a provider failure with its kind. RetryAfter is set
// only for rate limits that carried the header.
type ProviderError struct {
	Kind       ErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ErrorKindOf extracts the kind from a wrapped ProviderError, or ""
func ErrorKindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

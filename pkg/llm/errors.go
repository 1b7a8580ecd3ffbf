package llm

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/pkg/errors"

	llmtypes "github.com/parleyhq/parley/pkg/types/llm"
)

// mapError classifies a provider failure into the gateway's taxonomy.
// Cancellation passes through untouched: it is the user's doing, not a
// provider fault.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &llmtypes.ProviderError{Kind: llmtypes.ErrTimeout, Err: err}
	}

	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusTooManyRequests:
			return &llmtypes.ProviderError{
				Kind:       llmtypes.ErrRateLimited,
				RetryAfter: retryAfter(apierr),
				Err:        err,
			}
		case apierr.StatusCode == http.StatusNotFound:
			return &llmtypes.ProviderError{Kind: llmtypes.ErrInvalidModel, Err: err}
		case apierr.StatusCode == http.StatusBadRequest && isPromptTooLong(apierr):
			return &llmtypes.ProviderError{Kind: llmtypes.ErrContextExceeded, Err: err}
		case apierr.StatusCode >= http.StatusInternalServerError:
			return &llmtypes.ProviderError{Kind: llmtypes.ErrConnection, Err: err}
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &llmtypes.ProviderError{Kind: llmtypes.ErrTimeout, Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &llmtypes.ProviderError{Kind: llmtypes.ErrConnection, Err: err}
	}
	return err
}

func isPromptTooLong(apierr *anthropic.Error) bool {
	msg := strings.ToLower(apierr.Error())
	return strings.Contains(msg, "prompt is too long") ||
		strings.Contains(msg, "context window") ||
		strings.Contains(msg, "maximum number of tokens")
}

func retryAfter(apierr *anthropic.Error) time.Duration {
	if apierr.Response == nil {
		return 0
	}
	secs, err := strconv.Atoi(apierr.Response.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

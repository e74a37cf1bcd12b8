package llm

import (
	"fmt"
	"time"
)

// HTTPError wraps transport-level failures before an API response arrived.
type HTTPError struct {
	Err error
}

func (e *HTTPError) Error() string { return fmt.Sprintf("llm http: %v", e.Err) }
func (e *HTTPError) Unwrap() error { return e.Err }

// APIError is a non-200 provider response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm api %d: %s", e.Status, e.Message)
}

// RateLimitedError is returned after bounded retry on 429 is exhausted.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("llm rate limited (retry after %s)", e.RetryAfter)
	}
	return "llm rate limited"
}

// DecodeError reports a response body that could not be interpreted.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("llm decode: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// StreamError reports a failure mid-stream.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string { return fmt.Sprintf("llm stream: %v", e.Err) }
func (e *StreamError) Unwrap() error { return e.Err }

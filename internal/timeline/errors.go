package timeline

import (
	"fmt"
	"time"
)

// TransientError covers upstream failures that are expected to pass: network
// blips, rate limiting, server-side errors. The poller retries with backoff.
type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("transient upstream error (retry after %s): %v", e.RetryAfter, e.Err)
	}

	return fmt.Sprintf("transient upstream error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError covers failures that retrying cannot fix, such as revoked or
// invalid credentials. The poller stops on the first one.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent upstream error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

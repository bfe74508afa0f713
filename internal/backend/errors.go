// Package backend talks to the tracing backend: discovery configuration,
// published key buckets, the auxiliary hash buckets, and report submission.
// Failures are surfaced as typed errors so the sync orchestrator can
// classify them without string matching.
package backend

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPayload marks a response body that could not be decoded; the
// server answered, but not with the protocol we speak.
var ErrInvalidPayload = errors.New("invalid server payload")

// StatusCodeError is a non-2xx response.
type StatusCodeError struct {
	Code int
}

func (e *StatusCodeError) Error() string {
	return fmt.Sprintf("server returned status %d", e.Code)
}

// TimeSkewError reports that the server-supplied time differs from the
// local clock beyond tolerance; batch boundaries cannot be trusted.
type TimeSkewError struct {
	Offset time.Duration
}

func (e *TimeSkewError) Error() string {
	return fmt.Sprintf("server time differs from local clock by %s", e.Offset)
}

// SignatureError reports that a bucket response failed its authenticity
// check.
type SignatureError struct {
	Err error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("bucket signature invalid: %v", e.Err)
}

func (e *SignatureError) Unwrap() error {
	return e.Err
}

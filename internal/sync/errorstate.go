package sync

import (
	"errors"
	gosync "sync"

	"github.com/mattn/go-sqlite3"

	"github.com/shalteor/tracekit/internal/backend"
)

// ErrorState classifies why the last sync run failed. The states are
// mutually exclusive; the most recent run wins.
type ErrorState int

const (
	// NoError means the last sync run completed successfully.
	NoError ErrorState = iota
	// ErrorNetwork is a transport-level failure reaching the backend.
	ErrorNetwork
	// ErrorServer is a non-2xx response or an undecodable payload.
	ErrorServer
	// ErrorTiming means the server clock and the local clock disagree
	// beyond tolerance, so batch boundaries cannot be trusted.
	ErrorTiming
	// ErrorSignature means a published batch failed its authenticity check.
	ErrorSignature
	// ErrorDatabase is a failure in the local persistence layer.
	ErrorDatabase
)

func (e ErrorState) String() string {
	switch e {
	case NoError:
		return "none"
	case ErrorNetwork:
		return "network"
	case ErrorServer:
		return "server"
	case ErrorTiming:
		return "timing"
	case ErrorSignature:
		return "signature"
	case ErrorDatabase:
		return "database"
	default:
		return "unknown"
	}
}

// classify maps a sync failure to its user-visible error state. Timing and
// signature failures are distinguished from plain transience because they
// indicate a misconfigured device or a misbehaving backend.
func classify(err error) ErrorState {
	var (
		skew      *backend.TimeSkewError
		signature *backend.SignatureError
		status    *backend.StatusCodeError
		sqliteErr sqlite3.Error
	)
	switch {
	case errors.As(err, &skew):
		return ErrorTiming
	case errors.As(err, &signature):
		return ErrorSignature
	case errors.As(err, &status), errors.Is(err, backend.ErrInvalidPayload):
		return ErrorServer
	case errors.As(err, &sqliteErr):
		return ErrorDatabase
	default:
		return ErrorNetwork
	}
}

// errorState holds the current sync error and notifies on transitions.
type errorState struct {
	mu       gosync.Mutex
	current  ErrorState
	onChange func(ErrorState)
}

func (s *errorState) set(state ErrorState) {
	s.mu.Lock()
	changed := s.current != state
	s.current = state
	onChange := s.onChange
	s.mu.Unlock()
	if changed && onChange != nil {
		onChange(state)
	}
}

func (s *errorState) get() ErrorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Package syncerr defines the error taxonomy shared by the cache, queue,
// remote and coordinator packages.
//
// Only ErrRemoteRejected and ErrNotFound are meant to reach callers of the
// coordinator. Every other kind is recovered locally: offline and transient
// failures queue the write or fall back to the cache, corrupt cache payloads
// are dropped and logged.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrRemoteRejected     = errors.New("remote rejected request")
	ErrRemoteTransient    = errors.New("remote transient failure")
	ErrCacheCorrupt       = errors.New("cache entry corrupt")
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrClosed             = errors.New("closed")
)

// Kind is the coarse classification of an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetworkUnavailable
	KindRemoteRejected
	KindRemoteTransient
	KindCacheCorrupt
	KindNotFound
	KindInvalidInput
)

func (k Kind) String() string {
	switch k {
	case KindNetworkUnavailable:
		return "network_unavailable"
	case KindRemoteRejected:
		return "remote_rejected"
	case KindRemoteTransient:
		return "remote_transient"
	case KindCacheCorrupt:
		return "cache_corrupt"
	case KindNotFound:
		return "not_found"
	case KindInvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

// RemoteError is a failed response from the remote store.
type RemoteError struct {
	Op         string `json:"-"`
	StatusCode int    `json:"status_code"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Hint       string `json:"hint,omitempty"`
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, msg)
}

// Is maps status codes onto the taxonomy so callers can use errors.Is.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrRemoteTransient:
		return Retryable(e.StatusCode)
	case ErrRemoteRejected:
		return !Retryable(e.StatusCode)
	}
	return false
}

// Retryable reports whether a response status should stay queued for retry.
// 408 and 429 are 4xx but describe load, not a bad request.
func Retryable(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

// Transient wraps a transport or timeout failure.
func Transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrRemoteTransient, err)
}

// Classify returns the taxonomy kind for err.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrCacheCorrupt):
		return KindCacheCorrupt
	case errors.Is(err, ErrNetworkUnavailable):
		return KindNetworkUnavailable
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrRemoteRejected):
		return KindRemoteRejected
	case errors.Is(err, ErrRemoteTransient):
		return KindRemoteTransient
	case errors.Is(err, context.DeadlineExceeded):
		return KindRemoteTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindRemoteTransient
	}
	return KindUnknown
}

// Surfaceable reports whether err may cross the coordinator boundary.
func Surfaceable(err error) bool {
	switch Classify(err) {
	case KindRemoteRejected, KindNotFound, KindInvalidInput:
		return true
	}
	return false
}

// IsRetryable reports whether err leaves a queued operation in place.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindRemoteRejected, KindNotFound, KindInvalidInput:
		return false
	}
	return true
}

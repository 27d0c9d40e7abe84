package chat

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass maps a platform API failure onto the engine's retry policy.
type ErrorClass int

const (
	// ErrorTransient: isolated failed poll or parse. Logged, loop continues
	// at the current interval.
	ErrorTransient ErrorClass = iota
	// ErrorQuotaExceeded: the platform signaled rate limiting. Triggers
	// exponential backoff, never treated as fatal.
	ErrorQuotaExceeded
	// ErrorConnectionFatal: network/auth failure on a persistent session.
	// Triggers the session's own retry policy or push-to-pull fallback.
	ErrorConnectionFatal
	// ErrorConfiguration: missing credentials or target. Non-retryable; the
	// connector does not start and the failure surfaces as a system message.
	ErrorConfiguration
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorQuotaExceeded:
		return "quota_exceeded"
	case ErrorConnectionFatal:
		return "connection_fatal"
	case ErrorConfiguration:
		return "configuration"
	default:
		return "transient"
	}
}

// QuotaError wraps a platform rate-limit response.
type QuotaError struct{ Err error }

func (e *QuotaError) Error() string { return fmt.Sprintf("quota exceeded: %v", e.Err) }
func (e *QuotaError) Unwrap() error { return e.Err }

// ConnectionError wraps a failure to establish or keep a session.
type ConnectionError struct{ Err error }

func (e *ConnectionError) Error() string { return fmt.Sprintf("connection failed: %v", e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// ConfigError reports incomplete connector configuration. Reason is
// user-facing and becomes the text of the system error message.
type ConfigError struct{ Reason string }

func (e *ConfigError) Error() string { return e.Reason }

// ErrStopPolling tells a Poller to exit its loop cleanly. Pull connectors
// return it when the upstream target disappears (e.g. the live broadcast
// ended) and there is nothing left to poll.
var ErrStopPolling = errors.New("stop polling")

// Classify buckets an error for the poll loop and the connector boundary.
// Wrapped sentinel types win; otherwise it falls back to matching the
// platforms' error strings.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	var qe *QuotaError
	if errors.As(err, &qe) {
		return ErrorQuotaExceeded
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ErrorConnectionFatal
	}
	var cfg *ConfigError
	if errors.As(err, &cfg) {
		return ErrorConfiguration
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{"quota", "rate limit", "too many requests", "429", "throttled"} {
		if strings.Contains(lower, pattern) {
			return ErrorQuotaExceeded
		}
	}
	for _, pattern := range []string{"401", "403", "unauthorized", "authentication", "invalid oauth", "login"} {
		if strings.Contains(lower, pattern) {
			return ErrorConnectionFatal
		}
	}
	return ErrorTransient
}

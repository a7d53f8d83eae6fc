package domain

import (
	"errors"
	"strings"
)

// Error kind labels used for metrics and lease dispatch. The health manager
// and the orchestrator share this classification so an account that trips a
// probe and one that trips a scrape land in the same state.
const (
	KindRateLimit = "rate-limit"
	KindAuth      = "auth"
	KindNetwork   = "network"
)

// ClassifyMessage maps a remote failure message to an error kind by
// substring. Anything unrecognized counts as a network failure.
func ClassifyMessage(msg string) string {
	s := strings.ToLower(msg)
	switch {
	case strings.Contains(s, "too many requests"),
		strings.Contains(s, "ratelimit"),
		strings.Contains(s, "429"):
		return KindRateLimit
	case strings.Contains(s, "unauthorized"),
		strings.Contains(s, "forbidden"),
		strings.Contains(s, "401"),
		strings.Contains(s, "403"),
		strings.Contains(s, "invalid_grant"):
		return KindAuth
	default:
		return KindNetwork
	}
}

// ClassifyError resolves err to one of the remote-failure sentinels.
// Sentinels already in the chain win over message matching.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		return ErrRateLimited
	case errors.Is(err, ErrAuthDenied):
		return ErrAuthDenied
	case errors.Is(err, ErrTransientNetwork):
		return ErrTransientNetwork
	}
	switch ClassifyMessage(err.Error()) {
	case KindRateLimit:
		return ErrRateLimited
	case KindAuth:
		return ErrAuthDenied
	default:
		return ErrTransientNetwork
	}
}

// ErrorKind returns the metrics label for err per ClassifyError.
func ErrorKind(err error) string {
	switch ClassifyError(err) {
	case ErrRateLimited:
		return KindRateLimit
	case ErrAuthDenied:
		return KindAuth
	default:
		return KindNetwork
	}
}

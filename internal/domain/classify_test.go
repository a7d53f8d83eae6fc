package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyMessage(t *testing.T) {
	tests := []struct {
		name     string
		msg      string
		expected string
	}{
		{"too many requests", "received 429: Too Many Requests", KindRateLimit},
		{"ratelimit token", "RATELIMIT: try again in 9 minutes", KindRateLimit},
		{"bare 429", "status 429", KindRateLimit},
		{"unauthorized", "401 Unauthorized", KindAuth},
		{"forbidden", "response: Forbidden", KindAuth},
		{"invalid grant", "oauth error invalid_grant", KindAuth},
		{"bare 403", "got 403 from remote", KindAuth},
		{"timeout", "dial tcp: i/o timeout", KindNetwork},
		{"connection reset", "read: connection reset by peer", KindNetwork},
		{"empty", "", KindNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyMessage(tt.msg); got != tt.expected {
				t.Errorf("ClassifyMessage(%q) = %q, want %q", tt.msg, got, tt.expected)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{"nil", nil, nil},
		{"wrapped sentinel wins", fmt.Errorf("op=probe: %w", ErrAuthDenied), ErrAuthDenied},
		{"rate sentinel", ErrRateLimited, ErrRateLimited},
		{"message match rate", errors.New("too many requests from this client"), ErrRateLimited},
		{"message match auth", errors.New("403 forbidden"), ErrAuthDenied},
		{"fallback network", errors.New("connection refused"), ErrTransientNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyError(tt.err)
			if !errors.Is(got, tt.expected) && got != tt.expected {
				t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"rate", fmt.Errorf("op=fetch: %w", ErrRateLimited), KindRateLimit},
		{"auth", errors.New("invalid_grant"), KindAuth},
		{"network", errors.New("broken pipe"), KindNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorKind(tt.err); got != tt.expected {
				t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.expected)
			}
		})
	}
}

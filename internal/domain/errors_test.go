package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorConstants(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"ErrInvalidArgument", ErrInvalidArgument, "invalid argument"},
		{"ErrNotFound", ErrNotFound, "not found"},
		{"ErrConflict", ErrConflict, "conflict"},
		{"ErrNoReadyAccount", ErrNoReadyAccount, "no ready accounts available for leasing"},
		{"ErrRateLimited", ErrRateLimited, "rate limited"},
		{"ErrAuthDenied", ErrAuthDenied, "auth denied"},
		{"ErrTransientNetwork", ErrTransientNetwork, "transient network failure"},
		{"ErrStoreUnavailable", ErrStoreUnavailable, "store unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.expected {
				t.Errorf("Expected %s to be %q, got %q", tt.name, tt.expected, tt.err.Error())
			}
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	wrapped := fmt.Errorf("op=pool.acquire: %w", ErrNoReadyAccount)
	if !errors.Is(wrapped, ErrNoReadyAccount) {
		t.Fatalf("wrapped error must match sentinel")
	}
	if errors.Is(wrapped, ErrRateLimited) {
		t.Fatalf("wrapped error must not match a different sentinel")
	}
}

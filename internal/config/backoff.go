// Package config defines configuration parsing and helpers.
package config

import (
	"time"
)

// BackoffConfig tunes the exponential backoff used for remote token fetches.
type BackoffConfig struct {
	MaxElapsedTime  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// TokenBackoff returns backoff tuning for the OAuth token exchange.
// Test runs use short intervals so failures surface quickly.
func (c Config) TokenBackoff() BackoffConfig {
	if c.IsTest() {
		return BackoffConfig{
			MaxElapsedTime:  2 * time.Second,
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     500 * time.Millisecond,
			Multiplier:      2.0,
		}
	}
	return BackoffConfig{
		MaxElapsedTime:  30 * time.Second,
		InitialInterval: 1 * time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      1.5,
	}
}

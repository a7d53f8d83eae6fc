package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrNoReadyAccount   = errors.New("no ready accounts available for leasing")
	ErrRateLimited      = errors.New("rate limited")
	ErrAuthDenied       = errors.New("auth denied")
	ErrTransientNetwork = errors.New("transient network failure")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Package ratelimiter implements the durable token-bucket governor shared
// by every process that talks to the remote API. Buckets live in a SQLite
// table so refill state survives restarts and is honored across processes.
package ratelimiter

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/scrapeworks/reddit-harvester/internal/domain"
)

// pollInterval is how often Acquire re-checks a depleted bucket.
const pollInterval = 100 * time.Millisecond

// Default bucket applied when Acquire hits a name nobody ensured.
const (
	defaultCapacity = 5.0
	defaultRefill   = 5.0
)

// SQLiteLimiter is the SQLite-backed domain.RateLimiter. A single attempt
// reads, refills and writes one row under the store mutex; the poll loop
// sleeps outside it so writers never block on a waiter.
type SQLiteLimiter struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteLimiter bootstraps the buckets table (idempotent) and returns
// the limiter.
func NewSQLiteLimiter(db *sql.DB) (*SQLiteLimiter, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS buckets (
    bucket TEXT PRIMARY KEY,
    capacity REAL NOT NULL,
    tokens REAL NOT NULL,
    refill_rate REAL NOT NULL,
    updated_at REAL NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("op=ratelimiter.init_schema: %w", err)
	}
	return &SQLiteLimiter{db: db}, nil
}

// EnsureBucket inserts a bucket at full capacity when no row exists for
// name. An existing bucket keeps its live token count and tuning.
func (l *SQLiteLimiter) EnsureBucket(ctx domain.Context, name string, capacity, refillRate float64) error {
	if name == "" {
		return fmt.Errorf("op=ratelimiter.ensure_bucket: empty name: %w", domain.ErrInvalidArgument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	q := `INSERT INTO buckets(bucket, capacity, tokens, refill_rate, updated_at)
VALUES(?, ?, ?, ?, ?) ON CONFLICT(bucket) DO NOTHING`
	now := domain.NowUnix(time.Now())
	if _, err := l.db.ExecContext(ctx, q, name, capacity, capacity, refillRate, now); err != nil {
		return fmt.Errorf("op=ratelimiter.ensure_bucket: %w", err)
	}
	return nil
}

// Acquire blocks until tokens can be deducted from the named bucket or the
// deadline passes, polling every 100 ms. A non-positive timeout still gets
// exactly one attempt. Context cancellation aborts the wait.
func (l *SQLiteLimiter) Acquire(ctx domain.Context, name string, tokens float64, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := l.tryAcquireOnce(ctx, name, tokens)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		// Cap the sleep at the remaining window so the last attempt lands
		// on the deadline instead of past it.
		wait := pollInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// tryAcquireOnce refills the bucket from its last update and deducts when
// enough tokens are available. The refilled state is written back on both
// outcomes, so waiting never loses accrued tokens.
func (l *SQLiteLimiter) tryAcquireOnce(ctx domain.Context, name string, tokens float64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := domain.NowUnix(time.Now())
	var b domain.RateBucket
	err := l.db.QueryRowContext(ctx,
		`SELECT capacity, tokens, refill_rate, updated_at FROM buckets WHERE bucket=?`, name,
	).Scan(&b.Capacity, &b.Tokens, &b.RefillRate, &b.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		b = domain.RateBucket{Name: name, Capacity: defaultCapacity, Tokens: defaultCapacity, RefillRate: defaultRefill, UpdatedAt: now}
		if _, err := l.db.ExecContext(ctx,
			`INSERT INTO buckets(bucket, capacity, tokens, refill_rate, updated_at) VALUES(?, ?, ?, ?, ?) ON CONFLICT(bucket) DO NOTHING`,
			name, b.Capacity, b.Tokens, b.RefillRate, b.UpdatedAt,
		); err != nil {
			return false, fmt.Errorf("op=ratelimiter.try_acquire: %w", err)
		}
	case err != nil:
		return false, fmt.Errorf("op=ratelimiter.try_acquire: %w", err)
	}

	elapsed := now - b.UpdatedAt
	if elapsed < 0 {
		elapsed = 0
	}
	avail := b.Tokens + elapsed*b.RefillRate
	if avail > b.Capacity {
		avail = b.Capacity
	}

	granted := avail >= tokens
	if granted {
		avail -= tokens
	}
	if _, err := l.db.ExecContext(ctx,
		`UPDATE buckets SET tokens=?, updated_at=? WHERE bucket=?`, avail, now, name,
	); err != nil {
		return false, fmt.Errorf("op=ratelimiter.try_acquire: %w", err)
	}
	return granted, nil
}

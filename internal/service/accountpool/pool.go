package accountpool

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/scrapeworks/reddit-harvester/internal/domain"
	"github.com/scrapeworks/reddit-harvester/pkg/textx"
)

// noReadySleep is how long Acquire waits before its single retry when no
// account is eligible.
const noReadySleep = time.Second

// Pool implements domain.Pool. Account state lives in the repository;
// the pool owns the lease lifecycle on top of it: each lease is terminated
// by exactly one of Release, Cooldown or Quarantine, and later terminator
// calls are no-ops.
type Pool struct {
	repo    domain.AccountRepository
	proxies *ProxyRotation
	factory domain.ClientFactory

	// cooldownBase is the failure cooldown applied on release; successful
	// releases park the account for a quarter of it.
	cooldownBase time.Duration
	retryWait    time.Duration
}

// NewPool wires the pool over its registry, proxy rotation and client
// factory. cooldownBase tunes the release cooldown window.
func NewPool(repo domain.AccountRepository, proxies *ProxyRotation, factory domain.ClientFactory, cooldownBase time.Duration) *Pool {
	return &Pool{
		repo:         repo,
		proxies:      proxies,
		factory:      factory,
		cooldownBase: cooldownBase,
		retryWait:    noReadySleep,
	}
}

// AddAccount upserts one account, preserving runtime state on re-seed.
func (p *Pool) AddAccount(ctx domain.Context, a domain.Account) error {
	return p.repo.UpsertAccount(ctx, a)
}

// AddProxy upserts one proxy row.
func (p *Pool) AddProxy(ctx domain.Context, pr domain.Proxy) error {
	return p.repo.UpsertProxy(ctx, pr)
}

// Acquire leases the eligible account with the fewest failures and binds
// it to a rotated proxy and a fresh client. When nothing is eligible it
// waits one beat and retries once before giving up with ErrNoReadyAccount.
func (p *Pool) Acquire(ctx domain.Context) (*domain.Lease, error) {
	for attempt := 0; ; attempt++ {
		acct, err := p.selectAndMark(ctx)
		if err == nil {
			return p.buildLease(ctx, acct)
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("op=pool.acquire: %w", err)
		}
		if attempt >= 1 {
			return nil, fmt.Errorf("op=pool.acquire: %w", domain.ErrNoReadyAccount)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.retryWait):
		}
	}
}

// selectAndMark picks a candidate and flips it to leased. A lost flip means
// another process grabbed the row first; selection repeats until either a
// flip wins or the candidate set is exhausted.
func (p *Pool) selectAndMark(ctx domain.Context) (domain.Account, error) {
	for {
		acct, err := p.repo.PickReady(ctx, domain.NowUnix(time.Now()))
		if err != nil {
			return domain.Account{}, err
		}
		won, err := p.repo.MarkLeased(ctx, acct.AccountID)
		if err != nil {
			return domain.Account{}, err
		}
		if won {
			acct.Status = domain.StatusLeased
			return acct, nil
		}
	}
}

func (p *Pool) buildLease(ctx domain.Context, acct domain.Account) (*domain.Lease, error) {
	proxy := p.proxies.Next()
	client, err := p.factory.NewClient(acct, proxy)
	if err != nil {
		// Unlease without penalty; the row was never used.
		if uerr := p.repo.SetCooldown(ctx, acct.AccountID, domain.NowUnix(time.Now()), "client-init"); uerr != nil {
			slog.Error("unlease after client init failure", slog.String("account_id", acct.AccountID), slog.Any("error", uerr))
		}
		return nil, fmt.Errorf("op=pool.acquire: client init: %w", err)
	}
	return &domain.Lease{Account: acct, Proxy: proxy, Client: client, AcquiredAt: time.Now()}, nil
}

// Release returns the leased account to rotation. Success parks it for a
// quarter of the cooldown base and decays one failure; failure parks it for
// the full base and counts one. The lease's client is closed either way.
func (p *Pool) Release(ctx domain.Context, lease *domain.Lease, success bool) error {
	if lease == nil || !lease.MarkReleased() {
		return nil
	}
	now := domain.NowUnix(time.Now())
	until := now + p.cooldownBase.Seconds()
	if success {
		until = now + p.cooldownBase.Seconds()/4
	}
	err := p.repo.ReleaseOutcome(ctx, lease.Account.AccountID, until, success)
	p.closeClient(lease)
	if lease.Proxy != nil {
		if success {
			p.proxies.MarkSuccess(lease.Proxy)
		} else {
			p.proxies.MarkFailure(lease.Proxy, "lease")
		}
	}
	if err != nil {
		return fmt.Errorf("op=pool.release: %w", err)
	}
	return nil
}

// Cooldown terminates the lease and parks the account until now+seconds.
// Unlike a failed release it leaves fail_count alone; the reason is kept
// for the status surface.
func (p *Pool) Cooldown(ctx domain.Context, lease *domain.Lease, seconds int, reason string) error {
	if lease == nil || !lease.MarkReleased() {
		return nil
	}
	until := domain.NowUnix(time.Now()) + float64(seconds)
	err := p.repo.SetCooldown(ctx, lease.Account.AccountID, until, textx.SanitizeText(reason))
	p.closeClient(lease)
	if err != nil {
		return fmt.Errorf("op=pool.cooldown: %w", err)
	}
	return nil
}

// Quarantine terminates the lease and pulls the account from rotation until
// an operator intervenes.
func (p *Pool) Quarantine(ctx domain.Context, lease *domain.Lease, reason string) error {
	if lease == nil || !lease.MarkReleased() {
		return nil
	}
	err := p.repo.SetQuarantine(ctx, lease.Account.AccountID, textx.SanitizeText(reason))
	p.closeClient(lease)
	if err != nil {
		return fmt.Errorf("op=pool.quarantine: %w", err)
	}
	return nil
}

// HealthReport returns account counts grouped by status.
func (p *Pool) HealthReport(ctx domain.Context) (map[string]int, error) {
	counts, err := p.repo.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=pool.health_report: %w", err)
	}
	return counts, nil
}

// RecoverStaleLeases returns rows stranded in leased status to rotation
// with the base cooldown. Run it once at orchestrator startup, before any
// worker acquires; leases never outlive their process.
func (p *Pool) RecoverStaleLeases(ctx domain.Context) (int, error) {
	until := domain.NowUnix(time.Now()) + p.cooldownBase.Seconds()
	n, err := p.repo.ResetLeased(ctx, until)
	if err != nil {
		return 0, fmt.Errorf("op=pool.recover_stale: %w", err)
	}
	if n > 0 {
		slog.Warn("stale leases recovered", slog.Int("count", n))
	}
	return n, nil
}

func (p *Pool) closeClient(lease *domain.Lease) {
	if lease.Client == nil {
		return
	}
	if err := lease.Client.Close(); err != nil {
		slog.Warn("lease client close", slog.String("account_id", lease.Account.AccountID), slog.Any("error", err))
	}
}

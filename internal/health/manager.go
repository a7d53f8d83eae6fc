// Package health runs the standalone account health manager: it probes
// idle ready accounts on a fixed cycle, recovers or benches them by the
// classified failure kind, and publishes the pool gauges.
package health

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scrapeworks/reddit-harvester/internal/adapter/observability"
	"github.com/scrapeworks/reddit-harvester/internal/config"
	"github.com/scrapeworks/reddit-harvester/internal/domain"
	"github.com/scrapeworks/reddit-harvester/internal/service/accountpool"
	"github.com/scrapeworks/reddit-harvester/pkg/textx"
)

// Manager is the probe loop. One instance runs per deployment; its repo
// mutations only touch rows still in ready status, so racing against a
// live orchestrator is safe.
type Manager struct {
	repo    domain.AccountRepository
	factory domain.ClientFactory
	proxies *accountpool.ProxyRotation
	limiter domain.RateLimiter

	tick            time.Duration
	cooldownBad     int
	cooldownRate    int
	quarantineFails int
	concurrency     int

	bucketName     string
	bucketCapacity float64
	bucketRefill   float64
}

// NewManager wires a manager from cfg.
func NewManager(repo domain.AccountRepository, factory domain.ClientFactory, proxies *accountpool.ProxyRotation, limiter domain.RateLimiter, cfg config.Config) *Manager {
	concurrency := cfg.ProbeConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Manager{
		repo:            repo,
		factory:         factory,
		proxies:         proxies,
		limiter:         limiter,
		tick:            cfg.ManagerTick(),
		cooldownBad:     cfg.CooldownBad,
		cooldownRate:    cfg.CooldownRate,
		quarantineFails: cfg.QuarantineFails,
		concurrency:     concurrency,
		bucketName:      cfg.RateBucketName,
		bucketCapacity:  cfg.RateBucketCapacity,
		bucketRefill:    cfg.RateBucketRefill,
	}
}

// Run cycles until ctx is done. The shared token bucket is ensured up
// front so orchestrators never race a missing row.
func (m *Manager) Run(ctx domain.Context) error {
	if err := m.limiter.EnsureBucket(ctx, m.bucketName, m.bucketCapacity, m.bucketRefill); err != nil {
		return fmt.Errorf("op=health.run: %w", err)
	}
	slog.Info("health manager started",
		slog.Duration("tick", m.tick),
		slog.Int("probe_concurrency", m.concurrency))
	for {
		m.RunCycle(ctx)
		select {
		case <-ctx.Done():
			slog.Info("health manager stopping")
			return nil
		case <-time.After(m.tick):
		}
	}
}

// RunCycle takes one registry snapshot, publishes the pool gauges and
// probes every ready account whose cooldown has lapsed.
func (m *Manager) RunCycle(ctx domain.Context) {
	accounts, err := m.repo.ListAccounts(ctx)
	if err != nil {
		slog.Error("account snapshot failed", slog.Any("error", err))
		return
	}
	now := domain.NowUnix(time.Now())

	var ready, leased, quarantined, cooling int
	var candidates []domain.Account
	for _, a := range accounts {
		switch a.Status {
		case domain.StatusReady:
			ready++
			if a.CooldownUntil > now {
				cooling++
			} else {
				candidates = append(candidates, a)
			}
		case domain.StatusLeased:
			leased++
		case domain.StatusQuarantine:
			quarantined++
		}
	}
	observability.SetPoolGauges(ready, leased, quarantined, cooling)

	if len(candidates) == 0 {
		return
	}
	proxyByID := m.proxyIndex(ctx)
	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for _, acct := range candidates {
		g.Go(func() error {
			m.probe(ctx, acct, proxyByID)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) proxyIndex(ctx domain.Context) map[string]domain.Proxy {
	idx := map[string]domain.Proxy{}
	proxies, err := m.repo.ListProxies(ctx)
	if err != nil {
		slog.Warn("proxy list failed, probing through rotation only", slog.Any("error", err))
		return idx
	}
	for _, p := range proxies {
		idx[p.ProxyID] = p
	}
	return idx
}

// pickProxy prefers the account's assigned proxy and falls back to the
// rotation.
func (m *Manager) pickProxy(acct domain.Account, proxyByID map[string]domain.Proxy) *domain.Proxy {
	if acct.ProxyID != "" {
		if p, ok := proxyByID[acct.ProxyID]; ok {
			return &p
		}
	}
	return m.proxies.Next()
}

func (m *Manager) probe(ctx domain.Context, acct domain.Account, proxyByID map[string]domain.Proxy) {
	observability.AccountChecksTotal.Inc()
	proxy := m.pickProxy(acct, proxyByID)

	client, err := m.factory.NewClient(acct, proxy)
	if err == nil {
		err = client.Probe(ctx)
		if cerr := client.Close(); cerr != nil {
			slog.Warn("probe client close failed",
				slog.String("account_id", acct.AccountID),
				slog.Any("error", cerr))
		}
	}

	now := time.Now()
	if err == nil {
		if rerr := m.repo.ProbeRecovered(ctx, acct.AccountID, domain.NowUnix(now)); rerr != nil {
			slog.Error("probe recovery update failed",
				slog.String("account_id", acct.AccountID),
				slog.Any("error", rerr))
			return
		}
		m.proxies.MarkSuccess(proxy)
		slog.Debug("account probe ok", slog.String("account_id", acct.AccountID))
		return
	}

	kind := domain.ErrorKind(err)
	observability.RecordAccountError(kind)
	switch kind {
	case domain.KindAuth:
		m.quarantine(ctx, acct, err.Error())
	case domain.KindRateLimit:
		until := domain.NowUnix(now.Add(time.Duration(m.cooldownRate) * time.Second))
		m.cooldown(ctx, acct, until, err.Error())
	default:
		m.proxies.MarkFailure(proxy, kind)
		if acct.FailCount+1 >= m.quarantineFails {
			m.quarantine(ctx, acct, fmt.Sprintf("repeated failures: %v", err))
			return
		}
		until := domain.NowUnix(now.Add(time.Duration(m.cooldownBad) * time.Second))
		m.cooldown(ctx, acct, until, err.Error())
	}
}

func (m *Manager) quarantine(ctx domain.Context, acct domain.Account, reason string) {
	reason = textx.SanitizeText(reason)
	if err := m.repo.ProbeQuarantine(ctx, acct.AccountID, reason); err != nil {
		slog.Error("probe quarantine failed",
			slog.String("account_id", acct.AccountID),
			slog.Any("error", err))
		return
	}
	observability.AccountQuarantinesTotal.Inc()
	slog.Warn("account quarantined",
		slog.String("account_id", acct.AccountID),
		slog.String("reason", reason))
}

func (m *Manager) cooldown(ctx domain.Context, acct domain.Account, until float64, reason string) {
	reason = textx.SanitizeText(reason)
	if err := m.repo.ProbeCooldown(ctx, acct.AccountID, until, reason); err != nil {
		slog.Error("probe cooldown failed",
			slog.String("account_id", acct.AccountID),
			slog.Any("error", err))
		return
	}
	observability.AccountCooldownsTotal.Inc()
	slog.Info("account cooling down",
		slog.String("account_id", acct.AccountID),
		slog.String("reason", reason),
		slog.Float64("until", until))
}

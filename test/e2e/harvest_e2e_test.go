//go:build e2e
// +build e2e

package e2e_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrapeworks/reddit-harvester/internal/app"
	"github.com/scrapeworks/reddit-harvester/internal/domain"
	"github.com/scrapeworks/reddit-harvester/internal/health"
)

// TestE2E_Orchestrator_HarvestLifecycle walks the whole fleet lifecycle:
// scale up to three quarters of four ready accounts, run the single catalog
// job to completion, verify the job cooled down and every lease settled,
// then shrink the pool and watch the fleet follow.
func TestE2E_Orchestrator_HarvestLifecycle(t *testing.T) {
	fake := newFakeReddit(t)
	s := newStack(t, fake, 4)
	ctx := context.Background()

	stop := startSupervisor(t, s)

	t.Log("=== fleet scales to 75% of ready accounts ===")
	require.Eventually(t, func() bool {
		return len(s.sup.WorkerIDs()) == 3
	}, settleTimeout, pollTick, "fleet never reached 3 workers")

	t.Log("=== catalog job runs and cools down ===")
	require.Eventually(t, func() bool {
		return !s.state.Ready("job-golang")
	}, settleTimeout, pollTick, "job never entered cooldown")

	require.Eventually(t, func() bool {
		raw, err := s.jobCP.LoadProgress(ctx, "job-golang")
		if err != nil || raw == nil {
			return false
		}
		var p struct {
			Done bool `json:"done"`
		}
		return json.Unmarshal(raw, &p) == nil && p.Done
	}, settleTimeout, pollTick, "job progress never reached done")

	t.Log("=== worker checkpoints record the run ===")
	require.Eventually(t, func() bool {
		cps, err := s.workerCP.ListWorkerCheckpoints(ctx)
		if err != nil {
			return false
		}
		for _, cp := range cps {
			if cp.LastSubreddit == "golang" && cp.LastPostID == "t3_p2" {
				return true
			}
		}
		return false
	}, settleTimeout, pollTick, "no checkpoint recorded the harvested post")

	t.Log("=== every lease settles back to ready ===")
	require.Eventually(t, func() bool {
		report, err := s.pool.HealthReport(ctx)
		if err != nil {
			return false
		}
		return report[string(domain.StatusReady)] == 4 && report[string(domain.StatusLeased)] == 0
	}, settleTimeout, pollTick, "accounts did not settle back to ready")

	tokens, listings, more := fake.counts()
	assert.Greater(t, tokens, 0, "no token exchanges happened")
	assert.Greater(t, listings, 0, "no listings were pulled")
	assert.Greater(t, more, 0, "comment stubs were never resolved")

	t.Log("=== fleet shrinks when accounts leave rotation ===")
	require.NoError(t, s.repo.SetQuarantine(ctx, "acct-3", "manual"))
	require.NoError(t, s.repo.SetQuarantine(ctx, "acct-4", "manual"))
	require.Eventually(t, func() bool {
		return len(s.sup.WorkerIDs()) == 1
	}, settleTimeout, pollTick, "fleet never shrank to 1 worker")

	stop()

	counts, err := s.repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[string(domain.StatusLeased)], "shutdown stranded a lease")
}

// TestE2E_HealthManager_QuarantinesAuthFailure probes three accounts, one of
// which the remote rejects with 401. The bad account lands in quarantine, the
// healthy ones stay ready and unpenalized.
func TestE2E_HealthManager_QuarantinesAuthFailure(t *testing.T) {
	fake := newFakeReddit(t)
	s := newStack(t, fake, 3)
	ctx := context.Background()

	fake.denyAuth("user-2")

	m := health.NewManager(s.repo, s.factory, s.rotation, s.limiter, s.cfg)
	m.RunCycle(ctx)

	accounts, err := s.repo.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 3)

	byID := map[string]domain.Account{}
	for _, a := range accounts {
		byID[a.AccountID] = a
	}
	assert.Equal(t, domain.StatusQuarantine, byID["acct-2"].Status)
	assert.Contains(t, byID["acct-2"].LastError, "401")
	assert.Equal(t, domain.StatusReady, byID["acct-1"].Status)
	assert.Equal(t, domain.StatusReady, byID["acct-3"].Status)
	assert.Zero(t, byID["acct-1"].FailCount)
	assert.Zero(t, byID["acct-3"].FailCount)

	tokens, listings, _ := fake.counts()
	assert.Equal(t, 3, tokens, "every account should attempt one token exchange")
	assert.Equal(t, 2, listings, "only authenticated accounts should reach the listing probe")
}

// TestE2E_OpsSurface serves the orchestrator's ops router over the live
// stack and checks the three operator endpoints plus metrics.
func TestE2E_OpsSurface(t *testing.T) {
	fake := newFakeReddit(t)
	s := newStack(t, fake, 2)

	stop := startSupervisor(t, s)
	defer stop()

	ops := &app.Server{
		Cfg:              s.cfg,
		Pool:             s.pool,
		Checkpoints:      s.workerCP,
		Fleet:            s.sup.WorkerIDs,
		AccountsCheck:    app.DBCheck(s.accountsDB),
		RateCheck:        app.DBCheck(s.rateDB),
		CheckpointsCheck: app.DBCheck(s.checkpointsDB),
		CatalogCheck:     app.FileCheck(afero.NewOsFs(), s.cfg.CatalogPath),
	}
	srv := httptest.NewServer(app.BuildRouter(s.cfg, ops))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "readyz: %s", body)

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/statusz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var status struct {
			Service  string         `json:"service"`
			Accounts map[string]int `json:"accounts"`
			Workers  *struct {
				Count int `json:"count"`
			} `json:"workers"`
		}
		if json.NewDecoder(resp.Body).Decode(&status) != nil {
			return false
		}
		return status.Service == "reddit-harvester" &&
			status.Accounts[string(domain.StatusReady)] == 2 &&
			status.Workers != nil && status.Workers.Count == 1
	}, settleTimeout, pollTick, "statusz never reflected the live fleet")

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	metrics, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(metrics), "reddit_fleet_workers"),
		"fleet gauge missing from metrics exposition")
}

//go:build e2e
// +build e2e

// Package e2e_test exercises the harvesting stack end to end against a
// local fake of the remote API: real SQLite stores in temp dirs, the real
// pool, limiter, scheduler and supervisor, wired exactly like the
// orchestrator binary. No network access and no live credentials are
// needed, so the suite is safe to run repeatedly in CI.
package e2e_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/scrapeworks/reddit-harvester/internal/adapter/observability"
	"github.com/scrapeworks/reddit-harvester/internal/adapter/reddit"
	"github.com/scrapeworks/reddit-harvester/internal/adapter/repo/sqlite"
	"github.com/scrapeworks/reddit-harvester/internal/config"
	"github.com/scrapeworks/reddit-harvester/internal/domain"
	"github.com/scrapeworks/reddit-harvester/internal/harvester"
	"github.com/scrapeworks/reddit-harvester/internal/orchestrator"
	"github.com/scrapeworks/reddit-harvester/internal/scheduler"
	"github.com/scrapeworks/reddit-harvester/internal/service/accountpool"
	"github.com/scrapeworks/reddit-harvester/internal/service/ratelimiter"
)

// E2E timing constants. Waits are generous because three workers share one
// serialized SQLite handle; the Eventually polls return as soon as the
// condition holds.
const (
	// settleTimeout is the maximum wait for any fleet-level condition.
	settleTimeout = 30 * time.Second

	// pollTick is how often Eventually re-checks a condition.
	pollTick = 100 * time.Millisecond
)

func TestMain(m *testing.M) {
	// Register collectors once for the whole binary, the way the daemons do
	// at startup.
	observability.InitMetrics()
	os.Exit(m.Run())
}

// fakeReddit fakes the token and listing endpoints the client touches. Every
// subreddit serves the same tiny corpus: two posts on the new listing, each
// with two inline comments and one stub that morechildren resolves to two
// more.
type fakeReddit struct {
	srv *httptest.Server

	mu           sync.Mutex
	tokenCalls   int
	listingCalls int
	moreCalls    int
	badAuthUsers map[string]bool
}

func newFakeReddit(t *testing.T) *fakeReddit {
	t.Helper()
	f := &fakeReddit{badAuthUsers: map[string]bool{}}

	createdUTC := time.Now().Add(-time.Hour).Unix()
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/access_token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		user := r.PostFormValue("username")
		f.mu.Lock()
		f.tokenCalls++
		bad := f.badAuthUsers[user]
		f.mu.Unlock()
		if bad {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"message": "Unauthorized", "error": 401}`)
			return
		}
		fmt.Fprintf(w, `{"access_token": "tok-%s", "token_type": "bearer", "expires_in": 3600}`, user)
	})

	mux.HandleFunc("GET /r/{sub}/{listing}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.listingCalls++
		f.mu.Unlock()
		sub := r.PathValue("sub")
		if r.PathValue("listing") != "new" {
			fmt.Fprint(w, `{"kind": "Listing", "data": {"after": null, "children": []}}`)
			return
		}
		fmt.Fprintf(w, `{"kind": "Listing", "data": {"after": null, "children": [
			{"kind": "t3", "data": {"id": "p1", "name": "t3_p1", "subreddit": %[1]q, "permalink": "/r/%[1]s/comments/p1/first/", "created_utc": %[2]d}},
			{"kind": "t3", "data": {"id": "p2", "name": "t3_p2", "subreddit": %[1]q, "permalink": "/r/%[1]s/comments/p2/second/", "created_utc": %[2]d}}
		]}}`, sub, createdUTC)
	})

	mux.HandleFunc("GET /comments/{post}", func(w http.ResponseWriter, r *http.Request) {
		post := r.PathValue("post")
		fmt.Fprintf(w, `[
			{"kind": "Listing", "data": {"after": null, "children": []}},
			{"kind": "Listing", "data": {"after": null, "children": [
				{"kind": "t1", "data": {"id": "%[1]sc1", "name": "t1_%[1]sc1", "subreddit": "golang", "parent_id": "t3_%[1]s", "replies": "", "created_utc": %[2]d}},
				{"kind": "t1", "data": {"id": "%[1]sc2", "name": "t1_%[1]sc2", "subreddit": "golang", "parent_id": "t3_%[1]s", "replies": "", "created_utc": %[2]d}},
				{"kind": "more", "data": {"children": ["%[1]sc3", "%[1]sc4"]}}
			]}}
		]`, post, createdUTC)
	})

	mux.HandleFunc("GET /api/morechildren", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.moreCalls++
		f.mu.Unlock()
		fmt.Fprintf(w, `{"json": {"data": {"things": [
			{"kind": "t1", "data": {"id": "mc1", "name": "t1_mc1", "subreddit": "golang", "parent_id": "t1_c1", "replies": "", "created_utc": %d}}
		]}}}`, createdUTC)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeReddit) denyAuth(username string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.badAuthUsers[username] = true
}

func (f *fakeReddit) counts() (token, listing, more int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenCalls, f.listingCalls, f.moreCalls
}

// stack is the orchestrator binary's wiring rebuilt over temp stores.
type stack struct {
	cfg           config.Config
	accountsDB    *sql.DB
	rateDB        *sql.DB
	checkpointsDB *sql.DB
	repo          *sqlite.AccountRepo
	pool          *accountpool.Pool
	rotation      *accountpool.ProxyRotation
	factory       *reddit.Factory
	limiter       *ratelimiter.SQLiteLimiter
	workerCP      *sqlite.WorkerCheckpointRepo
	jobCP         *sqlite.JobCheckpointRepo
	catalog       *scheduler.Catalog
	state         *scheduler.StateStore
	sup           *orchestrator.Supervisor
}

func testConfig(t *testing.T, fake *fakeReddit) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		AppEnv:      "test",
		ServiceName: "reddit-harvester",

		AccountsDBPath:    filepath.Join(dir, "accounts.db"),
		RateDBPath:        filepath.Join(dir, "ratelimiter.db"),
		CheckpointsDBPath: filepath.Join(dir, "checkpoints.db"),
		ProxiesJSONPath:   filepath.Join(dir, "proxies.json"),
		JobsQueuePath:     filepath.Join(dir, "jobs.json"),
		CatalogPath:       filepath.Join(dir, "scraping_config.json"),
		JobStatePath:      filepath.Join(dir, "job_state.json"),

		PollSeconds:    1,
		IdleSleep:      1,
		JobCooldownMin: 3600,
		JobCooldownMax: 3600,
		EntityLimit:    40,
		ScraperID:      "Reddit.custom",

		ManagerInterval:  60,
		CooldownBad:      60,
		CooldownRate:     120,
		QuarantineFails:  3,
		ProbeConcurrency: 4,

		RateBucketName:     "replace_more",
		RateBucketCapacity: 5,
		RateBucketRefill:   2,

		PoolCooldownSeconds: 4,

		PromPort:              0,
		OrchPromPort:          0,
		RateLimitPerMin:       6000,
		ServerShutdownTimeout: 5 * time.Second,
		HTTPReadTimeout:       5 * time.Second,
		HTTPWriteTimeout:      10 * time.Second,
		HTTPIdleTimeout:       30 * time.Second,

		RedditBaseURL:  fake.srv.URL,
		RedditTokenURL: fake.srv.URL + "/api/v1/access_token",
		UserAgent:      "reddit-harvester-e2e/1.0",
	}
}

// newStack builds the full orchestrator wiring and seeds n ready accounts
// named acct-1..acct-n with usernames user-1..user-n.
func newStack(t *testing.T, fake *fakeReddit, accounts int) *stack {
	t.Helper()
	cfg := testConfig(t, fake)
	ctx := context.Background()

	accountsDB, err := sqlite.Open(cfg.AccountsDBPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = accountsDB.Close() })
	rateDB, err := sqlite.Open(cfg.RateDBPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rateDB.Close() })
	checkpointsDB, err := sqlite.Open(cfg.CheckpointsDBPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = checkpointsDB.Close() })

	repo, err := sqlite.NewAccountRepo(accountsDB)
	require.NoError(t, err)
	workerCP, err := sqlite.NewWorkerCheckpointRepo(accountsDB)
	require.NoError(t, err)
	jobCP, err := sqlite.NewJobCheckpointRepo(checkpointsDB)
	require.NoError(t, err)
	limiter, err := ratelimiter.NewSQLiteLimiter(rateDB)
	require.NoError(t, err)
	require.NoError(t, limiter.EnsureBucket(ctx, cfg.RateBucketName, cfg.RateBucketCapacity, cfg.RateBucketRefill))

	osFS := afero.NewOsFs()
	rotation := accountpool.NewProxyRotation(osFS, cfg.ProxiesJSONPath)
	factory := reddit.NewFactory(cfg)
	pool := accountpool.NewPool(repo, rotation, factory, cfg.PoolCooldown())

	for i := 1; i <= accounts; i++ {
		require.NoError(t, pool.AddAccount(ctx, testAccount(i)))
	}

	writeCatalog(t, cfg.CatalogPath)

	catalog := scheduler.NewCatalog(osFS, cfg.CatalogPath, cfg.ScraperID, cfg.PollInterval())
	state := scheduler.NewStateStore(osFS, cfg.JobStatePath, cfg.JobCooldownMin, cfg.JobCooldownMax, nil)
	harv := harvester.New(limiter, jobCP, harvester.RunOptions(cfg.EntityLimit), cfg.RateBucketName)

	deps := orchestrator.WorkerDeps{
		Pool:         pool,
		Harvester:    harv,
		Catalog:      catalog,
		State:        state,
		Checkpoints:  workerCP,
		IdleSleep:    cfg.IdleSleepInterval(),
		EntityLimit:  cfg.EntityLimit,
		RateCooldown: cfg.CooldownRate,
	}
	sup := orchestrator.NewSupervisor(pool, func(id string) *orchestrator.Worker {
		return orchestrator.NewWorker(id, deps)
	}, cfg)

	return &stack{
		cfg:           cfg,
		accountsDB:    accountsDB,
		rateDB:        rateDB,
		checkpointsDB: checkpointsDB,
		repo:          repo,
		pool:          pool,
		rotation:      rotation,
		factory:       factory,
		limiter:       limiter,
		workerCP:      workerCP,
		jobCP:         jobCP,
		catalog:       catalog,
		state:         state,
		sup:           sup,
	}
}

func testAccount(i int) domain.Account {
	return domain.Account{
		AccountID:    fmt.Sprintf("acct-%d", i),
		ClientID:     fmt.Sprintf("cid-%d", i),
		ClientSecret: "secret",
		Username:     fmt.Sprintf("user-%d", i),
		Password:     "pw",
	}
}

func writeCatalog(t *testing.T, path string) {
	t.Helper()
	catalog := map[string]any{
		"scraper_configs": []map[string]any{{
			"scraper_id": "Reddit.custom",
			"jobs": []map[string]any{{
				"id":     "job-golang",
				"weight": 5,
				"params": map[string]any{"label": "r/golang"},
			}},
		}},
	}
	data, err := json.Marshal(catalog)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

// startSupervisor runs the fleet in the background and returns a stop
// function that cancels it and waits for the workers to exit.
func startSupervisor(t *testing.T, s *stack) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.sup.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(settleTimeout):
			t.Fatal("supervisor did not stop in time")
		}
	}
}

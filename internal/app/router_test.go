package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrapeworks/reddit-harvester/internal/app"
	"github.com/scrapeworks/reddit-harvester/internal/config"
	"github.com/scrapeworks/reddit-harvester/internal/domain"
)

type stubPool struct {
	counts map[string]int
	err    error
}

func (p *stubPool) Acquire(domain.Context) (*domain.Lease, error) { return nil, domain.ErrNoReadyAccount }
func (p *stubPool) Release(domain.Context, *domain.Lease, bool) error { return nil }
func (p *stubPool) Cooldown(domain.Context, *domain.Lease, int, string) error { return nil }
func (p *stubPool) Quarantine(domain.Context, *domain.Lease, string) error { return nil }
func (p *stubPool) HealthReport(domain.Context) (map[string]int, error) {
	return p.counts, p.err
}

type stubCheckpoints struct {
	rows []domain.WorkerCheckpoint
}

func (s *stubCheckpoints) UpsertWorkerCheckpoint(domain.Context, domain.WorkerCheckpoint) error {
	return nil
}

func (s *stubCheckpoints) GetWorkerCheckpoint(domain.Context, string) (domain.WorkerCheckpoint, error) {
	return domain.WorkerCheckpoint{}, domain.ErrNotFound
}

func (s *stubCheckpoints) ListWorkerCheckpoints(domain.Context) ([]domain.WorkerCheckpoint, error) {
	return s.rows, nil
}

func testConfig() config.Config {
	return config.Config{ServiceName: "reddit-harvester", AppEnv: "test", RateLimitPerMin: 60}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRouterHealthzAndMetrics(t *testing.T) {
	h := app.BuildRouter(testConfig(), &app.Server{Cfg: testConfig()})

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRouterReadyz(t *testing.T) {
	srv := &app.Server{
		Cfg:           testConfig(),
		AccountsCheck: func(context.Context) error { return nil },
		RateCheck:     func(context.Context) error { return nil },
	}
	h := app.BuildRouter(testConfig(), srv)

	rec := get(t, h, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Checks []struct {
			Name string `json:"name"`
			OK   bool   `json:"ok"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Checks, 2, "nil checks are skipped")
	assert.Equal(t, "accounts-db", body.Checks[0].Name)
	assert.True(t, body.Checks[0].OK)

	srv.RateCheck = func(context.Context) error { return errors.New("locked") }
	rec = get(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "locked")
}

func TestRouterStatusz(t *testing.T) {
	srv := &app.Server{
		Cfg:  testConfig(),
		Pool: &stubPool{counts: map[string]int{"ready": 3, "leased": 1}},
		Checkpoints: &stubCheckpoints{rows: []domain.WorkerCheckpoint{
			{WorkerID: "worker-1", AccountID: "acct-1", LastSubreddit: "golang", UpdatedAt: 1700000000},
		}},
		Fleet: func() []string { return []string{"worker-1", "worker-2"} },
	}
	h := app.BuildRouter(testConfig(), srv)

	rec := get(t, h, "/statusz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Service  string         `json:"service"`
		Accounts map[string]int `json:"accounts"`
		Workers  struct {
			Count int      `json:"count"`
			IDs   []string `json:"ids"`
		} `json:"workers"`
		Checkpoints []domain.WorkerCheckpoint `json:"checkpoints"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "reddit-harvester", body.Service)
	assert.Equal(t, 3, body.Accounts["ready"])
	assert.Equal(t, 2, body.Workers.Count)
	require.Len(t, body.Checkpoints, 1)
	assert.Equal(t, "golang", body.Checkpoints[0].LastSubreddit)
}

func TestRouterStatuszOmitsUnwiredSections(t *testing.T) {
	srv := &app.Server{
		Cfg:  testConfig(),
		Pool: &stubPool{counts: map[string]int{"ready": 1}},
	}
	h := app.BuildRouter(testConfig(), srv)

	rec := get(t, h, "/statusz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"workers"`)
	assert.NotContains(t, rec.Body.String(), `"checkpoints"`)
}

func TestRouterStatuszPoolFailure(t *testing.T) {
	srv := &app.Server{
		Cfg:  testConfig(),
		Pool: &stubPool{err: domain.ErrStoreUnavailable},
	}
	h := app.BuildRouter(testConfig(), srv)

	rec := get(t, h, "/statusz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "STORE_UNAVAILABLE")
}

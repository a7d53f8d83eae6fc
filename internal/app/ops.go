package app

import (
	"context"
	"net/http"
	"time"

	"github.com/scrapeworks/reddit-harvester/internal/config"
	"github.com/scrapeworks/reddit-harvester/internal/domain"
)

// Server carries the state behind the ops endpoints. Collaborators are
// optional: a nil readiness check is skipped by readyz and a nil
// collaborator drops its section from statusz, so the orchestrator and the
// health manager share one router with different wiring.
type Server struct {
	Cfg config.Config

	Pool        domain.Pool
	Checkpoints domain.WorkerCheckpointRepository
	Fleet       func() []string

	AccountsCheck    func(ctx context.Context) error
	RateCheck        func(ctx context.Context) error
	CheckpointsCheck func(ctx context.Context) error
	CatalogCheck     func(ctx context.Context) error
}

// ReadyzHandler returns a readiness handler that probes the durable stores
// and the job catalog.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	run := func(ctx context.Context, checks []check, name string, probe func(context.Context) error) []check {
		if probe == nil {
			return checks
		}
		if err := probe(ctx); err != nil {
			return append(checks, check{Name: name, OK: false, Details: err.Error()})
		}
		return append(checks, check{Name: name, OK: true})
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 4)
		checks = run(ctx, checks, "accounts-db", s.AccountsCheck)
		checks = run(ctx, checks, "rate-db", s.RateCheck)
		checks = run(ctx, checks, "checkpoints-db", s.CheckpointsCheck)
		checks = run(ctx, checks, "catalog", s.CatalogCheck)
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

type fleetStatus struct {
	Count int      `json:"count"`
	IDs   []string `json:"ids"`
}

type statusSnapshot struct {
	Service     string                   `json:"service"`
	Env         string                   `json:"env"`
	Time        string                   `json:"time"`
	Accounts    map[string]int           `json:"accounts,omitempty"`
	Workers     *fleetStatus             `json:"workers,omitempty"`
	Checkpoints []domain.WorkerCheckpoint `json:"checkpoints,omitempty"`
}

// StatuszHandler returns a JSON snapshot of pool health, fleet size and the
// per-worker resume hints. It reads the live stores, so the router rate
// limits it.
func (s *Server) StatuszHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		snap := statusSnapshot{
			Service: s.Cfg.ServiceName,
			Env:     s.Cfg.AppEnv,
			Time:    time.Now().UTC().Format(time.RFC3339),
		}
		if s.Pool != nil {
			counts, err := s.Pool.HealthReport(ctx)
			if err != nil {
				LoggerFrom(r).Error("statusz health report", "error", err)
				writeError(w, err)
				return
			}
			snap.Accounts = counts
		}
		if s.Fleet != nil {
			ids := s.Fleet()
			snap.Workers = &fleetStatus{Count: len(ids), IDs: ids}
		}
		if s.Checkpoints != nil {
			cps, err := s.Checkpoints.ListWorkerCheckpoints(ctx)
			if err != nil {
				LoggerFrom(r).Error("statusz checkpoint listing", "error", err)
				writeError(w, err)
				return
			}
			snap.Checkpoints = cps
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

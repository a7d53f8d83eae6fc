package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scrapeworks/reddit-harvester/internal/adapter/observability"
	"github.com/scrapeworks/reddit-harvester/internal/config"
	"github.com/scrapeworks/reddit-harvester/internal/domain"
)

// workerShare is the fraction of ready accounts the fleet may occupy.
// Keeping a quarter idle leaves headroom for health probes and recovery.
const workerShare = 0.75

// storeRetrySleep shortens the wait after a failed registry read so the
// fleet is not stuck at a stale size for a whole poll tick.
const storeRetrySleep = 5 * time.Second

type workerHandle struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor reconciles the worker fleet toward ready account capacity
// every poll tick. Worker ids are monotonic so a recycled slot never
// collides with an old checkpoint row from the same run.
type Supervisor struct {
	pool      domain.Pool
	newWorker func(id string) *Worker
	poll      time.Duration

	mu      sync.Mutex
	workers []*workerHandle // registration order, oldest first
	nextID  int
}

// NewSupervisor builds the fleet controller around a worker factory.
func NewSupervisor(pool domain.Pool, newWorker func(id string) *Worker, cfg config.Config) *Supervisor {
	return &Supervisor{
		pool:      pool,
		newWorker: newWorker,
		poll:      cfg.PollInterval(),
	}
}

// Run reconciles until ctx is done, then stops every worker and waits for
// them to exit.
func (s *Supervisor) Run(ctx domain.Context) error {
	slog.Info("supervisor started", slog.Duration("poll", s.poll))
	for {
		wait := s.poll
		if err := s.Reconcile(ctx); err != nil {
			wait = storeRetrySleep
		}
		select {
		case <-ctx.Done():
			s.shutdown()
			slog.Info("supervisor stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

// Reconcile sizes the fleet to workerShare of ready accounts: spawn when
// below target, cancel the oldest workers when above. A failed registry
// read keeps the current fleet and reports the error so Run retries soon.
func (s *Supervisor) Reconcile(ctx domain.Context) error {
	report, err := s.pool.HealthReport(ctx)
	if err != nil {
		slog.Error("health report failed", slog.Any("error", err))
		return fmt.Errorf("op=supervisor.reconcile: %w", err)
	}
	ready := report[string(domain.StatusReady)]
	target := int(float64(ready) * workerShare)
	if target < 0 {
		target = 0
	}

	s.mu.Lock()
	s.reapLocked()
	current := len(s.workers)
	switch {
	case current < target:
		s.spawnLocked(ctx, target-current)
	case current > target:
		s.stopLocked(current - target)
	}
	current = len(s.workers)
	s.mu.Unlock()

	observability.SetFleet(current, target)
	slog.Debug("fleet reconciled",
		slog.Int("ready_accounts", ready),
		slog.Int("workers", current),
		slog.Int("target", target))
	return nil
}

// WorkerIDs returns the live worker ids in registration order.
func (s *Supervisor) WorkerIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.workers))
	for _, h := range s.workers {
		ids = append(ids, h.id)
	}
	return ids
}

func (s *Supervisor) spawnLocked(ctx domain.Context, n int) {
	for i := 0; i < n; i++ {
		s.nextID++
		id := fmt.Sprintf("worker-%d", s.nextID)
		wctx, cancel := context.WithCancel(ctx)
		h := &workerHandle{id: id, cancel: cancel, done: make(chan struct{})}
		w := s.newWorker(id)
		go func() {
			defer close(h.done)
			w.Run(wctx)
		}()
		s.workers = append(s.workers, h)
		slog.Info("worker spawned", slog.String("worker_id", id))
	}
}

// stopLocked cancels the n oldest workers and waits for each to exit.
func (s *Supervisor) stopLocked(n int) {
	victims := s.workers[:n]
	s.workers = append([]*workerHandle(nil), s.workers[n:]...)
	for _, h := range victims {
		h.cancel()
	}
	for _, h := range victims {
		<-h.done
		slog.Info("worker retired", slog.String("worker_id", h.id))
	}
}

// reapLocked drops handles whose goroutine already exited. Workers only
// leave on cancellation, so a self-exit is worth a warning.
func (s *Supervisor) reapLocked() {
	kept := s.workers[:0]
	for _, h := range s.workers {
		select {
		case <-h.done:
			slog.Warn("worker exited on its own", slog.String("worker_id", h.id))
		default:
			kept = append(kept, h)
		}
	}
	s.workers = kept
}

func (s *Supervisor) shutdown() {
	s.mu.Lock()
	victims := s.workers
	s.workers = nil
	s.mu.Unlock()
	for _, h := range victims {
		h.cancel()
	}
	for _, h := range victims {
		<-h.done
	}
}

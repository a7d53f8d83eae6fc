// Package orchestrator runs the scraping fleet: a supervisor that sizes
// the worker set against ready account capacity, and the worker loop that
// leases an account, runs one catalog job and settles the lease by the
// failure kind.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/scrapeworks/reddit-harvester/internal/adapter/observability"
	"github.com/scrapeworks/reddit-harvester/internal/domain"
	"github.com/scrapeworks/reddit-harvester/internal/scheduler"
)

const (
	// acquireRetrySleep paces a worker when every account is benched.
	acquireRetrySleep = 10 * time.Second
	// failureSleep paces a worker after a failed job run.
	failureSleep = 10 * time.Second
	// termTimeout bounds lease settlement on a detached context.
	termTimeout = 5 * time.Second
)

// WorkerDeps carries everything a worker shares with its siblings.
type WorkerDeps struct {
	Pool        domain.Pool
	Harvester   domain.Harvester
	Catalog     *scheduler.Catalog
	State       *scheduler.StateStore
	Checkpoints domain.WorkerCheckpointRepository

	IdleSleep    time.Duration
	EntityLimit  int
	RateCooldown int // seconds an account sits out after a rate-limited run
}

// Worker is one scraping loop identity.
type Worker struct {
	id   string
	deps WorkerDeps
	rng  *rand.Rand
}

// NewWorker builds one worker. Each worker owns its rng; math/rand sources
// are not safe for concurrent use.
func NewWorker(id string, deps WorkerDeps) *Worker {
	return &Worker{
		id:   id,
		deps: deps,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run loops until ctx is done.
func (w *Worker) Run(ctx domain.Context) {
	slog.Info("worker started", slog.String("worker_id", w.id))
	for {
		if ctx.Err() != nil {
			slog.Info("worker stopping", slog.String("worker_id", w.id))
			return
		}
		if err := w.runOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			slog.Error("worker iteration failed",
				slog.String("worker_id", w.id),
				slog.Any("error", err))
			w.sleep(ctx, failureSleep)
		}
	}
}

// runOnce selects one eligible job, leases an account and runs the job.
// Idle conditions sleep in place and return nil; only unexpected failures
// surface as errors.
func (w *Worker) runOnce(ctx domain.Context) error {
	jobs := w.deps.State.FilterReady(w.deps.Catalog.Jobs())
	if len(jobs) == 0 {
		w.sleep(ctx, w.deps.IdleSleep)
		return nil
	}
	job := scheduler.PickWeighted(jobs, w.rng)

	lease, err := w.deps.Pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNoReadyAccount) {
			slog.Warn("no ready accounts", slog.String("worker_id", w.id))
			w.sleep(ctx, acquireRetrySleep)
			return nil
		}
		return fmt.Errorf("op=worker.run: %w", err)
	}
	w.runJob(ctx, lease, *job)
	return nil
}

func (w *Worker) runJob(ctx domain.Context, lease *domain.Lease, job domain.Job) {
	subreddit := checkpointLabel(job.Params.Label)
	w.checkpoint(ctx, lease.Account.AccountID, subreddit, "", "")

	window := w.buildWindow(job)
	slog.Info("job started",
		slog.String("worker_id", w.id),
		slog.String("job_id", job.ID),
		slog.String("subreddit", subreddit),
		slog.String("account_id", lease.Account.AccountID))

	items, err := w.deps.Harvester.Harvest(ctx, lease, window)
	if err != nil {
		w.settleFailure(ctx, lease, job, subreddit, err)
		return
	}

	if err := w.deps.State.MarkCooldown(job.ID); err != nil {
		slog.Warn("job cooldown save failed",
			slog.String("job_id", job.ID),
			slog.Any("error", err))
	}
	lastPost, lastComment := lastIDs(items)
	w.checkpoint(ctx, lease.Account.AccountID, subreddit, lastPost, lastComment)

	tctx, cancel := termCtx(ctx)
	defer cancel()
	if rerr := w.deps.Pool.Release(tctx, lease, true); rerr != nil {
		slog.Warn("lease release failed",
			slog.String("worker_id", w.id),
			slog.Any("error", rerr))
	}
	observability.RecordJobOutcome("success")
	slog.Info("job completed",
		slog.String("worker_id", w.id),
		slog.String("job_id", job.ID),
		slog.Int("items", len(items)))
}

// settleFailure terminates the lease by failure kind: rate limits bench
// the account, auth failures quarantine it, everything else releases with
// a penalty. A canceled run hands the account straight back unpenalized.
func (w *Worker) settleFailure(ctx domain.Context, lease *domain.Lease, job domain.Job, subreddit string, err error) {
	tctx, cancel := termCtx(ctx)
	defer cancel()

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if cerr := w.deps.Pool.Cooldown(tctx, lease, 0, "shutdown"); cerr != nil {
			slog.Warn("lease handback failed", slog.String("worker_id", w.id), slog.Any("error", cerr))
		}
		return
	}

	kind := domain.ErrorKind(err)
	observability.RecordAccountError(kind)
	observability.RecordJobOutcome(kind)

	var terr error
	switch kind {
	case domain.KindRateLimit:
		terr = w.deps.Pool.Cooldown(tctx, lease, w.deps.RateCooldown, "rate-limit")
	case domain.KindAuth:
		terr = w.deps.Pool.Quarantine(tctx, lease, err.Error())
	default:
		terr = w.deps.Pool.Release(tctx, lease, false)
	}
	if terr != nil {
		slog.Warn("lease settlement failed",
			slog.String("worker_id", w.id),
			slog.String("kind", kind),
			slog.Any("error", terr))
	}

	w.checkpoint(ctx, lease.Account.AccountID, subreddit, "", "")
	slog.Error("job failed",
		slog.String("worker_id", w.id),
		slog.String("job_id", job.ID),
		slog.String("kind", kind),
		slog.Any("error", err))
	w.sleep(ctx, failureSleep)
}

// buildWindow derives the harvest window: explicit job dates win,
// otherwise the trailing seven days.
func (w *Worker) buildWindow(job domain.Job) domain.ScrapeWindow {
	end := time.Now().UTC()
	if t, ok := parseWhen(job.Params.PostEndDatetime); ok {
		end = t
	}
	start := end.AddDate(0, 0, -7)
	if t, ok := parseWhen(job.Params.PostStartDatetime); ok {
		start = t
	}
	return domain.ScrapeWindow{
		JobID:       job.ID,
		Start:       start,
		End:         end,
		Label:       job.Params.Label,
		EntityLimit: w.deps.EntityLimit,
	}
}

func parseWhen(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func (w *Worker) checkpoint(ctx domain.Context, accountID, subreddit, lastPost, lastComment string) {
	cp := domain.WorkerCheckpoint{
		WorkerID:      w.id,
		AccountID:     accountID,
		LastSubreddit: subreddit,
		LastPostID:    lastPost,
		LastCommentID: lastComment,
		UpdatedAt:     domain.NowUnix(time.Now()),
	}
	if err := w.deps.Checkpoints.UpsertWorkerCheckpoint(ctx, cp); err != nil {
		slog.Warn("worker checkpoint failed",
			slog.String("worker_id", w.id),
			slog.Any("error", err))
	}
}

func (w *Worker) sleep(ctx domain.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// termCtx detaches lease settlement from the run context so a shutdown
// cannot strand a row in leased status.
func termCtx(ctx domain.Context) (domain.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), termTimeout)
}

// lastIDs keeps the newest post and comment fullnames in listing order.
func lastIDs(items []domain.Item) (lastPost, lastComment string) {
	for _, it := range items {
		switch {
		case strings.HasPrefix(it.ID, "t3_"):
			lastPost = it.ID
		case strings.HasPrefix(it.ID, "t1_"):
			lastComment = it.ID
		}
	}
	return lastPost, lastComment
}

func checkpointLabel(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return "all"
	}
	return strings.TrimPrefix(label, "r/")
}

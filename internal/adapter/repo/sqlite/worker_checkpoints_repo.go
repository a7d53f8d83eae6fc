package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/scrapeworks/reddit-harvester/internal/domain"
)

// WorkerCheckpointRepo persists per-worker resume hints alongside the
// account pool in accounts.db.
type WorkerCheckpointRepo struct {
	db *sql.DB
	mu sync.Mutex
}

// NewWorkerCheckpointRepo bootstraps the checkpoints table (idempotent)
// and returns the repository.
func NewWorkerCheckpointRepo(db *sql.DB) (*WorkerCheckpointRepo, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
    worker_id TEXT PRIMARY KEY,
    account_id TEXT,
    last_subreddit TEXT,
    last_post_id TEXT,
    last_comment_id TEXT,
    updated_at REAL NOT NULL DEFAULT 0
);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("op=worker_checkpoints.init_schema: %w", err)
	}
	return &WorkerCheckpointRepo{db: db}, nil
}

// UpsertWorkerCheckpoint overwrites the full row for one worker identity.
func (r *WorkerCheckpointRepo) UpsertWorkerCheckpoint(ctx domain.Context, cp domain.WorkerCheckpoint) error {
	tracer := otel.Tracer("repo.worker_checkpoints")
	ctx, span := tracer.Start(ctx, "worker_checkpoints.Upsert")
	defer span.End()
	r.mu.Lock()
	defer r.mu.Unlock()
	q := `INSERT INTO checkpoints(worker_id, account_id, last_subreddit, last_post_id, last_comment_id, updated_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(worker_id) DO UPDATE SET
  account_id=excluded.account_id,
  last_subreddit=excluded.last_subreddit,
  last_post_id=excluded.last_post_id,
  last_comment_id=excluded.last_comment_id,
  updated_at=excluded.updated_at`
	_, err := r.db.ExecContext(ctx, q, cp.WorkerID, cp.AccountID, cp.LastSubreddit, cp.LastPostID, cp.LastCommentID, cp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("op=worker_checkpoints.upsert: %w", err)
	}
	return nil
}

const workerCheckpointColumns = `worker_id, COALESCE(account_id,''), COALESCE(last_subreddit,''), COALESCE(last_post_id,''), COALESCE(last_comment_id,''), updated_at`

func scanWorkerCheckpoint(row interface{ Scan(...any) error }) (domain.WorkerCheckpoint, error) {
	var cp domain.WorkerCheckpoint
	err := row.Scan(&cp.WorkerID, &cp.AccountID, &cp.LastSubreddit, &cp.LastPostID, &cp.LastCommentID, &cp.UpdatedAt)
	return cp, err
}

// GetWorkerCheckpoint loads one worker's hint.
func (r *WorkerCheckpointRepo) GetWorkerCheckpoint(ctx domain.Context, workerID string) (domain.WorkerCheckpoint, error) {
	tracer := otel.Tracer("repo.worker_checkpoints")
	ctx, span := tracer.Start(ctx, "worker_checkpoints.Get")
	defer span.End()
	q := `SELECT ` + workerCheckpointColumns + ` FROM checkpoints WHERE worker_id=?`
	cp, err := scanWorkerCheckpoint(r.db.QueryRowContext(ctx, q, workerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WorkerCheckpoint{}, fmt.Errorf("op=worker_checkpoints.get: %w", domain.ErrNotFound)
		}
		return domain.WorkerCheckpoint{}, fmt.Errorf("op=worker_checkpoints.get: %w", err)
	}
	return cp, nil
}

// ListWorkerCheckpoints returns all hints, most recently updated first.
func (r *WorkerCheckpointRepo) ListWorkerCheckpoints(ctx domain.Context) ([]domain.WorkerCheckpoint, error) {
	tracer := otel.Tracer("repo.worker_checkpoints")
	ctx, span := tracer.Start(ctx, "worker_checkpoints.List")
	defer span.End()
	q := `SELECT ` + workerCheckpointColumns + ` FROM checkpoints ORDER BY updated_at DESC, worker_id ASC`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=worker_checkpoints.list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.WorkerCheckpoint
	for rows.Next() {
		cp, err := scanWorkerCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("op=worker_checkpoints.list: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=worker_checkpoints.list: %w", err)
	}
	return out, nil
}

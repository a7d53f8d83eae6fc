package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/scrapeworks/reddit-harvester/internal/domain"
)

// JobCheckpointRepo persists opaque per-job pagination progress in
// checkpoints.db, keyed by job id. Payloads are stored verbatim; callers
// own the shape.
type JobCheckpointRepo struct {
	db *sql.DB
	mu sync.Mutex
}

// NewJobCheckpointRepo bootstraps the checkpoints table (idempotent) and
// returns the repository.
func NewJobCheckpointRepo(db *sql.DB) (*JobCheckpointRepo, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
    job_id TEXT PRIMARY KEY,
    payload TEXT NOT NULL,
    updated_at REAL NOT NULL DEFAULT 0
);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("op=job_checkpoints.init_schema: %w", err)
	}
	return &JobCheckpointRepo{db: db}, nil
}

// SaveProgress upserts the payload for one job.
func (r *JobCheckpointRepo) SaveProgress(ctx domain.Context, jobID string, payload json.RawMessage) error {
	tracer := otel.Tracer("repo.job_checkpoints")
	ctx, span := tracer.Start(ctx, "job_checkpoints.SaveProgress")
	defer span.End()
	if jobID == "" {
		return fmt.Errorf("op=job_checkpoints.save: empty job id: %w", domain.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	q := `INSERT INTO checkpoints(job_id, payload, updated_at) VALUES(?, ?, ?)
ON CONFLICT(job_id) DO UPDATE SET payload=excluded.payload, updated_at=excluded.updated_at`
	now := domain.NowUnix(time.Now())
	if _, err := r.db.ExecContext(ctx, q, jobID, string(payload), now); err != nil {
		return fmt.Errorf("op=job_checkpoints.save: %w", err)
	}
	return nil
}

// LoadProgress returns the stored payload, or nil when the job has none.
func (r *JobCheckpointRepo) LoadProgress(ctx domain.Context, jobID string) (json.RawMessage, error) {
	tracer := otel.Tracer("repo.job_checkpoints")
	ctx, span := tracer.Start(ctx, "job_checkpoints.LoadProgress")
	defer span.End()
	var payload string
	err := r.db.QueryRowContext(ctx, `SELECT payload FROM checkpoints WHERE job_id=?`, jobID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=job_checkpoints.load: %w", err)
	}
	return json.RawMessage(payload), nil
}

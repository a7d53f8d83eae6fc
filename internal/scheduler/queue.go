package scheduler

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/scrapeworks/reddit-harvester/internal/domain"
)

// QueuedJob is one entry in the retry queue. Payload is opaque to the
// queue itself.
type QueuedJob struct {
	ID         string          `json:"id"`
	Weight     float64         `json:"weight,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt float64         `json:"enqueued_at"`
}

type queueFile struct {
	Queue    []QueuedJob          `json:"queue"`
	Inflight map[string]QueuedJob `json:"inflight"`
}

// Queue is a single-file work queue with aging-weighted dequeue. Entries
// move to an inflight set on dequeue and leave it on ack, so a crashed
// holder is visible in the file for operators to requeue.
type Queue struct {
	fs   afero.Fs
	path string

	mu  sync.Mutex
	rng *rand.Rand
}

// NewQueue opens the queue at path, creating an empty document when none
// exists yet.
func NewQueue(fs afero.Fs, path string, rng *rand.Rand) (*Queue, error) {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	q := &Queue{fs: fs, path: path, rng: rng}
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, fmt.Errorf("op=scheduler.queue: stat: %w", err)
	}
	if !exists {
		if err := q.save(&queueFile{Queue: []QueuedJob{}, Inflight: map[string]QueuedJob{}}); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func (q *Queue) load() (*queueFile, error) {
	data, err := afero.ReadFile(q.fs, q.path)
	if err != nil {
		return nil, fmt.Errorf("op=scheduler.queue: read: %w", err)
	}
	qf := &queueFile{}
	if err := json.Unmarshal(data, qf); err != nil {
		return nil, fmt.Errorf("op=scheduler.queue: decode: %w", err)
	}
	if qf.Inflight == nil {
		qf.Inflight = map[string]QueuedJob{}
	}
	return qf, nil
}

func (q *Queue) save(qf *queueFile) error {
	data, err := json.MarshalIndent(qf, "", "  ")
	if err != nil {
		return fmt.Errorf("op=scheduler.queue: marshal: %w", err)
	}
	if err := afero.WriteFile(q.fs, q.path, data, 0o644); err != nil {
		return fmt.Errorf("op=scheduler.queue: write: %w", err)
	}
	return nil
}

// Enqueue appends job, assigning an id when it carries none and stamping
// the enqueue time.
func (q *Queue) Enqueue(job QueuedJob) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	qf, err := q.load()
	if err != nil {
		return "", err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.EnqueuedAt = domain.NowUnix(time.Now())
	qf.Queue = append(qf.Queue, job)
	if err := q.save(qf); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Dequeue pops one entry, biased toward heavy and long-waiting jobs, and
// parks it in the inflight set. Returns nil when the queue is empty.
func (q *Queue) Dequeue() (*QueuedJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	qf, err := q.load()
	if err != nil {
		return nil, err
	}
	if len(qf.Queue) == 0 {
		return nil, nil
	}
	idx := q.pickIndex(qf.Queue)
	job := qf.Queue[idx]
	qf.Queue = append(qf.Queue[:idx], qf.Queue[idx+1:]...)
	qf.Inflight[job.ID] = job
	if err := q.save(qf); err != nil {
		return nil, err
	}
	return &job, nil
}

// pickIndex scores each entry by weight times its age in minutes (floored
// at one minute so fresh entries still compete) and draws proportionally.
func (q *Queue) pickIndex(entries []QueuedJob) int {
	now := domain.NowUnix(time.Now())
	scores := make([]float64, len(entries))
	total := 0.0
	for i, e := range entries {
		w := e.Weight
		if w == 0 {
			w = 1
		}
		enqueuedAt := e.EnqueuedAt
		if enqueuedAt == 0 {
			enqueuedAt = now
		}
		ageMinutes := (now - enqueuedAt) / 60
		if ageMinutes < 1 {
			ageMinutes = 1
		}
		score := w * ageMinutes
		if score < 0 {
			score = 0
		}
		scores[i] = score
		total += score
	}
	if total <= 0 {
		return 0
	}
	r := q.rng.Float64() * total
	upto := 0.0
	for i, score := range scores {
		upto += score
		if upto >= r {
			return i
		}
	}
	return len(entries) - 1
}

// Ack drops id from the inflight set. Reports whether it was held.
func (q *Queue) Ack(id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	qf, err := q.load()
	if err != nil {
		return false, err
	}
	if _, ok := qf.Inflight[id]; !ok {
		return false, nil
	}
	delete(qf.Inflight, id)
	if err := q.save(qf); err != nil {
		return false, err
	}
	return true, nil
}

// Nack takes id out of the inflight set after a failed run, bumping its
// attempt count. With requeue it re-enters the queue stamped backoff into
// the future, so it ages from scratch and scores at the floor until then.
func (q *Queue) Nack(id string, requeue bool, backoff time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	qf, err := q.load()
	if err != nil {
		return false, err
	}
	job, ok := qf.Inflight[id]
	if !ok {
		return false, nil
	}
	delete(qf.Inflight, id)
	job.Attempts++
	if requeue {
		if backoff < 0 {
			backoff = 0
		}
		job.EnqueuedAt = domain.NowUnix(time.Now().Add(backoff))
		qf.Queue = append(qf.Queue, job)
	}
	if err := q.save(qf); err != nil {
		return false, err
	}
	return true, nil
}

// Reprioritize sets the weight of id wherever it currently lives, queue
// first, then inflight. An inflight update only touches the stored copy;
// the holder keeps working with the weight it dequeued.
func (q *Queue) Reprioritize(id string, weight float64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	qf, err := q.load()
	if err != nil {
		return false, err
	}
	for i := range qf.Queue {
		if qf.Queue[i].ID == id {
			qf.Queue[i].Weight = weight
			return true, q.save(qf)
		}
	}
	if job, ok := qf.Inflight[id]; ok {
		job.Weight = weight
		qf.Inflight[id] = job
		return true, q.save(qf)
	}
	return false, nil
}

// Size reports the queued and inflight counts.
func (q *Queue) Size() (int, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	qf, err := q.load()
	if err != nil {
		return 0, 0, err
	}
	return len(qf.Queue), len(qf.Inflight), nil
}

package scheduler

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrapeworks/reddit-harvester/internal/domain"
)

func newTestQueue(t *testing.T, fs afero.Fs) *Queue {
	t.Helper()
	q, err := NewQueue(fs, "/queue.json", rand.New(rand.NewSource(11)))
	require.NoError(t, err)
	return q
}

func TestQueueEnqueueDequeueAck(t *testing.T) {
	fs := afero.NewMemMapFs()
	q := newTestQueue(t, fs)

	before := domain.NowUnix(time.Now())
	id, err := q.Enqueue(QueuedJob{Payload: json.RawMessage(`{"label":"r/golang"}`)})
	require.NoError(t, err)
	require.NotEmpty(t, id, "empty id gets assigned")

	queued, inflight, err := q.Size()
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
	assert.Equal(t, 0, inflight)

	job, err := q.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.GreaterOrEqual(t, job.EnqueuedAt, before)
	assert.JSONEq(t, `{"label":"r/golang"}`, string(job.Payload))

	queued, inflight, err = q.Size()
	require.NoError(t, err)
	assert.Equal(t, 0, queued)
	assert.Equal(t, 1, inflight)

	held, err := q.Ack(id)
	require.NoError(t, err)
	assert.True(t, held)

	queued, inflight, err = q.Size()
	require.NoError(t, err)
	assert.Equal(t, 0, queued)
	assert.Equal(t, 0, inflight)
}

func TestQueueDequeueEmpty(t *testing.T) {
	q := newTestQueue(t, afero.NewMemMapFs())
	job, err := q.Dequeue()
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestQueueAckUnknown(t *testing.T) {
	q := newTestQueue(t, afero.NewMemMapFs())
	held, err := q.Ack("nope")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestQueueNackRequeuesWithBackoff(t *testing.T) {
	fs := afero.NewMemMapFs()
	q := newTestQueue(t, fs)

	id, err := q.Enqueue(QueuedJob{ID: "job-1"})
	require.NoError(t, err)
	_, err = q.Dequeue()
	require.NoError(t, err)

	now := domain.NowUnix(time.Now())
	found, err := q.Nack(id, true, 5*time.Minute)
	require.NoError(t, err)
	require.True(t, found)

	queued, inflight, err := q.Size()
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
	assert.Equal(t, 0, inflight)

	data, err := afero.ReadFile(fs, "/queue.json")
	require.NoError(t, err)
	qf := queueFile{}
	require.NoError(t, json.Unmarshal(data, &qf))
	require.Len(t, qf.Queue, 1)
	assert.Equal(t, 1, qf.Queue[0].Attempts)
	assert.Greater(t, qf.Queue[0].EnqueuedAt, now, "backoff pushes the enqueue time forward")
}

func TestQueueNackDropWithoutRequeue(t *testing.T) {
	q := newTestQueue(t, afero.NewMemMapFs())

	id, err := q.Enqueue(QueuedJob{})
	require.NoError(t, err)
	_, err = q.Dequeue()
	require.NoError(t, err)

	found, err := q.Nack(id, false, 0)
	require.NoError(t, err)
	assert.True(t, found)

	queued, inflight, err := q.Size()
	require.NoError(t, err)
	assert.Equal(t, 0, queued)
	assert.Equal(t, 0, inflight)
}

func TestQueueReprioritizeQueued(t *testing.T) {
	fs := afero.NewMemMapFs()
	q := newTestQueue(t, fs)

	id, err := q.Enqueue(QueuedJob{Weight: 1})
	require.NoError(t, err)

	found, err := q.Reprioritize(id, 8)
	require.NoError(t, err)
	require.True(t, found)

	data, err := afero.ReadFile(fs, "/queue.json")
	require.NoError(t, err)
	qf := queueFile{}
	require.NoError(t, json.Unmarshal(data, &qf))
	require.Len(t, qf.Queue, 1)
	assert.InDelta(t, 8, qf.Queue[0].Weight, 1e-9)
}

func TestQueueReprioritizeInflightOnlyTouchesStoredCopy(t *testing.T) {
	fs := afero.NewMemMapFs()
	q := newTestQueue(t, fs)

	id, err := q.Enqueue(QueuedJob{Weight: 2})
	require.NoError(t, err)
	held, err := q.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, held)

	found, err := q.Reprioritize(id, 9)
	require.NoError(t, err)
	require.True(t, found)

	assert.InDelta(t, 2, held.Weight, 1e-9, "the holder keeps the weight it dequeued")

	data, err := afero.ReadFile(fs, "/queue.json")
	require.NoError(t, err)
	qf := queueFile{}
	require.NoError(t, json.Unmarshal(data, &qf))
	assert.InDelta(t, 9, qf.Inflight[id].Weight, 1e-9)
}

func TestQueueReprioritizeUnknown(t *testing.T) {
	q := newTestQueue(t, afero.NewMemMapFs())
	found, err := q.Reprioritize("ghost", 1)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestQueueSurvivesReopen(t *testing.T) {
	fs := afero.NewMemMapFs()
	q := newTestQueue(t, fs)
	id, err := q.Enqueue(QueuedJob{})
	require.NoError(t, err)

	reopened := newTestQueue(t, fs)
	queued, inflight, err := reopened.Size()
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
	assert.Equal(t, 0, inflight)

	job, err := reopened.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
}

func TestQueueDequeueSkipsNegativeWeightWhilePositiveRemains(t *testing.T) {
	q := newTestQueue(t, afero.NewMemMapFs())

	_, err := q.Enqueue(QueuedJob{ID: "neg", Weight: -1})
	require.NoError(t, err)
	_, err = q.Enqueue(QueuedJob{ID: "pos", Weight: 1})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		job, err := q.Dequeue()
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, "pos", job.ID, "a zero-score entry must not win against a live one")
		_, err = q.Nack(job.ID, true, 0)
		require.NoError(t, err)
	}
}

func TestQueueDequeuePrefersAgedEntries(t *testing.T) {
	agedAt := domain.NowUnix(time.Now().Add(-time.Hour))
	agedWins := 0
	for seed := int64(0); seed < 30; seed++ {
		fs := afero.NewMemMapFs()
		q, err := NewQueue(fs, "/queue.json", rand.New(rand.NewSource(seed)))
		require.NoError(t, err)
		_, err = q.Enqueue(QueuedJob{ID: "fresh"})
		require.NoError(t, err)
		_, err = q.Enqueue(QueuedJob{ID: "aged"})
		require.NoError(t, err)

		data, err := afero.ReadFile(fs, "/queue.json")
		require.NoError(t, err)
		qf := queueFile{}
		require.NoError(t, json.Unmarshal(data, &qf))
		for i := range qf.Queue {
			if qf.Queue[i].ID == "aged" {
				qf.Queue[i].EnqueuedAt = agedAt
			}
		}
		raw, err := json.Marshal(qf)
		require.NoError(t, err)
		require.NoError(t, afero.WriteFile(fs, "/queue.json", raw, 0o644))

		job, err := q.Dequeue()
		require.NoError(t, err)
		require.NotNil(t, job)
		if job.ID == "aged" {
			agedWins++
		}
	}
	assert.Greater(t, agedWins, 25, "an hour of waiting should dominate a fresh entry")
}

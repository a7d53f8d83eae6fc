package scheduler

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/scrapeworks/reddit-harvester/internal/domain"
)

// StateStore persists per-job cooldown bookkeeping as a flat JSON map. A
// missing or corrupt file reads as the empty state. Writes land in a temp
// file first and are renamed into place so readers never observe a partial
// document.
type StateStore struct {
	fs   afero.Fs
	path string

	cooldownMin int
	cooldownMax int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewStateStore builds a store over path. Cooldowns after a completed job
// are drawn uniformly from [cooldownMin, cooldownMax] seconds, inclusive.
func NewStateStore(fs afero.Fs, path string, cooldownMin, cooldownMax int, rng *rand.Rand) *StateStore {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cooldownMax < cooldownMin {
		cooldownMax = cooldownMin
	}
	return &StateStore{fs: fs, path: path, cooldownMin: cooldownMin, cooldownMax: cooldownMax, rng: rng}
}

func (s *StateStore) load() map[string]domain.JobState {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		return map[string]domain.JobState{}
	}
	state := map[string]domain.JobState{}
	if err := json.Unmarshal(data, &state); err != nil {
		return map[string]domain.JobState{}
	}
	return state
}

func (s *StateStore) save(state map[string]domain.JobState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("op=scheduler.state: marshal: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("op=scheduler.state: write temp: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("op=scheduler.state: rename: %w", err)
	}
	return nil
}

// Ready reports whether jobID is out of cooldown. Jobs with no recorded
// state are ready.
func (s *StateStore) Ready(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return jobReady(s.load(), jobID, domain.NowUnix(time.Now()))
}

// FilterReady returns the subset of jobs out of cooldown, loading the state
// file once for the whole pass.
func (s *StateStore) FilterReady(jobs []domain.Job) []domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.load()
	now := domain.NowUnix(time.Now())
	var ready []domain.Job
	for _, job := range jobs {
		if jobReady(state, job.ID, now) {
			ready = append(ready, job)
		}
	}
	return ready
}

func jobReady(state map[string]domain.JobState, jobID string, now float64) bool {
	return now >= state[jobID].NextEligibleTS
}

// MarkCooldown records a completed run for jobID and schedules its next
// eligibility a random cooldown into the future.
func (s *StateStore) MarkCooldown(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.load()
	now := domain.NowUnix(time.Now())
	cooldown := s.cooldownMin
	if span := s.cooldownMax - s.cooldownMin; span > 0 {
		cooldown += s.rng.Intn(span + 1)
	}
	state[jobID] = domain.JobState{
		LastRunTS:      now,
		NextEligibleTS: now + float64(cooldown),
	}
	return s.save(state)
}

package scheduler

import (
	"math/rand"

	"github.com/scrapeworks/reddit-harvester/internal/domain"
)

// PickWeighted selects one job at random, proportional to weight. A zero
// weight counts as 1 so catalogs that omit the field still participate;
// negative weights count as 0. When every weight collapses to zero the
// first job wins. Returns nil for an empty slate.
func PickWeighted(jobs []domain.Job, rng *rand.Rand) *domain.Job {
	if len(jobs) == 0 {
		return nil
	}
	weights := make([]float64, len(jobs))
	total := 0.0
	for i, job := range jobs {
		weights[i] = normalizeWeight(job.Weight)
		total += weights[i]
	}
	if total <= 0 {
		return &jobs[0]
	}
	r := rng.Float64() * total
	upto := 0.0
	for i := range jobs {
		upto += weights[i]
		if upto >= r {
			return &jobs[i]
		}
	}
	return &jobs[len(jobs)-1]
}

func normalizeWeight(w float64) float64 {
	switch {
	case w == 0:
		return 1
	case w < 0:
		return 0
	default:
		return w
	}
}

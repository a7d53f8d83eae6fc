// Package scheduler owns job intake and selection: the externally
// maintained catalog, per-job runtime cooldown state, weighted random
// selection and the ancillary file-backed retry queue.
package scheduler

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/scrapeworks/reddit-harvester/internal/domain"
)

// Catalog reads the scraping config and serves the jobs that belong to the
// configured scraper target. Reads are cached for one poll interval; an
// empty cache always forces a re-read. An unreadable or corrupt file
// degrades to the empty catalog rather than failing the caller.
type Catalog struct {
	fs        afero.Fs
	path      string
	scraperID string
	ttl       time.Duration

	mu       sync.Mutex
	jobs     []domain.Job
	loadedAt time.Time
}

// NewCatalog builds a catalog over path, filtered to scraperID, cached for
// ttl.
func NewCatalog(fs afero.Fs, path, scraperID string, ttl time.Duration) *Catalog {
	return &Catalog{fs: fs, path: path, scraperID: scraperID, ttl: ttl}
}

type catalogFile struct {
	ScraperConfigs []struct {
		ScraperID string       `json:"scraper_id"`
		Jobs      []domain.Job `json:"jobs"`
	} `json:"scraper_configs"`
}

// Jobs returns the catalog's current job set, re-reading the file when the
// cache is stale or empty.
func (c *Catalog) Jobs() []domain.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.jobs) > 0 && time.Since(c.loadedAt) < c.ttl {
		return c.jobs
	}
	c.jobs = c.load()
	c.loadedAt = time.Now()
	return c.jobs
}

func (c *Catalog) load() []domain.Job {
	data, err := afero.ReadFile(c.fs, c.path)
	if err != nil {
		slog.Warn("catalog unreadable, serving empty", slog.String("path", c.path), slog.Any("error", err))
		return nil
	}
	var cfg catalogFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		slog.Warn("catalog corrupt, serving empty", slog.String("path", c.path), slog.Any("error", err))
		return nil
	}
	var jobs []domain.Job
	for _, entry := range cfg.ScraperConfigs {
		if c.matches(entry.ScraperID) {
			jobs = append(jobs, entry.Jobs...)
		}
	}
	return jobs
}

// matches accepts the exact target id plus any id on the same platform
// (shared prefix up to the first dot), so catalog variants like
// Reddit.custom.v2 still route here.
func (c *Catalog) matches(scraperID string) bool {
	if scraperID == c.scraperID {
		return true
	}
	if platform, _, ok := strings.Cut(c.scraperID, "."); ok {
		return strings.HasPrefix(scraperID, platform+".")
	}
	return false
}

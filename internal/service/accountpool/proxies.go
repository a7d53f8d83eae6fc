// Package accountpool implements the lease state machine over the durable
// account registry: acquire/release with cooldown accounting, operator
// quarantine, and round-robin proxy rotation.
package accountpool

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/spf13/afero"

	"github.com/scrapeworks/reddit-harvester/internal/adapter/observability"
	"github.com/scrapeworks/reddit-harvester/internal/domain"
)

// ProxyRotation hands out proxies from proxies.json round-robin. The file
// loads lazily on first use; missing or unreadable files leave the rotation
// empty so leases go out proxyless. Failure counts are kept in memory and
// exported as metrics only; they do not influence rotation order.
type ProxyRotation struct {
	fs   afero.Fs
	path string

	mu       sync.Mutex
	loaded   bool
	proxies  []domain.Proxy
	idx      int
	failures map[string]int
}

// NewProxyRotation builds a rotation over path. Nothing is read until the
// first Next call.
func NewProxyRotation(fs afero.Fs, path string) *ProxyRotation {
	return &ProxyRotation{fs: fs, path: path, failures: map[string]int{}}
}

func (r *ProxyRotation) loadLocked() {
	if r.loaded {
		return
	}
	r.loaded = true
	data, err := afero.ReadFile(r.fs, r.path)
	if err != nil {
		slog.Info("proxy rotation disabled", slog.String("path", r.path), slog.Any("error", err))
		return
	}
	var proxies []domain.Proxy
	if err := json.Unmarshal(data, &proxies); err != nil {
		slog.Warn("proxy list unreadable, rotating without proxies", slog.String("path", r.path), slog.Any("error", err))
		return
	}
	r.proxies = proxies
}

// Next returns the next proxy in rotation, or nil when none are configured.
// The returned value is a copy; callers may hold it across the lease.
func (r *ProxyRotation) Next() *domain.Proxy {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadLocked()
	if len(r.proxies) == 0 {
		return nil
	}
	p := r.proxies[r.idx%len(r.proxies)]
	r.idx++
	return &p
}

// Size reports how many proxies are in rotation.
func (r *ProxyRotation) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadLocked()
	return len(r.proxies)
}

// MarkFailure records one failure against the proxy under a classified
// kind label.
func (r *ProxyRotation) MarkFailure(p *domain.Proxy, kind string) {
	if p == nil {
		return
	}
	r.mu.Lock()
	r.failures[p.ProxyID]++
	r.mu.Unlock()
	observability.RecordProxyFailure(kind)
}

// MarkSuccess decays one recorded failure, stopping at zero.
func (r *ProxyRotation) MarkSuccess(p *domain.Proxy) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures[p.ProxyID] > 0 {
		r.failures[p.ProxyID]--
	}
}

// FailureCount reports the live failure count for one proxy id.
func (r *ProxyRotation) FailureCount(proxyID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[proxyID]
}

package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// Pool status gauges maintained by the health manager each cycle.
	PoolReadyAccounts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reddit_pool_ready_accounts",
		Help: "Accounts in ready status",
	})
	PoolLeasedAccounts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reddit_pool_leased_accounts",
		Help: "Accounts currently leased",
	})
	PoolQuarantineAccounts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reddit_pool_quarantine_accounts",
		Help: "Accounts in quarantine",
	})
	PoolCoolingAccounts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reddit_pool_cooling_accounts",
		Help: "Ready accounts still inside a cooldown window",
	})

	// Orchestrator-side account gauges.
	ActiveAccounts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reddit_active_accounts",
		Help: "Accounts currently leased to workers",
	})
	CooldownAccounts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reddit_accounts_cooldown",
		Help: "Accounts under cooldown",
	})

	FleetWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reddit_fleet_workers",
		Help: "Worker tasks currently registered",
	})
	FleetTargetWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reddit_fleet_target_workers",
		Help: "Worker count the supervisor is reconciling toward",
	})

	ReplaceMoreInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reddit_replace_more_inflight",
		Help: "Comment expansions currently holding a rate-bucket token",
	})
	ReplaceMoreTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "reddit_replace_more_time_seconds",
		Help:    "Duration of comment expansion rounds",
		Buckets: []float64{0.1, 0.3, 0.7, 1.5, 3, 6, 12, 24, 48},
	})

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reddit_requests_total",
			Help: "Remote API requests by endpoint",
		},
		[]string{"endpoint"},
	)
	ItemsScrapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reddit_items_scraped_total",
			Help: "Harvested items by kind and subreddit",
		},
		[]string{"type", "subreddit"},
	)
	AccountErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reddit_account_errors_total",
			Help: "Account failures by classified kind",
		},
		[]string{"kind"},
	)
	ProxyFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reddit_proxy_failures_total",
			Help: "Proxy failures by classified kind",
		},
		[]string{"kind"},
	)

	AccountChecksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reddit_pool_account_check_total",
		Help: "Health probes issued",
	})
	AccountQuarantinesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reddit_pool_account_quarantine_total",
		Help: "Accounts moved to quarantine by the health manager",
	})
	AccountCooldownsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reddit_pool_account_cooldown_total",
		Help: "Cooldowns applied by the health manager",
	})

	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reddit_jobs_completed_total",
			Help: "Worker job runs by outcome",
		},
		[]string{"outcome"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(PoolReadyAccounts)
	prometheus.MustRegister(PoolLeasedAccounts)
	prometheus.MustRegister(PoolQuarantineAccounts)
	prometheus.MustRegister(PoolCoolingAccounts)
	prometheus.MustRegister(ActiveAccounts)
	prometheus.MustRegister(CooldownAccounts)
	prometheus.MustRegister(FleetWorkers)
	prometheus.MustRegister(FleetTargetWorkers)
	prometheus.MustRegister(ReplaceMoreInflight)
	prometheus.MustRegister(ReplaceMoreTime)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(ItemsScrapedTotal)
	prometheus.MustRegister(AccountErrorsTotal)
	prometheus.MustRegister(ProxyFailuresTotal)
	prometheus.MustRegister(AccountChecksTotal)
	prometheus.MustRegister(AccountQuarantinesTotal)
	prometheus.MustRegister(AccountCooldownsTotal)
	prometheus.MustRegister(JobsCompletedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// SetPoolGauges publishes one health-manager snapshot.
func SetPoolGauges(ready, leased, quarantine, cooling int) {
	PoolReadyAccounts.Set(float64(ready))
	PoolLeasedAccounts.Set(float64(leased))
	PoolQuarantineAccounts.Set(float64(quarantine))
	PoolCoolingAccounts.Set(float64(cooling))
	ActiveAccounts.Set(float64(leased))
	CooldownAccounts.Set(float64(cooling))
}

// SetFleet publishes the supervisor's registry size and its target.
func SetFleet(current, target int) {
	FleetWorkers.Set(float64(current))
	FleetTargetWorkers.Set(float64(target))
}

// RecordRequest counts one remote API request against an endpoint label.
func RecordRequest(endpoint string) {
	RequestsTotal.WithLabelValues(endpoint).Inc()
}

// RecordItems counts harvested items for one kind/subreddit pair.
func RecordItems(kind, subreddit string, n int) {
	if n <= 0 {
		return
	}
	ItemsScrapedTotal.WithLabelValues(kind, subreddit).Add(float64(n))
}

// RecordAccountError counts one classified account failure.
func RecordAccountError(kind string) {
	AccountErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordProxyFailure counts one classified proxy failure.
func RecordProxyFailure(kind string) {
	ProxyFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordJobOutcome counts one finished worker job run.
func RecordJobOutcome(outcome string) {
	JobsCompletedTotal.WithLabelValues(outcome).Inc()
}

// StartReplaceMore tracks one comment expansion round; invoke the returned
// func when the round completes.
func StartReplaceMore() func() {
	ReplaceMoreInflight.Inc()
	start := time.Now()
	return func() {
		ReplaceMoreInflight.Dec()
		ReplaceMoreTime.Observe(time.Since(start).Seconds())
	}
}

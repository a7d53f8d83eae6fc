// Pool status exporter. A deploy-side sidecar that reads the account and
// rate-limiter SQLite stores directly and republishes pool health as
// Prometheus gauges, so dashboards keep data even while the daemons that
// own the stores are down.
package main

import (
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "modernc.org/sqlite"
)

var (
	// Metric definitions
	poolAccounts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reddit_pool_accounts",
			Help: "Accounts in the pool by lifecycle status",
		},
		[]string{"status"},
	)
	bucketTokens = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reddit_rate_bucket_tokens",
			Help: "Estimated token balance per rate bucket, refill applied at read time",
		},
		[]string{"bucket"},
	)
	bucketCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reddit_rate_bucket_capacity",
			Help: "Configured capacity per rate bucket",
		},
		[]string{"bucket"},
	)
)

func init() {
	// Register metrics with Prometheus
	prometheus.MustRegister(poolAccounts, bucketTokens, bucketCapacity)
}

// openRO opens a store read-only; the daemons keep the write handle.
func openRO(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func collectAccounts(path string) {
	db, err := openRO(path)
	if err != nil {
		log.Printf("Error opening accounts store: %v", err)
		return
	}
	defer db.Close()

	rows, err := db.Query(`SELECT status, COUNT(*) FROM accounts GROUP BY status`)
	if err != nil {
		log.Printf("Error reading accounts: %v", err)
		return
	}
	defer rows.Close()

	// Reset so statuses with no remaining rows drop to absent, not stale.
	poolAccounts.Reset()

	for rows.Next() {
		var status string
		var n float64
		if err := rows.Scan(&status, &n); err != nil {
			log.Printf("Error scanning account row: %v", err)
			return
		}
		poolAccounts.WithLabelValues(status).Set(n)
	}
	if err := rows.Err(); err != nil {
		log.Printf("Error iterating accounts: %v", err)
	}
}

func collectBuckets(path string) {
	db, err := openRO(path)
	if err != nil {
		log.Printf("Error opening rate store: %v", err)
		return
	}
	defer db.Close()

	rows, err := db.Query(`SELECT bucket, capacity, tokens, refill_rate, updated_at FROM buckets`)
	if err != nil {
		log.Printf("Error reading buckets: %v", err)
		return
	}
	defer rows.Close()

	bucketTokens.Reset()
	bucketCapacity.Reset()

	now := float64(time.Now().UnixNano()) / 1e9
	for rows.Next() {
		var name string
		var capacity, tokens, refill, updated float64
		if err := rows.Scan(&name, &capacity, &tokens, &refill, &updated); err != nil {
			log.Printf("Error scanning bucket row: %v", err)
			return
		}
		// Same lazy-refill arithmetic the limiter applies on acquire.
		if elapsed := now - updated; elapsed > 0 {
			tokens += elapsed * refill
		}
		if tokens > capacity {
			tokens = capacity
		}
		bucketTokens.WithLabelValues(name).Set(tokens)
		bucketCapacity.WithLabelValues(name).Set(capacity)
	}
	if err := rows.Err(); err != nil {
		log.Printf("Error iterating buckets: %v", err)
	}
}

func main() {
	accountsPath := getenv("REDDIT_ACCOUNTS_DB", "storage/reddit/accounts.db")
	ratePath := getenv("REDDIT_RATE_DB", "storage/reddit/ratelimiter.db")
	addr := ":" + getenv("EXPORTER_PORT", "8000")

	// Start metric collection goroutine
	go func() {
		for {
			collectAccounts(accountsPath)
			collectBuckets(ratePath)
			time.Sleep(15 * time.Second)
		}
	}()

	// Expose metrics via HTTP
	http.Handle("/metrics", promhttp.Handler())
	fmt.Println("Starting Pool Status Exporter on " + addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

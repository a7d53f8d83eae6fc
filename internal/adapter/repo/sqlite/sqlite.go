// Package sqlite implements the durable stores over embedded SQLite files.
//
// Three databases back the fabric: accounts.db (accounts, proxies and worker
// checkpoints), checkpoints.db (job progress) and ratelimiter.db (token
// buckets). Every database is opened with WAL journaling and NORMAL
// synchronous flushes so the orchestrator and the health manager can share
// the same files from separate processes. Cross-process safety comes from
// WHERE-clause guards on updates; in-process write transactions are
// serialized by a store-local mutex.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // registers the pure-Go sqlite driver
)

// Open opens (creating if necessary) one SQLite database file with the
// pragmas the fabric relies on. The connection pool is capped at a single
// connection; SQLite serializes writers anyway and a single handle keeps
// transaction semantics predictable.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("op=sqlite.Open: mkdir %s: %w", dir, err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("op=sqlite.Open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("op=sqlite.Open: ping: %w", err)
	}
	return db, nil
}

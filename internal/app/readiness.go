package app

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
)

// Pinger is the minimal interface for a database handle capable of Ping.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DBCheck builds a readiness check that pings one SQLite handle.
func DBCheck(db Pinger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if db == nil {
			return fmt.Errorf("db not configured")
		}
		return db.PingContext(ctx)
	}
}

// FileCheck builds a readiness check that requires a file to exist. The
// catalog is maintained by an external fetcher, so its absence means the
// orchestrator would idle forever.
func FileCheck(fs afero.Fs, path string) func(ctx context.Context) error {
	return func(context.Context) error {
		ok, err := afero.Exists(fs, path)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s missing", path)
		}
		return nil
	}
}

// Package main seeds the account pool from operator-managed credential
// files: a colon-delimited accounts list, a proxy list, and optionally a
// YAML manifest. Re-running against unchanged files is a no-op thanks to
// upsert semantics in the store.
package main

import (
	"context"
	"log"

	"github.com/spf13/afero"

	"github.com/scrapeworks/reddit-harvester/internal/adapter/reddit"
	"github.com/scrapeworks/reddit-harvester/internal/adapter/repo/sqlite"
	"github.com/scrapeworks/reddit-harvester/internal/config"
	"github.com/scrapeworks/reddit-harvester/internal/seed"
	"github.com/scrapeworks/reddit-harvester/internal/service/accountpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	db, err := sqlite.Open(cfg.AccountsDBPath)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	repo, err := sqlite.NewAccountRepo(db)
	if err != nil {
		log.Fatal(err)
	}

	osFS := afero.NewOsFs()
	rotation := accountpool.NewProxyRotation(osFS, cfg.ProxiesJSONPath)
	pool := accountpool.NewPool(repo, rotation, reddit.NewFactory(cfg), cfg.PoolCooldown())

	accounts, err := seed.LoadAccounts(osFS, cfg.AccountsTxtPath)
	if err != nil {
		log.Fatal(err)
	}
	proxies, err := seed.LoadProxies(osFS, cfg.ProxiesTxtPath)
	if err != nil {
		log.Fatal(err)
	}
	if cfg.SeedManifestPath != "" {
		ma, mp, err := seed.LoadManifest(osFS, cfg.SeedManifestPath)
		if err != nil {
			log.Fatal(err)
		}
		accounts = append(accounts, ma...)
		proxies = append(proxies, mp...)
	}

	ctx := context.Background()
	if err := seed.Apply(ctx, pool, accounts, proxies); err != nil {
		log.Fatal(err)
	}
	if err := seed.WriteProxiesJSON(osFS, cfg.ProxiesJSONPath, proxies); err != nil {
		log.Fatal(err)
	}

	report, err := pool.HealthReport(ctx)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("pool seeded: %d accounts, %d proxies, health=%v", len(accounts), len(proxies), report)
}

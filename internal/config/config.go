// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
// Interval-style knobs are plain seconds to keep parity with the deployment
// environment files; use the duration helpers when passing them around.
type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"dev"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"reddit-harvester"`

	// Durable store locations. AccountsDB also carries proxies and worker
	// checkpoints; the two other databases are single-table.
	AccountsDBPath    string `env:"REDDIT_ACCOUNTS_DB" envDefault:"storage/reddit/accounts.db"`
	RateDBPath        string `env:"REDDIT_RATE_DB" envDefault:"storage/reddit/ratelimiter.db"`
	CheckpointsDBPath string `env:"REDDIT_CHECKPOINTS_DB" envDefault:"storage/reddit/checkpoints.db"`
	ProxiesJSONPath   string `env:"REDDIT_PROXIES_JSON" envDefault:"storage/reddit/proxies.json"`
	JobsQueuePath     string `env:"REDDIT_JOBS_JSON" envDefault:"storage/reddit/jobs.json"`
	CatalogPath       string `env:"ORCH_CONFIG_PATH" envDefault:"scraping/config/scraping_config.json"`
	JobStatePath      string `env:"ORCH_JOB_STATE_JSON" envDefault:"storage/reddit/job_state.json"`

	// Seed inputs (cmd/seedpool).
	AccountsTxtPath  string `env:"REDDIT_ACCOUNTS_TXT" envDefault:"scraping/reddit/redditaccount.txt"`
	ProxiesTxtPath   string `env:"REDDIT_PROXIES_TXT" envDefault:"scraping/reddit/proxy.txt"`
	SeedManifestPath string `env:"REDDIT_SEED_MANIFEST" envDefault:""`

	// Orchestrator tuning.
	PollSeconds    int    `env:"ORCH_POLL_SECONDS" envDefault:"60"`
	IdleSleep      int    `env:"ORCH_IDLE_SLEEP" envDefault:"300"`
	JobCooldownMin int    `env:"ORCH_JOB_COOLDOWN_MIN" envDefault:"1200"`
	JobCooldownMax int    `env:"ORCH_JOB_COOLDOWN_MAX" envDefault:"1800"`
	EntityLimit    int    `env:"ORCH_ENTITY_LIMIT" envDefault:"200"`
	ScraperID      string `env:"ORCH_SCRAPER_ID" envDefault:"Reddit.custom"`

	// Health manager tuning.
	ManagerInterval  int `env:"ACCOUNT_MANAGER_INTERVAL" envDefault:"60"`
	CooldownBad      int `env:"ACCOUNT_MANAGER_COOLDOWN_BAD" envDefault:"60"`
	CooldownRate     int `env:"ACCOUNT_MANAGER_COOLDOWN_RATE" envDefault:"120"`
	QuarantineFails  int `env:"ACCOUNT_MANAGER_QUARANTINE_FAILS" envDefault:"5"`
	ProbeConcurrency int `env:"ACCOUNT_MANAGER_PROBE_CONCURRENCY" envDefault:"10"`

	// Rate limiter default bucket.
	RateBucketName     string  `env:"RATE_BUCKET_NAME" envDefault:"replace_more"`
	RateBucketCapacity float64 `env:"RATE_BUCKET_CAPACITY" envDefault:"5.0"`
	RateBucketRefill   float64 `env:"RATE_BUCKET_REFILL" envDefault:"2.0"`

	// Account pool tuning.
	PoolCooldownSeconds int `env:"POOL_COOLDOWN_SECONDS" envDefault:"60"`

	// Ops HTTP surface. PromPort serves the health manager, OrchPromPort
	// the orchestrator; the two daemons usually share a host.
	PromPort              int           `env:"PROM_PORT" envDefault:"9108"`
	OrchPromPort          int           `env:"ORCH_PROM_PORT" envDefault:"9109"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Remote API access.
	RedditBaseURL  string `env:"REDDIT_BASE_URL" envDefault:"https://oauth.reddit.com"`
	RedditTokenURL string `env:"REDDIT_TOKEN_URL" envDefault:"https://www.reddit.com/api/v1/access_token"`
	UserAgent      string `env:"REDDIT_USER_AGENT" envDefault:"reddit-harvester/1.0"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"reddit-harvester"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.JobCooldownMax < cfg.JobCooldownMin {
		return Config{}, fmt.Errorf("op=config.Load: ORCH_JOB_COOLDOWN_MAX %d < ORCH_JOB_COOLDOWN_MIN %d", cfg.JobCooldownMax, cfg.JobCooldownMin)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// PollInterval is the supervisor tick and catalog cache TTL.
func (c Config) PollInterval() time.Duration { return time.Duration(c.PollSeconds) * time.Second }

// IdleSleepInterval is how long a worker sleeps when no job is ready.
func (c Config) IdleSleepInterval() time.Duration { return time.Duration(c.IdleSleep) * time.Second }

// ManagerTick is the health-probe cycle interval.
func (c Config) ManagerTick() time.Duration { return time.Duration(c.ManagerInterval) * time.Second }

// PoolCooldown is the base cooldown applied on lease release.
func (c Config) PoolCooldown() time.Duration {
	return time.Duration(c.PoolCooldownSeconds) * time.Second
}

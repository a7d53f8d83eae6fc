package domain

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"
)

// NowUnix returns t as float seconds since epoch, the timestamp layout
// the stores use.
func NowUnix(t time.Time) float64 { return float64(t.UnixNano()) / 1e9 }

// AccountStatus is the lease state of one pool account.
type AccountStatus string

const (
	StatusReady      AccountStatus = "ready"
	StatusLeased     AccountStatus = "leased"
	StatusQuarantine AccountStatus = "quarantine"
)

// Account is one credentialed identity for remote API access.
// Timestamps are float seconds since epoch to match the store layout;
// CooldownUntil == 0 means no cooldown.
// An account is eligible iff Status == ready and CooldownUntil <= now.
type Account struct {
	AccountID     string
	ClientID      string
	ClientSecret  string
	Username      string
	Password      string
	Status        AccountStatus
	CooldownUntil float64
	FailCount     int
	LastError     string
	ProxyID       string
}

// Eligible reports whether the account may be selected for a lease at now.
func (a Account) Eligible(now float64) bool {
	return a.Status == StatusReady && a.CooldownUntil <= now
}

// Proxy is an optional egress binding, rotated in memory and assigned
// transiently at lease time.
type Proxy struct {
	ProxyID  string `json:"proxy_id,omitempty"`
	HTTP     string `json:"http,omitempty"`
	HTTPS    string `json:"https,omitempty"`
	Tag      string `json:"tag,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// Lease is a transient ticket granting exclusive use of one account.
// It is terminated by exactly one of Pool.Release, Pool.Cooldown or
// Pool.Quarantine; later calls are no-ops.
type Lease struct {
	Account    Account
	Proxy      *Proxy
	Client     RedditClient
	AcquiredAt time.Time

	released atomic.Bool
}

// MarkReleased flips the lease to released and reports whether this call
// won the flip. The pool uses it to make double-release a no-op.
func (l *Lease) MarkReleased() bool { return l.released.CompareAndSwap(false, true) }

// Released reports whether the lease has already been terminated.
func (l *Lease) Released() bool { return l.released.Load() }

// Job is a declarative work unit from the catalog.
type Job struct {
	ID     string    `json:"id"`
	Weight float64   `json:"weight,omitempty"`
	Params JobParams `json:"params,omitempty"`
}

// JobParams carries the scraper-facing payload of a catalog job. Unknown
// fields in the catalog file are ignored.
type JobParams struct {
	Label             string `json:"label,omitempty"`
	PostStartDatetime string `json:"post_start_datetime,omitempty"`
	PostEndDatetime   string `json:"post_end_datetime,omitempty"`
}

// JobState is the per-job runtime bookkeeping persisted between runs.
type JobState struct {
	LastRunTS      float64 `json:"last_run_ts"`
	NextEligibleTS float64 `json:"next_eligible_ts"`
}

// WorkerCheckpoint is a best-effort resume hint for one worker identity.
type WorkerCheckpoint struct {
	WorkerID      string  `json:"worker_id"`
	AccountID     string  `json:"account_id,omitempty"`
	LastSubreddit string  `json:"last_subreddit,omitempty"`
	LastPostID    string  `json:"last_post_id,omitempty"`
	LastCommentID string  `json:"last_comment_id,omitempty"`
	UpdatedAt     float64 `json:"updated_at"`
}

// RateBucket is one durable token-bucket row.
type RateBucket struct {
	Name       string
	Capacity   float64
	Tokens     float64
	RefillRate float64
	UpdatedAt  float64
}

// Item kinds produced by the harvester. IDs carry the remote fullname
// prefixes: t3_ for posts, t1_ for comments.
const (
	ItemKindPost    = "post"
	ItemKindComment = "comment"
)

// Item is one harvested record, reduced to what checkpointing and
// metrics need. The raw payload passes through untouched.
type Item struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Subreddit string          `json:"subreddit,omitempty"`
	URI       string          `json:"uri,omitempty"`
	CreatedAt time.Time       `json:"created_at,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ScrapeWindow bounds one harvest run.
type ScrapeWindow struct {
	JobID       string // checkpoint key; empty disables progress persistence
	Start       time.Time
	End         time.Time
	Label       string // subreddit label; empty means the front firehose
	EntityLimit int
}

// ListingQuery is one bounded pull against the remote listing API.
type ListingQuery struct {
	Subreddit  string // empty means r/all
	Listing    string // new|hot|top|rising|controversial|search
	TimeFilter string // hour|day|week|month|year|all; empty when not applicable
	Query      string // search listings only
	Sort       string // search listings only
	Username   string // user timelines: when set, Surface selects the feed
	Surface    string // submitted|comments
	PostID     string // comment-tree fetches: bare id36 of the submission
	Limit      int
	After      string // pagination cursor; empty starts from the head
}

// Repositories (ports)

// AccountRepository is the durable account/proxy registry. Probe* methods
// are the health manager's mutations: they only touch rows still in ready
// status so a concurrent lease is never clobbered.
type AccountRepository interface {
	UpsertAccount(ctx Context, a Account) error
	UpsertProxy(ctx Context, p Proxy) error
	GetAccount(ctx Context, accountID string) (Account, error)
	ListAccounts(ctx Context) ([]Account, error)
	ListProxies(ctx Context) ([]Proxy, error)
	CountByStatus(ctx Context) (map[string]int, error)

	PickReady(ctx Context, now float64) (Account, error)
	MarkLeased(ctx Context, accountID string) (bool, error)
	ReleaseOutcome(ctx Context, accountID string, cooldownUntil float64, success bool) error
	SetCooldown(ctx Context, accountID string, until float64, reason string) error
	SetQuarantine(ctx Context, accountID string, reason string) error
	ResetLeased(ctx Context, cooldownUntil float64) (int, error)

	ProbeRecovered(ctx Context, accountID string, now float64) error
	ProbeCooldown(ctx Context, accountID string, until float64, reason string) error
	ProbeQuarantine(ctx Context, accountID string, reason string) error
}

// WorkerCheckpointRepository stores per-worker resume hints.
type WorkerCheckpointRepository interface {
	UpsertWorkerCheckpoint(ctx Context, cp WorkerCheckpoint) error
	GetWorkerCheckpoint(ctx Context, workerID string) (WorkerCheckpoint, error)
	ListWorkerCheckpoints(ctx Context) ([]WorkerCheckpoint, error)
}

// JobCheckpointRepository stores opaque per-job pagination progress.
// Load returns nil when no checkpoint exists.
type JobCheckpointRepository interface {
	SaveProgress(ctx Context, jobID string, payload json.RawMessage) error
	LoadProgress(ctx Context, jobID string) (json.RawMessage, error)
}

// Pool (port)

// Pool is the lease state machine over the account registry.
type Pool interface {
	Acquire(ctx Context) (*Lease, error)
	Release(ctx Context, lease *Lease, success bool) error
	Cooldown(ctx Context, lease *Lease, seconds int, reason string) error
	Quarantine(ctx Context, lease *Lease, reason string) error
	HealthReport(ctx Context) (map[string]int, error)
}

// RateLimiter (port)

// RateLimiter is the durable token-bucket governor shared across processes.
type RateLimiter interface {
	EnsureBucket(ctx Context, name string, capacity, refillRate float64) error
	Acquire(ctx Context, name string, tokens float64, timeout time.Duration) (bool, error)
}

// RedditClient (port)

// RedditClient is the surface the core needs from the remote API client:
// a cheap authenticated probe and bounded listing pulls. Close is
// idempotent.
type RedditClient interface {
	Probe(ctx Context) error
	Fetch(ctx Context, q ListingQuery) ([]Item, string, error)
	Close() error
}

// ClientFactory builds one remote client bound to an account and an
// optional proxy.
type ClientFactory interface {
	NewClient(acct Account, proxy *Proxy) (RedditClient, error)
}

// Harvester (port)

// Harvester runs one scrape pass with a held lease and returns the
// produced items. Implementations classify nothing; errors bubble up for
// the worker to classify.
type Harvester interface {
	Harvest(ctx Context, lease *Lease, window ScrapeWindow) ([]Item, error)
}

// Context is an alias to keep domain signatures concise; adapters pass
// context.Context straight through.
type Context = context.Context

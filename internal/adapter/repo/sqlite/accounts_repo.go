package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/scrapeworks/reddit-harvester/internal/domain"
)

// AccountRepo persists the account and proxy registry in accounts.db.
// It implements domain.AccountRepository.
type AccountRepo struct {
	db *sql.DB
	// mu serializes write transactions inside this process. Reads and the
	// probe/lease guards stay safe across processes because every update
	// constrains the rows it may touch in its WHERE clause.
	mu sync.Mutex
}

// NewAccountRepo bootstraps the accounts and proxies tables (idempotent)
// and returns the repository.
func NewAccountRepo(db *sql.DB) (*AccountRepo, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    account_id TEXT PRIMARY KEY,
    client_id TEXT NOT NULL,
    client_secret TEXT NOT NULL,
    username TEXT NOT NULL,
    password TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'ready',
    cooldown_until REAL DEFAULT 0,
    fail_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    proxy_id TEXT
);
CREATE TABLE IF NOT EXISTS proxies (
    proxy_id TEXT PRIMARY KEY,
    http TEXT,
    https TEXT,
    tag TEXT,
    provider TEXT
);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("op=accounts.init_schema: %w", err)
	}
	return &AccountRepo{db: db}, nil
}

// UpsertAccount inserts or refreshes one account's credentials. Runtime
// columns survive a re-seed: status, cooldown_until, fail_count and
// last_error keep their prior values, and proxy_id is only taken from the
// new row when it is non-empty.
func (r *AccountRepo) UpsertAccount(ctx domain.Context, a domain.Account) error {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.UpsertAccount")
	defer span.End()
	r.mu.Lock()
	defer r.mu.Unlock()
	q := `INSERT INTO accounts(account_id, client_id, client_secret, username, password, status, cooldown_until, fail_count, last_error, proxy_id)
VALUES(?, ?, ?, ?, ?, 'ready', 0, 0, NULL, NULLIF(?, ''))
ON CONFLICT(account_id) DO UPDATE SET
  client_id=excluded.client_id,
  client_secret=excluded.client_secret,
  username=excluded.username,
  password=excluded.password,
  proxy_id=COALESCE(excluded.proxy_id, accounts.proxy_id)`
	if _, err := r.db.ExecContext(ctx, q, a.AccountID, a.ClientID, a.ClientSecret, a.Username, a.Password, a.ProxyID); err != nil {
		return fmt.Errorf("op=accounts.upsert: %w", err)
	}
	return nil
}

// UpsertProxy inserts or replaces one proxy row.
func (r *AccountRepo) UpsertProxy(ctx domain.Context, p domain.Proxy) error {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.UpsertProxy")
	defer span.End()
	r.mu.Lock()
	defer r.mu.Unlock()
	q := `INSERT INTO proxies(proxy_id, http, https, tag, provider) VALUES(?, ?, ?, ?, ?)
ON CONFLICT(proxy_id) DO UPDATE SET
  http=excluded.http, https=excluded.https, tag=excluded.tag, provider=excluded.provider`
	if _, err := r.db.ExecContext(ctx, q, p.ProxyID, p.HTTP, p.HTTPS, p.Tag, p.Provider); err != nil {
		return fmt.Errorf("op=accounts.upsert_proxy: %w", err)
	}
	return nil
}

const accountColumns = `account_id, client_id, client_secret, username, password, status, cooldown_until, fail_count, COALESCE(last_error,''), COALESCE(proxy_id,'')`

func scanAccount(row interface{ Scan(...any) error }) (domain.Account, error) {
	var a domain.Account
	var status string
	err := row.Scan(&a.AccountID, &a.ClientID, &a.ClientSecret, &a.Username, &a.Password, &status, &a.CooldownUntil, &a.FailCount, &a.LastError, &a.ProxyID)
	a.Status = domain.AccountStatus(status)
	return a, err
}

// GetAccount loads one account by id.
func (r *AccountRepo) GetAccount(ctx domain.Context, accountID string) (domain.Account, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.GetAccount")
	defer span.End()
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE account_id=?`
	a, err := scanAccount(r.db.QueryRowContext(ctx, q, accountID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Account{}, fmt.Errorf("op=accounts.get: %w", domain.ErrNotFound)
		}
		return domain.Account{}, fmt.Errorf("op=accounts.get: %w", err)
	}
	return a, nil
}

// ListAccounts returns every account row.
func (r *AccountRepo) ListAccounts(ctx domain.Context) ([]domain.Account, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ListAccounts")
	defer span.End()
	q := `SELECT ` + accountColumns + ` FROM accounts`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=accounts.list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("op=accounts.list: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=accounts.list: %w", err)
	}
	return out, nil
}

// CountByStatus groups the accounts table by status.
func (r *AccountRepo) CountByStatus(ctx domain.Context) (map[string]int, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.CountByStatus")
	defer span.End()
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM accounts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("op=accounts.count_by_status: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("op=accounts.count_by_status: %w", err)
		}
		out[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=accounts.count_by_status: %w", err)
	}
	return out, nil
}

// ListProxies returns every proxy row ordered by id.
func (r *AccountRepo) ListProxies(ctx domain.Context) ([]domain.Proxy, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ListProxies")
	defer span.End()
	q := `SELECT proxy_id, COALESCE(http,''), COALESCE(https,''), COALESCE(tag,''), COALESCE(provider,'') FROM proxies ORDER BY proxy_id ASC`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=accounts.list_proxies: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Proxy
	for rows.Next() {
		var p domain.Proxy
		if err := rows.Scan(&p.ProxyID, &p.HTTP, &p.HTTPS, &p.Tag, &p.Provider); err != nil {
			return nil, fmt.Errorf("op=accounts.list_proxies: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=accounts.list_proxies: %w", err)
	}
	return out, nil
}

// PickReady selects the eligible account with the fewest failures.
// Ties break on account_id so the order is stable within a query.
func (r *AccountRepo) PickReady(ctx domain.Context, now float64) (domain.Account, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.PickReady")
	defer span.End()
	q := `SELECT ` + accountColumns + ` FROM accounts
WHERE status='ready' AND cooldown_until <= ?
ORDER BY fail_count ASC, account_id ASC
LIMIT 1`
	a, err := scanAccount(r.db.QueryRowContext(ctx, q, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Account{}, fmt.Errorf("op=accounts.pick_ready: %w", domain.ErrNotFound)
		}
		return domain.Account{}, fmt.Errorf("op=accounts.pick_ready: %w", err)
	}
	return a, nil
}

// MarkLeased flips one account from ready to leased. It reports false when
// the row was no longer ready, which the pool treats as a lost race.
func (r *AccountRepo) MarkLeased(ctx domain.Context, accountID string) (bool, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.MarkLeased")
	defer span.End()
	r.mu.Lock()
	defer r.mu.Unlock()
	res, err := r.db.ExecContext(ctx, `UPDATE accounts SET status='leased' WHERE account_id=? AND status='ready'`, accountID)
	if err != nil {
		return false, fmt.Errorf("op=accounts.mark_leased: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("op=accounts.mark_leased: %w", err)
	}
	return n > 0, nil
}

// ReleaseOutcome returns a leased account to ready. Success decrements
// fail_count (clamped at zero); failure increments it. cooldownUntil is the
// absolute timestamp the pool computed for the outcome.
func (r *AccountRepo) ReleaseOutcome(ctx domain.Context, accountID string, cooldownUntil float64, success bool) error {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ReleaseOutcome")
	defer span.End()
	r.mu.Lock()
	defer r.mu.Unlock()
	var q string
	if success {
		q = `UPDATE accounts SET status='ready', cooldown_until=?, fail_count=MAX(fail_count-1, 0) WHERE account_id=?`
	} else {
		q = `UPDATE accounts SET status='ready', cooldown_until=?, fail_count=fail_count+1 WHERE account_id=?`
	}
	if _, err := r.db.ExecContext(ctx, q, cooldownUntil, accountID); err != nil {
		return fmt.Errorf("op=accounts.release: %w", err)
	}
	return nil
}

// SetCooldown parks a leased account in ready status until the given
// timestamp. fail_count is left alone; the reason lands in last_error.
func (r *AccountRepo) SetCooldown(ctx domain.Context, accountID string, until float64, reason string) error {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.SetCooldown")
	defer span.End()
	r.mu.Lock()
	defer r.mu.Unlock()
	q := `UPDATE accounts SET status='ready', cooldown_until=?, last_error=? WHERE account_id=?`
	if _, err := r.db.ExecContext(ctx, q, until, reason, accountID); err != nil {
		return fmt.Errorf("op=accounts.cooldown: %w", err)
	}
	return nil
}

// SetQuarantine removes an account from rotation until an operator
// intervenes. cooldown_until and fail_count are left untouched.
func (r *AccountRepo) SetQuarantine(ctx domain.Context, accountID string, reason string) error {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.SetQuarantine")
	defer span.End()
	r.mu.Lock()
	defer r.mu.Unlock()
	q := `UPDATE accounts SET status='quarantine', last_error=? WHERE account_id=?`
	if _, err := r.db.ExecContext(ctx, q, reason, accountID); err != nil {
		return fmt.Errorf("op=accounts.quarantine: %w", err)
	}
	return nil
}

// Probe mutations. All three constrain the update to rows still in ready
// status so a concurrent ready->leased flip by the orchestrator is never
// overwritten by a probe result that raced it.

// ProbeRecovered records a healthy probe: cooldown clamps down to now,
// fail_count decays by one and last_error clears.
func (r *AccountRepo) ProbeRecovered(ctx domain.Context, accountID string, now float64) error {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ProbeRecovered")
	defer span.End()
	r.mu.Lock()
	defer r.mu.Unlock()
	q := `UPDATE accounts
SET cooldown_until=MAX(0, MIN(cooldown_until, ?)),
    fail_count=CASE WHEN fail_count > 0 THEN fail_count - 1 ELSE 0 END,
    last_error=NULL
WHERE account_id=? AND status='ready'`
	if _, err := r.db.ExecContext(ctx, q, now, accountID); err != nil {
		return fmt.Errorf("op=accounts.probe_recovered: %w", err)
	}
	return nil
}

// ProbeCooldown records a failed probe: unlike the lease-path cooldown it
// also increments fail_count, so repeated probe failures escalate.
func (r *AccountRepo) ProbeCooldown(ctx domain.Context, accountID string, until float64, reason string) error {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ProbeCooldown")
	defer span.End()
	r.mu.Lock()
	defer r.mu.Unlock()
	q := `UPDATE accounts SET cooldown_until=?, fail_count=fail_count+1, last_error=? WHERE account_id=? AND status='ready'`
	if _, err := r.db.ExecContext(ctx, q, until, reason, accountID); err != nil {
		return fmt.Errorf("op=accounts.probe_cooldown: %w", err)
	}
	return nil
}

// ProbeQuarantine quarantines a ready account after a probe classified as
// auth failure or repeated network failures.
func (r *AccountRepo) ProbeQuarantine(ctx domain.Context, accountID string, reason string) error {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ProbeQuarantine")
	defer span.End()
	r.mu.Lock()
	defer r.mu.Unlock()
	q := `UPDATE accounts SET status='quarantine', last_error=? WHERE account_id=? AND status='ready'`
	if _, err := r.db.ExecContext(ctx, q, reason, accountID); err != nil {
		return fmt.Errorf("op=accounts.probe_quarantine: %w", err)
	}
	return nil
}

// ResetLeased returns every leased row to ready, parking each until the
// given timestamp. Leases do not survive their process, so rows still
// leased at orchestrator startup were stranded by a crash.
func (r *AccountRepo) ResetLeased(ctx domain.Context, cooldownUntil float64) (int, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ResetLeased")
	defer span.End()
	r.mu.Lock()
	defer r.mu.Unlock()
	q := `UPDATE accounts SET status='ready', cooldown_until=?, last_error='stale-lease' WHERE status='leased'`
	res, err := r.db.ExecContext(ctx, q, cooldownUntil)
	if err != nil {
		return 0, fmt.Errorf("op=accounts.reset_leased: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("op=accounts.reset_leased: %w", err)
	}
	return int(n), nil
}

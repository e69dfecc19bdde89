// Package sqlite provides a SQLite-backed Store for keyalloc.
//
// It suits a single host running many short-lived allocator processes: the
// database file is shared, writes are serialized by SQLite, and every
// reservation is one conditional UPDATE ... RETURNING statement.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ineyio/keyalloc"
	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed keyalloc.Store.
type Store struct {
	db          *sql.DB
	tablePrefix string
}

var (
	_ keyalloc.Store             = (*Store)(nil)
	_ keyalloc.Provisioner       = (*Store)(nil)
	_ keyalloc.SchemaInitializer = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "keyalloc_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// Open opens (creating if needed) the database file at path.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("keyalloc/sqlite: path is required")
	}

	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("keyalloc/sqlite: home directory: %w", err)
		}
		path = filepath.Join(home, path[1:])
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("keyalloc/sqlite: create directory: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("keyalloc/sqlite: open: %w", err)
	}

	// One writer per process; other processes wait on busy_timeout.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return db, nil
}

// New creates a new SQLite-backed Store.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:          db,
		tablePrefix: "keyalloc_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) credentialsTable() string { return s.tablePrefix + "credentials" }
func (s *Store) usageTable() string       { return s.tablePrefix + "usage_log" }

const columns = `id, service, secret, priority, rotating, daily_request_count, daily_token_total,
	quota_exhausted, disabled_until, last_used, throttle_strikes`

// EnsureSchema creates the required tables if they don't exist.
// Timestamps are stored as Unix nanoseconds.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT PRIMARY KEY,
		service TEXT NOT NULL,
		secret TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		rotating INTEGER NOT NULL DEFAULT 1,
		daily_request_count INTEGER NOT NULL DEFAULT 0,
		daily_token_total INTEGER NOT NULL DEFAULT 0,
		quota_exhausted INTEGER NOT NULL DEFAULT 0,
		disabled_until INTEGER,
		last_used INTEGER,
		throttle_strikes INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS %[1]s_service_idx ON %[1]s (service, rotating);
	CREATE TABLE IF NOT EXISTS %[2]s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reservation_id TEXT NOT NULL DEFAULT '',
		credential_id TEXT NOT NULL,
		service TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL DEFAULT '',
		predicted_tokens INTEGER NOT NULL DEFAULT 0,
		actual_tokens INTEGER NOT NULL DEFAULT 0,
		delta_tokens INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 0,
		rate_limited INTEGER NOT NULL DEFAULT 0,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS %[2]s_recorded_at_idx ON %[2]s (recorded_at);
	`, s.credentialsTable(), s.usageTable())
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("keyalloc/sqlite: ensure schema: %w", err)
	}
	return nil
}

// Candidates returns the rotating credentials of a service.
// NULL sorts first in ascending order in SQLite.
func (s *Store) Candidates(ctx context.Context, service string) ([]keyalloc.Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE service = ?1 AND rotating = 1
			ORDER BY priority DESC, last_used ASC, id ASC`, columns, s.credentialsTable()),
		service,
	)
	if err != nil {
		return nil, storeErr("candidates", err)
	}
	out, err := collect(rows)
	if err != nil {
		return nil, storeErr("candidates", err)
	}
	return out, nil
}

// Get returns a credential by id.
func (s *Store) Get(ctx context.Context, id string) (keyalloc.Credential, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?1`, columns, s.credentialsTable()),
		id,
	)
	c, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return keyalloc.Credential{}, fmt.Errorf("%w: %q", keyalloc.ErrCredentialNotFound, id)
	}
	if err != nil {
		return keyalloc.Credential{}, storeErr("get", err)
	}
	return c, nil
}

// Reserve charges the credential only if it is still eligible at update time.
func (s *Store) Reserve(ctx context.Context, p keyalloc.ReserveParams) (keyalloc.Credential, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`UPDATE %s SET
				daily_request_count = daily_request_count + ?2,
				daily_token_total = daily_token_total + ?3,
				last_used = MAX(COALESCE(last_used, ?4), ?4),
				disabled_until = COALESCE(?5, disabled_until)
			WHERE id = ?1
				AND rotating = 1
				AND quota_exhausted = 0
				AND (disabled_until IS NULL OR disabled_until <= ?4)
				AND daily_request_count < ?6
				AND daily_token_total < ?7
			RETURNING %s`, s.credentialsTable(), columns),
		p.ID, p.Requests, p.Tokens, p.Now.UnixNano(), nanos(p.LeaseUntil), p.Ceilings.Requests, p.Ceilings.Tokens,
	)
	c, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return keyalloc.Credential{}, keyalloc.ErrReservationLost
	}
	if err != nil {
		return keyalloc.Credential{}, storeErr("reserve", err)
	}
	return c, nil
}

// Commit records actual usage, applies cooldown and exhaustion, and appends
// to the usage log in one transaction.
func (s *Store) Commit(ctx context.Context, p keyalloc.CommitParams) (keyalloc.Credential, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return keyalloc.Credential{}, storeErr("begin tx", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		fmt.Sprintf(`UPDATE %s SET
				daily_token_total = daily_token_total + ?2,
				throttle_strikes = CASE
					WHEN ?3 = 1 THEN throttle_strikes + 1
					WHEN ?4 = 1 THEN 0
					ELSE throttle_strikes END,
				disabled_until = CASE
					WHEN ?3 = 1 THEN MAX(COALESCE(disabled_until, ?5), ?5)
					WHEN ?6 IS NOT NULL AND disabled_until = ?6 THEN NULL
					ELSE disabled_until END,
				quota_exhausted = CASE
					WHEN quota_exhausted = 1 OR daily_request_count >= ?7 OR daily_token_total + ?2 >= ?8 THEN 1
					ELSE 0 END
			WHERE id = ?1
			RETURNING %s`, s.credentialsTable(), columns),
		p.ID, p.ChargeTokens(), boolInt(p.RateLimited), boolInt(p.Success), p.CooldownUntil.UnixNano(),
		nanos(p.ReleaseLease), p.Ceilings.Requests, p.Ceilings.Tokens,
	)
	c, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return keyalloc.Credential{}, fmt.Errorf("%w: %q", keyalloc.ErrCredentialNotFound, p.ID)
	}
	if err != nil {
		return keyalloc.Credential{}, storeErr("commit", err)
	}

	rec := keyalloc.UsageRecordFrom(p)
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (reservation_id, credential_id, service, mode, predicted_tokens,
				actual_tokens, delta_tokens, success, rate_limited, recorded_at)
			VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10)`, s.usageTable()),
		rec.ReservationID, rec.CredentialID, rec.Service, string(rec.Mode), rec.PredictedTokens,
		rec.ActualTokens, rec.DeltaTokens, boolInt(rec.Success), boolInt(rec.RateLimited), rec.RecordedAt.UnixNano(),
	)
	if err != nil {
		return keyalloc.Credential{}, storeErr("usage log", err)
	}

	if err := tx.Commit(); err != nil {
		return keyalloc.Credential{}, storeErr("commit tx", err)
	}
	return c, nil
}

// ResetEpoch clears counters, exhaustion and cooldown for all credentials.
func (s *Store) ResetEpoch(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`UPDATE %s SET
				daily_request_count = 0,
				daily_token_total = 0,
				quota_exhausted = 0,
				disabled_until = NULL,
				throttle_strikes = 0
			RETURNING id`, s.credentialsTable()),
	)
	if err != nil {
		return nil, storeErr("reset epoch", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("reset epoch", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("reset epoch", err)
	}
	return ids, nil
}

// Upsert creates or updates a credential, preserving counters.
func (s *Store) Upsert(ctx context.Context, c keyalloc.Credential) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, service, secret, priority, rotating)
			VALUES (?1, ?2, ?3, ?4, ?5)
			ON CONFLICT (id) DO UPDATE SET service = ?2, secret = ?3, priority = ?4, rotating = ?5`,
			s.credentialsTable()),
		c.ID, c.Service, c.Secret, c.Priority, boolInt(c.Rotating),
	)
	if err != nil {
		return storeErr("upsert", err)
	}
	return nil
}

// Retire excludes a credential from automatic allocation.
func (s *Store) Retire(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET rotating = 0 WHERE id = ?1`, s.credentialsTable()),
		id,
	)
	if err != nil {
		return storeErr("retire", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", keyalloc.ErrCredentialNotFound, id)
	}
	return nil
}

// List returns every credential of a service.
func (s *Store) List(ctx context.Context, service string) ([]keyalloc.Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE service = ?1 ORDER BY id`, columns, s.credentialsTable()),
		service,
	)
	if err != nil {
		return nil, storeErr("list", err)
	}
	out, err := collect(rows)
	if err != nil {
		return nil, storeErr("list", err)
	}
	return out, nil
}

// Usage returns usage log rows matching q, most recent first.
func (s *Store) Usage(ctx context.Context, q keyalloc.UsageQuery) ([]keyalloc.UsageRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT reservation_id, credential_id, service, mode, predicted_tokens, actual_tokens,
				delta_tokens, success, rate_limited, recorded_at
			FROM %s
			WHERE (?1 = '' OR credential_id = ?1) AND (?2 = '' OR service = ?2)
			ORDER BY id DESC LIMIT ?3`, s.usageTable()),
		q.CredentialID, q.Service, limit,
	)
	if err != nil {
		return nil, storeErr("usage", err)
	}
	defer rows.Close()

	var out []keyalloc.UsageRecord
	for rows.Next() {
		var (
			r          keyalloc.UsageRecord
			mode       string
			recordedAt int64
		)
		if err := rows.Scan(&r.ReservationID, &r.CredentialID, &r.Service, &mode, &r.PredictedTokens,
			&r.ActualTokens, &r.DeltaTokens, &r.Success, &r.RateLimited, &recordedAt); err != nil {
			return nil, storeErr("usage", err)
		}
		r.Mode = keyalloc.Mode(mode)
		r.RecordedAt = time.Unix(0, recordedAt).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("usage", err)
	}
	return out, nil
}

// PruneUsage removes usage log rows older than the given age.
func (s *Store) PruneUsage(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE recorded_at < ?1`, s.usageTable()),
		cutoff.UnixNano(),
	)
	if err != nil {
		return 0, storeErr("prune usage", err)
	}
	return res.RowsAffected()
}

// storeErr wraps a driver error. A missing table means the schema was never
// created, which retrying cannot fix.
func storeErr(op string, err error) error {
	if strings.Contains(err.Error(), "no such table") {
		return fmt.Errorf("keyalloc/sqlite: %s: %w: schema missing, run migrate: %w", op, keyalloc.ErrConfiguration, err)
	}
	return fmt.Errorf("keyalloc/sqlite: %s: %w: %w", op, keyalloc.ErrTransientStore, err)
}

type scanner interface {
	Scan(dest ...any) error
}

func collect(rows *sql.Rows) ([]keyalloc.Credential, error) {
	defer rows.Close()
	var out []keyalloc.Credential
	for rows.Next() {
		c, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scan(row scanner) (keyalloc.Credential, error) {
	var (
		c                       keyalloc.Credential
		disabledUntil, lastUsed sql.NullInt64
	)
	err := row.Scan(
		&c.ID, &c.Service, &c.Secret, &c.Priority, &c.Rotating,
		&c.DailyRequestCount, &c.DailyTokenTotal, &c.QuotaExhausted,
		&disabledUntil, &lastUsed, &c.ThrottleStrikes,
	)
	if err != nil {
		return keyalloc.Credential{}, err
	}
	c.DisabledUntil = fromNanos(disabledUntil)
	c.LastUsed = fromNanos(lastUsed)
	return c, nil
}

func nanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

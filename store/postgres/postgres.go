// Package postgres provides a PostgreSQL-backed Store for keyalloc.
//
// Reservations are single conditional UPDATE statements whose WHERE clause is
// the eligibility predicate, so allocators on different hosts coordinate only
// through row-level atomicity. Commits run in a transaction together with the
// usage log insert.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/keyalloc"
)

// Store is a PostgreSQL-backed keyalloc.Store.
type Store struct {
	pool        *pgxpool.Pool
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

// New creates a new PostgreSQL-backed Store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "keyalloc_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, storeErr("create pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storeErr("ping", err)
	}
	return pool, nil
}

func (s *Store) credentialsTable() string { return s.tablePrefix + "credentials" }
func (s *Store) usageTable() string       { return s.tablePrefix + "usage_log" }

const columns = `id, service, secret, priority, rotating, daily_request_count, daily_token_total,
	quota_exhausted, disabled_until, last_used, throttle_strikes`

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			service TEXT NOT NULL,
			secret TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			rotating BOOLEAN NOT NULL DEFAULT TRUE,
			daily_request_count BIGINT NOT NULL DEFAULT 0,
			daily_token_total BIGINT NOT NULL DEFAULT 0,
			quota_exhausted BOOLEAN NOT NULL DEFAULT FALSE,
			disabled_until TIMESTAMPTZ,
			last_used TIMESTAMPTZ,
			throttle_strikes INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS %[1]s_service_idx ON %[1]s (service, rotating, priority DESC, last_used ASC NULLS FIRST);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id BIGSERIAL PRIMARY KEY,
			reservation_id TEXT NOT NULL DEFAULT '',
			credential_id TEXT NOT NULL,
			service TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL DEFAULT '',
			predicted_tokens BIGINT NOT NULL DEFAULT 0,
			actual_tokens BIGINT NOT NULL DEFAULT 0,
			delta_tokens BIGINT NOT NULL DEFAULT 0,
			success BOOLEAN NOT NULL DEFAULT FALSE,
			rate_limited BOOLEAN NOT NULL DEFAULT FALSE,
			recorded_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[2]s_recorded_at_idx ON %[2]s (recorded_at);
	`, s.credentialsTable(), s.usageTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("keyalloc/postgres: ensure schema: %w", err)
	}
	return nil
}

// Candidates returns the rotating credentials of a service.
func (s *Store) Candidates(ctx context.Context, service string) ([]keyalloc.Credential, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE service = $1 AND rotating
			ORDER BY priority DESC, last_used ASC NULLS FIRST, id ASC`, columns, s.credentialsTable()),
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
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, columns, s.credentialsTable()),
		id,
	)
	c, err := scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return keyalloc.Credential{}, fmt.Errorf("%w: %q", keyalloc.ErrCredentialNotFound, id)
	}
	if err != nil {
		return keyalloc.Credential{}, storeErr("get", err)
	}
	return c, nil
}

// Reserve charges the credential only if it is still eligible at update time.
func (s *Store) Reserve(ctx context.Context, p keyalloc.ReserveParams) (keyalloc.Credential, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET
				daily_request_count = daily_request_count + $2,
				daily_token_total = daily_token_total + $3,
				last_used = GREATEST(COALESCE(last_used, $4), $4),
				disabled_until = COALESCE($5, disabled_until)
			WHERE id = $1
				AND rotating
				AND NOT quota_exhausted
				AND (disabled_until IS NULL OR disabled_until <= $4)
				AND daily_request_count < $6
				AND daily_token_total < $7
			RETURNING %s`, s.credentialsTable(), columns),
		p.ID, p.Requests, p.Tokens, p.Now, p.LeaseUntil, p.Ceilings.Requests, p.Ceilings.Tokens,
	)
	c, err := scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return keyalloc.Credential{}, storeErr("begin tx", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET
				daily_token_total = daily_token_total + $2,
				throttle_strikes = CASE
					WHEN $3::boolean THEN throttle_strikes + 1
					WHEN $4::boolean THEN 0
					ELSE throttle_strikes END,
				disabled_until = CASE
					WHEN $3::boolean THEN GREATEST(COALESCE(disabled_until, $5::timestamptz), $5::timestamptz)
					WHEN $6::timestamptz IS NOT NULL AND disabled_until = $6::timestamptz THEN NULL
					ELSE disabled_until END,
				quota_exhausted = quota_exhausted
					OR daily_request_count >= $7
					OR daily_token_total + $2 >= $8
			WHERE id = $1
			RETURNING %s`, s.credentialsTable(), columns),
		p.ID, p.ChargeTokens(), p.RateLimited, p.Success, p.CooldownUntil, p.ReleaseLease,
		p.Ceilings.Requests, p.Ceilings.Tokens,
	)
	c, err := scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return keyalloc.Credential{}, fmt.Errorf("%w: %q", keyalloc.ErrCredentialNotFound, p.ID)
	}
	if err != nil {
		return keyalloc.Credential{}, storeErr("commit", err)
	}

	rec := keyalloc.UsageRecordFrom(p)
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (reservation_id, credential_id, service, mode, predicted_tokens,
				actual_tokens, delta_tokens, success, rate_limited, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, s.usageTable()),
		rec.ReservationID, rec.CredentialID, rec.Service, string(rec.Mode), rec.PredictedTokens,
		rec.ActualTokens, rec.DeltaTokens, rec.Success, rec.RateLimited, rec.RecordedAt,
	)
	if err != nil {
		return keyalloc.Credential{}, storeErr("usage log", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return keyalloc.Credential{}, storeErr("commit tx", err)
	}
	return c, nil
}

// ResetEpoch clears counters, exhaustion and cooldown for all credentials.
func (s *Store) ResetEpoch(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`UPDATE %s SET
				daily_request_count = 0,
				daily_token_total = 0,
				quota_exhausted = FALSE,
				disabled_until = NULL,
				throttle_strikes = 0
			RETURNING id`, s.credentialsTable()),
	)
	if err != nil {
		return nil, storeErr("reset epoch", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, storeErr("reset epoch", err)
	}
	return ids, nil
}

// Upsert creates or updates a credential, preserving counters.
func (s *Store) Upsert(ctx context.Context, c keyalloc.Credential) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, service, secret, priority, rotating)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET service = $2, secret = $3, priority = $4, rotating = $5`,
			s.credentialsTable()),
		c.ID, c.Service, c.Secret, c.Priority, c.Rotating,
	)
	if err != nil {
		return storeErr("upsert", err)
	}
	return nil
}

// Retire excludes a credential from automatic allocation.
func (s *Store) Retire(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET rotating = FALSE WHERE id = $1`, s.credentialsTable()),
		id,
	)
	if err != nil {
		return storeErr("retire", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", keyalloc.ErrCredentialNotFound, id)
	}
	return nil
}

// List returns every credential of a service.
func (s *Store) List(ctx context.Context, service string) ([]keyalloc.Credential, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE service = $1 ORDER BY id`, columns, s.credentialsTable()),
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
	var limit *int
	if q.Limit > 0 {
		limit = &q.Limit
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT reservation_id, credential_id, service, mode, predicted_tokens, actual_tokens,
				delta_tokens, success, rate_limited, recorded_at
			FROM %s
			WHERE ($1 = '' OR credential_id = $1) AND ($2 = '' OR service = $2)
			ORDER BY id DESC LIMIT $3`, s.usageTable()),
		q.CredentialID, q.Service, limit,
	)
	if err != nil {
		return nil, storeErr("usage", err)
	}
	defer rows.Close()

	var out []keyalloc.UsageRecord
	for rows.Next() {
		var (
			r    keyalloc.UsageRecord
			mode string
		)
		if err := rows.Scan(&r.ReservationID, &r.CredentialID, &r.Service, &mode, &r.PredictedTokens,
			&r.ActualTokens, &r.DeltaTokens, &r.Success, &r.RateLimited, &r.RecordedAt); err != nil {
			return nil, storeErr("usage", err)
		}
		r.Mode = keyalloc.Mode(mode)
		r.RecordedAt = r.RecordedAt.UTC()
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
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE recorded_at < $1`, s.usageTable()),
		cutoff,
	)
	if err != nil {
		return 0, storeErr("prune usage", err)
	}
	return tag.RowsAffected(), nil
}

// undefinedTable is the SQLSTATE reported for a missing relation.
const undefinedTable = "42P01"

// storeErr wraps a driver error. A missing table means the schema was never
// created, which retrying cannot fix.
func storeErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == undefinedTable {
		return fmt.Errorf("keyalloc/postgres: %s: %w: schema missing, run migrate: %w", op, keyalloc.ErrConfiguration, err)
	}
	return fmt.Errorf("keyalloc/postgres: %s: %w: %w", op, keyalloc.ErrTransientStore, err)
}

func collect(rows pgx.Rows) ([]keyalloc.Credential, error) {
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

func scan(row pgx.Row) (keyalloc.Credential, error) {
	var c keyalloc.Credential
	err := row.Scan(
		&c.ID, &c.Service, &c.Secret, &c.Priority, &c.Rotating,
		&c.DailyRequestCount, &c.DailyTokenTotal, &c.QuotaExhausted,
		&c.DisabledUntil, &c.LastUsed, &c.ThrottleStrikes,
	)
	if err != nil {
		return keyalloc.Credential{}, err
	}
	c.DisabledUntil = utc(c.DisabledUntil)
	c.LastUsed = utc(c.LastUsed)
	return c, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

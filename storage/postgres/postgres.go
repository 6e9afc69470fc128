// Package postgres provides a PostgreSQL implementation of the meter.Store
// interface. Mutations run in SQL transactions with SELECT FOR UPDATE so
// concurrent usage recording and webhook application serialize per account.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cursive-ai/gateway/pkg/meter"
)

// Store implements meter.Store using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL store.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, config: config}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the tables if they do not exist. Intended for
// development and tests; production deployments run migrations out of band.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id              TEXT PRIMARY KEY,
			email           TEXT NOT NULL DEFAULT '',
			tier            TEXT NOT NULL DEFAULT 'free',
			credential      BYTEA,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS billing_records (
			account_id              TEXT PRIMARY KEY REFERENCES accounts(id),
			status                  TEXT NOT NULL DEFAULT 'inactive',
			period_start            TIMESTAMPTZ,
			period_end              TIMESTAMPTZ,
			tokens_used_this_period BIGINT NOT NULL DEFAULT 0,
			customer_id             TEXT,
			subscription_id         TEXT,
			updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS billing_records_subscription_idx
			ON billing_records (subscription_id) WHERE subscription_id IS NOT NULL AND subscription_id <> '';
		CREATE UNIQUE INDEX IF NOT EXISTS billing_records_customer_idx
			ON billing_records (customer_id) WHERE customer_id IS NOT NULL AND customer_id <> '';
		CREATE TABLE IF NOT EXISTS usage_events (
			id            BIGSERIAL PRIMARY KEY,
			account_id    TEXT NOT NULL REFERENCES accounts(id),
			input_tokens  BIGINT NOT NULL,
			output_tokens BIGINT NOT NULL,
			total_tokens  BIGINT NOT NULL,
			cost_micros   BIGINT NOT NULL,
			model         TEXT NOT NULL DEFAULT '',
			endpoint      TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS usage_events_account_created_idx
			ON usage_events (account_id, created_at DESC);
		CREATE TABLE IF NOT EXISTS billing_events (
			id         BIGSERIAL PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			kind       TEXT NOT NULL,
			payload    JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// GetAccount implements meter.Store.
func (s *Store) GetAccount(ctx context.Context, accountID string) (*meter.Account, error) {
	var acct meter.Account
	var credential []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, email, tier, credential, created_at
			FROM accounts WHERE id = $1`,
		accountID).Scan(&acct.ID, &acct.Email, &acct.Tier, &credential, &acct.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, meter.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	acct.HasCredential = len(credential) > 0
	return &acct, nil
}

// CreateAccount implements meter.Store. The account row and its billing
// record are inserted in one transaction.
func (s *Store) CreateAccount(ctx context.Context, acct *meter.Account) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("invalid account")
	}

	tier := acct.Tier
	if tier == "" {
		tier = meter.TierFree
	}
	createdAt := acct.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx,
		`INSERT INTO accounts (id, email, tier, created_at)
			VALUES ($1, $2, $3, $4)`,
		acct.ID, acct.Email, string(tier), createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO billing_records (account_id, status, updated_at)
			VALUES ($1, $2, $3)`,
		acct.ID, string(meter.StatusInactive), createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert billing record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// GetBillingRecord implements meter.Store.
func (s *Store) GetBillingRecord(ctx context.Context, accountID string) (*meter.BillingRecord, error) {
	rec, err := scanBillingRecord(s.pool.QueryRow(ctx,
		selectBillingRecord+` WHERE account_id = $1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, acctErr := s.GetAccount(ctx, accountID); acctErr != nil {
			return nil, acctErr
		}
		return nil, meter.ErrBillingRecordMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billing record: %w", err)
	}
	return rec, nil
}

// MutateBilling implements meter.Store. The record row is locked FOR UPDATE
// for the duration of fn, so concurrent webhook applications for the same
// account serialize in the database.
func (s *Store) MutateBilling(
	ctx context.Context, ref meter.RecordRef, fn func(acct *meter.Account, rec *meter.BillingRecord) error,
) error {
	where, arg, err := refPredicate(ref)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	rec, err := scanBillingRecord(tx.QueryRow(ctx,
		selectBillingRecord+` WHERE `+where+` FOR UPDATE`, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return meter.ErrBillingRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock billing record: %w", err)
	}

	var acct meter.Account
	var credential []byte
	err = tx.QueryRow(ctx,
		`SELECT id, email, tier, credential, created_at
			FROM accounts WHERE id = $1 FOR UPDATE`,
		rec.AccountID).Scan(&acct.ID, &acct.Email, &acct.Tier, &credential, &acct.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to lock account: %w", err)
	}
	acct.HasCredential = len(credential) > 0

	if err := fn(&acct, rec); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`UPDATE billing_records
			SET status = $1, period_start = $2, period_end = $3,
				tokens_used_this_period = $4, customer_id = $5,
				subscription_id = $6, updated_at = NOW()
			WHERE account_id = $7`,
		string(rec.Status), nullTime(rec.PeriodStart), nullTime(rec.PeriodEnd),
		rec.TokensUsedThisPeriod, nullString(rec.CustomerID),
		nullString(rec.SubscriptionID), rec.AccountID)
	if err != nil {
		return fmt.Errorf("failed to update billing record: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE accounts SET tier = $1 WHERE id = $2`,
		string(acct.Tier), acct.ID)
	if err != nil {
		return fmt.Errorf("failed to update account tier: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// RecordUsage implements meter.Store. The event insert and the counter
// increment commit together or not at all.
func (s *Store) RecordUsage(ctx context.Context, req *meter.RecordUsageRequest) (*meter.UsageEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Lock the billing record first; this is the per-account serialization
	// point shared with MutateBilling.
	var tokensUsed int64
	err = tx.QueryRow(ctx,
		`SELECT tokens_used_this_period FROM billing_records
			WHERE account_id = $1 FOR UPDATE`,
		req.AccountID).Scan(&tokensUsed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, meter.ErrBillingRecordMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock billing record: %w", err)
	}

	ev := &meter.UsageEvent{
		AccountID:    req.AccountID,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		TotalTokens:  req.InputTokens + req.OutputTokens,
		CostMicros:   req.CostMicros,
		Model:        req.Model,
		Endpoint:     req.Endpoint,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO usage_events
				(account_id, input_tokens, output_tokens, total_tokens, cost_micros, model, endpoint)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, created_at`,
		ev.AccountID, ev.InputTokens, ev.OutputTokens, ev.TotalTokens,
		ev.CostMicros, ev.Model, ev.Endpoint).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert usage event: %w", err)
	}

	if !req.Exempt {
		_, err = tx.Exec(ctx,
			`UPDATE billing_records
				SET tokens_used_this_period = tokens_used_this_period + $1, updated_at = NOW()
				WHERE account_id = $2`,
			ev.TotalTokens, req.AccountID)
		if err != nil {
			return nil, fmt.Errorf("failed to advance period counter: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return ev, nil
}

// UsageSummary implements meter.Store.
func (s *Store) UsageSummary(ctx context.Context, accountID string, since time.Time) (*meter.UsageSummary, error) {
	summary := &meter.UsageSummary{AccountID: accountID}
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_micros), 0), COUNT(*)
			FROM usage_events
			WHERE account_id = $1 AND ($2::timestamptz IS NULL OR created_at >= $2)`,
		accountID, nullTime(since)).Scan(
		&summary.TotalTokens, &summary.TotalCostMicros, &summary.EventCount)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	return summary, nil
}

// ListUsageEvents implements meter.Store.
func (s *Store) ListUsageEvents(
	ctx context.Context, accountID string, since time.Time, limit int,
) ([]*meter.UsageEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, input_tokens, output_tokens, total_tokens,
				cost_micros, model, endpoint, created_at
			FROM usage_events
			WHERE account_id = $1 AND ($2::timestamptz IS NULL OR created_at >= $2)
			ORDER BY id DESC
			LIMIT $3`,
		accountID, nullTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage events: %w", err)
	}
	defer rows.Close()

	var out []*meter.UsageEvent
	for rows.Next() {
		var ev meter.UsageEvent
		if err := rows.Scan(&ev.ID, &ev.AccountID, &ev.InputTokens, &ev.OutputTokens,
			&ev.TotalTokens, &ev.CostMicros, &ev.Model, &ev.Endpoint, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage event: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// AppendBillingEvent implements meter.Store.
func (s *Store) AppendBillingEvent(ctx context.Context, rec *meter.BillingEventRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO billing_events (account_id, kind, payload, created_at)
			VALUES ($1, $2, $3, $4)`,
		rec.AccountID, rec.Kind, rec.Payload, createdAt)
	if err != nil {
		return fmt.Errorf("failed to append billing event: %w", err)
	}
	return nil
}

// GetCredential implements meter.Store.
func (s *Store) GetCredential(ctx context.Context, accountID string) ([]byte, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx,
		`SELECT credential FROM accounts WHERE id = $1`, accountID).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, meter.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return blob, nil
}

// SetCredential implements meter.Store.
func (s *Store) SetCredential(ctx context.Context, accountID string, blob []byte) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET credential = $1 WHERE id = $2`, blob, accountID)
	if err != nil {
		return fmt.Errorf("failed to set credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return meter.ErrAccountNotFound
	}
	return nil
}

const selectBillingRecord = `SELECT account_id, status, period_start, period_end,
	tokens_used_this_period, customer_id, subscription_id, updated_at
	FROM billing_records`

func scanBillingRecord(row pgx.Row) (*meter.BillingRecord, error) {
	var rec meter.BillingRecord
	var periodStart, periodEnd *time.Time
	var customerID, subscriptionID *string

	err := row.Scan(&rec.AccountID, &rec.Status, &periodStart, &periodEnd,
		&rec.TokensUsedThisPeriod, &customerID, &subscriptionID, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if periodStart != nil {
		rec.PeriodStart = *periodStart
	}
	if periodEnd != nil {
		rec.PeriodEnd = *periodEnd
	}
	if customerID != nil {
		rec.CustomerID = *customerID
	}
	if subscriptionID != nil {
		rec.SubscriptionID = *subscriptionID
	}
	return &rec, nil
}

func refPredicate(ref meter.RecordRef) (string, any, error) {
	switch {
	case ref.AccountID != "":
		return `account_id = $1`, ref.AccountID, nil
	case ref.SubscriptionID != "":
		return `subscription_id = $1`, ref.SubscriptionID, nil
	case ref.CustomerID != "":
		return `customer_id = $1`, ref.CustomerID, nil
	}
	return "", nil, meter.ErrBillingRecordNotFound
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

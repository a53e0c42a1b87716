package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/model"
	"github.com/papertrade/portfolio-engine/internal/valuation"
)

// schema is applied by Migrate. All monetary values are stored as NUMERIC
// for exact decimal precision.
const schema = `
CREATE TABLE IF NOT EXISTS portfolios (
	id                TEXT PRIMARY KEY,
	available_cash    NUMERIC,
	initial_funds     NUMERIC,
	total_deposited   NUMERIC,
	has_initial_funds BOOLEAN,
	gbp_usd_rate      NUMERIC,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS holdings (
	portfolio_id  TEXT NOT NULL REFERENCES portfolios(id) ON DELETE CASCADE,
	position      INTEGER NOT NULL,
	ticker        TEXT NOT NULL,
	shares        NUMERIC,
	current_price NUMERIC,
	PRIMARY KEY (portfolio_id, ticker)
);

CREATE TABLE IF NOT EXISTS journal_entries (
	id                 TEXT PRIMARY KEY,
	portfolio_id       TEXT NOT NULL,
	kind               TEXT NOT NULL,
	ticker             TEXT NOT NULL DEFAULT '',
	shares             NUMERIC NOT NULL,
	price              NUMERIC NOT NULL,
	commission_percent NUMERIC NOT NULL,
	amount_base        NUMERIC NOT NULL,
	rate               NUMERIC NOT NULL,
	timestamp          TIMESTAMPTZ NOT NULL
);`

// NewPool connects to PostgreSQL with the shopspring decimal codec
// registered on every connection.
func NewPool(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	config.AfterConnect = func(_ context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// One row in portfolios holds the scalar fields of a snapshot; holdings
// keep their display order in the position column.
type PostgresStore struct {
	pool *pgxpool.Pool
	id   string
}

// NewPostgresStore creates a PostgreSQL-backed store for portfolio id.
// The pool must come from NewPool so NUMERIC columns scan into decimals.
func NewPostgresStore(pool *pgxpool.Pool, id string) *PostgresStore {
	return &PostgresStore{pool: pool, id: id}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) Load(ctx context.Context) (model.Snapshot, bool, error) {
	snap := model.NewSnapshot()

	var cash, initial, deposited, rate decimal.NullDecimal
	var funded *bool
	err := s.pool.QueryRow(ctx,
		`SELECT available_cash, initial_funds, total_deposited, has_initial_funds, gbp_usd_rate
		 FROM portfolios WHERE id = $1`, s.id).
		Scan(&cash, &initial, &deposited, &funded, &rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return snap, false, nil
	}
	if err != nil {
		return snap, false, fmt.Errorf("load portfolio %s: %w", s.id, err)
	}

	// NULL or out-of-range columns fall back to defaults one by one.
	var bad []string
	if funded == nil || !*funded {
		if funded == nil {
			bad = append(bad, keyHasInitialFunds)
		}
		logBadFields("postgres", bad)
		return snap, true, nil
	}
	snap.HasInitialFunds = true

	pick := func(key string, v decimal.NullDecimal, dst *decimal.Decimal, valid func(decimal.Decimal) bool) {
		if !v.Valid || !valid(v.Decimal) {
			bad = append(bad, key)
			return
		}
		*dst = v.Decimal
	}
	nonNegative := func(v decimal.Decimal) bool { return !v.IsNegative() }
	pick(keyAvailableCash, cash, &snap.AvailableCash, nonNegative)
	pick(keyInitialFunds, initial, &snap.InitialFunds, nonNegative)
	pick(keyTotalDeposited, deposited, &snap.TotalDeposited, nonNegative)
	pick(keyGBPToUSDRate, rate, &snap.GBPToUSDRate, decimal.Decimal.IsPositive)

	rows, err := s.pool.Query(ctx,
		`SELECT ticker, shares, current_price
		 FROM holdings WHERE portfolio_id = $1 ORDER BY position`, s.id)
	if err != nil {
		return snap, true, fmt.Errorf("load holdings %s: %w", s.id, err)
	}
	defer rows.Close()

	corrupt := false
	for rows.Next() {
		var raw string
		var shares, price decimal.NullDecimal
		if err := rows.Scan(&raw, &shares, &price); err != nil {
			return snap, true, err
		}
		ticker, terr := valuation.NormalizeTicker(raw)
		if terr != nil || !shares.Valid || !shares.Decimal.IsPositive() {
			corrupt = true
			continue
		}
		h := model.Holding{Ticker: ticker, Shares: shares.Decimal, CurrentPrice: decimal.Zero}
		if price.Valid && !price.Decimal.IsNegative() {
			h.CurrentPrice = price.Decimal
		}
		snap.Holdings = append(snap.Holdings, h)
	}
	if corrupt {
		bad = append(bad, keyHoldings)
	}
	logBadFields("postgres", bad)
	return snap, true, rows.Err()
}

// Save replaces the portfolio row and its holdings in one transaction.
func (s *PostgresStore) Save(ctx context.Context, snap model.Snapshot) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO portfolios (id, available_cash, initial_funds, total_deposited, has_initial_funds, gbp_usd_rate, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO UPDATE SET
			     available_cash = EXCLUDED.available_cash,
			     initial_funds = EXCLUDED.initial_funds,
			     total_deposited = EXCLUDED.total_deposited,
			     has_initial_funds = EXCLUDED.has_initial_funds,
			     gbp_usd_rate = EXCLUDED.gbp_usd_rate,
			     updated_at = EXCLUDED.updated_at`,
			s.id, snap.AvailableCash, snap.InitialFunds, snap.TotalDeposited,
			snap.HasInitialFunds, snap.GBPToUSDRate, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("save portfolio %s: %w", s.id, err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM holdings WHERE portfolio_id = $1`, s.id); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for i, h := range snap.Holdings {
			batch.Queue(
				`INSERT INTO holdings (portfolio_id, position, ticker, shares, current_price)
				 VALUES ($1, $2, $3, $4, $5)`,
				s.id, i, h.Ticker, h.Shares, h.CurrentPrice,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM journal_entries WHERE portfolio_id = $1`, s.id); err != nil {
			return err
		}
		// Holdings go with the portfolio row (ON DELETE CASCADE).
		_, err := tx.Exec(ctx, `DELETE FROM portfolios WHERE id = $1`, s.id)
		return err
	})
}

func (s *PostgresStore) AppendEntry(ctx context.Context, e *model.JournalEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO journal_entries (id, portfolio_id, kind, ticker, shares, price, commission_percent, amount_base, rate, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, s.id, e.Kind, e.Ticker,
		e.Shares, e.Price, e.CommissionPercent, e.AmountBase, e.Rate,
		e.Timestamp,
	)
	return err
}

func (s *PostgresStore) Entries(ctx context.Context) ([]model.JournalEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, ticker, shares, price, commission_percent, amount_base, rate, timestamp
		 FROM journal_entries WHERE portfolio_id = $1 ORDER BY timestamp, id`, s.id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []model.JournalEntry{}
	for rows.Next() {
		var e model.JournalEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.Ticker,
			&e.Shares, &e.Price, &e.CommissionPercent, &e.AmountBase, &e.Rate,
			&e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

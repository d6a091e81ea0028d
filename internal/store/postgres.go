package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/perppool/pool-engine/internal/model"
	"github.com/perppool/pool-engine/internal/pool"
)

// Schema creates the tables PostgresStore uses. Amounts are NUMERIC for
// exact decimal precision; the pool snapshot is JSONB.
const Schema = `
CREATE TABLE IF NOT EXISTS pools (
	address    TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	snapshot   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS upkeep_records (
	id                   UUID PRIMARY KEY,
	pool                 TEXT NOT NULL,
	old_price            NUMERIC NOT NULL,
	new_price            NUMERIC NOT NULL,
	first_interval_id    BIGINT NOT NULL,
	intervals_executed   INTEGER NOT NULL,
	long_balance         NUMERIC NOT NULL,
	short_balance        NUMERIC NOT NULL,
	long_fee             NUMERIC NOT NULL,
	short_fee            NUMERIC NOT NULL,
	price_change_skipped BOOLEAN NOT NULL,
	last_price_timestamp BIGINT NOT NULL,
	timestamp            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS upkeep_records_pool_ts ON upkeep_records (pool, timestamp DESC);

CREATE TABLE IF NOT EXISTS commit_records (
	id                     UUID PRIMARY KEY,
	pool                   TEXT NOT NULL,
	user_address           TEXT NOT NULL,
	commit_type            TEXT NOT NULL,
	amount                 NUMERIC NOT NULL,
	interval_id            BIGINT NOT NULL,
	from_aggregate_balance BOOLEAN NOT NULL,
	minting_fee            NUMERIC NOT NULL,
	timestamp              TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS commit_records_pool_user ON commit_records (pool, user_address, timestamp);
`

// Options tune the PostgreSQL connection pool.
type Options struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
}

// Open configures a pgx connection pool.
func Open(ctx context.Context, opts Options) (*pgxpool.Pool, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.ConnMaxLifetime > 0 {
		cfg.MaxConnLifetime = opts.ConnMaxLifetime
	}
	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	return db, nil
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) SavePool(ctx context.Context, snap pool.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO pools (address, name, snapshot, updated_at)
		 VALUES ($1, $2, $3::JSONB, $4)
		 ON CONFLICT (address) DO UPDATE
		 SET name = EXCLUDED.name, snapshot = EXCLUDED.snapshot, updated_at = EXCLUDED.updated_at`,
		addressKey(snap.Params.Address), snap.Params.Name, string(data), snap.SavedAt,
	)
	return err
}

func (s *PostgresStore) GetPool(ctx context.Context, addr common.Address) (pool.Snapshot, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT snapshot FROM pools WHERE address = $1`, addressKey(addr)).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return pool.Snapshot{}, fmt.Errorf("pool %s: %w", addr.Hex(), ErrNotFound)
	}
	if err != nil {
		return pool.Snapshot{}, fmt.Errorf("get pool %s: %w", addr.Hex(), err)
	}
	return decodeSnapshot(data)
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]pool.Snapshot, error) {
	rows, err := s.db.Query(ctx, `SELECT snapshot FROM pools ORDER BY address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pool.Snapshot
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		snap, err := decodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertUpkeepRecord(ctx context.Context, r model.UpkeepRecord) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO upkeep_records (id, pool, old_price, new_price, first_interval_id, intervals_executed,
		        long_balance, short_balance, long_fee, short_fee, price_change_skipped, last_price_timestamp, timestamp)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12, $13)`,
		r.ID, addressKey(r.Pool), r.OldPrice.String(), r.NewPrice.String(),
		int64(r.FirstIntervalID), r.IntervalsExecuted,
		r.LongBalance.String(), r.ShortBalance.String(), r.LongFee.String(), r.ShortFee.String(),
		r.PriceChangeSkipped, int64(r.LastPriceTimestamp), r.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListUpkeepRecords(ctx context.Context, addr common.Address, limit int) ([]model.UpkeepRecord, error) {
	query := `SELECT id::TEXT, pool, old_price::TEXT, new_price::TEXT, first_interval_id, intervals_executed,
	                 long_balance::TEXT, short_balance::TEXT, long_fee::TEXT, short_fee::TEXT,
	                 price_change_skipped, last_price_timestamp, timestamp
	          FROM upkeep_records WHERE pool = $1 ORDER BY timestamp DESC`
	args := []any{addressKey(addr)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.UpkeepRecord
	for rows.Next() {
		var r model.UpkeepRecord
		var poolS, oldS, newS, longS, shortS, longFeeS, shortFeeS string
		var first, last int64
		if err := rows.Scan(&r.ID, &poolS, &oldS, &newS, &first, &r.IntervalsExecuted,
			&longS, &shortS, &longFeeS, &shortFeeS,
			&r.PriceChangeSkipped, &last, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Pool = common.HexToAddress(poolS)
		r.FirstIntervalID = uint64(first)
		r.LastPriceTimestamp = uint64(last)
		r.OldPrice, _ = decimal.NewFromString(oldS)
		r.NewPrice, _ = decimal.NewFromString(newS)
		r.LongBalance, _ = decimal.NewFromString(longS)
		r.ShortBalance, _ = decimal.NewFromString(shortS)
		r.LongFee, _ = decimal.NewFromString(longFeeS)
		r.ShortFee, _ = decimal.NewFromString(shortFeeS)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertCommitRecord(ctx context.Context, c model.CommitRecord) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO commit_records (id, pool, user_address, commit_type, amount, interval_id,
		        from_aggregate_balance, minting_fee, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8::NUMERIC, $9)`,
		c.ID, addressKey(c.Pool), addressKey(c.User), c.Type.String(), c.Amount.String(),
		int64(c.IntervalID), c.FromAggregateBalance, c.MintingFee.String(), c.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListCommitRecordsByUser(ctx context.Context, addr, user common.Address) ([]model.CommitRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id::TEXT, pool, user_address, commit_type, amount::TEXT, interval_id,
		        from_aggregate_balance, minting_fee::TEXT, timestamp
		 FROM commit_records WHERE pool = $1 AND user_address = $2 ORDER BY timestamp`,
		addressKey(addr), addressKey(user))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommitRecords(rows)
}

// pgxRows is the part of pgx.Rows the scanners use.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanCommitRecords(rows pgxRows) ([]model.CommitRecord, error) {
	var out []model.CommitRecord
	for rows.Next() {
		var c model.CommitRecord
		var poolS, userS, typeS, amountS, feeS string
		var interval int64
		if err := rows.Scan(&c.ID, &poolS, &userS, &typeS, &amountS, &interval,
			&c.FromAggregateBalance, &feeS, &c.Timestamp); err != nil {
			return nil, err
		}
		t, err := model.ParseCommitType(typeS)
		if err != nil {
			return nil, err
		}
		c.Type = t
		c.Pool = common.HexToAddress(poolS)
		c.User = common.HexToAddress(userS)
		c.IntervalID = uint64(interval)
		c.Amount, _ = decimal.NewFromString(amountS)
		c.MintingFee, _ = decimal.NewFromString(feeS)
		out = append(out, c)
	}
	return out, rows.Err()
}

// addressKey is the canonical lower-case form addresses are stored in.
func addressKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

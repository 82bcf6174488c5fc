// Package store persists replication state in a single SQLite database.
//
// Layout:
//   - orders:          one row per broker order on either account (upsert)
//   - copy_mappings:   one row per leader order, the idempotency backbone
//   - bracket_legs:    child legs of bracket orders, per account
//   - order_events:    append-only log of every observed transition
//   - funds_snapshots: fund-limit readings per account
//   - instruments:     lot/tick metadata cache
//   - config_kv:       runtime flags and the replay cursor
//   - audit_log:       one row per broker REST call
//
// All replication writes for one event go through a single transaction
// (CommitReplication / WithTx): the follower order, its mapping, the event
// row and the cursor either all land or none do. The driver is pure Go
// (modernc.org/sqlite); the pool is pinned to one connection because SQLite
// is single-writer anyway.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"dhan-mirror/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
    account               TEXT    NOT NULL CHECK (account IN ('leader','follower')),
    order_id              TEXT    NOT NULL,
    correlation_id        TEXT    NOT NULL DEFAULT '',
    security_id           TEXT    NOT NULL DEFAULT '',
    exchange_segment      TEXT    NOT NULL DEFAULT '',
    trading_symbol        TEXT    NOT NULL DEFAULT '',
    side                  TEXT    NOT NULL DEFAULT '',
    product               TEXT    NOT NULL DEFAULT '',
    order_type            TEXT    NOT NULL DEFAULT '',
    validity              TEXT    NOT NULL DEFAULT '',
    quantity              INTEGER NOT NULL DEFAULT 0,
    disclosed_qty         INTEGER NOT NULL DEFAULT 0,
    price                 TEXT    NOT NULL DEFAULT '0',
    trigger_price         TEXT    NOT NULL DEFAULT '0',
    filled_qty            INTEGER NOT NULL DEFAULT 0,
    remaining_qty         INTEGER NOT NULL DEFAULT 0,
    avg_price             TEXT    NOT NULL DEFAULT '0',
    status                TEXT    NOT NULL,
    bo_profit_value       TEXT    NOT NULL DEFAULT '0',
    bo_stop_loss_value    TEXT    NOT NULL DEFAULT '0',
    co_stop_loss_value    TEXT    NOT NULL DEFAULT '0',
    parent_order_id       TEXT    NOT NULL DEFAULT '',
    leg_type              TEXT    NOT NULL DEFAULT '',
    amo                   INTEGER NOT NULL DEFAULT 0,
    amo_time              TEXT    NOT NULL DEFAULT '',
    sliced                INTEGER NOT NULL DEFAULT 0,
    slice_group_id        TEXT    NOT NULL DEFAULT '',
    slice_index           INTEGER NOT NULL DEFAULT 0,
    total_slice_qty       INTEGER NOT NULL DEFAULT 0,
    oms_error_code        TEXT    NOT NULL DEFAULT '',
    oms_error_description TEXT    NOT NULL DEFAULT '',
    raw_payload           TEXT    NOT NULL DEFAULT '',
    created_at            TEXT    NOT NULL,
    updated_at            TEXT    NOT NULL,
    PRIMARY KEY (account, order_id)
);

CREATE INDEX IF NOT EXISTS idx_orders_correlation ON orders(account, correlation_id);
CREATE INDEX IF NOT EXISTS idx_orders_status      ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_parent      ON orders(parent_order_id) WHERE parent_order_id <> '';

-- One row per leader order. The primary key IS the 1:1 invariant.
CREATE TABLE IF NOT EXISTS copy_mappings (
    leader_order_id   TEXT    PRIMARY KEY,
    follower_order_id TEXT    NOT NULL DEFAULT '',
    leader_qty        INTEGER NOT NULL DEFAULT 0,
    follower_qty      INTEGER NOT NULL DEFAULT 0,
    sizing_strategy   TEXT    NOT NULL DEFAULT '',
    capital_ratio     TEXT    NOT NULL DEFAULT '0',
    status            TEXT    NOT NULL CHECK (status IN ('pending','placed','failed','cancelled')),
    error_message     TEXT    NOT NULL DEFAULT '',
    created_at        TEXT    NOT NULL,
    updated_at        TEXT    NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_mappings_follower ON copy_mappings(follower_order_id) WHERE follower_order_id <> '';
CREATE INDEX IF NOT EXISTS idx_mappings_status ON copy_mappings(status);

-- The parent FK is declarative: enforcement stays off (no foreign_keys
-- pragma) because recovery may replay a leg event before its parent order
-- when the window straddles the cursor. Write paths keep the pairing.
CREATE TABLE IF NOT EXISTS bracket_legs (
    parent_order_id TEXT NOT NULL,
    account         TEXT NOT NULL CHECK (account IN ('leader','follower')),
    leg_type        TEXT NOT NULL CHECK (leg_type IN ('ENTRY','TARGET','SL')),
    leg_order_id    TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT '',
    updated_at      TEXT NOT NULL,
    PRIMARY KEY (parent_order_id, account, leg_type),
    FOREIGN KEY (account, parent_order_id) REFERENCES orders(account, order_id)
);

CREATE TABLE IF NOT EXISTS order_events (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    account     TEXT NOT NULL,
    order_id    TEXT NOT NULL,
    event_type  TEXT NOT NULL,
    source      TEXT NOT NULL CHECK (source IN ('stream','rest','recovery')),
    payload     TEXT NOT NULL DEFAULT '',
    event_ts    TEXT NOT NULL,
    received_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_order ON order_events(account, order_id);
CREATE INDEX IF NOT EXISTS idx_events_ts    ON order_events(event_ts);

CREATE TABLE IF NOT EXISTS funds_snapshots (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    account           TEXT NOT NULL CHECK (account IN ('leader','follower')),
    available_balance TEXT NOT NULL,
    utilized_amount   TEXT NOT NULL DEFAULT '0',
    collateral_amount TEXT NOT NULL DEFAULT '0',
    fetched_at        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_funds_account ON funds_snapshots(account, fetched_at DESC);

CREATE TABLE IF NOT EXISTS instruments (
    security_id       TEXT NOT NULL,
    exchange_segment  TEXT NOT NULL,
    trading_symbol    TEXT NOT NULL DEFAULT '',
    lot_size          INTEGER NOT NULL DEFAULT 1,
    tick_size         TEXT NOT NULL DEFAULT '0.05',
    instrument_type   TEXT NOT NULL DEFAULT '',
    expiry_date       TEXT NOT NULL DEFAULT '',
    strike_price      TEXT NOT NULL DEFAULT '0',
    option_type       TEXT NOT NULL DEFAULT '',
    underlying_symbol TEXT NOT NULL DEFAULT '',
    updated_at        TEXT NOT NULL,
    PRIMARY KEY (exchange_segment, security_id)
);

CREATE TABLE IF NOT EXISTS config_kv (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    action      TEXT    NOT NULL,
    account     TEXT    NOT NULL DEFAULT '',
    request     TEXT    NOT NULL DEFAULT '',
    response    TEXT    NOT NULL DEFAULT '',
    status_code INTEGER NOT NULL DEFAULT 0,
    error       TEXT    NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at DESC);

CREATE VIEW IF NOT EXISTS v_active_orders AS
    SELECT * FROM orders WHERE status NOT IN ('EXECUTED','CANCELLED','REJECTED');

CREATE VIEW IF NOT EXISTS v_latest_funds AS
    SELECT f.* FROM funds_snapshots f
    JOIN (SELECT account, MAX(fetched_at) AS max_ts FROM funds_snapshots GROUP BY account) m
      ON f.account = m.account AND f.fetched_at = m.max_ts;

CREATE VIEW IF NOT EXISTS v_active_bracket_legs AS
    SELECT * FROM bracket_legs WHERE status NOT IN ('EXECUTED','CANCELLED','REJECTED');

CREATE VIEW IF NOT EXISTS v_recent_errors AS
    SELECT id, action, account, error, status_code, duration_ms, created_at
    FROM audit_log WHERE error <> '' ORDER BY id DESC;
`

const (
	cursorKey     = "last_leader_event_ts"
	killSwitchKey = "copy_enabled"

	retentionAudit  = 14 * 24 * time.Hour // audit rows: 14 days
	retentionEvents = 30 * 24 * time.Hour // event log: 30 days
)

// Store wraps the SQLite database holding all replication state.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path, applies the schema and prunes
// aged rows.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store.Open: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.Open: apply schema: %w", err)
	}

	s := &Store{db: db}
	s.pruneOld(context.Background())
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx groups the write operations that must land atomically. Obtain one
// through WithTx or CommitReplication.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside one transaction, committing only when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store.WithTx: begin: %w", err)
	}
	defer dbtx.Rollback()

	if err := fn(&Tx{tx: dbtx}); err != nil {
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("store.WithTx: commit: %w", err)
	}
	return nil
}

// GetConfig reads one runtime key. ok is false when the key is absent.
func (s *Store) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM config_kv WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store.GetConfig: %q: %w", key, err)
	}
	return value, true, nil
}

// SetConfig writes one runtime key.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO config_kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, fmtTime(time.Now())); err != nil {
		return fmt.Errorf("store.SetConfig: %q: %w", key, err)
	}
	return nil
}

// CopyEnabled reads the runtime kill switch, defaulting when unset.
func (s *Store) CopyEnabled(ctx context.Context, fallback bool) (bool, error) {
	value, ok, err := s.GetConfig(ctx, killSwitchKey)
	if err != nil {
		return false, err
	}
	if !ok {
		return fallback, nil
	}
	return value == "true", nil
}

// SetCopyEnabled flips the runtime kill switch.
func (s *Store) SetCopyEnabled(ctx context.Context, enabled bool) error {
	value := "false"
	if enabled {
		value = "true"
	}
	return s.SetConfig(ctx, killSwitchKey, value)
}

// Cursor reads the replay cursor. ok is false on a cold start.
func (s *Store) Cursor(ctx context.Context) (time.Time, bool, error) {
	value, ok, err := s.GetConfig(ctx, cursorKey)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ts, perr := time.Parse(time.RFC3339Nano, value)
	if perr != nil {
		return time.Time{}, false, fmt.Errorf("store.Cursor: parse %q: %w", value, perr)
	}
	return ts, true, nil
}

// AdvanceCursor moves the replay cursor forward, never backward. Late
// replays of already-seen events leave it untouched.
func (t *Tx) AdvanceCursor(ctx context.Context, ts time.Time) error {
	var current string
	err := t.tx.QueryRowContext(ctx,
		`SELECT value FROM config_kv WHERE key = ?`, cursorKey,
	).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("store.AdvanceCursor: read: %w", err)
	}
	if err == nil {
		cur, perr := time.Parse(time.RFC3339Nano, current)
		if perr == nil && !ts.After(cur) {
			return nil
		}
	}

	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO config_kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, cursorKey, fmtTime(ts), fmtTime(time.Now())); err != nil {
		return fmt.Errorf("store.AdvanceCursor: write: %w", err)
	}
	return nil
}

// LogAudit appends one broker-call record. Implements exchange.AuditSink.
func (s *Store) LogAudit(ctx context.Context, rec types.AuditRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (action, account, request, response, status_code, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Action, string(rec.Account), rec.Request, rec.Response,
		rec.StatusCode, rec.Error, rec.DurationMS, fmtTime(createdAt),
	); err != nil {
		return fmt.Errorf("store.LogAudit: %w", err)
	}
	return nil
}

// RecentErrors returns the latest failed broker calls, newest first.
func (s *Store) RecentErrors(ctx context.Context, limit int) ([]types.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action, account, error, status_code, duration_ms, created_at
		FROM v_recent_errors LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store.RecentErrors: query: %w", err)
	}
	defer rows.Close()

	var recs []types.AuditRecord
	for rows.Next() {
		var rec types.AuditRecord
		var account, createdAt string
		if err := rows.Scan(&rec.Action, &account, &rec.Error, &rec.StatusCode, &rec.DurationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("store.RecentErrors: scan: %w", err)
		}
		rec.Account = types.Account(account)
		rec.CreatedAt = parseTime(createdAt)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SaveFunds appends one fund-limit reading.
func (s *Store) SaveFunds(ctx context.Context, snap types.FundsSnapshot) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO funds_snapshots (account, available_balance, utilized_amount, collateral_amount, fetched_at)
		VALUES (?, ?, ?, ?, ?)
	`, string(snap.Account), snap.AvailableBalance.String(), snap.UtilizedAmount.String(),
		snap.CollateralAmount.String(), fmtTime(snap.FetchedAt),
	); err != nil {
		return fmt.Errorf("store.SaveFunds: %w", err)
	}
	return nil
}

// LatestFunds returns the newest fund reading for the account, if any.
func (s *Store) LatestFunds(ctx context.Context, account types.Account) (*types.FundsSnapshot, bool, error) {
	var snap types.FundsSnapshot
	var avail, utilized, collateral, fetchedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT available_balance, utilized_amount, collateral_amount, fetched_at
		FROM v_latest_funds WHERE account = ?
	`, string(account)).Scan(&avail, &utilized, &collateral, &fetchedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store.LatestFunds: %w", err)
	}

	snap.Account = account
	snap.AvailableBalance = parseDec(avail)
	snap.UtilizedAmount = parseDec(utilized)
	snap.CollateralAmount = parseDec(collateral)
	snap.FetchedAt = parseTime(fetchedAt)
	return &snap, true, nil
}

// UpsertInstrument caches one instrument's exchange metadata.
func (s *Store) UpsertInstrument(ctx context.Context, inst types.Instrument) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO instruments
			(security_id, exchange_segment, trading_symbol, lot_size, tick_size,
			 instrument_type, expiry_date, strike_price, option_type, underlying_symbol, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(exchange_segment, security_id) DO UPDATE SET
			trading_symbol    = excluded.trading_symbol,
			lot_size          = excluded.lot_size,
			tick_size         = excluded.tick_size,
			instrument_type   = excluded.instrument_type,
			expiry_date       = excluded.expiry_date,
			strike_price      = excluded.strike_price,
			option_type       = excluded.option_type,
			underlying_symbol = excluded.underlying_symbol,
			updated_at        = excluded.updated_at
	`, inst.SecurityID, inst.ExchangeSegment, inst.TradingSymbol, inst.LotSize,
		inst.TickSize.String(), inst.InstrumentType, inst.ExpiryDate,
		inst.StrikePrice.String(), inst.OptionType, inst.UnderlyingSymbol, fmtTime(time.Now()),
	); err != nil {
		return fmt.Errorf("store.UpsertInstrument: %s: %w", inst.SecurityID, err)
	}
	return nil
}

// GetInstrument reads one cached instrument. ok is false on a miss.
func (s *Store) GetInstrument(ctx context.Context, segment, securityID string) (*types.Instrument, bool, error) {
	var inst types.Instrument
	var tick, strike string
	err := s.db.QueryRowContext(ctx, `
		SELECT security_id, exchange_segment, trading_symbol, lot_size, tick_size,
		       instrument_type, expiry_date, strike_price, option_type, underlying_symbol
		FROM instruments WHERE exchange_segment = ? AND security_id = ?
	`, segment, securityID).Scan(
		&inst.SecurityID, &inst.ExchangeSegment, &inst.TradingSymbol, &inst.LotSize, &tick,
		&inst.InstrumentType, &inst.ExpiryDate, &strike, &inst.OptionType, &inst.UnderlyingSymbol,
	)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store.GetInstrument: %s: %w", securityID, err)
	}

	inst.TickSize = parseDec(tick)
	inst.StrikePrice = parseDec(strike)
	return &inst, true, nil
}

// pruneOld drops aged audit and event rows to keep the database light.
func (s *Store) pruneOld(ctx context.Context) {
	cutoffAudit := time.Now().Add(-retentionAudit)
	cutoffEvents := time.Now().Add(-retentionEvents)
	s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?`, fmtTime(cutoffAudit))
	s.db.ExecContext(ctx, `DELETE FROM order_events WHERE event_ts < ?`, fmtTime(cutoffEvents))
}

// --- internal helpers ---

// fmtTime renders timestamps as UTC RFC3339Nano text, the one format every
// column in this schema uses.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

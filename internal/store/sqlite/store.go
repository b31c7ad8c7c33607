package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Config configures the SQLite store.
type Config struct {
	Path string // path to SQLite database file, e.g. "data/relay.db"
}

// Store is the durable home of the signal log, order ledger, trader
// accounts, kill switches and instrument master.
//
// The pool is capped at one connection, so SQLite sees a single writer
// and concurrent dispatch tasks queue on the pool instead of sharing a
// session. Each method is one statement or one transaction.
type Store struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Open opens (or creates) the database with WAL mode and applies the schema.
// Commits are fsynced (synchronous=FULL): a signal row must survive a crash
// before its fan-out starts.
func Open(cfg Config) (*Store, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Info().Str("path", cfg.Path).Msg("[sqlite] opened database")
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS signals (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			unique_id        TEXT    NOT NULL,
			category         TEXT    NOT NULL,
			instrument_token TEXT    NOT NULL DEFAULT '',
			strike_token     TEXT    NOT NULL DEFAULT '',
			strategy_code    TEXT    NOT NULL DEFAULT '',
			side             TEXT    NOT NULL DEFAULT '',
			stop_loss        INTEGER NOT NULL DEFAULT 0,
			target           INTEGER NOT NULL DEFAULT 0,
			ts               INTEGER NOT NULL,
			created_at       INTEGER NOT NULL,
			UNIQUE (unique_id, category)
		);

		CREATE TABLE IF NOT EXISTS orders (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			trader_id            INTEGER NOT NULL,
			broker               TEXT    NOT NULL,
			signal_id            INTEGER NOT NULL REFERENCES signals(id),
			unique_id            TEXT    NOT NULL,
			instrument_token     TEXT    NOT NULL DEFAULT '',
			strike_token         TEXT    NOT NULL,
			symbol               TEXT    NOT NULL,
			exchange             TEXT    NOT NULL DEFAULT '',
			underlying           TEXT    NOT NULL DEFAULT '',
			option_type          TEXT    NOT NULL DEFAULT '',
			side                 TEXT    NOT NULL,
			qty                  INTEGER NOT NULL CHECK (qty > 0),
			entry_price          INTEGER NOT NULL DEFAULT 0,
			exit_price           INTEGER NOT NULL DEFAULT 0,
			status               TEXT    NOT NULL,
			entry_time           INTEGER NOT NULL,
			exit_time            INTEGER,
			broker_order_id      TEXT    NOT NULL DEFAULT '',
			exit_broker_order_id TEXT    NOT NULL DEFAULT '',
			exit_reason          TEXT    NOT NULL DEFAULT '',
			pnl                  INTEGER NOT NULL DEFAULT 0,
			pnl_percent          REAL    NOT NULL DEFAULT 0,
			is_deleted           INTEGER NOT NULL DEFAULT 0,
			created_at           INTEGER NOT NULL,
			updated_at           INTEGER NOT NULL,
			CHECK (status <> 'CLOSED' OR exit_time IS NOT NULL)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS ux_orders_open_leg
			ON orders(trader_id, broker, signal_id) WHERE status = 'OPEN' AND is_deleted = 0;
		CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status, is_deleted);
		CREATE INDEX IF NOT EXISTS idx_orders_trader ON orders(trader_id);

		CREATE TABLE IF NOT EXISTS traders (
			id           INTEGER PRIMARY KEY,
			name         TEXT    NOT NULL DEFAULT '',
			role         TEXT    NOT NULL DEFAULT 'TRADER',
			is_active    INTEGER NOT NULL DEFAULT 1,
			kyc_verified INTEGER NOT NULL DEFAULT 0,
			default_qty  INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS dhan_credentials (
			trader_id    INTEGER PRIMARY KEY REFERENCES traders(id),
			client_id    TEXT    NOT NULL,
			access_token TEXT    NOT NULL,
			is_active    INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS angelone_credentials (
			trader_id   INTEGER PRIMARY KEY REFERENCES traders(id),
			api_key     TEXT    NOT NULL,
			client_code TEXT    NOT NULL,
			password    TEXT    NOT NULL,
			totp_secret TEXT    NOT NULL,
			is_active   INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS trader_strategies (
			trader_id     INTEGER NOT NULL REFERENCES traders(id),
			strategy_code TEXT    NOT NULL,
			PRIMARY KEY (trader_id, strategy_code)
		);

		CREATE TABLE IF NOT EXISTS kill_switches (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			close_type       TEXT    NOT NULL,
			close_for        TEXT    NOT NULL DEFAULT 'ALL',
			reason           TEXT    NOT NULL DEFAULT '',
			is_active        INTEGER NOT NULL DEFAULT 1,
			positions_closed INTEGER NOT NULL DEFAULT 0,
			triggered_at     INTEGER NOT NULL,
			executed_at      INTEGER,
			deactivated_at   INTEGER
		);

		CREATE TABLE IF NOT EXISTS instruments (
			token          TEXT PRIMARY KEY,
			exchange       TEXT    NOT NULL,
			trading_symbol TEXT    NOT NULL,
			underlying     TEXT    NOT NULL DEFAULT '',
			option_type    TEXT    NOT NULL DEFAULT '',
			strike         INTEGER NOT NULL DEFAULT 0,
			expiry         TEXT    NOT NULL DEFAULT '',
			lot_size       INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS dispatch_journal (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			signal_id       INTEGER NOT NULL,
			category        TEXT    NOT NULL,
			trader_id       INTEGER NOT NULL,
			broker          TEXT    NOT NULL,
			status          TEXT    NOT NULL,
			error_kind      TEXT    NOT NULL DEFAULT '',
			reason          TEXT    NOT NULL DEFAULT '',
			order_id        INTEGER NOT NULL DEFAULT 0,
			broker_order_id TEXT    NOT NULL DEFAULT '',
			price           INTEGER NOT NULL DEFAULT 0,
			qty             INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_journal_signal ON dispatch_journal(signal_id);
	`)
	return err
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

type rowScanner interface {
	Scan(dest ...any) error
}

var now = func() time.Time { return time.Now().UTC() }

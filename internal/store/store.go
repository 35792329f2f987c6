// Package store owns the embedded SQLite database: schema, migrations, and
// the bulk replace/upsert primitives the pipeline builds on.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection. A single writer at a time; all
// replace/upsert operations are serialized by SQLite's own locking plus the
// busy timeout.
type Store struct {
	sql *sql.DB
}

// insertChunk is the number of rows bound per INSERT statement. Large enough
// to amortize statement overhead, small enough to stay far from SQLite's
// bound-parameter ceiling.
const insertChunk = 500

const (
	retryAttempts = 3
	retryBase     = 250 * time.Millisecond
)

// Open opens (or creates) the market database and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s := &Store{sql: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	log.Info().Str("path", path).Msg("store opened")
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sql.Close()
}

// SqlDB returns the underlying handle for collaborators that share the file
// (e.g. out-of-band catalog loading).
func (s *Store) SqlDB() *sql.DB {
	return s.sql
}

func (s *Store) migrate() error {
	version := 0
	s.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := s.sql.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS market_order (
				order_id      INTEGER PRIMARY KEY,
				type_id       INTEGER NOT NULL,
				type_name     TEXT,
				volume_remain INTEGER NOT NULL,
				price         REAL NOT NULL,
				issued        TEXT,
				duration      INTEGER,
				is_buy_order  INTEGER NOT NULL,
				timestamp     TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_order_type ON market_order(type_id);

			CREATE TABLE IF NOT EXISTS market_history (
				date        TEXT NOT NULL,
				type_id     INTEGER NOT NULL,
				type_name   TEXT,
				average     REAL,
				highest     REAL,
				lowest      REAL,
				order_count INTEGER,
				volume      INTEGER,
				timestamp   TEXT,
				PRIMARY KEY (date, type_id)
			);

			CREATE TABLE IF NOT EXISTS market_stats (
				type_id              INTEGER PRIMARY KEY,
				total_volume_remain  INTEGER NOT NULL DEFAULT 0,
				min_price            REAL NOT NULL DEFAULT 0,
				price_low_percentile REAL NOT NULL DEFAULT 0,
				avg_of_avg_price     REAL NOT NULL DEFAULT 0,
				avg_daily_volume     REAL NOT NULL DEFAULT 0,
				group_id             INTEGER NOT NULL DEFAULT 0,
				type_name            TEXT NOT NULL DEFAULT '',
				group_name           TEXT NOT NULL DEFAULT '',
				category_id          INTEGER NOT NULL DEFAULT 0,
				category_name        TEXT NOT NULL DEFAULT '',
				days_remaining       REAL NOT NULL DEFAULT 0,
				timestamp            TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS doctrines (
				fit_id     INTEGER NOT NULL,
				type_id    INTEGER NOT NULL,
				category   TEXT NOT NULL DEFAULT '',
				fit        TEXT NOT NULL DEFAULT '',
				ship       TEXT NOT NULL DEFAULT '',
				item       TEXT NOT NULL DEFAULT '',
				qty        INTEGER NOT NULL DEFAULT 0,
				stock      INTEGER NOT NULL DEFAULT 0,
				fits       INTEGER NOT NULL DEFAULT 0,
				days       REAL NOT NULL DEFAULT 0,
				price_low  REAL NOT NULL DEFAULT 0,
				avg_vol    REAL NOT NULL DEFAULT 0,
				avg_price  REAL NOT NULL DEFAULT 0,
				delta      INTEGER NOT NULL DEFAULT 0,
				doctrine   TEXT NOT NULL DEFAULT '',
				"group"    TEXT NOT NULL DEFAULT '',
				cat_id     INTEGER NOT NULL DEFAULT 0,
				grp_id     INTEGER NOT NULL DEFAULT 0,
				doc_id     INTEGER NOT NULL DEFAULT 0,
				ship_id    INTEGER NOT NULL DEFAULT 0,
				timestamp  TEXT NOT NULL,
				PRIMARY KEY (fit_id, type_id)
			);

			CREATE TABLE IF NOT EXISTS watchlist (
				type_id       INTEGER PRIMARY KEY,
				type_name     TEXT NOT NULL DEFAULT '',
				group_id      INTEGER NOT NULL DEFAULT 0,
				group_name    TEXT NOT NULL DEFAULT '',
				category_id   INTEGER NOT NULL DEFAULT 0,
				category_name TEXT NOT NULL DEFAULT ''
			);

			CREATE TABLE IF NOT EXISTS type_catalog (
				type_id       INTEGER PRIMARY KEY,
				type_name     TEXT NOT NULL,
				group_id      INTEGER NOT NULL DEFAULT 0,
				group_name    TEXT NOT NULL DEFAULT '',
				category_id   INTEGER NOT NULL DEFAULT 0,
				category_name TEXT NOT NULL DEFAULT ''
			);

			CREATE TABLE IF NOT EXISTS fetch_log (
				id                 INTEGER PRIMARY KEY AUTOINCREMENT,
				total_pages        INTEGER NOT NULL,
				max_pages          INTEGER NOT NULL,
				failed_pages       TEXT NOT NULL DEFAULT '',
				failed_pages_count INTEGER NOT NULL,
				errors_detected    INTEGER NOT NULL,
				orders_retrieved   INTEGER NOT NULL,
				timestamp          TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS auth_token (
				id            INTEGER PRIMARY KEY DEFAULT 1,
				access_token  TEXT NOT NULL DEFAULT '',
				refresh_token TEXT NOT NULL,
				expires_at    INTEGER NOT NULL
			);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		log.Info().Msg("applied store migration v1")
	}

	return nil
}

// withRetry runs fn, retrying transient SQLite contention with exponential
// backoff. Constraint and integrity errors are programmer errors and are
// returned on the first attempt.
func (s *Store) withRetry(op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBase << (attempt - 1))
			log.Warn().Str("op", op).Int("attempt", attempt+1).Msg("retrying store operation")
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isTransient reports whether the error is lock/busy contention worth
// retrying.
func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

// placeholders builds "(?,?,...),(?,?,...)" for n rows of width cols.
func placeholders(rows, cols int) string {
	one := "(" + strings.Repeat("?,", cols-1) + "?)"
	var b strings.Builder
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(one)
	}
	return b.String()
}

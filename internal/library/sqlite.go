package library

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver
)

// openDB initializes a SQLite connection pool with the mandatory PRAGMAs in
// the DSN so they apply to every connection in the pool.
func openDB(dbPath string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, (5 * time.Second).Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("library: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("library: ping sqlite: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS items (
	id    TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	free  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS chapters (
	item_id       TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
	idx           INTEGER NOT NULL,
	id            TEXT NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	preview       INTEGER NOT NULL DEFAULT 0,
	duration_secs INTEGER NOT NULL DEFAULT 0,
	locator       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (item_id, idx)
);

CREATE TABLE IF NOT EXISTS entitlements (
	item_id    TEXT PRIMARY KEY REFERENCES items(id) ON DELETE CASCADE,
	owned      INTEGER NOT NULL DEFAULT 0,
	claimed_at TEXT
);
`

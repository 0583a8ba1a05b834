// Package db provides the SQLite-backed durable audit store connection
// used by the audit queue (C2): a sessions projection and an append-only
// events log, both written inside one transaction per audit job. It is
// never consulted on the hot path — only C1/Redis is.
package db

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/apexphere/synckairos/internal/kairoserr"
)

const (
	// SQLiteJournalMode enables concurrent reads during writes.
	SQLiteJournalMode = "WAL"
	// SQLiteBusyTimeoutMS bounds how long a writer waits on a lock.
	SQLiteBusyTimeoutMS = 5000
)

// Open opens a SQLite database at path with WAL mode, foreign keys, and a
// busy timeout. If log is provided, logs database operations; otherwise
// operates silently.
func Open(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	if log != nil {
		log.Debugw("opening audit store", "path", path)
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, kairoserr.Wrapf(kairoserr.CodeStateDeserializationErr, err, "create audit store directory: %s", dir)
		}
	}

	database, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, kairoserr.Wrapf(kairoserr.CodeStateDeserializationErr, err, "open audit store at %s", path)
	}

	if _, err := database.Exec("PRAGMA journal_mode = " + SQLiteJournalMode); err != nil {
		database.Close()
		return nil, kairoserr.Wrapf(kairoserr.CodeStateDeserializationErr, err, "enable %s journal mode for %s", SQLiteJournalMode, path)
	}
	if _, err := database.Exec("PRAGMA foreign_keys = ON"); err != nil {
		database.Close()
		return nil, kairoserr.Wrapf(kairoserr.CodeStateDeserializationErr, err, "enable foreign keys for %s", path)
	}
	if _, err := database.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		database.Close()
		return nil, kairoserr.Wrapf(kairoserr.CodeStateDeserializationErr, err, "set busy timeout for %s", path)
	}

	if log != nil {
		log.Infow("audit store opened", "path", path, "wal_mode", true)
	}
	return database, nil
}

// OpenWithMigrations opens the database and runs all pending migrations.
func OpenWithMigrations(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	database, err := Open(path, log)
	if err != nil {
		return nil, err
	}
	if err := Migrate(database, log); err != nil {
		database.Close()
		return nil, kairoserr.Wrapf(kairoserr.CodeStateDeserializationErr, err, "migrate audit store at %s", path)
	}
	return database, nil
}

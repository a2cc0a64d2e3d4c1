package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const (
	defaultDBName = "stockline.db"
	stateDirName  = ".stockline"
	busyTimeoutMS = 5000
)

type Config struct {
	Workspace string
}

func dbPath(workspace string) string {
	return filepath.Join(StateDir(workspace), defaultDBName)
}

// StateDir returns the hidden directory that holds the database and client state.
func StateDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDirName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := StateDir(workspace)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite database with foreign keys on. Transactions take the
// write lock up front so two writers never deadlock on a lock upgrade; a
// contended writer waits busy_timeout before SQLITE_BUSY is reported.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_txlock=immediate",
		dbPath(cfg.Workspace), busyTimeoutMS)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}

// IsBusy reports whether err is SQLite lock contention worth retrying.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

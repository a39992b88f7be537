// Package indexdb maintains a SQLite read-model index of completed
// runs. It never participates in the simulation itself.
package indexdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// RunRecord is one completed client run.
type RunRecord struct {
	LevelName  string
	ClientName string
	Solved     bool
	NumActions int64
	TimeNS     int64
	LogPath    string
	RecordedAt string
}

type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the run index at path.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL suits the append-style workload; the index is secondary
	// data, so NORMAL durability is enough.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	schema := `CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		level_name TEXT NOT NULL,
		client_name TEXT NOT NULL,
		solved INTEGER NOT NULL,
		num_actions INTEGER NOT NULL,
		time_ns INTEGER NOT NULL,
		log_path TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

func (d *DB) Close() error { return d.db.Close() }

// RecordRun appends one run row. RecordedAt is stamped if empty.
func (d *DB) RecordRun(r RunRecord) error {
	if r.RecordedAt == "" {
		r.RecordedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := d.db.Exec(
		`INSERT INTO runs (level_name, client_name, solved, num_actions, time_ns, log_path, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.LevelName, r.ClientName, boolToInt(r.Solved), r.NumActions, r.TimeNS, r.LogPath, r.RecordedAt)
	return err
}

// Runs returns all recorded runs, newest first.
func (d *DB) Runs() ([]RunRecord, error) {
	rows, err := d.db.Query(
		`SELECT level_name, client_name, solved, num_actions, time_ns, log_path, recorded_at
		 FROM runs ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var solved int
		if err := rows.Scan(&r.LevelName, &r.ClientName, &solved, &r.NumActions,
			&r.TimeNS, &r.LogPath, &r.RecordedAt); err != nil {
			return nil, err
		}
		r.Solved = solved != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

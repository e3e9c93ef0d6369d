// Package db stores the run status snapshot and the run event log in a
// local SQLite database, so a restarted daemon can resume an in-flight run.
package db

import (
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/zone-irrigation/internal/monitoring"
	"github.com/banshee-data/zone-irrigation/internal/runstate"
)

// DefaultPath is where the daemon keeps its database unless told otherwise.
const DefaultPath = "irrigation.db"

type DB struct {
	*sql.DB
	path string
}

// NewDB opens the database at path and brings its schema up to date.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers, and an in-memory database
	// would otherwise be per-connection.
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// SaveRunStatus replaces the stored snapshot.
func (db *DB) SaveRunStatus(s runstate.Snapshot) error {
	valves := s.OpenValves
	if valves == nil {
		valves = []int{}
	}
	encoded, err := json.Marshal(valves)
	if err != nil {
		return fmt.Errorf("encode open valves: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO run_status (id, running, remaining_seconds, open_valves, message, run_id, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			running = excluded.running,
			remaining_seconds = excluded.remaining_seconds,
			open_valves = excluded.open_valves,
			message = excluded.message,
			run_id = excluded.run_id,
			updated_at = excluded.updated_at`,
		s.Running, s.RemainingSeconds, string(encoded), s.Message, s.RunID, formatTime(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save run status: %w", err)
	}
	return nil
}

// LoadRunStatus returns the stored snapshot. ok is false when nothing has
// been saved yet.
func (db *DB) LoadRunStatus() (s runstate.Snapshot, ok bool, err error) {
	var encoded, updatedAt string
	err = db.QueryRow(`
		SELECT running, remaining_seconds, open_valves, message, run_id, updated_at
		FROM run_status WHERE id = 1`,
	).Scan(&s.Running, &s.RemainingSeconds, &encoded, &s.Message, &s.RunID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return runstate.Snapshot{}, false, nil
	}
	if err != nil {
		return runstate.Snapshot{}, false, fmt.Errorf("load run status: %w", err)
	}
	if err := json.Unmarshal([]byte(encoded), &s.OpenValves); err != nil {
		return runstate.Snapshot{}, false, fmt.Errorf("decode open valves %q: %w", encoded, err)
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return runstate.Snapshot{}, false, err
	}
	return s, true, nil
}

// RecordRunEvent appends e to the run log.
func (db *DB) RecordRunEvent(e runstate.Event) error {
	_, err := db.Exec(
		`INSERT INTO run_events (run_id, kind, message, remaining_seconds, at) VALUES (?, ?, ?, ?, ?)`,
		e.RunID, string(e.Kind), e.Message, e.RemainingSeconds, formatTime(e.At),
	)
	if err != nil {
		return fmt.Errorf("record %s event: %w", e.Kind, err)
	}
	return nil
}

// RunEvents returns up to limit events, newest first.
func (db *DB) RunEvents(limit int) ([]runstate.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT run_id, kind, message, remaining_seconds, at
		FROM run_events ORDER BY event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query run events: %w", err)
	}
	defer rows.Close()

	var events []runstate.Event
	for rows.Next() {
		var e runstate.Event
		var kind, at string
		if err := rows.Scan(&e.RunID, &kind, &e.Message, &e.RemainingSeconds, &at); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		e.Kind = runstate.EventKind(kind)
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// AttachAdminRoutes mounts SQL debugging and a backup download under
// /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Irrigation DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("irrigation-backup-%d.db", time.Now().UnixNano()))
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			monitoring.Logf("db: failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
	w.Header().Set("Content-Type", "application/gzip")

	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		monitoring.Logf("db: writing backup: %v", err)
	}
}

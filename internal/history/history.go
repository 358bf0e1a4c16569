// Package history implements a SQLite-backed lifecycle transition log:
// one row per App state transition, durable across restarts and
// independent of the in-memory ring-buffered Console.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/apphost/apphost/internal/app"
)

// Transition is one recorded App FSM transition.
type Transition struct {
	Seq   int64     `json:"seq"`
	App   string    `json:"app"`
	From  app.State `json:"from"`
	To    app.State `json:"to"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

// QueryParams filters a Query call.
type QueryParams struct {
	App   string
	Limit int
}

// Store is a SQLite-backed append log of App lifecycle transitions.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and ensures its
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS transitions (
			seq   INTEGER PRIMARY KEY AUTOINCREMENT,
			app   TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state   TEXT NOT NULL,
			at    TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_history_app ON transitions(app);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Record appends one transition row. Record returns write failures
// rather than swallowing them; this table is the sole copy of the
// data, not a rebuildable projection.
func (s *Store) Record(t Transition) error {
	_, err := s.db.Exec(
		`INSERT INTO transitions (app, from_state, to_state, at, error) VALUES (?, ?, ?, ?, ?)`,
		t.App, string(t.From), string(t.To), t.At.UTC().Format(time.RFC3339Nano), t.Error,
	)
	if err != nil {
		return fmt.Errorf("history: record: %w", err)
	}
	return nil
}

// Query returns transitions matching params, most recent first.
func (s *Store) Query(params QueryParams) ([]Transition, error) {
	query := "SELECT seq, app, from_state, to_state, at, error FROM transitions WHERE 1=1"
	var args []any

	if params.App != "" {
		query += " AND app = ?"
		args = append(args, params.App)
	}
	query += " ORDER BY seq DESC"
	if params.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var from, to, at string
		if err := rows.Scan(&t.Seq, &t.App, &from, &to, &at, &t.Error); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		t.From = app.State(from)
		t.To = app.State(to)
		if parsed, err := time.Parse(time.RFC3339Nano, at); err == nil {
			t.At = parsed
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

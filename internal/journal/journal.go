package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// EventKind distinguishes journal entries
type EventKind string

const (
	EventDocument EventKind = "document"
	EventAccept   EventKind = "accept"
	EventReject   EventKind = "reject"
)

// Event is one journal entry in arrival order
type Event struct {
	Seq  int64     `json:"seq"`
	Kind EventKind `json:"kind"`
	// Body holds the raw artifact text for document events
	Body string    `json:"body,omitempty"`
	At   time.Time `json:"at"`
}

// Store records the inputs of a session so it can be replayed. Tree state is
// never stored; it is rebuilt from the recorded documents and decisions.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the journal database at path
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS documents (
			event_seq INTEGER PRIMARY KEY,
			body TEXT NOT NULL,
			FOREIGN KEY(event_seq) REFERENCES events(seq)
		);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate journal: %w", err)
		}
	}
	return nil
}

// RecordDocument appends a raw artifact document
func (s *Store) RecordDocument(ctx context.Context, body string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record document: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	seq, err := insertEvent(ctx, tx, EventDocument, s.now())
	if err != nil {
		return fmt.Errorf("record document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO documents (event_seq, body) VALUES (?, ?)`, seq, body); err != nil {
		return fmt.Errorf("record document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record document: %w", err)
	}
	return nil
}

// RecordDecision appends an accept or reject decision
func (s *Store) RecordDecision(ctx context.Context, kind EventKind) error {
	if kind != EventAccept && kind != EventReject {
		return fmt.Errorf("record decision: unsupported kind %q", kind)
	}
	if _, err := insertEvent(ctx, s.db, kind, s.now()); err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, kind EventKind, at time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `INSERT INTO events (kind, at) VALUES (?, ?)`, string(kind), at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Events returns every event in arrival order
func (s *Store) Events(ctx context.Context) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.seq, e.kind, e.at, COALESCE(d.body, '')
		FROM events e
		LEFT JOIN documents d ON d.event_seq = e.seq
		ORDER BY e.seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var events []Event
	for rows.Next() {
		var (
			ev   Event
			kind string
			at   string
		)
		if err := rows.Scan(&ev.Seq, &kind, &at, &ev.Body); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = EventKind(kind)
		ev.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse event %d time: %w", ev.Seq, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

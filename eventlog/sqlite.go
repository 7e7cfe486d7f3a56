package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"

	"github.com/sarchlab/simlog/event"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	sequence  INTEGER PRIMARY KEY,
	topic     TEXT NOT NULL,
	timestamp REAL NOT NULL,
	source_id TEXT NOT NULL DEFAULT '',
	target_id TEXT NOT NULL DEFAULT '',
	payload   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_time ON events (timestamp, sequence);
CREATE TABLE IF NOT EXISTS topics (
	topic       TEXT PRIMARY KEY,
	description TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS run_outcome (
	run_id          TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	reason          TEXT NOT NULL,
	failed_sequence INTEGER,
	failed_time     REAL,
	watermark       INTEGER,
	events          INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS listener_failures (
	run_id   TEXT NOT NULL,
	position INTEGER NOT NULL,
	sequence INTEGER NOT NULL,
	topic    TEXT NOT NULL,
	listener TEXT NOT NULL,
	error    TEXT NOT NULL,
	PRIMARY KEY (run_id, position)
);
`

// SQLiteBackend stores the log in a SQLite database. Each batch is inserted
// in a single transaction.
type SQLiteBackend struct {
	*sql.DB

	path string
}

// NewSQLiteBackend creates a new database file. An empty path picks a unique
// name in the working directory. It fails if the file already exists.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path == "" {
		path = "simlog_" + xid.New().String() + ".sqlite3"
	}

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("eventlog: file %s already exists", path)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	b, err := NewSQLiteBackendWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	b.path = path

	return b, nil
}

// NewSQLiteBackendWithDB uses an already opened database.
func NewSQLiteBackendWithDB(db *sql.DB) (*SQLiteBackend, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("eventlog: create schema: %w", err)
	}

	return &SQLiteBackend{DB: db}, nil
}

// Path returns the database file, or "" if the database was passed in.
func (b *SQLiteBackend) Path() string {
	return b.path
}

// Write inserts the batch in one transaction.
func (b *SQLiteBackend) Write(ctx context.Context, batch []*event.Event) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := b.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events
			(sequence, topic, timestamp, source_id, target_id, payload)
			VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, evt := range batch {
		_, err := stmt.ExecContext(ctx,
			int64(evt.Sequence()),
			string(evt.Topic()),
			float64(evt.Time()),
			evt.SourceID(),
			evt.TargetID(),
			string(evt.Payload()),
		)
		if err != nil {
			return fmt.Errorf("insert %s: %w", evt, err)
		}
	}

	return tx.Commit()
}

// WriteManifest stores the run outcome, the topic descriptions and the
// isolated listener failures.
func (b *SQLiteBackend) WriteManifest(ctx context.Context, m Manifest) error {
	tx, err := b.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for topic, desc := range m.Topics {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO topics (topic, description) VALUES (?, ?)`,
			string(topic), desc)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO run_outcome
			(run_id, status, reason, failed_sequence, failed_time, watermark, events)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.RunID,
		string(m.Status),
		m.Reason,
		nullableSequence(m.FailedSequence),
		nullableTime(m.FailedTime),
		nullableSequence(m.Watermark),
		int64(m.DurableEvents),
	)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM listener_failures WHERE run_id = ?`, m.RunID)
	if err != nil {
		return err
	}

	for pos, f := range m.Failures {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO listener_failures
				(run_id, position, sequence, topic, listener, error)
				VALUES (?, ?, ?, ?, ?, ?)`,
			m.RunID, pos, int64(f.Sequence), string(f.Topic), f.Listener, f.Error)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func nullableSequence(v *uint64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullableTime(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}

	return sql.NullFloat64{Float64: *v, Valid: true}
}

var _ Backend = (*SQLiteBackend)(nil)

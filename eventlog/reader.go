package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sarchlab/simlog/event"
)

// ReadJSONFile loads every event of a JSON log, validating each payload
// against reg.
func ReadJSONFile(reg *event.Registry, path string) ([]*event.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("eventlog: parse %s: %w", path, err)
	}

	events := make([]*event.Event, 0, len(raw))
	for i, r := range raw {
		evt, err := event.Decode(reg, r)
		if err != nil {
			return nil, fmt.Errorf("eventlog: %s record %d: %w", path, i, err)
		}

		events = append(events, evt)
	}

	return events, nil
}

// ReadManifest loads the manifest written next to a JSON log.
func ReadManifest(path string) (Manifest, error) {
	var m Manifest

	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}

	err = json.Unmarshal(data, &m)

	return m, err
}

// ReadSQLite loads every event of a SQLite log in (time, sequence) order.
func ReadSQLite(
	ctx context.Context,
	reg *event.Registry,
	db *sql.DB,
) ([]*event.Event, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT sequence, topic, timestamp, source_id, target_id, payload
			FROM events ORDER BY timestamp, sequence`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*event.Event

	for rows.Next() {
		var (
			rec     event.Record
			seq     int64
			payload string
		)

		err := rows.Scan(&seq, &rec.Topic, &rec.Time,
			&rec.SourceID, &rec.TargetID, &payload)
		if err != nil {
			return nil, err
		}

		rec.Sequence = uint64(seq)
		rec.Payload = json.RawMessage(payload)

		evt, err := event.FromRecord(reg, rec)
		if err != nil {
			return nil, fmt.Errorf("eventlog: event #%d: %w", seq, err)
		}

		events = append(events, evt)
	}

	return events, rows.Err()
}

// ReadSQLiteManifest loads the outcome of a run from a SQLite log.
func ReadSQLiteManifest(
	ctx context.Context,
	db *sql.DB,
	runID string,
) (Manifest, error) {
	m := Manifest{RunID: runID}

	var (
		status         string
		failedSequence sql.NullInt64
		failedTime     sql.NullFloat64
		watermark      sql.NullInt64
		events         int64
	)

	err := db.QueryRowContext(ctx,
		`SELECT status, reason, failed_sequence, failed_time, watermark, events
			FROM run_outcome WHERE run_id = ?`, runID).
		Scan(&status, &m.Reason, &failedSequence, &failedTime, &watermark, &events)
	if err != nil {
		return m, err
	}

	m.Status = Status(status)
	m.DurableEvents = uint64(events)

	if failedSequence.Valid {
		v := uint64(failedSequence.Int64)
		m.FailedSequence = &v
	}

	if failedTime.Valid {
		m.FailedTime = &failedTime.Float64
	}

	if watermark.Valid {
		v := uint64(watermark.Int64)
		m.Watermark = &v
	}

	rows, err := db.QueryContext(ctx, `SELECT topic, description FROM topics`)
	if err != nil {
		return m, err
	}
	defer rows.Close()

	for rows.Next() {
		var topic, desc string
		if err := rows.Scan(&topic, &desc); err != nil {
			return m, err
		}

		if m.Topics == nil {
			m.Topics = make(map[event.Topic]string)
		}

		m.Topics[event.Topic(topic)] = desc
	}

	if err := rows.Err(); err != nil {
		return m, err
	}

	m.Failures, err = readSQLiteFailures(ctx, db, runID)

	return m, err
}

func readSQLiteFailures(
	ctx context.Context,
	db *sql.DB,
	runID string,
) ([]Failure, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT sequence, topic, listener, error FROM listener_failures
			WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []Failure

	for rows.Next() {
		var (
			f     Failure
			seq   int64
			topic string
		)

		if err := rows.Scan(&seq, &topic, &f.Listener, &f.Error); err != nil {
			return nil, err
		}

		f.Sequence = uint64(seq)
		f.Topic = event.Topic(topic)
		failures = append(failures, f)
	}

	return failures, rows.Err()
}

// ReadPostgres loads every event of one run from PostgreSQL in (time,
// sequence) order.
func ReadPostgres(
	ctx context.Context,
	reg *event.Registry,
	pool *pgxpool.Pool,
	runID string,
) ([]*event.Event, error) {
	rows, err := pool.Query(ctx,
		`SELECT sequence, topic, timestamp, source_id, target_id, payload::text
			FROM simlog_events WHERE run_id = $1
			ORDER BY timestamp, sequence`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*event.Event

	for rows.Next() {
		var (
			rec     event.Record
			seq     int64
			topic   string
			payload string
		)

		err := rows.Scan(&seq, &topic, &rec.Time,
			&rec.SourceID, &rec.TargetID, &payload)
		if err != nil {
			return nil, err
		}

		rec.Topic = event.Topic(topic)
		rec.Sequence = uint64(seq)
		rec.Payload = json.RawMessage(payload)

		evt, err := event.FromRecord(reg, rec)
		if err != nil {
			return nil, fmt.Errorf("eventlog: event #%d: %w", seq, err)
		}

		events = append(events, evt)
	}

	return events, rows.Err()
}

// ReadPostgresFailures loads the isolated listener failures of one run from
// PostgreSQL.
func ReadPostgresFailures(
	ctx context.Context,
	pool *pgxpool.Pool,
	runID string,
) ([]Failure, error) {
	rows, err := pool.Query(ctx,
		`SELECT sequence, topic, listener, error FROM simlog_listener_failures
			WHERE run_id = $1 ORDER BY position`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []Failure

	for rows.Next() {
		var (
			f     Failure
			seq   int64
			topic string
		)

		if err := rows.Scan(&seq, &topic, &f.Listener, &f.Error); err != nil {
			return nil, err
		}

		f.Sequence = uint64(seq)
		f.Topic = event.Topic(topic)
		failures = append(failures, f)
	}

	return failures, rows.Err()
}

// CheckOrder verifies that events are strictly increasing in (time,
// sequence) order and that sequence numbers have no gaps.
func CheckOrder(events []*event.Event) error {
	for i := 1; i < len(events); i++ {
		prev, curr := events[i-1], events[i]

		if !prev.Before(curr) {
			return fmt.Errorf("%w: %s then %s", ErrOutOfOrder, prev, curr)
		}

		if curr.Sequence() != prev.Sequence()+1 {
			return fmt.Errorf("%w: gap between %s and %s",
				ErrOutOfOrder, prev, curr)
		}
	}

	return nil
}

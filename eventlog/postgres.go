package eventlog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/sarchlab/simlog/event"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS simlog_events (
	run_id    TEXT NOT NULL,
	sequence  BIGINT NOT NULL,
	topic     TEXT NOT NULL,
	timestamp DOUBLE PRECISION NOT NULL,
	source_id TEXT NOT NULL DEFAULT '',
	target_id TEXT NOT NULL DEFAULT '',
	payload   JSONB NOT NULL,
	PRIMARY KEY (run_id, sequence)
);
CREATE INDEX IF NOT EXISTS simlog_events_time
	ON simlog_events (run_id, timestamp, sequence);
CREATE TABLE IF NOT EXISTS simlog_topics (
	run_id      TEXT NOT NULL,
	topic       TEXT NOT NULL,
	description TEXT NOT NULL,
	PRIMARY KEY (run_id, topic)
);
CREATE TABLE IF NOT EXISTS simlog_run_outcome (
	run_id          TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	reason          TEXT NOT NULL,
	failed_sequence BIGINT,
	failed_time     DOUBLE PRECISION,
	watermark       BIGINT,
	events          BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS simlog_listener_failures (
	run_id   TEXT NOT NULL,
	position INTEGER NOT NULL,
	sequence BIGINT NOT NULL,
	topic    TEXT NOT NULL,
	listener TEXT NOT NULL,
	error    TEXT NOT NULL,
	PRIMARY KEY (run_id, position)
);
`

// PostgresBackend stores the log of one run in PostgreSQL. Several runs can
// share a database; rows are keyed by run ID.
type PostgresBackend struct {
	pool  *pgxpool.Pool
	runID string
	owned bool
	log   zerolog.Logger
}

// NewPostgresBackend connects to the database at dsn and creates the tables
// if needed.
func NewPostgresBackend(
	ctx context.Context,
	dsn string,
	runID string,
	logger zerolog.Logger,
) (*PostgresBackend, error) {
	log := logger.With().Str("component", "postgres").Logger()

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		log.Error().Err(err).Msg("failed to parse connection string")
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Error().Err(err).Msg("failed to create connection pool")
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		log.Error().Err(err).Msg("failed to ping database")
		pool.Close()

		return nil, err
	}

	b, err := NewPostgresBackendWithPool(ctx, pool, runID, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	b.owned = true

	return b, nil
}

// NewPostgresBackendWithPool uses an existing pool. Close leaves the pool
// open.
func NewPostgresBackendWithPool(
	ctx context.Context,
	pool *pgxpool.Pool,
	runID string,
	logger zerolog.Logger,
) (*PostgresBackend, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("eventlog: create schema: %w", err)
	}

	return &PostgresBackend{
		pool:  pool,
		runID: runID,
		log:   logger.With().Str("component", "postgres").Logger(),
	}, nil
}

// RunID returns the run the backend writes rows for.
func (b *PostgresBackend) RunID() string {
	return b.runID
}

// Write inserts the batch in one transaction.
func (b *PostgresBackend) Write(ctx context.Context, batch []*event.Event) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	queue := &pgx.Batch{}
	for _, evt := range batch {
		queue.Queue(
			`INSERT INTO simlog_events
				(run_id, sequence, topic, timestamp, source_id, target_id, payload)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			b.runID,
			int64(evt.Sequence()),
			string(evt.Topic()),
			float64(evt.Time()),
			evt.SourceID(),
			evt.TargetID(),
			string(evt.Payload()),
		)
	}

	if err := tx.SendBatch(ctx, queue).Close(); err != nil {
		b.log.Error().Err(err).Int("events", len(batch)).Msg("batch insert failed")
		return err
	}

	return tx.Commit(ctx)
}

// WriteManifest stores the run outcome, the topic descriptions and the
// isolated listener failures.
func (b *PostgresBackend) WriteManifest(ctx context.Context, m Manifest) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	queue := &pgx.Batch{}
	for topic, desc := range m.Topics {
		queue.Queue(
			`INSERT INTO simlog_topics (run_id, topic, description)
				VALUES ($1, $2, $3)
				ON CONFLICT (run_id, topic) DO UPDATE SET description = EXCLUDED.description`,
			b.runID, string(topic), desc)
	}

	queue.Queue(
		`INSERT INTO simlog_run_outcome
			(run_id, status, reason, failed_sequence, failed_time, watermark, events)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (run_id) DO UPDATE SET
				status = EXCLUDED.status,
				reason = EXCLUDED.reason,
				failed_sequence = EXCLUDED.failed_sequence,
				failed_time = EXCLUDED.failed_time,
				watermark = EXCLUDED.watermark,
				events = EXCLUDED.events`,
		b.runID,
		string(m.Status),
		m.Reason,
		nullableSequence(m.FailedSequence),
		nullableTime(m.FailedTime),
		nullableSequence(m.Watermark),
		int64(m.DurableEvents),
	)

	queue.Queue(`DELETE FROM simlog_listener_failures WHERE run_id = $1`, b.runID)
	for pos, f := range m.Failures {
		queue.Queue(
			`INSERT INTO simlog_listener_failures
				(run_id, position, sequence, topic, listener, error)
				VALUES ($1, $2, $3, $4, $5, $6)`,
			b.runID, pos, int64(f.Sequence), string(f.Topic), f.Listener, f.Error)
	}

	if err := tx.SendBatch(ctx, queue).Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Close releases the pool if the backend created it.
func (b *PostgresBackend) Close() error {
	if b.owned {
		b.log.Info().Msg("closing database connection pool")
		b.pool.Close()
	}

	return nil
}

var _ Backend = (*PostgresBackend)(nil)

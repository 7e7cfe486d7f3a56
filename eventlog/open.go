package eventlog

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// BackendKind selects a Backend implementation.
type BackendKind string

// Known backends.
const (
	JSONFile BackendKind = "json"
	SQLite   BackendKind = "sqlite"
	Postgres BackendKind = "postgres"
)

// BackendConfig describes where a log goes.
type BackendConfig struct {
	Kind BackendKind

	// Path is the file of the json and sqlite backends. Empty picks a unique
	// name in the working directory.
	Path string

	// DSN is the connection string of the postgres backend.
	DSN string

	// RunID keys the rows of the postgres backend.
	RunID string
}

// Open creates the backend described by cfg.
func Open(
	ctx context.Context,
	cfg BackendConfig,
	logger zerolog.Logger,
) (Backend, error) {
	switch cfg.Kind {
	case JSONFile, "":
		return NewJSONFileBackend(cfg.Path)
	case SQLite:
		return NewSQLiteBackend(cfg.Path)
	case Postgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("eventlog: postgres backend needs a DSN")
		}

		return NewPostgresBackend(ctx, cfg.DSN, cfg.RunID, logger)
	default:
		return nil, fmt.Errorf("eventlog: unknown backend %q", cfg.Kind)
	}
}

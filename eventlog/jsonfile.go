package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/xid"

	"github.com/sarchlab/simlog/event"
)

const (
	jsonHeader       = "[\n"
	jsonEmptyTrailer = "]\n"
	jsonTrailer      = "\n]\n"
	jsonSeparator    = ",\n"
)

// JSONFileBackend keeps the log as a JSON array of records, one record per
// line. Every flush rewrites the file through a temporary file and an atomic
// rename, so the file on disk is always a complete, parseable array.
type JSONFileBackend struct {
	path  string
	count int
}

// NewJSONFileBackend creates the log file at path. An empty path picks a
// unique name in the working directory. It fails if the file already exists.
func NewJSONFileBackend(path string) (*JSONFileBackend, error) {
	if path == "" {
		path = "simlog_" + xid.New().String() + ".json"
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: create %s: %w", path, err)
	}

	_, err = f.WriteString(jsonHeader + jsonEmptyTrailer)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("eventlog: create %s: %w", path, err)
	}

	if err := f.Close(); err != nil {
		return nil, err
	}

	return &JSONFileBackend{path: path}, nil
}

// Path returns the path of the log file.
func (b *JSONFileBackend) Path() string {
	return b.path
}

// ManifestPath returns the path of the manifest written next to the log.
func (b *JSONFileBackend) ManifestPath() string {
	return ManifestPathFor(b.path)
}

// ManifestPathFor returns the manifest path that belongs to a JSON log.
func ManifestPathFor(logPath string) string {
	return strings.TrimSuffix(logPath, ".json") + ".manifest.json"
}

// Write appends the batch to the log file.
func (b *JSONFileBackend) Write(ctx context.Context, batch []*event.Event) error {
	if len(batch) == 0 {
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".simlog-*.tmp")
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := b.copyPrefix(tmp); err != nil {
		return err
	}

	for i, evt := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}

		if b.count > 0 || i > 0 {
			if _, err := tmp.WriteString(jsonSeparator); err != nil {
				return err
			}
		}

		data, err := json.Marshal(evt.Record())
		if err != nil {
			return err
		}

		if _, err := tmp.Write(data); err != nil {
			return err
		}
	}

	if _, err := tmp.WriteString(jsonTrailer); err != nil {
		return err
	}

	if err := tmp.Sync(); err != nil {
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Rename(tmp.Name(), b.path); err != nil {
		return err
	}

	committed = true
	b.count += len(batch)

	return nil
}

func (b *JSONFileBackend) copyPrefix(dst io.Writer) error {
	src, err := os.Open(b.path)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}

	trailer := len(jsonTrailer)
	if b.count == 0 {
		trailer = len(jsonEmptyTrailer)
	}

	keep := info.Size() - int64(trailer)
	if keep < int64(len(jsonHeader)) {
		return errors.New("eventlog: log file " + b.path + " is truncated")
	}

	_, err = io.CopyN(dst, src, keep)

	return err
}

// WriteManifest writes the manifest next to the log file.
func (b *JSONFileBackend) WriteManifest(ctx context.Context, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	return writeFileAtomic(ctx, b.ManifestPath(), append(data, '\n'))
}

// Close does nothing. The log file is complete after every flush.
func (b *JSONFileBackend) Close() error {
	return nil
}

func writeFileAtomic(ctx context.Context, path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".simlog-*.tmp")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	if err := ctx.Err(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	return os.Rename(tmp.Name(), path)
}

var _ Backend = (*JSONFileBackend)(nil)

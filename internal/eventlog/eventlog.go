// Package eventlog appends alert events to a JSON-lines journal.
package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/care/visionx/internal/types"
)

// TimestampLayout is the UTC timestamp format written to the journal.
const TimestampLayout = "2006-01-02T15:04:05"

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("eventlog: journal closed")

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Journal is an append-only JSONL file. Each record is written with a
// single write call on an O_APPEND descriptor.
type Journal struct {
	mu    sync.Mutex
	file  *os.File
	path  string
	count uint64
}

// Open opens (or creates) the journal at path, creating parent directories.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &Journal{file: f, path: path}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Append writes one record as a JSON line.
func (j *Journal) Append(rec types.EventRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return ErrClosed
	}
	if _, err := j.file.Write(data); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	j.count++
	return nil
}

// Count returns how many records were appended by this process.
func (j *Journal) Count() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}

// Close syncs and closes the file. Idempotent.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	f := j.file
	j.file = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return f.Close()
}

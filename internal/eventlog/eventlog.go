// Package eventlog keeps the local, append-only event document of one
// participant: a single JSON array of objects stored in one file.
package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/openresearch/studykit/internal/logger"
)

// Record is one event: string keys, JSON-compatible values.
type Record = map[string]any

// Document is the full ordered sequence of records.
type Document []Record

// Buffer is the event document of one (study, participant) pair.
// The file is always rewritten whole so it stays a single valid document.
type Buffer struct {
	path string
	log  *logger.Logger

	mu     sync.Mutex
	loaded bool
	docs   Document
}

// FileName returns the document name used on disk and on the wire.
func FileName(studyID, participantID string) string {
	return fmt.Sprintf("study-%s-%s.json", studyID, participantID)
}

func Open(dir, studyID, participantID string, log *logger.Logger) *Buffer {
	return &Buffer{
		path: filepath.Join(dir, FileName(studyID, participantID)),
		log:  logger.OrNop(log),
	}
}

func (b *Buffer) Path() string {
	return b.path
}

// Append adds records to the end of the document. On a write failure the
// error is returned and neither the file nor the cached sequence change.
func (b *Buffer) Append(records ...Record) error {
	if len(records) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.readLocked()
	next := make(Document, 0, len(current)+len(records))
	next = append(next, current...)
	next = append(next, records...)

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal event document: %w", err)
	}
	if err := writeAtomic(b.path, data); err != nil {
		return err
	}

	b.docs = next
	b.loaded = true
	b.log.Debug("appended events", "path", b.path, "appended", len(records), "total", len(next))
	return nil
}

// Snapshot returns a copy of the current sequence.
func (b *Buffer) Snapshot() Document {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.readLocked()
	out := make(Document, len(current))
	copy(out, current)
	return out
}

// Len reports the number of stored records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.readLocked())
}

// Bytes serializes the current sequence for upload.
func (b *Buffer) Bytes() ([]byte, int, error) {
	doc := b.Snapshot()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal event document: %w", err)
	}
	return data, len(doc), nil
}

// readLocked loads the file once. Missing or damaged files read as empty.
func (b *Buffer) readLocked() Document {
	if b.loaded {
		return b.docs
	}

	data, err := os.ReadFile(b.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		b.docs = Document{}
	case err != nil:
		b.log.Warn("failed to read event document, treating as empty", "path", b.path, "error", err)
		b.docs = Document{}
	default:
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			b.log.Warn("event document is damaged, treating as empty", "path", b.path, "error", err)
			doc = Document{}
		}
		if doc == nil {
			doc = Document{}
		}
		b.docs = doc
	}

	b.loaded = true
	return b.docs
}

// writeAtomic replaces path with data via a temp file in the same directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace event document: %w", err)
	}
	return nil
}

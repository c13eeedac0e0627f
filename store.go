package kestrel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// RecordStore persists one structured record for a built-in tool. The tool
// loads the record once at enablement and rewrites it after every mutation.
//
// Load fills v from the stored record; an absent record leaves v untouched
// and returns nil. Save replaces the stored record with v. Close releases
// any underlying resource and is idempotent.
//
// Implementations: NewFileStore (JSON file) and store/sqlite.
type RecordStore interface {
	Load(ctx context.Context, v any) error
	Save(ctx context.Context, v any) error
	Close() error
}

// memoryStore keeps nothing: a RecordStore for memory-only built-in tools.
type memoryStore struct{}

func (memoryStore) Load(context.Context, any) error { return nil }
func (memoryStore) Save(context.Context, any) error { return nil }
func (memoryStore) Close() error                    { return nil }

// fileStore persists the record as a JSON file, rewriting the whole file on
// every Save via a temp-file rename.
type fileStore struct {
	path string
}

// NewFileStore creates a RecordStore backed by a JSON file at path. A
// missing file is not an error (empty initial state); a malformed file is
// reported as *ErrParse at load time.
func NewFileStore(path string) RecordStore {
	return &fileStore{path: path}
}

func (s *fileStore) Load(_ context.Context, v any) error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", s.path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &ErrParse{What: s.path, Err: err}
	}
	return nil
}

func (s *fileStore) Save(_ context.Context, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.path, err)
	}
	tmp := s.path + ".tmp"
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}

func (s *fileStore) Close() error { return nil }

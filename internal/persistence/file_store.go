package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// FileStore keeps the snapshot in a single JSON file.
//
// Save writes a temporary file in the target directory, fsyncs it and renames
// it over the target, so a reader (or the process after a crash) only ever
// sees a complete document. When the rename fails the file is replaced in
// place and a warning is logged; a crash in that window can leave a stale or
// missing file.
type FileStore struct {
	path string

	mu     sync.Mutex
	rename func(oldpath, newpath string) error
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, rename: os.Rename}
}

func (f *FileStore) Save(_ context.Context, snap Snapshot) error {
	data, err := Marshal(snap)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temporary snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temporary snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temporary snapshot: %w", err)
	}

	if err := f.rename(tmpPath, f.path); err != nil {
		zap.L().Warn("persistence.non_atomic_replace",
			zap.String("path", f.path), zap.Error(err))
		if err := os.WriteFile(f.path, data, 0o644); err != nil {
			return fmt.Errorf("replace snapshot: %w", err)
		}
		return nil
	}

	// Make the rename itself durable.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// Load returns an empty snapshot when the file does not exist yet.
func (f *FileStore) Load(_ context.Context) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return Empty(), nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	return Unmarshal(data)
}

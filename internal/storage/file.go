package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/buildsched/internal/model"
)

// FileStore keeps the snapshot as a single JSON document.
// Writes go to <path>.tmp first and are renamed into place.
type FileStore struct {
	logger *zap.Logger
	path   string
	mu     sync.Mutex
}

func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileStore{
		logger: logger.Named("file-store"),
		path:   path,
	}, nil
}

func (s *FileStore) Save(ctx context.Context, snapshot model.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal snapshot: %v", model.ErrPersistence, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	if err := writeSynced(tmp, data); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: failed to replace snapshot: %v", model.ErrPersistence, err)
	}

	s.logger.Debug("Saved snapshot",
		zap.Int("rules", len(snapshot.Rules)),
		zap.Int("tasks", len(snapshot.Tasks)))
	return nil
}

func writeSynced(name string, data []byte) error {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: failed to open snapshot file: %v", model.ErrPersistence, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: failed to write snapshot: %v", model.ErrPersistence, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: failed to sync snapshot: %v", model.ErrPersistence, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: failed to close snapshot: %v", model.ErrPersistence, err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context) (model.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return model.Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.Snapshot{}, nil
		}
		return model.Snapshot{}, fmt.Errorf("%w: failed to read snapshot: %v", model.ErrPersistence, err)
	}

	var snapshot model.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return model.Snapshot{}, fmt.Errorf("%w: failed to decode snapshot: %v", model.ErrPersistence, err)
	}
	return snapshot, nil
}

func (s *FileStore) Close() error {
	return nil
}

package storage

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/buildsched/internal/model"
)

// Store persists the scheduler snapshot
type Store interface {
	// Save replaces the stored snapshot
	Save(ctx context.Context, snapshot model.Snapshot) error

	// Load returns the stored snapshot, or an empty one if nothing was saved yet
	Load(ctx context.Context) (model.Snapshot, error)

	// Close releases the backend
	Close() error
}

// Config selects and configures a snapshot backend.
//
// Driver values:
//   - "none": nothing is persisted
//   - "file": JSON snapshot file
//   - "sqlite": SQLite database file
type Config struct {
	Driver string
	Path   string
}

// Open creates the configured store
func Open(cfg Config, logger *zap.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none":
		return NewNopStore(), nil
	case "file", "json":
		return NewFileStore(cfg.Path, logger)
	case "sqlite", "sqlite3":
		return NewSQLiteStore(cfg.Path, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}

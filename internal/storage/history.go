package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/buildsched/internal/model"
)

// BuildStatus is the state of a build run
type BuildStatus string

const (
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusCompleted BuildStatus = "completed"
	BuildStatusFailed    BuildStatus = "failed"
)

// BuildHistory represents one build run started by the executor
type BuildHistory struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	TargetID    string          `json:"target_id"`
	Cause       string          `json:"cause,omitempty"`
	Status      BuildStatus     `json:"status"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Output      string          `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Duration    time.Duration   `json:"duration,omitempty"`
}

// HistoryFilter narrows List and Count. Empty fields match everything.
type HistoryFilter struct {
	TaskID   string
	TargetID string
	Status   BuildStatus
}

// BuildHistoryStorage defines the interface for build history storage
type BuildHistoryStorage interface {
	// Store stores a build run record
	Store(ctx context.Context, history *BuildHistory) error

	// Update updates an existing build run record
	Update(ctx context.Context, history *BuildHistory) error

	// Get retrieves a build run record by ID
	Get(ctx context.Context, id string) (*BuildHistory, error)

	// List retrieves build run records with pagination and filters
	List(ctx context.Context, filter HistoryFilter, offset, limit int) ([]*BuildHistory, error)

	// Count returns the total number of records matching the filter
	Count(ctx context.Context, filter HistoryFilter) (int, error)

	// DeleteBefore deletes records started before the specified time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteBuildHistory implements BuildHistoryStorage using SQLite
type SQLiteBuildHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteBuildHistory opens (or creates) the history database at dbPath
func NewSQLiteBuildHistory(logger *zap.Logger, dbPath string) (*SQLiteBuildHistory, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, errors.New("history path is required")
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	storage := &SQLiteBuildHistory{
		logger: logger.Named("build-history"),
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteBuildHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS build_history (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			cause TEXT,
			status TEXT NOT NULL,
			parameters TEXT,
			output TEXT,
			error TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_build_history_task_id ON build_history(task_id);
		CREATE INDEX IF NOT EXISTS idx_build_history_target_id ON build_history(target_id);
		CREATE INDEX IF NOT EXISTS idx_build_history_status ON build_history(status);
		CREATE INDEX IF NOT EXISTS idx_build_history_started_at ON build_history(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Store implements BuildHistoryStorage.Store
func (s *SQLiteBuildHistory) Store(ctx context.Context, history *BuildHistory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO build_history (
			id, task_id, target_id, cause, status, parameters, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		history.ID,
		history.TaskID,
		history.TargetID,
		nullString(history.Cause),
		string(history.Status),
		nullString(string(history.Parameters)),
		history.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store build history: %w", err)
	}
	return nil
}

// Update implements BuildHistoryStorage.Update
func (s *SQLiteBuildHistory) Update(ctx context.Context, history *BuildHistory) error {
	completedAt := sql.NullTime{}
	if history.CompletedAt != nil {
		completedAt = sql.NullTime{Time: history.CompletedAt.UTC(), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE build_history SET
			status = ?,
			output = ?,
			error = ?,
			completed_at = ?,
			duration = ?
		WHERE id = ?`,
		string(history.Status),
		nullString(history.Output),
		nullString(history.Error),
		completedAt,
		sql.NullInt64{Int64: int64(history.Duration), Valid: history.Duration != 0},
		history.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update build history: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: build history %s", model.ErrNotFound, history.ID)
	}
	return nil
}

const historyColumns = `id, task_id, target_id, cause, status, parameters, output, error,
	started_at, completed_at, duration`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanHistory(row rowScanner) (*BuildHistory, error) {
	var (
		history                         BuildHistory
		status                          string
		cause, params, output, errorStr sql.NullString
		completedAt                     sql.NullTime
		durationNanos                   sql.NullInt64
	)
	err := row.Scan(
		&history.ID,
		&history.TaskID,
		&history.TargetID,
		&cause,
		&status,
		&params,
		&output,
		&errorStr,
		&history.StartedAt,
		&completedAt,
		&durationNanos,
	)
	if err != nil {
		return nil, err
	}

	history.Status = BuildStatus(status)
	history.Cause = cause.String
	if params.Valid && params.String != "" {
		history.Parameters = json.RawMessage(params.String)
	}
	history.Output = output.String
	history.Error = errorStr.String
	if completedAt.Valid {
		history.CompletedAt = &completedAt.Time
	}
	if durationNanos.Valid {
		history.Duration = time.Duration(durationNanos.Int64)
	}
	return &history, nil
}

// Get implements BuildHistoryStorage.Get
func (s *SQLiteBuildHistory) Get(ctx context.Context, id string) (*BuildHistory, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+historyColumns+" FROM build_history WHERE id = ?", id)
	history, err := scanHistory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: build history %s", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to scan build history: %w", err)
	}
	return history, nil
}

func (f HistoryFilter) where() (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	if f.TaskID != "" {
		clauses = append(clauses, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.TargetID != "" {
		clauses = append(clauses, "target_id = ?")
		args = append(args, f.TargetID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// List implements BuildHistoryStorage.List
func (s *SQLiteBuildHistory) List(ctx context.Context, filter HistoryFilter, offset, limit int) ([]*BuildHistory, error) {
	if limit <= 0 {
		limit = -1
	}
	where, args := filter.where()
	query := "SELECT " + historyColumns + " FROM build_history" + where +
		" ORDER BY started_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list build history: %w", err)
	}
	defer rows.Close()

	var histories []*BuildHistory
	for rows.Next() {
		history, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan build history: %w", err)
		}
		histories = append(histories, history)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return histories, nil
}

// Count implements BuildHistoryStorage.Count
func (s *SQLiteBuildHistory) Count(ctx context.Context, filter HistoryFilter) (int, error) {
	where, args := filter.where()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM build_history"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count build history: %w", err)
	}
	return count, nil
}

// DeleteBefore implements BuildHistoryStorage.DeleteBefore
func (s *SQLiteBuildHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM build_history WHERE started_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete build history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old build history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *SQLiteBuildHistory) Close() error {
	return s.db.Close()
}

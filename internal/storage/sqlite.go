package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/buildsched/internal/model"
)

// SQLiteStore keeps the snapshot in two tables, replaced as a whole on every
// save inside one transaction. Instants are stored as unix nanoseconds and
// read back in UTC.
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases alive and serialises writers
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		logger: logger.Named("sqlite-store"),
		db:     db,
	}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS rules (
			id TEXT PRIMARY KEY,
			target_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			parameters TEXT NOT NULL,
			description TEXT,
			enabled INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			daily_time TEXT,
			week_days TEXT,
			weekly_time TEXT,
			month_days TEXT,
			monthly_time TEXT,
			cron_expression TEXT,
			valid_from INTEGER,
			valid_until INTEGER
		);
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			target_id TEXT NOT NULL,
			scheduled_time INTEGER NOT NULL,
			parameters TEXT NOT NULL,
			description TEXT,
			cancelled INTEGER NOT NULL,
			executed INTEGER NOT NULL,
			source_rule_id TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_target_id ON tasks(target_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_scheduled_time ON tasks(scheduled_time);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Save implements Store.Save
func (s *SQLiteStore) Save(ctx context.Context, snapshot model.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", model.ErrPersistence, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM rules"); err != nil {
		return fmt.Errorf("%w: failed to clear rules: %v", model.ErrPersistence, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM tasks"); err != nil {
		return fmt.Errorf("%w: failed to clear tasks: %v", model.ErrPersistence, err)
	}

	for i := range snapshot.Rules {
		if err := insertRule(ctx, tx, &snapshot.Rules[i]); err != nil {
			return err
		}
	}
	for i := range snapshot.Tasks {
		if err := insertTask(ctx, tx, &snapshot.Tasks[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit snapshot: %v", model.ErrPersistence, err)
	}
	s.logger.Debug("Saved snapshot",
		zap.Int("rules", len(snapshot.Rules)),
		zap.Int("tasks", len(snapshot.Tasks)))
	return nil
}

func insertRule(ctx context.Context, tx *sql.Tx, rule *model.RecurrenceRule) error {
	params, err := json.Marshal(nonNil(rule.Parameters))
	if err != nil {
		return fmt.Errorf("%w: failed to marshal rule parameters: %v", model.ErrPersistence, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO rules (
			id, target_id, kind, parameters, description, enabled, created_at,
			daily_time, week_days, weekly_time, month_days, monthly_time,
			cron_expression, valid_from, valid_until
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID,
		rule.TargetID,
		string(rule.Kind),
		string(params),
		rule.Description,
		rule.Enabled,
		rule.CreatedAt.UnixNano(),
		nullString(rule.DailyTime),
		daysColumn(rule.WeekDays),
		nullString(rule.WeeklyTime),
		daysColumn(rule.MonthDays),
		nullString(rule.MonthlyTime),
		nullString(rule.CronExpression),
		nullTime(rule.ValidFrom),
		nullTime(rule.ValidUntil),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to store rule %s: %v", model.ErrPersistence, rule.ID, err)
	}
	return nil
}

func insertTask(ctx context.Context, tx *sql.Tx, task *model.Task) error {
	params, err := json.Marshal(nonNil(task.Parameters))
	if err != nil {
		return fmt.Errorf("%w: failed to marshal task parameters: %v", model.ErrPersistence, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (
			id, target_id, scheduled_time, parameters, description,
			cancelled, executed, source_rule_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.TargetID,
		task.ScheduledTime.UnixNano(),
		string(params),
		task.Description,
		task.Cancelled,
		task.Executed,
		nullString(task.SourceRuleID),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to store task %s: %v", model.ErrPersistence, task.ID, err)
	}
	return nil
}

// Load implements Store.Load
func (s *SQLiteStore) Load(ctx context.Context) (model.Snapshot, error) {
	rules, err := s.loadRules(ctx)
	if err != nil {
		return model.Snapshot{}, err
	}
	tasks, err := s.loadTasks(ctx)
	if err != nil {
		return model.Snapshot{}, err
	}
	return model.Snapshot{Rules: rules, Tasks: tasks}, nil
}

func (s *SQLiteStore) loadRules(ctx context.Context) ([]model.RecurrenceRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			id, target_id, kind, parameters, description, enabled, created_at,
			daily_time, week_days, weekly_time, month_days, monthly_time,
			cron_expression, valid_from, valid_until
		FROM rules
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query rules: %v", model.ErrPersistence, err)
	}
	defer rows.Close()

	var rules []model.RecurrenceRule
	for rows.Next() {
		var (
			rule                                model.RecurrenceRule
			kind, params                        string
			description                         sql.NullString
			createdAt                           int64
			dailyTime, weeklyTime, monthlyTime  sql.NullString
			weekDays, monthDays, cronExpression sql.NullString
			validFrom, validUntil               sql.NullInt64
		)
		err := rows.Scan(
			&rule.ID,
			&rule.TargetID,
			&kind,
			&params,
			&description,
			&rule.Enabled,
			&createdAt,
			&dailyTime,
			&weekDays,
			&weeklyTime,
			&monthDays,
			&monthlyTime,
			&cronExpression,
			&validFrom,
			&validUntil,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan rule: %v", model.ErrPersistence, err)
		}

		rule.Kind = model.RuleKind(kind)
		if err := json.Unmarshal([]byte(params), &rule.Parameters); err != nil {
			return nil, fmt.Errorf("%w: failed to decode parameters of rule %s: %v", model.ErrPersistence, rule.ID, err)
		}
		rule.Description = description.String
		rule.CreatedAt = fromNanos(createdAt)
		rule.DailyTime = dailyTime.String
		rule.WeeklyTime = weeklyTime.String
		rule.MonthlyTime = monthlyTime.String
		rule.CronExpression = cronExpression.String
		if rule.WeekDays, err = parseDays(weekDays); err != nil {
			return nil, fmt.Errorf("%w: failed to decode week days of rule %s: %v", model.ErrPersistence, rule.ID, err)
		}
		if rule.MonthDays, err = parseDays(monthDays); err != nil {
			return nil, fmt.Errorf("%w: failed to decode month days of rule %s: %v", model.ErrPersistence, rule.ID, err)
		}
		if validFrom.Valid {
			t := fromNanos(validFrom.Int64)
			rule.ValidFrom = &t
		}
		if validUntil.Valid {
			t := fromNanos(validUntil.Int64)
			rule.ValidUntil = &t
		}

		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error during row iteration: %v", model.ErrPersistence, err)
	}
	return rules, nil
}

func (s *SQLiteStore) loadTasks(ctx context.Context) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			id, target_id, scheduled_time, parameters, description,
			cancelled, executed, source_rule_id
		FROM tasks
		ORDER BY scheduled_time, id`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query tasks: %v", model.ErrPersistence, err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var (
			task          model.Task
			scheduledTime int64
			params        string
			description   sql.NullString
			sourceRuleID  sql.NullString
		)
		err := rows.Scan(
			&task.ID,
			&task.TargetID,
			&scheduledTime,
			&params,
			&description,
			&task.Cancelled,
			&task.Executed,
			&sourceRuleID,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan task: %v", model.ErrPersistence, err)
		}

		if err := json.Unmarshal([]byte(params), &task.Parameters); err != nil {
			return nil, fmt.Errorf("%w: failed to decode parameters of task %s: %v", model.ErrPersistence, task.ID, err)
		}
		task.ScheduledTime = fromNanos(scheduledTime)
		task.Description = description.String
		task.SourceRuleID = sourceRuleID.String

		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error during row iteration: %v", model.ErrPersistence, err)
	}
	return tasks, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nonNil(params map[string]string) map[string]string {
	if params == nil {
		return map[string]string{}
	}
	return params
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func daysColumn(days []int) sql.NullString {
	if len(days) == 0 {
		return sql.NullString{}
	}
	data, _ := json.Marshal(days)
	return sql.NullString{String: string(data), Valid: true}
}

func parseDays(col sql.NullString) ([]int, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var days []int
	if err := json.Unmarshal([]byte(col.String), &days); err != nil {
		return nil, err
	}
	return days, nil
}

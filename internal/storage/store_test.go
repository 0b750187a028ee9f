package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/buildsched/internal/model"
)

var created = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

func sampleSnapshot(t *testing.T) model.Snapshot {
	t.Helper()

	daily, err := model.NewDailyRule("folder/app", "09:00", map[string]string{"deploy": "true"}, "nightly", created)
	require.NoError(t, err)
	weekly, err := model.NewWeeklyRule("app", []int{1, 3}, "18:30", nil, "", created.Add(time.Minute))
	require.NoError(t, err)
	from := created
	until := created.Add(30 * 24 * time.Hour)
	require.NoError(t, weekly.SetValidity(&from, &until))
	weekly.Enabled = false
	monthly, err := model.NewMonthlyRule("app", []int{1, 31}, "08:00", nil, "", created.Add(2*time.Minute))
	require.NoError(t, err)
	cronRule, err := model.NewCronRule("app", "0 0 * * *", nil, "", created.Add(3*time.Minute))
	require.NoError(t, err)

	manual := model.NewTask("app", created.Add(time.Hour), map[string]string{"branch": "main"}, "manual", "")
	fromRule := model.NewTask("folder/app", created.Add(2*time.Hour), daily.Parameters, daily.Description, daily.ID)
	fromRule.Executed = true
	cancelled := model.NewTask("app", created.Add(3*time.Hour), nil, "", "")
	cancelled.Cancelled = true

	return model.Snapshot{
		Rules: []model.RecurrenceRule{*daily, *weekly, *monthly, *cronRule},
		Tasks: []model.Task{*manual, *fromRule, *cancelled},
	}
}

func TestNopStore(t *testing.T) {
	store := NewNopStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, sampleSnapshot(t)))

	snapshot, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, snapshot.Rules)
	assert.Empty(t, snapshot.Tasks)
	assert.NoError(t, store.Close())
}

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "snapshot.json")
	store, err := NewFileStore(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	empty, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty.Tasks)

	want := sampleSnapshot(t)
	require.NoError(t, store.Save(ctx, want))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary file must be renamed away")

	reopened, err := NewFileStore(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	got, err := reopened.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// saving again replaces the previous snapshot
	want.Tasks = want.Tasks[:1]
	require.NoError(t, store.Save(ctx, want))
	got, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got.Tasks, 1)
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	store, err := NewFileStore(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = store.Load(context.Background())
	assert.ErrorIs(t, err, model.ErrPersistence)
}

func TestFileStore_FailedSaveRemovesTempFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	// a directory in place of the snapshot makes the final rename fail
	require.NoError(t, os.MkdirAll(filepath.Join(path, "child"), 0o755))

	store, err := NewFileStore(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	err = store.Save(context.Background(), sampleSnapshot(t))
	assert.ErrorIs(t, err, model.ErrPersistence)
	assert.NoFileExists(t, path+".tmp")
	assert.DirExists(t, path)
}

func TestFileStore_RequiresPath(t *testing.T) {
	_, err := NewFileStore(" ", zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buildsched.db")
	store, err := NewSQLiteStore(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	empty, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.Snapshot{}, empty)

	want := sampleSnapshot(t)
	require.NoError(t, store.Save(ctx, want))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	want.Rules = want.Rules[1:]
	want.Tasks = nil
	require.NoError(t, reopened.Save(ctx, want))
	got, err = reopened.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got.Rules, 3)
	assert.Empty(t, got.Tasks)
}

func TestOpen(t *testing.T) {
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()

	store, err := Open(Config{}, logger)
	require.NoError(t, err)
	assert.IsType(t, &NopStore{}, store)

	store, err = Open(Config{Driver: "file", Path: filepath.Join(dir, "s.json")}, logger)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)

	store, err = Open(Config{Driver: "SQLite", Path: filepath.Join(dir, "s.db")}, logger)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, store)
	require.NoError(t, store.Close())

	_, err = Open(Config{Driver: "redis"}, logger)
	assert.Error(t, err)
}

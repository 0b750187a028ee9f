package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/buildsched/internal/model"
)

var base = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func newTasks(t *testing.T) (*TaskRegistry, *clockwork.FakeClock, *int32) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(base)
	reg := NewTaskRegistry(clock, zaptest.NewLogger(t))
	var saves int32
	reg.SetSaveHook(func() { atomic.AddInt32(&saves, 1) })
	return reg, clock, &saves
}

func TestTaskRegistry_AddGetRemove(t *testing.T) {
	reg, _, saves := newTasks(t)

	params := map[string]string{"branch": "main"}
	task := model.NewTask("app", base.Add(time.Hour), params, "nightly", "")
	require.NoError(t, reg.Add(task))
	assert.EqualValues(t, 1, atomic.LoadInt32(saves))

	params["branch"] = "dev"
	got, ok := reg.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, "main", got.Parameters["branch"])

	got.Parameters["branch"] = "changed"
	again, _ := reg.Get(task.ID)
	assert.Equal(t, "main", again.Parameters["branch"])

	err := reg.Add(task)
	assert.True(t, errors.Is(err, model.ErrStateConflict))

	assert.True(t, reg.Remove(task.ID))
	assert.False(t, reg.Remove(task.ID))
	_, ok = reg.Get(task.ID)
	assert.False(t, ok)
	assert.EqualValues(t, 2, atomic.LoadInt32(saves))
}

func TestTaskRegistry_AddRejectsEmptyID(t *testing.T) {
	reg, _, _ := newTasks(t)
	err := reg.Add(&model.Task{TargetID: "app"})
	assert.True(t, errors.Is(err, model.ErrValidation))
	assert.Error(t, reg.Add(nil))
}

func TestTaskRegistry_Cancel(t *testing.T) {
	reg, clock, _ := newTasks(t)
	task := model.NewTask("app", base.Add(time.Hour), nil, "", "")
	require.NoError(t, reg.Add(task))

	cancelled, found := reg.Cancel("missing")
	assert.False(t, cancelled)
	assert.False(t, found)

	cancelled, found = reg.Cancel(task.ID)
	assert.True(t, cancelled)
	assert.True(t, found)

	// second cancel is a no-op
	cancelled, found = reg.Cancel(task.ID)
	assert.False(t, cancelled)
	assert.True(t, found)

	late := model.NewTask("app", base.Add(time.Minute), nil, "", "")
	require.NoError(t, reg.Add(late))
	clock.Advance(2 * time.Minute)
	cancelled, _ = reg.Cancel(late.ID)
	assert.False(t, cancelled, "expired tasks are not pending")
}

func TestTaskRegistry_Update(t *testing.T) {
	reg, _, _ := newTasks(t)
	task := model.NewTask("app", base.Add(time.Hour), map[string]string{"a": "1"}, "old", "")
	require.NoError(t, reg.Add(task))

	edit := TaskEdit{ScheduledTime: base.Add(2 * time.Hour), Parameters: map[string]string{"b": "2"}, Description: "new"}
	assert.True(t, reg.Update(task.ID, edit))

	got, _ := reg.Get(task.ID)
	assert.Equal(t, base.Add(2*time.Hour), got.ScheduledTime)
	assert.Equal(t, map[string]string{"b": "2"}, got.Parameters)
	assert.Equal(t, "new", got.Description)

	assert.False(t, reg.Update("missing", edit))

	cancelled, _ := reg.Cancel(task.ID)
	require.True(t, cancelled)
	assert.False(t, reg.Update(task.ID, edit))
}

func TestTaskRegistry_ClaimProtocol(t *testing.T) {
	reg, clock, _ := newTasks(t)
	task := model.NewTask("app", base.Add(time.Minute), nil, "", "")
	require.NoError(t, reg.Add(task))

	_, res := reg.Claim(task.ID)
	assert.Equal(t, ClaimEarly, res)

	clock.Advance(time.Minute)
	_, res = reg.Claim(task.ID)
	require.Equal(t, ClaimGranted, res)
	assert.True(t, reg.Claimed(task.ID))

	_, res = reg.Claim(task.ID)
	assert.Equal(t, ClaimGone, res)

	reg.Release(task.ID)
	assert.False(t, reg.Claimed(task.ID))

	_, res = reg.Claim(task.ID)
	require.Equal(t, ClaimGranted, res)
	assert.True(t, reg.MarkExecuted(task.ID))

	got, _ := reg.Get(task.ID)
	assert.True(t, got.Executed)
	_, res = reg.Claim(task.ID)
	assert.Equal(t, ClaimGone, res)

	_, res = reg.Claim("missing")
	assert.Equal(t, ClaimGone, res)
}

func TestTaskRegistry_ClaimedTaskIsNotPending(t *testing.T) {
	reg, clock, _ := newTasks(t)
	task := model.NewTask("app", base.Add(time.Minute), nil, "", "")
	require.NoError(t, reg.Add(task))
	clock.Advance(time.Minute)

	_, res := reg.Claim(task.ID)
	require.Equal(t, ClaimGranted, res)

	cancelled, found := reg.Cancel(task.ID)
	assert.True(t, found)
	assert.False(t, cancelled)
	assert.False(t, reg.Update(task.ID, TaskEdit{ScheduledTime: base.Add(time.Hour)}))
}

func TestTaskRegistry_CancelAndClaimRace(t *testing.T) {
	for i := 0; i < 200; i++ {
		reg, clock, _ := newTasks(t)
		task := model.NewTask("app", base.Add(time.Second), nil, "", "")
		require.NoError(t, reg.Add(task))
		// pending for cancel, due for claim: the fake clock is frozen just before
		clock.Advance(999 * time.Millisecond)

		var (
			wg        sync.WaitGroup
			cancelled bool
			claimed   bool
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			cancelled, _ = reg.Cancel(task.ID)
		}()
		go func() {
			defer wg.Done()
			clock.Advance(time.Millisecond)
			_, res := reg.Claim(task.ID)
			claimed = res == ClaimGranted
		}()
		wg.Wait()

		assert.False(t, cancelled && claimed, "cancel and claim both succeeded")
	}
}

func TestTaskRegistry_AddForRuleDeduplicates(t *testing.T) {
	reg, _, saves := newTasks(t)
	at := base.Add(time.Hour)

	assert.True(t, reg.AddForRule(model.NewTask("app", at, nil, "", "rule-1")))
	assert.False(t, reg.AddForRule(model.NewTask("app", at, nil, "", "rule-1")))
	assert.True(t, reg.AddForRule(model.NewTask("app", at, nil, "", "rule-2")))
	assert.True(t, reg.AddForRule(model.NewTask("app", at.Add(time.Hour), nil, "", "rule-1")))
	assert.False(t, reg.AddForRule(model.NewTask("app", at, nil, "", "")))

	assert.Equal(t, 3, reg.Len())
	assert.EqualValues(t, 3, atomic.LoadInt32(saves))
}

func TestTaskRegistry_Listing(t *testing.T) {
	reg, clock, _ := newTasks(t)
	t3 := model.NewTask("app", base.Add(3*time.Hour), nil, "", "")
	t1 := model.NewTask("app", base.Add(time.Hour), nil, "", "")
	t2 := model.NewTask("other", base.Add(2*time.Hour), nil, "", "")
	short := model.NewTask("app", base.Add(time.Minute), nil, "", "")
	for _, task := range []*model.Task{t3, t1, t2, short} {
		require.NoError(t, reg.Add(task))
	}
	clock.Advance(5 * time.Minute)

	ids := func(tasks []model.Task) []string {
		out := make([]string, 0, len(tasks))
		for _, task := range tasks {
			out = append(out, task.ID)
		}
		return out
	}

	assert.Equal(t, []string{short.ID, t1.ID, t2.ID, t3.ID}, ids(reg.List()))
	assert.Equal(t, []string{short.ID, t1.ID, t3.ID}, ids(reg.ListByTarget("app")))
	assert.Equal(t, []string{t1.ID, t3.ID}, ids(reg.ListPendingByTarget("app")))
	assert.Equal(t, []string{t1.ID, t2.ID, t3.ID}, ids(reg.ListPending()))
	assert.Empty(t, reg.ListByTarget("nobody"))
}

func TestTaskRegistry_RemoveFinishedBefore(t *testing.T) {
	reg, clock, saves := newTasks(t)
	done := model.NewTask("app", base.Add(time.Minute), nil, "", "")
	cancelled := model.NewTask("app", base.Add(2*time.Minute), nil, "", "")
	pending := model.NewTask("app", base.Add(48*time.Hour), nil, "", "")
	expired := model.NewTask("app", base.Add(3*time.Minute), nil, "", "")
	for _, task := range []*model.Task{done, cancelled, pending, expired} {
		require.NoError(t, reg.Add(task))
	}
	ok, _ := reg.Cancel(cancelled.ID)
	require.True(t, ok)

	clock.Advance(time.Minute)
	_, res := reg.Claim(done.ID)
	require.Equal(t, ClaimGranted, res)
	require.True(t, reg.MarkExecuted(done.ID))

	before := atomic.LoadInt32(saves)
	assert.Equal(t, 0, reg.RemoveFinishedBefore(base))
	assert.Equal(t, before, atomic.LoadInt32(saves))

	assert.Equal(t, 2, reg.RemoveFinishedBefore(base.Add(24*time.Hour)))
	assert.Equal(t, before+1, atomic.LoadInt32(saves))

	_, ok = reg.Get(pending.ID)
	assert.True(t, ok)
	_, ok = reg.Get(expired.ID)
	assert.True(t, ok, "expired but unexecuted tasks are kept")
}

func TestTaskRegistry_RemoveFinishedBeforeConcurrentCancel(t *testing.T) {
	reg, _, _ := newTasks(t)
	var ids []string
	for i := 0; i < 50; i++ {
		task := model.NewTask("app", base.Add(time.Duration(i+1)*time.Minute), nil, "", "")
		require.NoError(t, reg.Add(task))
		ids = append(ids, task.ID)
	}

	cutoff := base.Add(24 * time.Hour)
	var cancelled, removed int64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, id := range ids {
			if ok, found := reg.Cancel(id); ok && found {
				atomic.AddInt64(&cancelled, 1)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			atomic.AddInt64(&removed, int64(reg.RemoveFinishedBefore(cutoff)))
		}
	}()
	wg.Wait()
	removed += int64(reg.RemoveFinishedBefore(cutoff))

	assert.EqualValues(t, 50, cancelled)
	assert.EqualValues(t, 50, removed)
	assert.Zero(t, reg.Len())
}

func TestTaskRegistry_LoadDoesNotSave(t *testing.T) {
	reg, _, saves := newTasks(t)
	task := model.NewTask("app", base.Add(time.Hour), nil, "", "")
	reg.Load([]model.Task{*task})

	assert.Equal(t, 1, reg.Len())
	assert.EqualValues(t, 0, atomic.LoadInt32(saves))
	assert.Len(t, reg.Snapshot(), 1)
}

package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/buildsched/internal/model"
)

func newRules(t *testing.T) (*RuleRegistry, *int) {
	t.Helper()
	reg := NewRuleRegistry(zaptest.NewLogger(t))
	saves := 0
	reg.SetSaveHook(func() { saves++ })
	return reg, &saves
}

func TestRuleRegistry_Lifecycle(t *testing.T) {
	reg, saves := newRules(t)

	daily, err := model.NewDailyRule("app", "09:00", nil, "nightly", base)
	require.NoError(t, err)
	weekly, err := model.NewWeeklyRule("other", []int{1}, "10:00", nil, "", base.Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, reg.Add(daily))
	require.NoError(t, reg.Add(weekly))
	assert.Equal(t, 2, *saves)
	assert.True(t, errors.Is(reg.Add(daily), model.ErrStateConflict))

	got, ok := reg.Get(daily.ID)
	require.True(t, ok)
	assert.Equal(t, "09:00", got.DailyTime)

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, daily.ID, list[0].ID)
	assert.Len(t, reg.ListByTarget("other"), 1)

	assert.True(t, reg.SetEnabled(daily.ID, false))
	assert.False(t, reg.SetEnabled("missing", true))
	enabled := reg.ListEnabled()
	require.Len(t, enabled, 1)
	assert.Equal(t, weekly.ID, enabled[0].ID)

	assert.True(t, reg.Remove(daily.ID))
	assert.False(t, reg.Remove(daily.ID))
	assert.Equal(t, 1, reg.Len())
}

func TestRuleRegistry_SetValidity(t *testing.T) {
	reg, saves := newRules(t)
	rule, err := model.NewDailyRule("app", "09:00", nil, "", base)
	require.NoError(t, err)
	require.NoError(t, reg.Add(rule))

	from := base
	until := base.Add(24 * time.Hour)
	require.NoError(t, reg.SetValidity(rule.ID, &from, &until))
	got, _ := reg.Get(rule.ID)
	require.NotNil(t, got.ValidUntil)
	assert.Equal(t, until, *got.ValidUntil)

	err = reg.SetValidity(rule.ID, &until, &from)
	assert.True(t, errors.Is(err, model.ErrValidation))

	err = reg.SetValidity("missing", nil, nil)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.Equal(t, 2, *saves)
}

func TestRuleRegistry_GetReturnsCopy(t *testing.T) {
	reg, _ := newRules(t)
	rule, err := model.NewMonthlyRule("app", []int{1, 15}, "08:00", map[string]string{"k": "v"}, "", base)
	require.NoError(t, err)
	require.NoError(t, reg.Add(rule))

	got, _ := reg.Get(rule.ID)
	got.MonthDays[0] = 31
	got.Parameters["k"] = "changed"

	again, _ := reg.Get(rule.ID)
	assert.Equal(t, []int{1, 15}, again.MonthDays)
	assert.Equal(t, "v", again.Parameters["k"])
}

package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/buildsched/internal/model"
	"github.com/t77yq/buildsched/internal/scheduler"
	"github.com/t77yq/buildsched/internal/testutil"
	"github.com/t77yq/buildsched/internal/trigger"
)

type rawReply struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error"`
	Code  string          `json:"code"`
	Data  json.RawMessage `json:"data"`
}

func setup(t *testing.T) (*nats.Conn, *scheduler.Scheduler, *clockwork.FakeClock) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	_, nc := testutil.StartServer(t)

	clock := clockwork.NewFakeClockAt(time.Now().UTC().Truncate(time.Minute))
	accept := trigger.Func(func(ctx context.Context, req trigger.Request) (trigger.Outcome, error) {
		return trigger.Accepted, nil
	})
	sched, err := scheduler.New(scheduler.Config{Location: time.UTC, Lookahead: time.Hour}, scheduler.Deps{
		Trigger: accept,
		Clock:   clock,
		Logger:  logger,
	})
	require.NoError(t, err)
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(func() { sched.Stop(context.Background()) })

	svc := NewCommandService(nc, sched, "", logger)
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Stop)
	return nc, sched, clock
}

func call(t *testing.T, nc *nats.Conn, subject string, req interface{}) rawReply {
	t.Helper()
	var data []byte
	switch v := req.(type) {
	case nil:
	case []byte:
		data = v
	default:
		var err error
		data, err = json.Marshal(v)
		require.NoError(t, err)
	}
	msg, err := nc.Request(DefaultSubjectPrefix+"."+subject, data, 2*time.Second)
	require.NoError(t, err)

	var reply rawReply
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	return reply
}

func TestCommandService_TaskLifecycle(t *testing.T) {
	nc, sched, clock := setup(t)
	at := clock.Now().Add(time.Hour)

	reply := call(t, nc, "task.add", AddTaskRequest{
		TargetID:      "folder/app",
		ScheduledTime: at,
		Parameters:    map[string]string{"branch": "main"},
		Description:   "release",
	})
	require.True(t, reply.OK, reply.Error)
	var task model.Task
	require.NoError(t, json.Unmarshal(reply.Data, &task))
	assert.Equal(t, "folder/app", task.TargetID)
	assert.True(t, task.ScheduledTime.Equal(at))

	reply = call(t, nc, "task.list", ListRequest{TargetID: "folder/app", PendingOnly: true})
	require.True(t, reply.OK)
	var tasks []model.Task
	require.NoError(t, json.Unmarshal(reply.Data, &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, task.ID, tasks[0].ID)

	reply = call(t, nc, "task.edit", EditTaskRequest{ID: task.ID, ScheduledTime: at.Add(time.Hour), Description: "moved"})
	require.True(t, reply.OK, reply.Error)
	require.NoError(t, json.Unmarshal(reply.Data, &task))
	assert.Equal(t, "moved", task.Description)

	reply = call(t, nc, "task.cancel", IDRequest{ID: task.ID})
	require.True(t, reply.OK)
	assert.JSONEq(t, `{"cancelled":true}`, string(reply.Data))

	reply = call(t, nc, "task.cancel", IDRequest{ID: task.ID})
	require.True(t, reply.OK)
	assert.JSONEq(t, `{"cancelled":false}`, string(reply.Data))

	reply = call(t, nc, "task.edit", EditTaskRequest{ID: task.ID, ScheduledTime: at})
	assert.False(t, reply.OK)
	assert.Equal(t, CodeConflict, reply.Code)

	reply = call(t, nc, "task.remove", IDRequest{ID: task.ID})
	assert.JSONEq(t, `{"removed":true}`, string(reply.Data))

	reply = call(t, nc, "task.get", IDRequest{ID: task.ID})
	assert.False(t, reply.OK)
	assert.Equal(t, CodeNotFound, reply.Code)

	assert.Empty(t, sched.ListTasks(""))
}

func TestCommandService_Errors(t *testing.T) {
	nc, _, clock := setup(t)

	reply := call(t, nc, "task.add", AddTaskRequest{TargetID: "app", ScheduledTime: clock.Now().Add(-time.Minute)})
	assert.False(t, reply.OK)
	assert.Equal(t, CodeValidation, reply.Code)

	reply = call(t, nc, "task.add", []byte("{not json"))
	assert.False(t, reply.OK)
	assert.Equal(t, CodeBadRequest, reply.Code)

	reply = call(t, nc, "task.cancel", IDRequest{ID: "missing"})
	assert.Equal(t, CodeNotFound, reply.Code)

	reply = call(t, nc, "rule.add", RuleRequest{TargetID: "app", Kind: "hourly"})
	assert.Equal(t, CodeValidation, reply.Code)

	reply = call(t, nc, "purge", PurgeRequest{OlderThan: "soon"})
	assert.Equal(t, CodeValidation, reply.Code)
}

func TestCommandService_Rules(t *testing.T) {
	nc, sched, _ := setup(t)

	reply := call(t, nc, "rule.add", RuleRequest{
		TargetID:  "app",
		Kind:      model.RuleKindDaily,
		DailyTime: "09:00",
		Disabled:  true,
	})
	require.True(t, reply.OK, reply.Error)
	var rule model.RecurrenceRule
	require.NoError(t, json.Unmarshal(reply.Data, &rule))
	assert.False(t, rule.Enabled)

	reply = call(t, nc, "rule.next", IDRequest{ID: rule.ID})
	require.True(t, reply.OK)
	var next NextFireReply
	require.NoError(t, json.Unmarshal(reply.Data, &next))
	assert.Nil(t, next.Next, "disabled rules never fire")

	reply = call(t, nc, "rule.enable", EnableRuleRequest{ID: rule.ID, Enabled: true})
	require.True(t, reply.OK, reply.Error)

	reply = call(t, nc, "rule.next", IDRequest{ID: rule.ID})
	require.NoError(t, json.Unmarshal(reply.Data, &next))
	require.NotNil(t, next.Next)
	assert.Equal(t, 9, next.Next.Hour())

	reply = call(t, nc, "rule.replace", RuleRequest{
		ID:         rule.ID,
		TargetID:   "app",
		Kind:       model.RuleKindWeekly,
		WeekDays:   []int{1, 5},
		WeeklyTime: "07:15",
	})
	require.True(t, reply.OK, reply.Error)
	var replaced model.RecurrenceRule
	require.NoError(t, json.Unmarshal(reply.Data, &replaced))
	assert.NotEqual(t, rule.ID, replaced.ID)
	assert.Equal(t, model.RuleKindWeekly, replaced.Kind)

	reply = call(t, nc, "rule.list", ListRequest{TargetID: "app"})
	var rules []model.RecurrenceRule
	require.NoError(t, json.Unmarshal(reply.Data, &rules))
	require.Len(t, rules, 1)
	assert.Equal(t, replaced.ID, rules[0].ID)

	reply = call(t, nc, "rule.remove", IDRequest{ID: replaced.ID})
	assert.JSONEq(t, `{"removed":true}`, string(reply.Data))
	assert.Empty(t, sched.ListRules(""))

	reply = call(t, nc, "stats", nil)
	require.True(t, reply.OK)
	var stats scheduler.Stats
	require.NoError(t, json.Unmarshal(reply.Data, &stats))
	assert.Equal(t, 0, stats.RulesEnabled)
}

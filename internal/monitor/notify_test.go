package monitor

import (
	"errors"
	"net/smtp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/buildsched/internal/scheduler"
)

type recordingChannel struct {
	mu     sync.Mutex
	alerts []Alert
}

func (c *recordingChannel) Send(alert Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return nil
}

func TestAlertManager_NotifiesChannels(t *testing.T) {
	manager := NewAlertManager(nil, "", zaptest.NewLogger(t))
	ch := &recordingChannel{}
	manager.AddChannel(ch)

	require.NoError(t, manager.AddRule(&AlertRule{Name: "in flight", Metric: MetricTasksInFlight, Threshold: 1}))

	manager.Evaluate(Metrics{Timestamp: time.Now(), Scheduler: scheduler.Stats{TasksInFlight: 2}})
	manager.Evaluate(Metrics{Timestamp: time.Now(), Scheduler: scheduler.Stats{TasksInFlight: 1}})

	require.Len(t, ch.alerts, 2)
	assert.Nil(t, ch.alerts[0].ResolvedAt)
	assert.NotNil(t, ch.alerts[1].ResolvedAt)
}

func TestEmailChannel_Send(t *testing.T) {
	_, err := NewEmailChannel(EmailConfig{Host: "smtp.example.com"})
	assert.Error(t, err)

	ch, err := NewEmailChannel(EmailConfig{
		Host:       "smtp.example.com",
		Username:   "builds",
		Password:   "secret",
		From:       "buildsched@example.com",
		Recipients: []string{"ops@example.com", "dev@example.com"},
	})
	require.NoError(t, err)

	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	ch.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	alert := Alert{
		ID:        "a1",
		Metric:    MetricTasksExpired,
		Severity:  AlertSeverityCritical,
		Message:   "Alert triggered for rule: Expired tasks",
		Value:     3,
		Threshold: 0,
		CreatedAt: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, ch.Send(alert))
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, []string{"ops@example.com", "dev@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: [CRITICAL] RAISED tasks_expired\r\n")
	assert.Contains(t, gotMsg, "To: ops@example.com, dev@example.com\r\n")
	assert.Contains(t, gotMsg, "value: 3\r\n")
	assert.NotContains(t, gotMsg, "resolved:")

	ch.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("refused") }
	assert.Error(t, ch.Send(alert))
}

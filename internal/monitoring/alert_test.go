package monitoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureReceiver struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *captureReceiver) SendAlert(_ context.Context, a *Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, *a)
	return nil
}

func TestDeadLetterRuleTriggersAndResolves(t *testing.T) {
	am := NewAlertManager(zap.NewNop())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	am.now = func() time.Time { return now }

	recv := &captureReceiver{}
	am.AddReceiver(recv)

	dead := 2
	am.AddRule(DeadLetterRule(func() (int, error) { return dead, nil }))

	am.CheckRules(context.Background())
	require.Len(t, recv.alerts, 1)
	assert.Equal(t, AlertLevelCritical, recv.alerts[0].Level)
	assert.Contains(t, recv.alerts[0].Message, "2 submission(s)")
	assert.Len(t, am.GetActiveAlerts(), 1)

	// 冷却时间内不重复发送
	now = now.Add(time.Minute)
	am.CheckRules(context.Background())
	assert.Len(t, recv.alerts, 1)

	dead = 0
	am.CheckRules(context.Background())
	assert.Empty(t, am.GetActiveAlerts())
}

func TestDeadLetterRuleReadError(t *testing.T) {
	rule := DeadLetterRule(func() (int, error) { return 0, errors.New("permission denied") })
	fired, msg := rule.Condition()
	assert.True(t, fired)
	assert.Contains(t, msg, "permission denied")
}

func TestQueueBacklogRule(t *testing.T) {
	pending := 3
	rule := QueueBacklogRule(func() (int, error) { return pending, nil }, 10)

	fired, _ := rule.Condition()
	assert.False(t, fired)

	pending = 11
	fired, msg := rule.Condition()
	assert.True(t, fired)
	assert.Contains(t, msg, "11 jobs pending")
}

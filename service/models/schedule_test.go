package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTriggerMutualExclusion(t *testing.T) {
	// 二者都缺
	s := &ReconciliationSchedule{}
	require.Error(t, s.ValidateTrigger())

	// 二者都配
	s = &ReconciliationSchedule{CronExpression: "0 2 * * *", IntervalSeconds: 60}
	require.Error(t, s.ValidateTrigger())

	// 非法cron表达式
	s = &ReconciliationSchedule{CronExpression: "not a cron"}
	require.Error(t, s.ValidateTrigger())

	// 合法配置顺带补默认并发上限
	s = &ReconciliationSchedule{CronExpression: "0 2 * * *"}
	require.NoError(t, s.ValidateTrigger())
	assert.Equal(t, 1, s.MaxConcurrentJobs)

	s = &ReconciliationSchedule{IntervalSeconds: 300, MaxConcurrentJobs: 3}
	require.NoError(t, s.ValidateTrigger())
	assert.Equal(t, 3, s.MaxConcurrentJobs)
}

func TestNextRunCron(t *testing.T) {
	s := &ReconciliationSchedule{CronExpression: "0 2 * * *"}

	after := time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)
	next, err := s.NextRun(after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC), next)

	// 当日触发点已过则推到次日
	after = time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	next, err = s.NextRun(after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC), next)
}

func TestNextRunInterval(t *testing.T) {
	s := &ReconciliationSchedule{IntervalSeconds: 600}

	after := time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)
	next, err := s.NextRun(after)
	require.NoError(t, err)
	assert.Equal(t, after.Add(10*time.Minute), next)

	// 最近一次执行晚于基准时，从最近执行时间起算
	lastRun := after.Add(5 * time.Minute)
	s.LastRunAt = &lastRun
	next, err = s.NextRun(after)
	require.NoError(t, err)
	assert.Equal(t, lastRun.Add(10*time.Minute), next)
}

func TestNextRunUnconfigured(t *testing.T) {
	s := &ReconciliationSchedule{}
	_, err := s.NextRun(time.Now())
	require.Error(t, err)
}

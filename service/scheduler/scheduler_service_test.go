package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mes-sync-service/service/audit"
	"mes-sync-service/service/meta"
	"mes-sync-service/service/models"
	"mes-sync-service/service/reconcile"
	"mes-sync-service/testutil"
)

// stubRunner 可编程的对账执行桩
type stubRunner struct {
	mu         sync.Mutex
	calls      []string
	inFlight   atomic.Int32
	maxSeen    atomic.Int32
	delay      time.Duration
	failBefore int
}

func (r *stubRunner) run(ctx context.Context, integrationID string,
	opts *reconcile.RunOptions) (*reconcile.RunResult, error) {

	current := r.inFlight.Add(1)
	for {
		seen := r.maxSeen.Load()
		if current <= seen || r.maxSeen.CompareAndSwap(seen, current) {
			break
		}
	}
	defer r.inFlight.Add(-1)

	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.mu.Lock()
	r.calls = append(r.calls, opts.EntityType)
	count := len(r.calls)
	r.mu.Unlock()

	if count <= r.failBefore {
		return nil, meta.NewSyncError(meta.ErrConnection, "瞬时故障")
	}
	report := &models.ReconciliationReport{
		ID:           "rpt-" + opts.EntityType,
		Status:       meta.ReportStatusCompleted,
		QualityScore: 1.0,
	}
	return &reconcile.RunResult{Report: report}, nil
}

func (r *stubRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func setupScheduler(t *testing.T, runner ReconcileRunner) (*Service, *testutil.TestDB, *models.Integration) {
	tdb := testutil.NewTestDB()
	t.Cleanup(tdb.Close)

	factory := testutil.NewTestDataFactory(tdb.DB)
	integration := factory.CreateIntegration()

	svc := NewService(tdb.DB, audit.NewService(tdb.DB), runner)
	t.Cleanup(svc.Stop)
	return svc, tdb, integration
}

func createSchedule(t *testing.T, svc *Service, integrationID string,
	mutate func(*models.ReconciliationSchedule)) *models.ReconciliationSchedule {

	schedule := &models.ReconciliationSchedule{
		IntegrationID:     integrationID,
		Name:              "每日物料对账",
		EntityTypes:       []string{meta.EntityTypeMaterial},
		IntervalSeconds:   3600,
		MaxConcurrentJobs: 1,
		TimeoutSeconds:    60,
		RetryAttempts:     1,
		Enabled:           true,
		CreatedBy:         "test",
	}
	if mutate != nil {
		mutate(schedule)
	}
	require.NoError(t, svc.Create(schedule))
	return schedule
}

func waitRunTerminal(t *testing.T, svc *Service, runID string) *models.ScheduledJobRun {
	var run *models.ScheduledJobRun
	require.Eventually(t, func() bool {
		current, err := svc.GetRun(runID)
		if err != nil {
			return false
		}
		switch current.Status {
		case meta.JobRunStatusSuccess, meta.JobRunStatusFailed,
			meta.JobRunStatusTimeout, meta.JobRunStatusCancelled:
			run = current
			return true
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

func TestTriggerManualRun(t *testing.T) {
	runner := &stubRunner{}
	svc, _, integration := setupScheduler(t, runner.run)
	schedule := createSchedule(t, svc, integration.ID, nil)

	run, err := svc.Trigger(schedule.ID, true, "operator")
	require.NoError(t, err)
	assert.True(t, run.Manual)

	finished := waitRunTerminal(t, svc, run.ID)
	assert.Equal(t, meta.JobRunStatusSuccess, finished.Status)
	require.Len(t, finished.ReportIDs, 1)
	assert.Equal(t, 1, runner.callCount())
}

func TestTriggerDisabledSchedule(t *testing.T) {
	runner := &stubRunner{}
	svc, _, integration := setupScheduler(t, runner.run)
	schedule := createSchedule(t, svc, integration.ID, nil)
	require.NoError(t, svc.SetEnabled(schedule.ID, false))

	// 定时触发被拒绝，手动触发绕过停用
	_, err := svc.Trigger(schedule.ID, false, "scheduler")
	require.Error(t, err)
	assert.Equal(t, meta.ErrValidation, meta.CodeOf(err))

	run, err := svc.Trigger(schedule.ID, true, "operator")
	require.NoError(t, err)
	finished := waitRunTerminal(t, svc, run.ID)
	assert.Equal(t, meta.JobRunStatusSuccess, finished.Status)
}

func TestConcurrencyLimitQueuesRuns(t *testing.T) {
	runner := &stubRunner{delay: 100 * time.Millisecond}
	svc, _, integration := setupScheduler(t, runner.run)
	schedule := createSchedule(t, svc, integration.ID, func(s *models.ReconciliationSchedule) {
		s.MaxConcurrentJobs = 1
	})

	first, err := svc.Trigger(schedule.ID, true, "operator")
	require.NoError(t, err)
	second, err := svc.Trigger(schedule.ID, true, "operator")
	require.NoError(t, err)

	// 超出上限的触发排队等待，两次都要完成
	assert.Equal(t, meta.JobRunStatusSuccess, waitRunTerminal(t, svc, first.ID).Status)
	assert.Equal(t, meta.JobRunStatusSuccess, waitRunTerminal(t, svc, second.ID).Status)
	assert.EqualValues(t, 1, runner.maxSeen.Load(), "并发执行数不得超过上限")
	assert.Equal(t, 2, runner.callCount())
}

func TestRunRetriesTransientFailure(t *testing.T) {
	runner := &stubRunner{failBefore: 1}
	svc, _, integration := setupScheduler(t, runner.run)
	schedule := createSchedule(t, svc, integration.ID, func(s *models.ReconciliationSchedule) {
		s.RetryAttempts = 3
	})

	run, err := svc.Trigger(schedule.ID, true, "operator")
	require.NoError(t, err)
	finished := waitRunTerminal(t, svc, run.ID)
	assert.Equal(t, meta.JobRunStatusSuccess, finished.Status)
	assert.Equal(t, 2, runner.callCount(), "首次失败后重试成功")
}

func TestRunTimeout(t *testing.T) {
	// 执行体阻塞到上下文超时为止
	blockingRunner := func(ctx context.Context, integrationID string,
		opts *reconcile.RunOptions) (*reconcile.RunResult, error) {
		<-ctx.Done()
		return nil, meta.WrapSyncError(meta.ErrReconciliationFailed, "对账被取消", ctx.Err())
	}
	svc, _, integration := setupScheduler(t, blockingRunner)
	schedule := createSchedule(t, svc, integration.ID, func(s *models.ReconciliationSchedule) {
		s.TimeoutSeconds = 1
		s.RetryAttempts = 1
	})

	run, err := svc.Trigger(schedule.ID, true, "operator")
	require.NoError(t, err)

	finished := waitRunTerminal(t, svc, run.ID)
	assert.Equal(t, meta.JobRunStatusTimeout, finished.Status)
	assert.NotEmpty(t, finished.ErrorReason)
}

func TestCreateValidation(t *testing.T) {
	runner := &stubRunner{}
	svc, _, integration := setupScheduler(t, runner.run)

	err := svc.Create(&models.ReconciliationSchedule{
		IntegrationID:  integration.ID,
		Name:           "非法实体",
		EntityTypes:    []string{"bogus"},
		CronExpression: "0 2 * * *",
	})
	require.Error(t, err)
	assert.Equal(t, meta.ErrValidation, meta.CodeOf(err))

	// cron与固定间隔互斥
	err = svc.Create(&models.ReconciliationSchedule{
		IntegrationID:   integration.ID,
		Name:            "双触发",
		EntityTypes:     []string{meta.EntityTypeMaterial},
		CronExpression:  "0 2 * * *",
		IntervalSeconds: 60,
	})
	require.Error(t, err)
	assert.Equal(t, meta.ErrValidation, meta.CodeOf(err))

	// 二者都缺也不合法
	err = svc.Create(&models.ReconciliationSchedule{
		IntegrationID: integration.ID,
		Name:          "无触发",
		EntityTypes:   []string{meta.EntityTypeMaterial},
	})
	require.Error(t, err)
	assert.Equal(t, meta.ErrValidation, meta.CodeOf(err))
}

func TestScheduleCRUDAndRunHistory(t *testing.T) {
	runner := &stubRunner{}
	svc, _, integration := setupScheduler(t, runner.run)
	schedule := createSchedule(t, svc, integration.ID, nil)

	list, total, err := svc.List(integration.ID, 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, list, 1)

	run, err := svc.Trigger(schedule.ID, true, "operator")
	require.NoError(t, err)
	waitRunTerminal(t, svc, run.ID)

	history, total, err := svc.RunHistory(schedule.ID, 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, history, 1)

	require.NoError(t, svc.Delete(schedule.ID))
	_, err = svc.Get(schedule.ID)
	require.Error(t, err)
	assert.Equal(t, meta.ErrNotFound, meta.CodeOf(err))
}

/*
 * @module service/scheduler/scheduler_service
 * @description 周期对账调度服务：cron/固定间隔触发、按调度限并发执行、超时强制失败和手动触发
 * @architecture 分层架构 - 调度服务层，扫描循环 + 按调度的信号量
 * @documentReference ai_docs/mes_erp_sync_design.md 第4.5节
 * @stateFlow 扫描循环计算下次触发 -> 生成执行记录QUEUED -> 获取调度信号量 -> RUNNING -> 终态
 * @rules
 *   - 超出maxConcurrentJobs的触发排队等待，绝不丢弃
 *   - 手动触发绕过时钟但同样受并发上限约束
 *   - 单次执行超时置TIMEOUT并保留已完成实体的结果
 * @dependencies gorm.io/gorm, github.com/prometheus/common/model
 * @refs service/models/schedule.go, service/reconcile/service.go
 */

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/common/model"
	"gorm.io/gorm"

	"mes-sync-service/service/audit"
	"mes-sync-service/service/meta"
	"mes-sync-service/service/models"
	"mes-sync-service/service/reconcile"
)

// ReconcileRunner 对账执行入口，测试时可替换
type ReconcileRunner func(ctx context.Context, integrationID string, opts *reconcile.RunOptions) (*reconcile.RunResult, error)

// Service 周期对账调度服务
type Service struct {
	db     *gorm.DB
	audit  *audit.Service
	runner ReconcileRunner

	// TickInterval 扫描循环的间隔
	TickInterval time.Duration

	mu         sync.Mutex
	nextFireAt map[string]time.Time
	semaphores map[string]chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService 创建调度服务实例。扫描间隔从SCHEDULER_TICK_INTERVAL读取，
// 支持 30s / 1m 等人类可读格式。
func NewService(db *gorm.DB, auditSvc *audit.Service, runner ReconcileRunner) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		db:           db,
		audit:        auditSvc,
		runner:       runner,
		TickInterval: parseDurationEnv("SCHEDULER_TICK_INTERVAL", 15*time.Second),
		nextFireAt:   make(map[string]time.Time),
		semaphores:   make(map[string]chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// parseDurationEnv 解析人类可读的时长环境变量
func parseDurationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	d, err := model.ParseDuration(raw)
	if err != nil {
		slog.Warn("时长环境变量解析失败，使用默认值", "name", name, "value", raw, "error", err)
		return fallback
	}
	return time.Duration(d)
}

// Start 启动扫描循环
func (s *Service) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.scan()
			}
		}
	}()
}

// Stop 停止扫描循环并等待退出
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
}

// scan 扫描启用的调度，到点的生成执行记录
func (s *Service) scan() {
	var schedules []models.ReconciliationSchedule
	if err := s.db.Where("enabled = ?", true).Find(&schedules).Error; err != nil {
		slog.Error("扫描调度失败", "error", err)
		return
	}

	now := time.Now()
	for i := range schedules {
		schedule := schedules[i]

		s.mu.Lock()
		fireAt, known := s.nextFireAt[schedule.ID]
		s.mu.Unlock()

		if !known {
			next, err := schedule.NextRun(now)
			if err != nil {
				slog.Warn("计算下次触发失败", "schedule_id", schedule.ID, "error", err)
				continue
			}
			s.mu.Lock()
			s.nextFireAt[schedule.ID] = next
			s.mu.Unlock()
			continue
		}

		if now.Before(fireAt) {
			continue
		}
		next, err := schedule.NextRun(now)
		if err != nil {
			slog.Warn("计算下次触发失败", "schedule_id", schedule.ID, "error", err)
			continue
		}
		s.mu.Lock()
		s.nextFireAt[schedule.ID] = next
		s.mu.Unlock()

		if _, err := s.Trigger(schedule.ID, false, "scheduler"); err != nil {
			slog.Warn("调度触发失败", "schedule_id", schedule.ID, "error", err)
		}
	}
}

// Trigger 触发一次调度执行。手动触发绕过时钟，但与定时触发共用并发上限。
func (s *Service) Trigger(scheduleID string, manual bool, actor string) (*models.ScheduledJobRun, error) {
	schedule, err := s.Get(scheduleID)
	if err != nil {
		return nil, err
	}
	if !schedule.Enabled && !manual {
		return nil, meta.NewSyncError(meta.ErrValidation, "调度已停用")
	}

	run := &models.ScheduledJobRun{
		ScheduleID: schedule.ID,
		Status:     meta.JobRunStatusQueued,
		Manual:     manual,
		QueuedAt:   time.Now(),
	}
	if err := s.db.Create(run).Error; err != nil {
		return nil, meta.WrapSyncError(meta.ErrInternal, "创建调度执行记录失败", err)
	}

	s.audit.MustRecord(&models.AuditEvent{
		EventType:     meta.AuditScheduleTriggered,
		IntegrationID: schedule.IntegrationID,
		Actor:         actor,
		Details:       models.JSONB{"schedule_id": schedule.ID, "run_id": run.ID, "manual": manual},
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeRun(schedule, run)
	}()
	return run, nil
}

// semaphoreFor 获取调度的并发信号量
func (s *Service) semaphoreFor(schedule *models.ReconciliationSchedule) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.semaphores[schedule.ID]
	if !ok || cap(sem) != schedule.MaxConcurrentJobs {
		sem = make(chan struct{}, schedule.MaxConcurrentJobs)
		s.semaphores[schedule.ID] = sem
	}
	return sem
}

// executeRun 执行一次调度：阻塞等待信号量，逐实体类型对账，带重试和超时
func (s *Service) executeRun(schedule *models.ReconciliationSchedule, run *models.ScheduledJobRun) {
	sem := s.semaphoreFor(schedule)
	select {
	case sem <- struct{}{}:
	case <-s.ctx.Done():
		s.finishRun(run, meta.JobRunStatusCancelled, "调度服务停止")
		return
	}
	defer func() { <-sem }()

	now := time.Now()
	run.Status = meta.JobRunStatusRunning
	run.StartedAt = &now
	if err := s.db.Save(run).Error; err != nil {
		slog.Error("更新调度执行状态失败", "run_id", run.ID, "error", err)
	}

	timeout := time.Duration(schedule.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	entityTypes := []string(schedule.EntityTypes)
	if len(entityTypes) == 0 {
		entityTypes = []string{meta.EntityTypeFullSync}
	}

	outcome := models.JSONB{}
	failed := false
	for _, entityType := range entityTypes {
		result, err := s.runEntityWithRetry(runCtx, schedule, entityType)
		if result != nil && result.Report != nil {
			run.ReportIDs = append(run.ReportIDs, result.Report.ID)
			outcome[entityType] = map[string]interface{}{
				"report_id":         result.Report.ID,
				"status":            result.Report.Status,
				"quality_score":     result.Report.QualityScore,
				"discrepancy_count": result.Report.DiscrepancyCount,
			}
		}
		if err != nil {
			failed = true
			outcome[entityType+"_error"] = err.Error()
			if runCtx.Err() == context.DeadlineExceeded {
				run.Outcome = outcome
				s.finishRun(run, meta.JobRunStatusTimeout,
					fmt.Sprintf("执行超过%s被强制终止", timeout))
				s.touchLastRun(schedule)
				return
			}
		}
	}

	run.Outcome = outcome
	if failed {
		s.finishRun(run, meta.JobRunStatusFailed, "部分实体类型对账失败")
	} else {
		s.finishRun(run, meta.JobRunStatusSuccess, "")
	}
	s.touchLastRun(schedule)
}

// runEntityWithRetry 按调度配置的重试次数执行单实体类型对账
func (s *Service) runEntityWithRetry(ctx context.Context,
	schedule *models.ReconciliationSchedule, entityType string) (*reconcile.RunResult, error) {

	attempts := schedule.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var result *reconcile.RunResult
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = s.runner(ctx, schedule.IntegrationID, &reconcile.RunOptions{
			EntityType:  entityType,
			TriggeredBy: "scheduler",
		})
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil || !meta.IsRetryable(err) {
			break
		}
	}
	return result, err
}

// finishRun 写入执行终态
func (s *Service) finishRun(run *models.ScheduledJobRun, status, reason string) {
	now := time.Now()
	run.Status = status
	run.ErrorReason = reason
	run.CompletedAt = &now
	if err := s.db.Save(run).Error; err != nil {
		slog.Error("保存调度执行记录失败", "run_id", run.ID, "error", err)
	}
}

// touchLastRun 刷新调度的最近执行时间
func (s *Service) touchLastRun(schedule *models.ReconciliationSchedule) {
	now := time.Now()
	err := s.db.Model(&models.ReconciliationSchedule{}).
		Where("id = ?", schedule.ID).Update("last_run_at", now).Error
	if err != nil {
		slog.Error("刷新调度最近执行时间失败", "schedule_id", schedule.ID, "error", err)
	}
}

// Create 创建调度配置
func (s *Service) Create(schedule *models.ReconciliationSchedule) error {
	for _, et := range schedule.EntityTypes {
		if !meta.IsValidEntityType(et) {
			return meta.NewSyncError(meta.ErrValidation, "无效的实体类型: "+et)
		}
	}
	if err := schedule.ValidateTrigger(); err != nil {
		return meta.WrapSyncError(meta.ErrValidation, "触发配置不合法", err)
	}
	if err := s.db.Create(schedule).Error; err != nil {
		return meta.WrapSyncError(meta.ErrInternal, "创建调度失败", err)
	}
	s.audit.MustRecord(&models.AuditEvent{
		EventType:     meta.AuditScheduleCreated,
		IntegrationID: schedule.IntegrationID,
		Actor:         schedule.CreatedBy,
		Details:       models.JSONB{"schedule_id": schedule.ID, "name": schedule.Name},
	})
	return nil
}

// Update 更新调度配置并重算下次触发
func (s *Service) Update(schedule *models.ReconciliationSchedule) error {
	if err := schedule.ValidateTrigger(); err != nil {
		return meta.WrapSyncError(meta.ErrValidation, "触发配置不合法", err)
	}
	if err := s.db.Save(schedule).Error; err != nil {
		return meta.WrapSyncError(meta.ErrInternal, "更新调度失败", err)
	}

	s.mu.Lock()
	delete(s.nextFireAt, schedule.ID)
	s.mu.Unlock()

	s.audit.MustRecord(&models.AuditEvent{
		EventType:     meta.AuditScheduleUpdated,
		IntegrationID: schedule.IntegrationID,
		Details:       models.JSONB{"schedule_id": schedule.ID},
	})
	return nil
}

// SetEnabled 启用或停用调度
func (s *Service) SetEnabled(id string, enabled bool) error {
	result := s.db.Model(&models.ReconciliationSchedule{}).
		Where("id = ?", id).Update("enabled", enabled)
	if result.Error != nil {
		return meta.WrapSyncError(meta.ErrInternal, "更新调度状态失败", result.Error)
	}
	if result.RowsAffected == 0 {
		return meta.NewSyncError(meta.ErrNotFound, "调度不存在: "+id)
	}
	if !enabled {
		s.mu.Lock()
		delete(s.nextFireAt, id)
		s.mu.Unlock()
	}
	return nil
}

// Delete 删除调度配置
func (s *Service) Delete(id string) error {
	result := s.db.Delete(&models.ReconciliationSchedule{}, "id = ?", id)
	if result.Error != nil {
		return meta.WrapSyncError(meta.ErrInternal, "删除调度失败", result.Error)
	}
	if result.RowsAffected == 0 {
		return meta.NewSyncError(meta.ErrNotFound, "调度不存在: "+id)
	}
	s.mu.Lock()
	delete(s.nextFireAt, id)
	delete(s.semaphores, id)
	s.mu.Unlock()
	return nil
}

// Get 按ID获取调度配置
func (s *Service) Get(id string) (*models.ReconciliationSchedule, error) {
	var schedule models.ReconciliationSchedule
	if err := s.db.First(&schedule, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, meta.NewSyncError(meta.ErrNotFound, "调度不存在: "+id)
		}
		return nil, meta.WrapSyncError(meta.ErrInternal, "查询调度失败", err)
	}
	return &schedule, nil
}

// List 列出调度配置
func (s *Service) List(integrationID string, limit, offset int) ([]models.ReconciliationSchedule, int64, error) {
	query := s.db.Model(&models.ReconciliationSchedule{})
	if integrationID != "" {
		query = query.Where("integration_id = ?", integrationID)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, meta.WrapSyncError(meta.ErrInternal, "统计调度失败", err)
	}
	if limit <= 0 {
		limit = 50
	}
	var schedules []models.ReconciliationSchedule
	err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&schedules).Error
	if err != nil {
		return nil, 0, meta.WrapSyncError(meta.ErrInternal, "查询调度失败", err)
	}
	return schedules, total, nil
}

// ActiveRuns 查询调度的排队中和执行中记录
func (s *Service) ActiveRuns(scheduleID string) ([]models.ScheduledJobRun, error) {
	var runs []models.ScheduledJobRun
	err := s.db.Where("schedule_id = ? AND status IN ?", scheduleID,
		[]string{meta.JobRunStatusQueued, meta.JobRunStatusRunning}).
		Order("queued_at ASC").Find(&runs).Error
	if err != nil {
		return nil, meta.WrapSyncError(meta.ErrInternal, "查询活跃执行失败", err)
	}
	return runs, nil
}

// GetRun 查询单次执行记录
func (s *Service) GetRun(runID string) (*models.ScheduledJobRun, error) {
	var run models.ScheduledJobRun
	if err := s.db.First(&run, "id = ?", runID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, meta.NewSyncError(meta.ErrNotFound, "执行记录不存在: "+runID)
		}
		return nil, meta.WrapSyncError(meta.ErrInternal, "查询执行记录失败", err)
	}
	return &run, nil
}

// RunHistory 查询调度的执行历史
func (s *Service) RunHistory(scheduleID string, limit, offset int) ([]models.ScheduledJobRun, int64, error) {
	query := s.db.Model(&models.ScheduledJobRun{}).Where("schedule_id = ?", scheduleID)
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, meta.WrapSyncError(meta.ErrInternal, "统计执行历史失败", err)
	}
	if limit <= 0 {
		limit = 50
	}
	var runs []models.ScheduledJobRun
	err := query.Order("queued_at DESC").Limit(limit).Offset(offset).Find(&runs).Error
	if err != nil {
		return nil, 0, meta.WrapSyncError(meta.ErrInternal, "查询执行历史失败", err)
	}
	return runs, total, nil
}

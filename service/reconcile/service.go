/*
 * @module service/reconcile/service
 * @description 对账运行编排：拉取两侧记录、逐实体类型比对、归档差异、定稿报告
 * @architecture 分层架构 - 业务服务编排层
 * @documentReference ai_docs/mes_erp_sync_design.md 第4.3节
 * @stateFlow 报告PENDING落库 -> 逐实体拉取比对 -> 差异归档 -> 报告定稿COMPLETED/FAILED
 * @rules
 *   - FULL_SYNC遍历全部实体类型，结果合并到一份报告
 *   - 超时或取消时报告置FAILED并保留已产出的部分结果
 *   - 演练运行保留报告行但不归档差异、不发差异事件
 * @dependencies gorm.io/gorm, context
 * @refs reconciler.go, service/discrepancy, service/report, service/audit
 */

package reconcile

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"mes-sync-service/service/adapter"
	"mes-sync-service/service/audit"
	"mes-sync-service/service/discrepancy"
	"mes-sync-service/service/event"
	"mes-sync-service/service/meta"
	"mes-sync-service/service/models"
	"mes-sync-service/service/monitoring"
	"mes-sync-service/service/report"
)

// Service 对账运行编排服务
type Service struct {
	db            *gorm.DB
	reconciler    *Reconciler
	discrepancies *discrepancy.Service
	audit         *audit.Service
	events        *event.Bus
	registry      *adapter.Registry
	mesSource     adapter.RecordSource
	// RunTimeout 单次运行的墙钟超时
	RunTimeout time.Duration
}

// NewService 创建对账编排服务实例
func NewService(db *gorm.DB, reconciler *Reconciler, discrepancies *discrepancy.Service,
	auditSvc *audit.Service, events *event.Bus, registry *adapter.Registry,
	mesSource adapter.RecordSource) *Service {
	return &Service{
		db:            db,
		reconciler:    reconciler,
		discrepancies: discrepancies,
		audit:         auditSvc,
		events:        events,
		registry:      registry,
		mesSource:     mesSource,
		RunTimeout:    10 * time.Minute,
	}
}

// RunOptions 对账运行参数
type RunOptions struct {
	EntityType  string     `json:"entity_type"` // 单实体类型或FULL_SYNC
	DryRun      bool       `json:"dry_run"`
	TriggeredBy string     `json:"triggered_by"`
	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
	// Timeout 覆盖默认运行超时，零值使用服务默认
	Timeout time.Duration `json:"-"`
}

// RunResult 对账运行结果，演练运行时差异只在这里返回不落库
type RunResult struct {
	Report        *models.ReconciliationReport `json:"report"`
	Discrepancies []models.Discrepancy         `json:"discrepancies"`
}

// Run 执行一次对账。失败时报告定稿为FAILED并保留部分结果。
func (s *Service) Run(ctx context.Context, integrationID string, opts *RunOptions) (*RunResult, error) {
	if opts == nil {
		opts = &RunOptions{}
	}
	if opts.EntityType == "" {
		opts.EntityType = meta.EntityTypeFullSync
	}
	if !meta.IsValidEntityType(opts.EntityType) {
		return nil, meta.NewSyncError(meta.ErrValidation, "无效的实体类型: "+opts.EntityType)
	}
	if opts.TriggeredBy == "" {
		opts.TriggeredBy = "system"
	}

	var integration models.Integration
	if err := s.db.First(&integration, "id = ?", integrationID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, meta.NewSyncError(meta.ErrNotFound, "集成配置不存在: "+integrationID)
		}
		return nil, meta.WrapSyncError(meta.ErrInternal, "查询集成配置失败", err)
	}
	if !integration.Enabled {
		return nil, meta.NewSyncError(meta.ErrValidation, "集成已停用，无法发起对账")
	}

	erpAdapter, err := s.registry.Create(&integration)
	if err != nil {
		return nil, err
	}

	rpt := &models.ReconciliationReport{
		IntegrationID: integrationID,
		EntityType:    opts.EntityType,
		DryRun:        opts.DryRun,
		StartedAt:     time.Now(),
		TriggeredBy:   opts.TriggeredBy,
	}
	if opts.PeriodStart != nil {
		rpt.PeriodStart = *opts.PeriodStart
	}
	if opts.PeriodEnd != nil {
		rpt.PeriodEnd = *opts.PeriodEnd
	}
	if err := s.db.Create(rpt).Error; err != nil {
		return nil, meta.WrapSyncError(meta.ErrInternal, "创建对账报告失败", err)
	}

	s.audit.MustRecord(&models.AuditEvent{
		EventType:     meta.AuditReconcileStarted,
		IntegrationID: integrationID,
		EntityType:    opts.EntityType,
		Actor:         opts.TriggeredBy,
		Details:       models.JSONB{"report_id": rpt.ID, "dry_run": opts.DryRun},
	})

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.RunTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entityTypes := []string{opts.EntityType}
	if opts.EntityType == meta.EntityTypeFullSync {
		entityTypes = meta.EntityTypes
	}

	filter := &adapter.Filter{UpdatedAfter: opts.PeriodStart, UpdatedBefore: opts.PeriodEnd}
	var drafts []models.Discrepancy

	for _, entityType := range entityTypes {
		entityResult, err := s.compareOne(runCtx, erpAdapter, integrationID, entityType, filter)
		if entityResult != nil {
			rpt.MESCount += entityResult.MESCount
			rpt.ERPCount += entityResult.ERPCount
			rpt.MatchedCount += entityResult.MatchedCount
			drafts = append(drafts, entityResult.Discrepancies...)
		}
		if err != nil {
			return s.fail(rpt, drafts, opts, err)
		}
	}

	// 归档差异（演练不落库）
	if !opts.DryRun {
		if _, err := s.discrepancies.ArchiveDrafts(rpt.ID, drafts); err != nil {
			return s.fail(rpt, drafts, opts, err)
		}
	}

	total := rpt.MESCount
	if rpt.ERPCount > total {
		total = rpt.ERPCount
	}
	rpt.DiscrepancyCount = len(drafts)
	rpt.QualityScore = report.ComputeQualityScore(rpt.MatchedCount, total, drafts)
	if err := rpt.Finalize(meta.ReportStatusCompleted); err != nil {
		return nil, meta.WrapSyncError(meta.ErrInternal, "报告定稿失败", err)
	}
	if err := s.db.Save(rpt).Error; err != nil {
		return nil, meta.WrapSyncError(meta.ErrInternal, "保存对账报告失败", err)
	}

	monitoring.ReconcileRunsTotal.WithLabelValues(opts.EntityType, meta.ReportStatusCompleted).Inc()
	monitoring.ReconcileDuration.WithLabelValues(opts.EntityType).
		Observe(time.Since(rpt.StartedAt).Seconds())

	s.audit.MustRecord(&models.AuditEvent{
		EventType:     meta.AuditReconcileCompleted,
		IntegrationID: integrationID,
		EntityType:    opts.EntityType,
		Actor:         opts.TriggeredBy,
		Details: models.JSONB{
			"report_id":         rpt.ID,
			"matched_count":     rpt.MatchedCount,
			"discrepancy_count": rpt.DiscrepancyCount,
			"quality_score":     rpt.QualityScore,
			"dry_run":           opts.DryRun,
		},
	})
	if !opts.DryRun {
		s.events.Publish(&event.Event{
			Type:          meta.AuditReconcileCompleted,
			IntegrationID: integrationID,
			EntityType:    opts.EntityType,
			Data: map[string]interface{}{
				"report_id":         rpt.ID,
				"quality_score":     rpt.QualityScore,
				"discrepancy_count": rpt.DiscrepancyCount,
			},
		})
	}

	return &RunResult{Report: rpt, Discrepancies: drafts}, nil
}

// compareOne 拉取两侧记录并比对单个实体类型
func (s *Service) compareOne(ctx context.Context, erpAdapter adapter.ERPAdapter,
	integrationID, entityType string, filter *adapter.Filter) (*EntityResult, error) {

	mesRecords, err := s.mesSource.FetchRecords(ctx, entityType, filter)
	if err != nil {
		return nil, meta.WrapSyncError(meta.ErrConnection, "拉取MES记录失败", err)
	}
	erpRecords, err := erpAdapter.FetchRecords(ctx, entityType, filter)
	if err != nil {
		return nil, meta.WrapSyncError(meta.ErrConnection, "拉取ERP记录失败", err)
	}
	return s.reconciler.CompareEntity(ctx, integrationID, entityType, mesRecords, erpRecords)
}

// fail 失败收尾：报告定稿FAILED，保留已检出的部分差异
func (s *Service) fail(rpt *models.ReconciliationReport, drafts []models.Discrepancy,
	opts *RunOptions, cause error) (*RunResult, error) {

	if !opts.DryRun && len(drafts) > 0 {
		if _, err := s.discrepancies.ArchiveDrafts(rpt.ID, drafts); err != nil {
			slog.Error("部分差异归档失败", "report_id", rpt.ID, "error", err)
		}
	}

	se := meta.AsSyncError(cause)
	rpt.DiscrepancyCount = len(drafts)
	rpt.ErrorMessage = se.Error()
	if err := rpt.Finalize(meta.ReportStatusFailed); err == nil {
		if err := s.db.Save(rpt).Error; err != nil {
			slog.Error("保存失败报告失败", "report_id", rpt.ID, "error", err)
		}
	}

	monitoring.ReconcileRunsTotal.WithLabelValues(rpt.EntityType, meta.ReportStatusFailed).Inc()
	s.audit.MustRecord(&models.AuditEvent{
		EventType:     meta.AuditReconcileFailed,
		Severity:      meta.AuditSeverityWarning,
		Status:        meta.AuditStatusFailure,
		IntegrationID: rpt.IntegrationID,
		EntityType:    rpt.EntityType,
		Actor:         opts.TriggeredBy,
		Details:       models.JSONB{"report_id": rpt.ID, "error": se.Error()},
	})
	if !opts.DryRun {
		s.events.Publish(&event.Event{
			Type:          meta.AuditReconcileFailed,
			IntegrationID: rpt.IntegrationID,
			EntityType:    rpt.EntityType,
			Data:          map[string]interface{}{"report_id": rpt.ID, "error": se.Message},
		})
	}

	wrapped := meta.WrapSyncError(meta.ErrReconciliationFailed, "对账运行失败，部分结果已保留", se)
	return &RunResult{Report: rpt, Discrepancies: drafts}, wrapped
}

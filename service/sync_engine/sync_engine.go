/*
 * @module service/sync_engine/sync_engine
 * @description 同步任务引擎：任务排队、按集成限并发执行、推送/拉取/对账分发和计数结算
 * @architecture 分层架构 - 核心服务层，任务队列 + 按集成的工作者槽位
 * @documentReference ai_docs/mes_erp_sync_design.md 第4.2节
 * @stateFlow 任务QUEUED落库 -> 入队 -> 获取集成槽位 -> IN_PROGRESS -> 逐记录处理 -> SUCCESS/PARTIAL/FAILED
 * @rules
 *   - 同一集成的并发任务数受槽位上限约束，超出排队不丢弃
 *   - 终态转换恰好一次，successCount+errorCount==recordCount
 *   - 演练任务走完整翻译流程但不产生任何外部写入
 * @dependencies gorm.io/gorm, context, sync
 * @refs retry_manager.go, service/mapping, service/adapter, service/reconcile
 */

package sync_engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"mes-sync-service/service/adapter"
	"mes-sync-service/service/audit"
	"mes-sync-service/service/event"
	"mes-sync-service/service/mapping"
	"mes-sync-service/service/meta"
	"mes-sync-service/service/models"
	"mes-sync-service/service/monitoring"
)

// ReconcileFunc 对账任务的执行入口，由初始化时注入以避免包间环依赖
type ReconcileFunc func(ctx context.Context, integrationID, entityType string, dryRun bool, triggeredBy string) error

// Engine 同步任务引擎
type Engine struct {
	db        *gorm.DB
	mapper    *mapping.Engine
	registry  *adapter.Registry
	mesSource adapter.RecordSource
	mesWriter adapter.ERPAdapter
	audit     *audit.Service
	events    *event.Bus
	retry     *RetryManager
	reconcile ReconcileFunc

	maxPerIntegration int
	taskQueue         chan string
	slotMutex         sync.Mutex
	slots             map[string]chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine 创建同步任务引擎并启动队列处理协程
func NewEngine(db *gorm.DB, mapper *mapping.Engine, registry *adapter.Registry,
	mesSource adapter.RecordSource, mesWriter adapter.ERPAdapter,
	auditSvc *audit.Service, events *event.Bus, maxPerIntegration int) *Engine {

	if maxPerIntegration <= 0 {
		maxPerIntegration = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	engine := &Engine{
		db:                db,
		mapper:            mapper,
		registry:          registry,
		mesSource:         mesSource,
		mesWriter:         mesWriter,
		audit:             auditSvc,
		events:            events,
		retry:             NewRetryManager(3, time.Second),
		maxPerIntegration: maxPerIntegration,
		taskQueue:         make(chan string, 1000),
		slots:             make(map[string]chan struct{}),
		ctx:               ctx,
		cancel:            cancel,
	}
	go engine.processQueue()
	return engine
}

// SetReconcileFunc 注入对账执行入口
func (e *Engine) SetReconcileFunc(fn ReconcileFunc) {
	e.reconcile = fn
}

// SetRetryManager 替换重试策略
func (e *Engine) SetRetryManager(r *RetryManager) {
	e.retry = r
}

// Stop 停止队列处理
func (e *Engine) Stop() {
	e.cancel()
}

// JobOptions 同步任务参数
type JobOptions struct {
	EntityType string                 `json:"entity_type"`
	BatchSize  int                    `json:"batch_size,omitempty"`
	DryRun     bool                   `json:"dry_run,omitempty"`
	Filters    map[string]interface{} `json:"filters,omitempty"`
	CreatedBy  string                 `json:"created_by,omitempty"`
}

// QueueSyncJob 创建同步事务并入队。队列容量耗尽时任务立即置FAILED。
func (e *Engine) QueueSyncJob(integrationID, jobType string, opts *JobOptions) (*models.SyncTransaction, error) {
	if opts == nil {
		opts = &JobOptions{}
	}
	if !meta.IsValidJobType(jobType) {
		return nil, meta.NewSyncError(meta.ErrValidation, "无效的任务类型: "+jobType)
	}
	if !meta.IsValidEntityType(opts.EntityType) {
		return nil, meta.NewSyncError(meta.ErrValidation, "无效的实体类型: "+opts.EntityType)
	}
	if jobType != meta.JobTypeReconcile && opts.EntityType == meta.EntityTypeFullSync {
		return nil, meta.NewSyncError(meta.ErrValidation, "FULL_SYNC仅用于对账任务")
	}

	var integration models.Integration
	if err := e.db.First(&integration, "id = ?", integrationID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, meta.NewSyncError(meta.ErrNotFound, "集成配置不存在: "+integrationID)
		}
		return nil, meta.WrapSyncError(meta.ErrInternal, "查询集成配置失败", err)
	}
	if !integration.Enabled {
		return nil, meta.NewSyncError(meta.ErrValidation, "集成已停用，无法发起同步")
	}

	direction := meta.DirectionMESToERP
	if jobType == meta.JobTypePull {
		direction = meta.DirectionERPToMES
	} else if jobType == meta.JobTypeReconcile {
		direction = meta.DirectionBidirect
	}

	txn := &models.SyncTransaction{
		IntegrationID: integrationID,
		EntityType:    opts.EntityType,
		Direction:     direction,
		JobType:       jobType,
		DryRun:        opts.DryRun,
		CreatedBy:     opts.CreatedBy,
		QueuedAt:      time.Now(),
		Config: models.JSONB{
			"batch_size": opts.BatchSize,
			"filters":    opts.Filters,
		},
	}
	if txn.CreatedBy == "" {
		txn.CreatedBy = "system"
	}
	if err := e.db.Create(txn).Error; err != nil {
		return nil, meta.WrapSyncError(meta.ErrInternal, "创建同步事务失败", err)
	}

	select {
	case e.taskQueue <- txn.ID:
		return txn, nil
	default:
		e.failWithoutRun(txn, meta.NewSyncError(meta.ErrInternal, "任务队列已满，请稍后重试"))
		return nil, meta.NewSyncError(meta.ErrInternal, "任务队列已满，请稍后重试")
	}
}

// processQueue 从队列取任务，按集成获取工作者槽位后并发执行
func (e *Engine) processQueue() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case txnID := <-e.taskQueue:
			go func(id string) {
				var txn models.SyncTransaction
				if err := e.db.First(&txn, "id = ?", id).Error; err != nil {
					slog.Error("同步事务不存在，任务丢弃", "transaction_id", id, "error", err)
					return
				}

				slot := e.slotFor(txn.IntegrationID)
				slot <- struct{}{}
				defer func() { <-slot }()

				if err := e.Execute(e.ctx, &txn); err != nil {
					slog.Warn("同步任务失败",
						"transaction_id", txn.ID, "job_type", txn.JobType, "error", err)
				}
			}(txnID)
		}
	}
}

// slotFor 获取集成的工作者槽位通道
func (e *Engine) slotFor(integrationID string) chan struct{} {
	e.slotMutex.Lock()
	defer e.slotMutex.Unlock()
	slot, ok := e.slots[integrationID]
	if !ok {
		slot = make(chan struct{}, e.maxPerIntegration)
		e.slots[integrationID] = slot
	}
	return slot
}

// Execute 同步执行一个同步事务的完整生命周期
func (e *Engine) Execute(ctx context.Context, txn *models.SyncTransaction) error {
	now := time.Now()
	txn.Status = meta.SyncStatusInProgress
	txn.StartedAt = &now
	txn.Attempts++
	if err := e.db.Save(txn).Error; err != nil {
		return meta.WrapSyncError(meta.ErrInternal, "更新同步事务状态失败", err)
	}

	e.audit.MustRecord(&models.AuditEvent{
		EventType:     meta.AuditSyncStarted,
		IntegrationID: txn.IntegrationID,
		EntityType:    txn.EntityType,
		Actor:         txn.CreatedBy,
		Details:       models.JSONB{"transaction_id": txn.ID, "job_type": txn.JobType, "dry_run": txn.DryRun},
	})

	var err error
	switch txn.JobType {
	case meta.JobTypePush:
		err = e.runPush(ctx, txn)
	case meta.JobTypePull:
		err = e.runPull(ctx, txn)
	case meta.JobTypeReconcile:
		err = e.runReconcile(ctx, txn)
	default:
		err = meta.NewSyncError(meta.ErrValidation, "无效的任务类型: "+txn.JobType)
	}

	if err != nil {
		return e.finishFailed(txn, err)
	}
	return e.finishSucceeded(txn)
}

// runPush MES -> ERP推送
func (e *Engine) runPush(ctx context.Context, txn *models.SyncTransaction) error {
	if err := e.mapper.ValidateMappingComplete(txn.IntegrationID, txn.EntityType, meta.DirectionMESToERP); err != nil {
		return err
	}

	var integration models.Integration
	if err := e.db.First(&integration, "id = ?", txn.IntegrationID).Error; err != nil {
		return meta.WrapSyncError(meta.ErrNotFound, "集成配置不存在", err)
	}
	erpAdapter, err := e.registry.Create(&integration)
	if err != nil {
		return err
	}

	records, err := e.fetchWithRetry(ctx, e.mesSource, txn)
	if err != nil {
		return meta.WrapSyncError(meta.ErrConnection, "拉取MES记录失败", err)
	}

	txn.RecordCount = len(records)
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			txn.ErrorCount = txn.RecordCount - txn.SuccessCount
			return meta.WrapSyncError(meta.ErrConnection, "任务被取消", err)
		}

		translated, err := e.mapper.Translate(txn.IntegrationID, txn.EntityType, meta.DirectionMESToERP, record)
		if err != nil {
			txn.ErrorCount++
			continue
		}
		if txn.DryRun {
			txn.SuccessCount++
			continue
		}

		_, err = e.retry.Execute(ctx, func() error {
			return wrapPushError(erpAdapter.PushRecord(ctx, txn.EntityType, translated))
		})
		if err != nil {
			txn.ErrorCount++
			continue
		}
		txn.SuccessCount++
	}
	return nil
}

// runPull ERP -> MES拉取
func (e *Engine) runPull(ctx context.Context, txn *models.SyncTransaction) error {
	if err := e.mapper.ValidateMappingComplete(txn.IntegrationID, txn.EntityType, meta.DirectionERPToMES); err != nil {
		return err
	}
	if !txn.DryRun && e.mesWriter == nil {
		return meta.NewSyncError(meta.ErrValidation, "MES回写通道未配置，无法执行拉取同步")
	}

	var integration models.Integration
	if err := e.db.First(&integration, "id = ?", txn.IntegrationID).Error; err != nil {
		return meta.WrapSyncError(meta.ErrNotFound, "集成配置不存在", err)
	}
	erpAdapter, err := e.registry.Create(&integration)
	if err != nil {
		return err
	}

	records, err := e.fetchWithRetry(ctx, erpAdapter, txn)
	if err != nil {
		return meta.WrapSyncError(meta.ErrConnection, "拉取ERP记录失败", err)
	}

	txn.RecordCount = len(records)
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			txn.ErrorCount = txn.RecordCount - txn.SuccessCount
			return meta.WrapSyncError(meta.ErrConnection, "任务被取消", err)
		}

		translated, err := e.mapper.Translate(txn.IntegrationID, txn.EntityType, meta.DirectionERPToMES, record)
		if err != nil {
			txn.ErrorCount++
			continue
		}
		if txn.DryRun {
			txn.SuccessCount++
			continue
		}

		_, err = e.retry.Execute(ctx, func() error {
			return wrapPushError(e.mesWriter.PushRecord(ctx, txn.EntityType, translated))
		})
		if err != nil {
			txn.ErrorCount++
			continue
		}
		txn.SuccessCount++
	}
	return nil
}

// runReconcile 委托对账编排层执行
func (e *Engine) runReconcile(ctx context.Context, txn *models.SyncTransaction) error {
	if e.reconcile == nil {
		return meta.NewSyncError(meta.ErrInternal, "对账执行入口未注入")
	}
	return e.reconcile(ctx, txn.IntegrationID, txn.EntityType, txn.DryRun, txn.CreatedBy)
}

// fetchWithRetry 带重试地从记录源拉取
func (e *Engine) fetchWithRetry(ctx context.Context, source adapter.RecordSource,
	txn *models.SyncTransaction) ([]adapter.Record, error) {

	filter := &adapter.Filter{}
	if batchSize, ok := txn.Config["batch_size"]; ok {
		if n, ok := batchSize.(float64); ok && n > 0 {
			filter.Limit = int(n)
		}
		if n, ok := batchSize.(int); ok && n > 0 {
			filter.Limit = n
		}
	}
	if extra, ok := txn.Config["filters"].(map[string]interface{}); ok {
		filter.Extra = extra
	}

	var records []adapter.Record
	_, err := e.retry.Execute(ctx, func() error {
		fetched, err := source.FetchRecords(ctx, txn.EntityType, filter)
		if err != nil {
			return meta.WrapSyncError(meta.ErrConnection, "记录源拉取失败", err)
		}
		records = fetched
		return nil
	})
	return records, err
}

// finishSucceeded 按计数结算终态
func (e *Engine) finishSucceeded(txn *models.SyncTransaction) error {
	status := meta.SyncStatusSuccess
	if txn.ErrorCount > 0 {
		status = meta.SyncStatusPartial
		if txn.SuccessCount == 0 {
			status = meta.SyncStatusFailed
		}
	}
	if err := txn.Finalize(status); err != nil {
		return meta.WrapSyncError(meta.ErrInternal, "同步事务结算失败", err)
	}
	if err := e.db.Save(txn).Error; err != nil {
		return meta.WrapSyncError(meta.ErrInternal, "保存同步事务失败", err)
	}

	monitoring.SyncJobsTotal.WithLabelValues(txn.JobType, status).Inc()
	e.audit.MustRecord(&models.AuditEvent{
		EventType:     meta.AuditSyncCompleted,
		IntegrationID: txn.IntegrationID,
		EntityType:    txn.EntityType,
		Actor:         txn.CreatedBy,
		Details: models.JSONB{
			"transaction_id": txn.ID,
			"status":         status,
			"record_count":   txn.RecordCount,
			"success_count":  txn.SuccessCount,
			"error_count":    txn.ErrorCount,
		},
	})
	if !txn.DryRun {
		e.events.Publish(&event.Event{
			Type:          meta.AuditSyncCompleted,
			IntegrationID: txn.IntegrationID,
			EntityType:    txn.EntityType,
			Data: map[string]interface{}{
				"transaction_id": txn.ID,
				"status":         status,
				"record_count":   txn.RecordCount,
			},
		})
	}
	return nil
}

// finishFailed 整体失败收尾
func (e *Engine) finishFailed(txn *models.SyncTransaction, cause error) error {
	se := meta.AsSyncError(cause)
	txn.ErrorCode = string(se.Code)
	txn.ErrorMessage = se.Error()
	// 失败时未处理的记录全部计入错误侧，保持计数不变式
	txn.ErrorCount = txn.RecordCount - txn.SuccessCount
	if err := txn.Finalize(meta.SyncStatusFailed); err != nil {
		slog.Error("失败事务结算异常", "transaction_id", txn.ID, "error", err)
	}
	if err := e.db.Save(txn).Error; err != nil {
		slog.Error("保存失败事务异常", "transaction_id", txn.ID, "error", err)
	}

	monitoring.SyncJobsTotal.WithLabelValues(txn.JobType, meta.SyncStatusFailed).Inc()
	e.audit.MustRecord(&models.AuditEvent{
		EventType:     meta.AuditSyncFailed,
		Severity:      meta.AuditSeverityWarning,
		Status:        meta.AuditStatusFailure,
		IntegrationID: txn.IntegrationID,
		EntityType:    txn.EntityType,
		Actor:         txn.CreatedBy,
		Details: models.JSONB{
			"transaction_id": txn.ID,
			"error_code":     txn.ErrorCode,
			"error":          txn.ErrorMessage,
		},
	})
	if !txn.DryRun {
		e.events.Publish(&event.Event{
			Type:          meta.AuditSyncFailed,
			IntegrationID: txn.IntegrationID,
			EntityType:    txn.EntityType,
			Data: map[string]interface{}{
				"transaction_id": txn.ID,
				"error_code":     txn.ErrorCode,
			},
		})
	}
	return se
}

// failWithoutRun 入队失败的任务直接置终态
func (e *Engine) failWithoutRun(txn *models.SyncTransaction, cause error) {
	se := meta.AsSyncError(cause)
	txn.ErrorCode = string(se.Code)
	txn.ErrorMessage = se.Error()
	if err := txn.Finalize(meta.SyncStatusFailed); err == nil {
		if err := e.db.Save(txn).Error; err != nil {
			slog.Error("保存失败事务异常", "transaction_id", txn.ID, "error", err)
		}
	}
}

// GetTransaction 查询同步事务
func (e *Engine) GetTransaction(id string) (*models.SyncTransaction, error) {
	var txn models.SyncTransaction
	if err := e.db.First(&txn, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, meta.NewSyncError(meta.ErrNotFound, "同步事务不存在: "+id)
		}
		return nil, meta.WrapSyncError(meta.ErrInternal, "查询同步事务失败", err)
	}
	return &txn, nil
}

// ListTransactions 查询集成的同步事务历史
func (e *Engine) ListTransactions(integrationID string, limit, offset int) ([]models.SyncTransaction, int64, error) {
	query := e.db.Model(&models.SyncTransaction{})
	if integrationID != "" {
		query = query.Where("integration_id = ?", integrationID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, meta.WrapSyncError(meta.ErrInternal, "统计同步事务失败", err)
	}
	if limit <= 0 {
		limit = 50
	}
	var txns []models.SyncTransaction
	err := query.Order("queued_at DESC").Limit(limit).Offset(offset).Find(&txns).Error
	if err != nil {
		return nil, 0, meta.WrapSyncError(meta.ErrInternal, "查询同步事务失败", err)
	}
	return txns, total, nil
}

// wrapPushError 未分类的推送错误归为连接错误以进入重试
func wrapPushError(err error) error {
	if err == nil {
		return nil
	}
	var se *meta.SyncError
	if errors.As(err, &se) {
		return err
	}
	return meta.WrapSyncError(meta.ErrConnection, "记录推送失败", err)
}

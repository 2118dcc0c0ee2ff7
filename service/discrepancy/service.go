/*
 * @module service/discrepancy/service
 * @description 差异管理服务：差异归档去重、人工裁决、纠正回写和处理建议
 * @architecture 分层架构 - 业务服务层
 * @documentReference ai_docs/mes_erp_sync_design.md 第4.4节
 * @stateFlow 差异草稿归档（新建或合并到未决差异） -> 人工裁决 PENDING -> RESOLVED（恰好一次）
 * @rules
 *   - 跨运行按(集成, 实体类型, 实体ID, 字段)去重，未决差异挂到最新报告并累加出现次数
 *   - 裁决用条件更新抢占，落空即并发冲突
 *   - 纠正回写与状态翻转、审计事件在同一事务内，回写失败整体回滚
 * @dependencies gorm.io/gorm
 * @refs service/reconcile, service/adapter, service/mapping
 */

package discrepancy

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"mes-sync-service/service/adapter"
	"mes-sync-service/service/event"
	"mes-sync-service/service/mapping"
	"mes-sync-service/service/meta"
	"mes-sync-service/service/models"
	"mes-sync-service/service/monitoring"
)

// Service 差异管理服务
type Service struct {
	db       *gorm.DB
	engine   *mapping.Engine
	registry *adapter.Registry
	// mesWriter MES侧回写通道，未配置时UPDATE_SIDE_A裁决被拒绝
	mesWriter adapter.ERPAdapter
	events    *event.Bus
}

// NewService 创建差异管理服务实例
func NewService(db *gorm.DB, engine *mapping.Engine, registry *adapter.Registry,
	mesWriter adapter.ERPAdapter, events *event.Bus) *Service {
	return &Service{
		db:        db,
		engine:    engine,
		registry:  registry,
		mesWriter: mesWriter,
		events:    events,
	}
}

// ArchiveDrafts 将比对产出的差异草稿归档到指定报告。
// 已存在同(实体类型, 实体ID, 字段)的未决差异时合并：挂到最新报告、
// 刷新两侧值和严重程度、累加出现次数。返回本轮新建的差异数。
func (s *Service) ArchiveDrafts(reportID string, drafts []models.Discrepancy) (int, error) {
	created := 0
	for i := range drafts {
		draft := drafts[i]

		var existing models.Discrepancy
		err := s.db.Where(
			"integration_id = ? AND entity_type = ? AND entity_id = ? AND field = ? AND status = ?",
			draft.IntegrationID, draft.EntityType, draft.EntityID, draft.Field,
			meta.DiscrepancyStatusPending).
			First(&existing).Error

		switch {
		case err == nil:
			updates := map[string]interface{}{
				"report_id":        reportID,
				"mes_value":        draft.MESValue,
				"erp_value":        draft.ERPValue,
				"severity":         draft.Severity,
				"occurrence_count": gorm.Expr("occurrence_count + 1"),
				"last_seen_at":     time.Now(),
			}
			if err := s.db.Model(&existing).Updates(updates).Error; err != nil {
				return created, meta.WrapSyncError(meta.ErrInternal, "合并未决差异失败", err)
			}
		case err == gorm.ErrRecordNotFound:
			draft.ReportID = reportID
			if err := s.db.Create(&draft).Error; err != nil {
				return created, meta.WrapSyncError(meta.ErrInternal, "保存差异失败", err)
			}
			created++
			monitoring.DiscrepanciesTotal.WithLabelValues(draft.EntityType, draft.Severity).Inc()
			s.events.Publish(&event.Event{
				Type:          meta.AuditDiscrepancyCreated,
				IntegrationID: draft.IntegrationID,
				EntityType:    draft.EntityType,
				EntityID:      draft.EntityID,
				Data: map[string]interface{}{
					"discrepancy_id": draft.ID,
					"field":          draft.Field,
					"severity":       draft.Severity,
				},
			})
		default:
			return created, meta.WrapSyncError(meta.ErrInternal, "查询未决差异失败", err)
		}
	}
	return created, nil
}

// Get 按ID获取差异
func (s *Service) Get(id string) (*models.Discrepancy, error) {
	var d models.Discrepancy
	if err := s.db.First(&d, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, meta.NewSyncError(meta.ErrNotFound, "差异不存在: "+id)
		}
		return nil, meta.WrapSyncError(meta.ErrInternal, "查询差异失败", err)
	}
	return &d, nil
}

// ListFilter 差异列表过滤条件
type ListFilter struct {
	ReportID      string
	IntegrationID string
	EntityType    string
	Severity      string
	Status        string
	Limit         int
	Offset        int
}

// List 按条件查询差异，严重程度降序、最近出现优先
func (s *Service) List(filter *ListFilter) ([]models.Discrepancy, int64, error) {
	query := s.db.Model(&models.Discrepancy{})
	if filter.ReportID != "" {
		query = query.Where("report_id = ?", filter.ReportID)
	}
	if filter.IntegrationID != "" {
		query = query.Where("integration_id = ?", filter.IntegrationID)
	}
	if filter.EntityType != "" {
		query = query.Where("entity_type = ?", filter.EntityType)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, meta.WrapSyncError(meta.ErrInternal, "统计差异失败", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var discrepancies []models.Discrepancy
	err := query.Order("CASE severity WHEN 'CRITICAL' THEN 4 WHEN 'HIGH' THEN 3 WHEN 'MEDIUM' THEN 2 ELSE 1 END DESC, last_seen_at DESC").
		Limit(limit).Offset(filter.Offset).Find(&discrepancies).Error
	if err != nil {
		return nil, 0, meta.WrapSyncError(meta.ErrInternal, "查询差异失败", err)
	}
	return discrepancies, total, nil
}

// Resolve 裁决一条差异。
// action为UPDATE_SIDE_A时以ERP值回写MES，UPDATE_SIDE_B时以MES值回写ERP，
// ACCEPT时只接受差异不做回写。裁决抢占、纠正回写和审计事件在同一事务内完成。
func (s *Service) Resolve(ctx context.Context, id, action, note, actor string) (*models.Discrepancy, error) {
	if !meta.IsValidResolutionAction(action) {
		return nil, meta.NewSyncError(meta.ErrValidation, "无效的裁决动作: "+action)
	}
	if actor == "" {
		actor = "system"
	}

	d, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		// 条件更新抢占裁决权，落空说明已被并发处理
		claim := tx.Model(&models.Discrepancy{}).
			Where("id = ? AND status = ?", id, meta.DiscrepancyStatusPending).
			Updates(map[string]interface{}{
				"status":          meta.DiscrepancyStatusResolved,
				"resolution_type": action,
				"resolution_note": note,
				"resolved_by":     actor,
				"resolved_at":     now,
			})
		if claim.Error != nil {
			return meta.WrapSyncError(meta.ErrInternal, "更新差异状态失败", claim.Error)
		}
		if claim.RowsAffected == 0 {
			return meta.NewSyncError(meta.ErrConcurrencyConflict,
				"差异已被其他操作处理，本次裁决不生效").
				WithDetails(map[string]interface{}{"discrepancy_id": id})
		}

		if action != meta.ResolutionAccept {
			if err := s.correctiveWrite(ctx, d, action); err != nil {
				return err
			}
			corrective := &models.AuditEvent{
				EventType:     meta.AuditResolutionCorrective,
				Severity:      meta.AuditSeverityWarning,
				EntityType:    d.EntityType,
				EntityID:      d.EntityID,
				Actor:         actor,
				IntegrationID: d.IntegrationID,
				Details: models.JSONB{
					"discrepancy_id": d.ID,
					"field":          d.Field,
					"action":         action,
					"mes_value":      d.MESValue,
					"erp_value":      d.ERPValue,
				},
			}
			if err := tx.Create(corrective).Error; err != nil {
				return meta.WrapSyncError(meta.ErrInternal, "写入纠正审计事件失败", err)
			}
		}

		resolved := &models.AuditEvent{
			EventType:     meta.AuditDiscrepancyResolved,
			EntityType:    d.EntityType,
			EntityID:      d.EntityID,
			Actor:         actor,
			IntegrationID: d.IntegrationID,
			Details: models.JSONB{
				"discrepancy_id": d.ID,
				"field":          d.Field,
				"action":         action,
			},
		}
		if err := tx.Create(resolved).Error; err != nil {
			return meta.WrapSyncError(meta.ErrInternal, "写入裁决审计事件失败", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.events.Publish(&event.Event{
		Type:          meta.AuditDiscrepancyResolved,
		IntegrationID: d.IntegrationID,
		EntityType:    d.EntityType,
		EntityID:      d.EntityID,
		Data: map[string]interface{}{
			"discrepancy_id": d.ID,
			"action":         action,
			"resolved_by":    actor,
		},
	})
	return s.Get(id)
}

// correctiveWrite 执行纠正回写。存在性差异不支持单字段回写，需走同步任务补录。
func (s *Service) correctiveWrite(ctx context.Context, d *models.Discrepancy, action string) error {
	if d.Field == models.FieldPresence {
		return meta.NewSyncError(meta.ErrValidation,
			"存在性差异不支持字段级回写，请发起同步任务补录缺失记录")
	}

	key := meta.CorrelationKeys[d.EntityType]

	switch action {
	case meta.ResolutionUpdateERP:
		// 以MES值修正ERP
		var integration models.Integration
		if err := s.db.First(&integration, "id = ?", d.IntegrationID).Error; err != nil {
			return meta.WrapSyncError(meta.ErrNotFound, "集成配置不存在", err)
		}
		erpAdapter, err := s.registry.Create(&integration)
		if err != nil {
			return err
		}
		targetField, value, err := s.engine.TranslateField(
			d.IntegrationID, d.EntityType, meta.DirectionMESToERP, d.Field, d.MESValue)
		if err != nil {
			return err
		}
		targetKey, keyValue, err := s.engine.TranslateField(
			d.IntegrationID, d.EntityType, meta.DirectionMESToERP, key, d.EntityID)
		if err != nil {
			return err
		}
		record := adapter.Record{targetKey: keyValue, targetField: value}
		if err := erpAdapter.PushRecord(ctx, d.EntityType, record); err != nil {
			return meta.WrapSyncError(meta.ErrConnection, "回写ERP失败", err)
		}
	case meta.ResolutionUpdateMES:
		// 以ERP值修正MES
		if s.mesWriter == nil {
			return meta.NewSyncError(meta.ErrValidation, "MES回写通道未配置，无法执行UPDATE_SIDE_A")
		}
		record := adapter.Record{key: d.EntityID, d.Field: d.ERPValue}
		if err := s.mesWriter.PushRecord(ctx, d.EntityType, record); err != nil {
			return meta.WrapSyncError(meta.ErrConnection, "回写MES失败", err)
		}
	default:
		return meta.NewSyncError(meta.ErrValidation, "无效的回写动作: "+action)
	}
	return nil
}

// Suggestion 裁决建议
type Suggestion struct {
	DiscrepancyID string `json:"discrepancy_id"`
	Action        string `json:"action"`
	Reason        string `json:"reason"`
}

// SuggestResolution 按实体类型的权威数据源策略给出裁决建议
func (s *Service) SuggestResolution(id string) (*Suggestion, error) {
	d, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !d.IsPending() {
		return nil, meta.NewSyncError(meta.ErrValidation, "差异已裁决，无需建议")
	}

	policy, ok := meta.SourceOfTruthPolicies[d.EntityType]
	if !ok {
		return &Suggestion{
			DiscrepancyID: d.ID,
			Action:        meta.ResolutionAccept,
			Reason:        "该实体类型未配置权威数据源策略，建议人工判断",
		}, nil
	}

	suggestion := &Suggestion{DiscrepancyID: d.ID}
	if policy == meta.SourceOfTruthERP {
		suggestion.Action = meta.ResolutionUpdateMES
		suggestion.Reason = fmt.Sprintf("实体类型 %s 以ERP为权威数据源，建议用ERP值修正MES", d.EntityType)
	} else {
		suggestion.Action = meta.ResolutionUpdateERP
		suggestion.Reason = fmt.Sprintf("实体类型 %s 以MES为权威数据源，建议用MES值修正ERP", d.EntityType)
	}
	return suggestion, nil
}

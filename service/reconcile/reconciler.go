/*
 * @module service/reconcile/reconciler
 * @description 实体对账比对核心：按业务主键配对两侧记录，检出存在性差异和字段级差异
 * @architecture 模板方法模式 - 配对 -> 存在性检查 -> 字段逐一比对 -> 严重程度分类
 * @documentReference ai_docs/mes_erp_sync_design.md 第4.3节
 * @stateFlow 两侧记录集 -> 主键索引 -> 差异草稿（不落库，由编排层归档）
 * @rules
 *   - 单侧存在即为存在性差异，字段名记为_presence
 *   - 字段比对在MES命名空间进行，ERP记录先经映射引擎逆向翻译
 *   - 差异保留两侧原值，便于人工裁决
 * @dependencies context, github.com/spf13/cast
 * @refs rules.go, service/mapping/engine.go
 */

package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"mes-sync-service/service/adapter"
	"mes-sync-service/service/mapping"
	"mes-sync-service/service/meta"
	"mes-sync-service/service/models"
	"mes-sync-service/service/utils"
)

// EntityResult 单实体类型的比对结果
type EntityResult struct {
	EntityType    string               `json:"entity_type"`
	MESCount      int                  `json:"mes_count"`
	ERPCount      int                  `json:"erp_count"`
	MatchedCount  int                  `json:"matched_count"` // 成功配对的记录数
	Discrepancies []models.Discrepancy `json:"discrepancies"` // 差异草稿，ReportID由编排层补齐
}

// Reconciler 实体比对器
type Reconciler struct {
	engine *mapping.Engine
	rules  *RuleEvaluator
}

// NewReconciler 创建实体比对器实例
func NewReconciler(engine *mapping.Engine, rules *RuleEvaluator) *Reconciler {
	return &Reconciler{engine: engine, rules: rules}
}

// CompareEntity 比对单个实体类型的两侧记录集
func (r *Reconciler) CompareEntity(ctx context.Context, integrationID, entityType string,
	mesRecords, erpRecords []adapter.Record) (*EntityResult, error) {

	key, ok := meta.CorrelationKeys[entityType]
	if !ok {
		return nil, meta.NewSyncError(meta.ErrValidation,
			fmt.Sprintf("实体类型 %s 未配置业务主键", entityType))
	}

	mappings, err := r.engine.LoadMappings(integrationID, entityType, meta.DirectionERPToMES)
	if err != nil {
		return nil, err
	}
	if len(mappings) == 0 {
		return nil, meta.NewSyncError(meta.ErrMappingIncomplete,
			fmt.Sprintf("实体类型 %s 没有可用于比对的字段映射", entityType))
	}

	result := &EntityResult{
		EntityType: entityType,
		MESCount:   len(mesRecords),
		ERPCount:   len(erpRecords),
	}

	mesIndex := indexByKey(entityType, key, mesRecords)

	// ERP记录翻译到MES命名后按主键索引
	erpIndex := make(map[string]adapter.Record, len(erpRecords))
	for _, record := range erpRecords {
		if err := ctx.Err(); err != nil {
			return result, meta.WrapSyncError(meta.ErrReconciliationFailed, "对账被取消", err)
		}
		translated, err := r.engine.Translate(integrationID, entityType, meta.DirectionERPToMES, record)
		if err != nil {
			return result, err
		}
		id := utils.ToDisplayString(translated[key])
		if id == "" {
			slog.Warn("ERP记录缺少业务主键，跳过配对", "entity_type", entityType, "key", key)
			continue
		}
		erpIndex[id] = translated
	}

	// MES侧遍历：配对比对或记存在性差异
	for id, mesRecord := range mesIndex {
		if err := ctx.Err(); err != nil {
			return result, meta.WrapSyncError(meta.ErrReconciliationFailed, "对账被取消", err)
		}
		erpRecord, paired := erpIndex[id]
		if !paired {
			draft, err := r.presenceDraft(integrationID, entityType, id, true)
			if err != nil {
				return result, err
			}
			result.Discrepancies = append(result.Discrepancies, *draft)
			continue
		}

		result.MatchedCount++
		drafts, err := r.compareFields(integrationID, entityType, id, mappings, mesRecord, erpRecord)
		if err != nil {
			return result, err
		}
		result.Discrepancies = append(result.Discrepancies, drafts...)
	}

	// ERP侧独有的记录
	for id := range erpIndex {
		if _, paired := mesIndex[id]; paired {
			continue
		}
		draft, err := r.presenceDraft(integrationID, entityType, id, false)
		if err != nil {
			return result, err
		}
		result.Discrepancies = append(result.Discrepancies, *draft)
	}

	return result, nil
}

// compareFields 对一对已配对记录逐映射字段比对
func (r *Reconciler) compareFields(integrationID, entityType, entityID string,
	mappings []models.FieldMapping, mesRecord, erpRecord adapter.Record) ([]models.Discrepancy, error) {

	var drafts []models.Discrepancy
	for _, m := range mappings {
		field := m.SourceField
		mesValue := utils.ToDisplayString(mesRecord[field])
		erpValue := utils.ToDisplayString(erpRecord[field])
		if mesValue == erpValue {
			continue
		}

		severity, err := r.rules.Classify(entityType, field, mesValue, erpValue)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, models.Discrepancy{
			IntegrationID: integrationID,
			EntityType:    entityType,
			EntityID:      entityID,
			Field:         field,
			MESValue:      mesValue,
			ERPValue:      erpValue,
			Severity:      severity,
		})
	}
	return drafts, nil
}

// presenceDraft 构造存在性差异草稿
func (r *Reconciler) presenceDraft(integrationID, entityType, entityID string, inMES bool) (*models.Discrepancy, error) {
	severity, err := r.rules.Classify(entityType, models.FieldPresence, "", "")
	if err != nil {
		return nil, err
	}
	draft := &models.Discrepancy{
		IntegrationID: integrationID,
		EntityType:    entityType,
		EntityID:      entityID,
		Field:         models.FieldPresence,
		Severity:      severity,
	}
	if inMES {
		draft.MESValue = "present"
		draft.ERPValue = "missing"
	} else {
		draft.MESValue = "missing"
		draft.ERPValue = "present"
	}
	return draft, nil
}

// indexByKey 按业务主键索引记录集，主键缺失的记录跳过
func indexByKey(entityType, key string, records []adapter.Record) map[string]adapter.Record {
	index := make(map[string]adapter.Record, len(records))
	for _, record := range records {
		id := utils.ToDisplayString(record[key])
		if id == "" {
			slog.Warn("记录缺少业务主键，跳过配对", "entity_type", entityType, "key", key)
			continue
		}
		index[id] = record
	}
	return index
}

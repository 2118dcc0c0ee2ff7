/*
 * @module service/mapping/engine
 * @description 字段映射引擎，按集成配置在MES与ERP命名之间翻译记录
 * @architecture 转换器模式 - 映射规则驱动的记录翻译
 * @documentReference ai_docs/mes_erp_sync_design.md 第4.1节
 * @stateFlow 加载映射规则 -> 逐字段翻译 -> 应用值转换 -> 输出目标命名记录
 * @rules
 *   - 必填映射的源字段缺失时整条记录翻译失败，错误码MAPPING_INCOMPLETE
 *   - erp_to_mes方向按映射表逆向翻译，转换取逆
 *   - 业务主键字段始终透传，保证跨系统配对不丢失
 * @dependencies gorm.io/gorm, github.com/spf13/cast
 * @refs transforms.go, service/sync_engine, service/reconcile
 */

package mapping

import (
	"fmt"

	"gorm.io/gorm"

	"mes-sync-service/service/adapter"
	"mes-sync-service/service/meta"
	"mes-sync-service/service/models"
)

// Engine 字段映射引擎
type Engine struct {
	db      *gorm.DB
	scripts *ScriptTransformer
}

// NewEngine 创建字段映射引擎实例
func NewEngine(db *gorm.DB) *Engine {
	return &Engine{
		db:      db,
		scripts: NewScriptTransformer(),
	}
}

// LoadMappings 加载指定集成和实体类型在给定方向下生效的映射规则
func (e *Engine) LoadMappings(integrationID, entityType, direction string) ([]models.FieldMapping, error) {
	var mappings []models.FieldMapping
	err := e.db.Where("integration_id = ? AND entity_type = ? AND direction IN ?",
		integrationID, entityType, []string{direction, meta.DirectionBidirect}).
		Order("source_field").
		Find(&mappings).Error
	if err != nil {
		return nil, meta.WrapSyncError(meta.ErrInternal, "加载字段映射失败", err)
	}
	return mappings, nil
}

// ValidateMappingComplete 校验映射配置是否可支撑给定方向的同步。
// 无任何规则视为配置缺失，返回MAPPING_INCOMPLETE。
func (e *Engine) ValidateMappingComplete(integrationID, entityType, direction string) error {
	mappings, err := e.LoadMappings(integrationID, entityType, direction)
	if err != nil {
		return err
	}
	if len(mappings) == 0 {
		return meta.NewSyncError(meta.ErrMappingIncomplete,
			fmt.Sprintf("实体类型 %s 在方向 %s 下没有配置任何字段映射", entityType, direction)).
			WithDetails(map[string]interface{}{
				"integration_id": integrationID,
				"entity_type":    entityType,
				"direction":      direction,
			})
	}
	return nil
}

// Translate 将一条记录按映射规则翻译到对端命名。
// mes_to_erp方向按 source -> target 正向翻译；erp_to_mes按 target -> source 逆向翻译。
func (e *Engine) Translate(integrationID, entityType, direction string, record adapter.Record) (adapter.Record, error) {
	if direction == meta.DirectionBidirect {
		return nil, meta.NewSyncError(meta.ErrValidation, "翻译必须指定单一方向")
	}
	mappings, err := e.LoadMappings(integrationID, entityType, direction)
	if err != nil {
		return nil, err
	}
	if len(mappings) == 0 {
		return nil, meta.NewSyncError(meta.ErrMappingIncomplete,
			fmt.Sprintf("实体类型 %s 在方向 %s 下没有配置任何字段映射", entityType, direction))
	}

	reverse := direction == meta.DirectionERPToMES
	out := make(adapter.Record, len(mappings))
	var missing []string

	for _, m := range mappings {
		from, to := m.SourceField, m.TargetField
		if reverse {
			from, to = m.TargetField, m.SourceField
		}

		value, ok := record[from]
		if !ok {
			if m.Required {
				missing = append(missing, from)
			}
			continue
		}

		converted, err := e.applyTransform(m.Transform, value, reverse)
		if err != nil {
			se := meta.AsSyncError(err)
			return nil, se.WithDetails(map[string]interface{}{
				"entity_type": entityType,
				"field":       from,
			})
		}
		out[to] = converted
	}

	if len(missing) > 0 {
		return nil, meta.NewSyncError(meta.ErrMappingIncomplete,
			fmt.Sprintf("记录缺少必填映射字段: %v", missing)).
			WithDetails(map[string]interface{}{
				"entity_type":    entityType,
				"missing_fields": missing,
			})
	}

	// 业务主键透传，跨系统配对不依赖映射配置
	if key, ok := meta.CorrelationKeys[entityType]; ok {
		if _, exists := out[key]; !exists {
			if v, has := record[key]; has {
				out[key] = v
			}
		}
	}
	return out, nil
}

// TranslateField 翻译单个字段，返回对端字段名和转换后的值。
// 用于差异纠正等只回写单字段的场景，不校验整条记录的必填映射。
func (e *Engine) TranslateField(integrationID, entityType, direction, field string, value interface{}) (string, interface{}, error) {
	mappings, err := e.LoadMappings(integrationID, entityType, direction)
	if err != nil {
		return "", nil, err
	}

	reverse := direction == meta.DirectionERPToMES
	for _, m := range mappings {
		from, to := m.SourceField, m.TargetField
		if reverse {
			from, to = m.TargetField, m.SourceField
		}
		if from != field {
			continue
		}
		converted, err := e.applyTransform(m.Transform, value, reverse)
		if err != nil {
			return "", nil, err
		}
		return to, converted, nil
	}
	return "", nil, meta.NewSyncError(meta.ErrMappingIncomplete,
		fmt.Sprintf("字段 %s 在方向 %s 下没有映射规则", field, direction))
}

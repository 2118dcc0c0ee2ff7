/*
 * @module service/models/integration
 * @description ERP集成配置与字段映射模型
 * @architecture DDD领域驱动设计 - 实体模型
 * @documentReference ai_docs/mes_erp_sync_design.md 第3节
 * @stateFlow 集成创建 -> 启用 -> 软停用（存在同步历史时不允许物理删除）
 * @rules 连接配置中的敏感字段加密存储；字段映射完整后任务才可运行
 * @dependencies gorm.io/gorm, github.com/google/uuid
 * @refs service/mapping, service/adapter
 */

package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Integration 一个已配置的外部ERP系统连接
type Integration struct {
	ID               string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name             string    `json:"name" gorm:"not null;size:100"`
	SystemKind       string    `json:"system_kind" gorm:"not null;size:50;index"` // sap, oracle, dynamics, generic_rest ...
	ConnectionConfig JSONB     `json:"connection_config,omitempty" gorm:"type:jsonb"`
	Enabled          bool      `json:"enabled" gorm:"not null;default:true"`
	CreatedAt        time.Time `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	CreatedBy        string    `json:"created_by" gorm:"not null;default:'system';size:100"`
	UpdatedAt        time.Time `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedBy        string    `json:"updated_by,omitempty" gorm:"size:100"`
}

// BeforeCreate GORM钩子，创建前生成UUID
func (i *Integration) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.New().String()
	}
	if i.Name == "" {
		return errors.New("集成名称不能为空")
	}
	if i.SystemKind == "" {
		return errors.New("目标系统类型不能为空")
	}
	return nil
}

// FieldMapping 本地字段与远端字段的声明式对应关系
type FieldMapping struct {
	ID            string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	IntegrationID string    `json:"integration_id" gorm:"not null;type:varchar(36);index:idx_mapping_entity"`
	EntityType    string    `json:"entity_type" gorm:"not null;size:50;index:idx_mapping_entity"`
	SourceField   string    `json:"source_field" gorm:"not null;size:100"` // MES侧字段名
	TargetField   string    `json:"target_field" gorm:"not null;size:100"` // ERP侧字段名
	Transform     JSONB     `json:"transform,omitempty" gorm:"type:jsonb"` // {"type":"unit_convert","factor":...}
	Direction     string    `json:"direction" gorm:"not null;size:20;default:'bidirectional'"`
	Required      bool      `json:"required" gorm:"not null;default:false"`
	CreatedAt     time.Time `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// BeforeCreate GORM钩子
func (m *FieldMapping) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.SourceField == "" || m.TargetField == "" {
		return errors.New("映射的源字段和目标字段不能为空")
	}
	return nil
}

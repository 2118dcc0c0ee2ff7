/*
 * @module service/models/audit_event
 * @description 审计事件模型，所有状态变更的只追加账本
 * @architecture DDD领域驱动设计 - 实体模型
 * @documentReference ai_docs/mes_erp_sync_design.md 第4.7节
 * @stateFlow 只追加，正常运行期间不修改不删除
 * @rules 同一实体的事件按performedAt单调有序；每次状态变更同步写恰好一条
 * @dependencies gorm.io/gorm, github.com/google/uuid
 * @refs service/audit
 */

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"mes-sync-service/service/meta"
)

// AuditEvent 一条不可变的状态变更记录
type AuditEvent struct {
	ID            string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	EventType     string    `json:"event_type" gorm:"not null;size:100;index"`
	Severity      string    `json:"severity" gorm:"not null;size:20;default:'INFO';index"`
	EntityType    string    `json:"entity_type,omitempty" gorm:"size:50;index:idx_audit_entity"`
	EntityID      string    `json:"entity_id,omitempty" gorm:"size:100;index:idx_audit_entity"`
	Actor         string    `json:"actor" gorm:"not null;default:'system';size:100;index"`
	IntegrationID string    `json:"integration_id,omitempty" gorm:"type:varchar(36);index"`
	Status        string    `json:"status" gorm:"not null;size:20;default:'SUCCESS'"`
	Details       JSONB     `json:"details,omitempty" gorm:"type:jsonb"`
	PerformedAt   time.Time `json:"performed_at" gorm:"not null;index:idx_audit_entity"`
}

// BeforeCreate GORM钩子
func (a *AuditEvent) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Severity == "" {
		a.Severity = meta.AuditSeverityInfo
	}
	if a.Status == "" {
		a.Status = meta.AuditStatusSuccess
	}
	if a.PerformedAt.IsZero() {
		a.PerformedAt = time.Now()
	}
	return nil
}

// IsCritical 是否为关键事件
func (a *AuditEvent) IsCritical() bool {
	return a.Severity == meta.AuditSeverityCritical || a.Status == meta.AuditStatusFailure
}

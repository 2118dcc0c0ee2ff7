/*
 * @module service/models/reconciliation
 * @description 对账报告、差异记录与严重程度规则模型
 * @architecture DDD领域驱动设计 - 实体模型
 * @documentReference ai_docs/mes_erp_sync_design.md 第3节
 * @stateFlow 报告 PENDING -> COMPLETED/FAILED（定稿恰好一次）；差异 PENDING -> RESOLVED（恰好一次）
 * @rules 差异按(reportId, entityType, entityId, field)唯一；报告与差异之间仅用ID外键关联
 * @dependencies gorm.io/gorm, github.com/google/uuid, service/meta
 * @refs service/reconcile, service/discrepancy, service/report
 */

package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"mes-sync-service/service/meta"
)

// ReconciliationReport 一次对账运行的聚合报告
type ReconciliationReport struct {
	ID               string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	IntegrationID    string     `json:"integration_id" gorm:"not null;type:varchar(36);index"`
	EntityType       string     `json:"entity_type" gorm:"not null;size:50;index"` // 单实体类型或 FULL_SYNC
	PeriodStart      time.Time  `json:"period_start"`
	PeriodEnd        time.Time  `json:"period_end"`
	MESCount         int        `json:"mes_count" gorm:"default:0"`
	ERPCount         int        `json:"erp_count" gorm:"default:0"`
	MatchedCount     int        `json:"matched_count" gorm:"default:0"`
	DiscrepancyCount int        `json:"discrepancy_count" gorm:"default:0"`
	QualityScore     float64    `json:"quality_score" gorm:"default:0"`
	Status           string     `json:"status" gorm:"not null;size:20;default:'PENDING';index"`
	DryRun           bool       `json:"dry_run" gorm:"not null;default:false"`
	ErrorMessage     string     `json:"error_message,omitempty" gorm:"type:text"`
	StartedAt        time.Time  `json:"started_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	TriggeredBy      string     `json:"triggered_by" gorm:"not null;default:'system';size:100"`
}

// BeforeCreate GORM钩子
func (r *ReconciliationReport) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = meta.ReportStatusPending
	}
	return nil
}

// IsFinalized 报告是否已定稿
func (r *ReconciliationReport) IsFinalized() bool {
	return r.Status == meta.ReportStatusCompleted || r.Status == meta.ReportStatusFailed
}

// Finalize 定稿报告，定稿后不可再次转换
func (r *ReconciliationReport) Finalize(status string) error {
	if r.IsFinalized() {
		return errors.New("对账报告已定稿，不允许再次转换")
	}
	now := time.Now()
	r.Status = status
	r.CompletedAt = &now
	return nil
}

// Discrepancy 一条字段级或存在性差异
type Discrepancy struct {
	ID              string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ReportID        string     `json:"report_id" gorm:"not null;type:varchar(36);uniqueIndex:idx_discrepancy_tuple"`
	IntegrationID   string     `json:"integration_id" gorm:"not null;type:varchar(36);index"`
	EntityType      string     `json:"entity_type" gorm:"not null;size:50;uniqueIndex:idx_discrepancy_tuple"`
	EntityID        string     `json:"entity_id" gorm:"not null;size:100;uniqueIndex:idx_discrepancy_tuple"`
	Field           string     `json:"field" gorm:"not null;size:100;uniqueIndex:idx_discrepancy_tuple"` // 存在性差异时为 _presence
	MESValue        string     `json:"mes_value,omitempty" gorm:"type:text"`
	ERPValue        string     `json:"erp_value,omitempty" gorm:"type:text"`
	Severity        string     `json:"severity" gorm:"not null;size:20;index"`
	Status          string     `json:"status" gorm:"not null;size:20;default:'PENDING';index"`
	OccurrenceCount int        `json:"occurrence_count" gorm:"default:1"`
	ResolutionType  string     `json:"resolution_type,omitempty" gorm:"size:30"`
	ResolutionNote  string     `json:"resolution_note,omitempty" gorm:"type:text"`
	ResolvedBy      string     `json:"resolved_by,omitempty" gorm:"size:100"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	FirstSeenAt     time.Time  `json:"first_seen_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	LastSeenAt      time.Time  `json:"last_seen_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// FieldPresence 存在性差异的字段占位名
const FieldPresence = "_presence"

// BeforeCreate GORM钩子
func (d *Discrepancy) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = meta.DiscrepancyStatusPending
	}
	if !meta.IsValidSeverity(d.Severity) {
		return errors.New("无效的严重程度: " + d.Severity)
	}
	if d.OccurrenceCount == 0 {
		d.OccurrenceCount = 1
	}
	return nil
}

// IsPending 差异是否待处理
func (d *Discrepancy) IsPending() bool {
	return d.Status == meta.DiscrepancyStatusPending
}

// SeverityRule 严重程度分类规则（可配置，替代硬编码阈值）
type SeverityRule struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	EntityType string    `json:"entity_type" gorm:"not null;size:50;index"`
	Field      string    `json:"field" gorm:"not null;size:100"` // 字段名或 * 通配
	Kind       string    `json:"kind" gorm:"not null;size:30"`   // monetary_pct, enum, text, presence, default
	Threshold  float64   `json:"threshold" gorm:"default:0"`     // monetary_pct: 百分比阈值
	Severity   string    `json:"severity" gorm:"not null;size:20"`
	Enabled    bool      `json:"enabled" gorm:"not null;default:true"`
	CreatedAt  time.Time `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// BeforeCreate GORM钩子
func (s *SeverityRule) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if !meta.IsValidSeverity(s.Severity) {
		return errors.New("无效的严重程度: " + s.Severity)
	}
	return nil
}

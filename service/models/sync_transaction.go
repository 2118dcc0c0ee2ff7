/*
 * @module service/models/sync_transaction
 * @description 同步事务模型，记录一次推送/拉取同步任务的全生命周期
 * @architecture DDD领域驱动设计 - 实体模型
 * @documentReference ai_docs/mes_erp_sync_design.md 第3节
 * @stateFlow QUEUED -> IN_PROGRESS -> SUCCESS/PARTIAL/FAILED（恰好一次终态转换）
 * @rules 终态时 successCount + errorCount == recordCount 必须成立
 * @dependencies gorm.io/gorm, github.com/google/uuid, service/meta
 * @refs service/sync_engine
 */

package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"mes-sync-service/service/meta"
)

// SyncTransaction 同步事务
type SyncTransaction struct {
	ID            string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	IntegrationID string     `json:"integration_id" gorm:"not null;type:varchar(36);index"`
	EntityType    string     `json:"entity_type" gorm:"not null;size:50;index"`
	Direction     string     `json:"direction" gorm:"not null;size:20"`
	JobType       string     `json:"job_type" gorm:"not null;size:20"`
	Status        string     `json:"status" gorm:"not null;size:20;default:'QUEUED';index"`
	DryRun        bool       `json:"dry_run" gorm:"not null;default:false"`
	RecordCount   int        `json:"record_count" gorm:"default:0"`
	SuccessCount  int        `json:"success_count" gorm:"default:0"`
	ErrorCount    int        `json:"error_count" gorm:"default:0"`
	Attempts      int        `json:"attempts" gorm:"default:0"`
	ErrorCode     string     `json:"error_code,omitempty" gorm:"size:50"`
	ErrorMessage  string     `json:"error_message,omitempty" gorm:"type:text"`
	Config        JSONB      `json:"config,omitempty" gorm:"type:jsonb"`
	QueuedAt      time.Time  `json:"queued_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedBy     string     `json:"created_by" gorm:"not null;default:'system';size:100"`
}

// BeforeCreate GORM钩子
func (t *SyncTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = meta.SyncStatusQueued
	}
	if !meta.IsValidJobType(t.JobType) {
		return fmt.Errorf("无效的任务类型: %s", t.JobType)
	}
	return nil
}

// IsTerminal 判断事务是否已进入终态
func (t *SyncTransaction) IsTerminal() bool {
	return meta.IsTerminalSyncStatus(t.Status)
}

// Finalize 校验计数不变式并写入终态，禁止二次终态转换
func (t *SyncTransaction) Finalize(status string) error {
	if t.IsTerminal() {
		return errors.New("同步事务已处于终态，不允许再次转换")
	}
	if !meta.IsTerminalSyncStatus(status) {
		return fmt.Errorf("非法的终态: %s", status)
	}
	if t.SuccessCount+t.ErrorCount != t.RecordCount {
		return fmt.Errorf("计数不一致: success=%d error=%d record=%d",
			t.SuccessCount, t.ErrorCount, t.RecordCount)
	}
	now := time.Now()
	t.Status = status
	t.CompletedAt = &now
	return nil
}

// Duration 获取执行时长
func (t *SyncTransaction) Duration() *time.Duration {
	if t.StartedAt != nil && t.CompletedAt != nil {
		d := t.CompletedAt.Sub(*t.StartedAt)
		return &d
	}
	return nil
}

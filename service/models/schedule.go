/*
 * @module service/models/schedule
 * @description 周期对账调度配置与调度执行记录模型
 * @architecture DDD领域驱动设计 - 实体模型
 * @documentReference ai_docs/mes_erp_sync_design.md 第4.5节
 * @stateFlow 调度创建 -> 按cron/固定间隔触发 -> 生成ScheduledJobRun -> 终态
 * @rules NextRun把表达式解析封装在模型内，调用方不感知cron语法；超出并发上限的触发排队而非丢弃
 * @dependencies gorm.io/gorm, github.com/google/uuid, github.com/robfig/cron/v3, github.com/lib/pq
 * @refs service/scheduler
 */

package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// ReconciliationSchedule 周期对账调度配置
type ReconciliationSchedule struct {
	ID                string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	IntegrationID     string         `json:"integration_id" gorm:"not null;type:varchar(36);index"`
	Name              string         `json:"name" gorm:"not null;size:100"`
	EntityTypes       pq.StringArray `json:"entity_types" gorm:"type:text[]"`
	CronExpression    string         `json:"cron_expression,omitempty" gorm:"size:100"` // 与IntervalSeconds二选一
	IntervalSeconds   int            `json:"interval_seconds,omitempty" gorm:"default:0"`
	MaxConcurrentJobs int            `json:"max_concurrent_jobs" gorm:"not null;default:1"`
	TimeoutSeconds    int            `json:"timeout_seconds" gorm:"not null;default:600"`
	RetryAttempts     int            `json:"retry_attempts" gorm:"not null;default:3"`
	Enabled           bool           `json:"enabled" gorm:"not null;default:true"`
	LastRunAt         *time.Time     `json:"last_run_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	CreatedBy         string         `json:"created_by" gorm:"not null;default:'system';size:100"`
	UpdatedAt         time.Time      `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// BeforeCreate GORM钩子，创建前校验触发配置
func (s *ReconciliationSchedule) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return s.ValidateTrigger()
}

// BeforeUpdate GORM钩子
func (s *ReconciliationSchedule) BeforeUpdate(tx *gorm.DB) error {
	return s.ValidateTrigger()
}

// ValidateTrigger 校验cron表达式或固定间隔，二者必须恰好配置一个
func (s *ReconciliationSchedule) ValidateTrigger() error {
	if s.CronExpression == "" && s.IntervalSeconds <= 0 {
		return errors.New("调度必须配置cron表达式或固定间隔")
	}
	if s.CronExpression != "" && s.IntervalSeconds > 0 {
		return errors.New("cron表达式与固定间隔不能同时配置")
	}
	if s.CronExpression != "" {
		if _, err := cronParser.Parse(s.CronExpression); err != nil {
			return fmt.Errorf("无效的cron表达式 %q: %w", s.CronExpression, err)
		}
	}
	if s.MaxConcurrentJobs <= 0 {
		s.MaxConcurrentJobs = 1
	}
	return nil
}

// NextRun 计算after之后的下一次触发时间。
// cron解析细节封装在此，调用方只依赖这个值语义。
func (s *ReconciliationSchedule) NextRun(after time.Time) (time.Time, error) {
	if s.CronExpression != "" {
		sched, err := cronParser.Parse(s.CronExpression)
		if err != nil {
			return time.Time{}, fmt.Errorf("无效的cron表达式 %q: %w", s.CronExpression, err)
		}
		return sched.Next(after), nil
	}
	if s.IntervalSeconds > 0 {
		base := after
		if s.LastRunAt != nil && s.LastRunAt.After(base) {
			base = *s.LastRunAt
		}
		return base.Add(time.Duration(s.IntervalSeconds) * time.Second), nil
	}
	return time.Time{}, errors.New("调度未配置触发方式")
}

// ScheduledJobRun 一次调度执行记录（定时或手动触发）
type ScheduledJobRun struct {
	ID          string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ScheduleID  string     `json:"schedule_id" gorm:"not null;type:varchar(36);index"`
	Status      string     `json:"status" gorm:"not null;size:20;default:'QUEUED';index"`
	Manual      bool       `json:"manual" gorm:"not null;default:false"`
	ReportIDs   pq.StringArray `json:"report_ids,omitempty" gorm:"type:text[]"`
	Outcome     JSONB      `json:"outcome,omitempty" gorm:"type:jsonb"`
	ErrorReason string     `json:"error_reason,omitempty" gorm:"type:text"`
	QueuedAt    time.Time  `json:"queued_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// BeforeCreate GORM钩子
func (r *ScheduledJobRun) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

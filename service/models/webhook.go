/*
 * @module service/models/webhook
 * @description Webhook订阅与投递记录模型
 * @architecture DDD领域驱动设计 - 实体模型
 * @documentReference ai_docs/mes_erp_sync_design.md 第4.6节
 * @stateFlow 投递 PENDING -> RETRYING -> SUCCESS/FAILED（终态不回退）
 * @rules 先落投递记录再发送；尝试次数不超过配置上限
 * @dependencies gorm.io/gorm, github.com/google/uuid, github.com/lib/pq
 * @refs service/webhook
 */

package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"

	"mes-sync-service/service/meta"
)

// Webhook 一个订阅方端点配置
type Webhook struct {
	ID            string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name          string         `json:"name" gorm:"not null;size:100"`
	IntegrationID string         `json:"integration_id,omitempty" gorm:"type:varchar(36);index"` // 为空表示订阅全部集成
	URL           string         `json:"url" gorm:"not null;size:500"`
	EventTypes    pq.StringArray `json:"event_types" gorm:"type:text[]"`
	Secret        string         `json:"-" gorm:"not null;size:200"` // 签名密钥，不对外输出
	MaxAttempts   int            `json:"max_attempts" gorm:"not null;default:5"`
	Enabled       bool           `json:"enabled" gorm:"not null;default:true"`
	CreatedAt     time.Time      `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time      `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// BeforeCreate GORM钩子
func (w *Webhook) BeforeCreate(tx *gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.URL == "" {
		return errors.New("webhook地址不能为空")
	}
	if w.Secret == "" {
		return errors.New("webhook签名密钥不能为空")
	}
	for _, et := range w.EventTypes {
		if !meta.IsValidWebhookEventType(et) {
			return errors.New("无效的事件类型: " + et)
		}
	}
	if w.MaxAttempts <= 0 {
		w.MaxAttempts = 5
	}
	return nil
}

// SubscribesTo 判断是否订阅了指定事件
func (w *Webhook) SubscribesTo(eventType string) bool {
	for _, et := range w.EventTypes {
		if et == eventType {
			return true
		}
	}
	return false
}

// WebhookDelivery 一次(webhook, event)投递的完整轨迹
type WebhookDelivery struct {
	ID               string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	WebhookID        string     `json:"webhook_id" gorm:"not null;type:varchar(36);index"`
	EventType        string     `json:"event_type" gorm:"not null;size:100;index"`
	Payload          JSONB      `json:"payload" gorm:"type:jsonb"`
	Status           string     `json:"status" gorm:"not null;size:20;default:'PENDING';index"`
	Attempts         int        `json:"attempts" gorm:"default:0"`
	LastResponseCode int        `json:"last_response_code,omitempty"`
	LastError        string     `json:"last_error,omitempty" gorm:"type:text"`
	NextRetryAt      *time.Time `json:"next_retry_at,omitempty"`
	IsTest           bool       `json:"is_test" gorm:"not null;default:false"` // 测试投递不计入统计
	CreatedAt        time.Time  `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// BeforeCreate GORM钩子
func (d *WebhookDelivery) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = meta.DeliveryStatusPending
	}
	return nil
}

// IsTerminal 投递是否已到终态
func (d *WebhookDelivery) IsTerminal() bool {
	return d.Status == meta.DeliveryStatusSuccess || d.Status == meta.DeliveryStatusFailed
}

/*
 * @module service/webhook/service
 * @description Webhook投递服务，负责订阅注册、事件扇出、签名投递和退避重试
 * @architecture 分层架构 - 业务服务层，按webhook串行化首次投递的工作协程
 * @documentReference ai_docs/mes_erp_sync_design.md 第4.6节
 * @stateFlow 事件到达 -> 先落投递记录 -> 首次投递（按webhook有序） -> 失败退避重试 -> SUCCESS/FAILED终态
 * @rules
 *   - 投递记录先于网络发送落库，崩溃后可审计
 *   - 2xx视为成功；其余递增尝试次数并指数退避，到达上限置FAILED并写FAILURE审计
 *   - 测试投递走完整签名发送路径但不计入统计
 * @dependencies gorm.io/gorm, net/http
 * @refs service/models/webhook.go, service/event, service/utils/crypto_utils.go
 */

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"gorm.io/gorm"

	"mes-sync-service/service/audit"
	"mes-sync-service/service/event"
	"mes-sync-service/service/meta"
	"mes-sync-service/service/models"
	"mes-sync-service/service/monitoring"
	"mes-sync-service/service/utils"
)

// SignatureHeader 投递签名请求头
const SignatureHeader = "X-MES-Signature"

// Service Webhook投递服务
type Service struct {
	db    *gorm.DB
	audit *audit.Service

	httpClient *http.Client
	// RetryBaseDelay 重试退避基准间隔，逐次翻倍
	RetryBaseDelay time.Duration

	mu      sync.Mutex
	workers map[string]chan *deliveryTask
}

type deliveryTask struct {
	webhook  models.Webhook
	delivery *models.WebhookDelivery
}

// NewService 创建Webhook投递服务实例
func NewService(db *gorm.DB, auditSvc *audit.Service) *Service {
	return &Service{
		db:             db,
		audit:          auditSvc,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		RetryBaseDelay: time.Second,
		workers:        make(map[string]chan *deliveryTask),
	}
}

// Register 注册订阅端点。密钥为空时自动生成并回传一次。
func (s *Service) Register(webhook *models.Webhook) error {
	if len(webhook.EventTypes) == 0 {
		return meta.NewSyncError(meta.ErrValidation, "至少订阅一种事件类型")
	}
	for _, et := range webhook.EventTypes {
		if !meta.IsValidWebhookEventType(et) {
			return meta.NewSyncError(meta.ErrValidation, "无效的事件类型: "+et)
		}
	}
	if webhook.Secret == "" {
		secret, err := utils.GenerateSecret(32)
		if err != nil {
			return meta.WrapSyncError(meta.ErrInternal, "生成签名密钥失败", err)
		}
		webhook.Secret = secret
	}
	if err := s.db.Create(webhook).Error; err != nil {
		return meta.WrapSyncError(meta.ErrInternal, "保存webhook失败", err)
	}

	s.audit.MustRecord(&models.AuditEvent{
		EventType:     meta.AuditWebhookRegistered,
		IntegrationID: webhook.IntegrationID,
		Details:       models.JSONB{"webhook_id": webhook.ID, "url": webhook.URL},
	})
	return nil
}

// Name 事件总线订阅方名称
func (s *Service) Name() string {
	return "webhook-dispatcher"
}

// Handle 事件总线回调，将领域事件扇出到订阅的webhook
func (s *Service) Handle(ctx context.Context, ev *event.Event) error {
	return s.Dispatch(ev)
}

// Dispatch 将事件扇出到全部订阅且启用的webhook。
// 每个webhook的首次投递经由其专属工作协程保持到达顺序。
func (s *Service) Dispatch(ev *event.Event) error {
	var webhooks []models.Webhook
	query := s.db.Where("enabled = ?", true)
	if ev.IntegrationID != "" {
		query = query.Where("integration_id = ? OR integration_id = ''", ev.IntegrationID)
	}
	if err := query.Find(&webhooks).Error; err != nil {
		return meta.WrapSyncError(meta.ErrInternal, "查询webhook订阅失败", err)
	}

	payload := models.JSONB{
		"eventType":     ev.Type,
		"timestamp":     ev.Timestamp.Format(time.RFC3339),
		"integrationId": ev.IntegrationID,
		"entityType":    ev.EntityType,
		"entityId":      ev.EntityID,
		"data":          ev.Data,
	}

	for _, wh := range webhooks {
		if !wh.SubscribesTo(ev.Type) {
			continue
		}
		delivery := &models.WebhookDelivery{
			WebhookID: wh.ID,
			EventType: ev.Type,
			Payload:   payload,
		}
		// 先落库再发送
		if err := s.db.Create(delivery).Error; err != nil {
			slog.Error("创建投递记录失败", "webhook_id", wh.ID, "error", err)
			continue
		}
		s.enqueue(&deliveryTask{webhook: wh, delivery: delivery})
	}
	return nil
}

// enqueue 将任务投入webhook专属工作协程
func (s *Service) enqueue(task *deliveryTask) {
	s.mu.Lock()
	ch, ok := s.workers[task.webhook.ID]
	if !ok {
		ch = make(chan *deliveryTask, 256)
		s.workers[task.webhook.ID] = ch
		go func() {
			for t := range ch {
				s.Deliver(&t.webhook, t.delivery)
			}
		}()
	}
	s.mu.Unlock()

	select {
	case ch <- task:
	default:
		// 队列满时降级为并发投递，顺序让位于不丢失
		go s.Deliver(&task.webhook, task.delivery)
	}
}

// Deliver 同步执行一条投递的完整生命周期：首次发送加退避重试直到终态
func (s *Service) Deliver(webhook *models.Webhook, delivery *models.WebhookDelivery) {
	body, err := json.Marshal(map[string]interface{}(delivery.Payload))
	if err != nil {
		s.finalize(webhook, delivery, 0, fmt.Sprintf("序列化载荷失败: %v", err))
		return
	}

	delay := s.RetryBaseDelay
	for delivery.Attempts < webhook.MaxAttempts {
		delivery.Attempts++
		code, sendErr := s.send(webhook, body)
		delivery.LastResponseCode = code

		if sendErr == nil {
			now := time.Now()
			delivery.Status = meta.DeliveryStatusSuccess
			delivery.CompletedAt = &now
			delivery.LastError = ""
			delivery.NextRetryAt = nil
			s.saveDelivery(delivery)
			if !delivery.IsTest {
				monitoring.WebhookDeliveriesTotal.WithLabelValues(meta.DeliveryStatusSuccess).Inc()
			}
			return
		}

		delivery.LastError = sendErr.Error()
		if delivery.Attempts >= webhook.MaxAttempts {
			break
		}
		next := time.Now().Add(delay)
		delivery.Status = meta.DeliveryStatusRetrying
		delivery.NextRetryAt = &next
		s.saveDelivery(delivery)

		time.Sleep(delay)
		delay *= 2
	}

	s.finalize(webhook, delivery, delivery.LastResponseCode, delivery.LastError)
}

// finalize 投递最终失败
func (s *Service) finalize(webhook *models.Webhook, delivery *models.WebhookDelivery, code int, reason string) {
	now := time.Now()
	delivery.Status = meta.DeliveryStatusFailed
	delivery.LastResponseCode = code
	delivery.LastError = reason
	delivery.NextRetryAt = nil
	delivery.CompletedAt = &now
	s.saveDelivery(delivery)

	if delivery.IsTest {
		return
	}
	monitoring.WebhookDeliveriesTotal.WithLabelValues(meta.DeliveryStatusFailed).Inc()
	s.audit.MustRecord(&models.AuditEvent{
		EventType:     meta.AuditWebhookDeliveryFail,
		Severity:      meta.AuditSeverityWarning,
		Status:        meta.AuditStatusFailure,
		IntegrationID: webhook.IntegrationID,
		Details: models.JSONB{
			"webhook_id":  webhook.ID,
			"delivery_id": delivery.ID,
			"event_type":  delivery.EventType,
			"attempts":    delivery.Attempts,
			"last_error":  reason,
		},
	})
}

func (s *Service) saveDelivery(delivery *models.WebhookDelivery) {
	if err := s.db.Save(delivery).Error; err != nil {
		slog.Error("更新投递记录失败", "delivery_id", delivery.ID, "error", err)
	}
}

// send 签名并发送一次HTTP投递，2xx视为成功
func (s *Service) send(webhook *models.Webhook, body []byte) (int, error) {
	req, err := http.NewRequest(http.MethodPost, webhook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("构造请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, utils.SignHMACSHA256(body, webhook.Secret))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("发送失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, fmt.Errorf("对端返回非2xx状态码: %d", resp.StatusCode)
}

// SendTest 发送一条测试投递，验证端点连通性和签名配置。不计入统计。
func (s *Service) SendTest(webhookID string) (*models.WebhookDelivery, error) {
	webhook, err := s.Get(webhookID)
	if err != nil {
		return nil, err
	}

	delivery := &models.WebhookDelivery{
		WebhookID: webhook.ID,
		EventType: "test.ping",
		IsTest:    true,
		Payload: models.JSONB{
			"eventType": "test.ping",
			"timestamp": time.Now().Format(time.RFC3339),
			"data":      map[string]interface{}{"message": "mes-sync-service webhook connectivity test"},
		},
	}
	if err := s.db.Create(delivery).Error; err != nil {
		return nil, meta.WrapSyncError(meta.ErrInternal, "创建测试投递记录失败", err)
	}

	// 测试投递只发送一次，立即反馈结果
	body, _ := json.Marshal(map[string]interface{}(delivery.Payload))
	delivery.Attempts = 1
	code, sendErr := s.send(webhook, body)
	now := time.Now()
	delivery.LastResponseCode = code
	delivery.CompletedAt = &now
	if sendErr != nil {
		delivery.Status = meta.DeliveryStatusFailed
		delivery.LastError = sendErr.Error()
	} else {
		delivery.Status = meta.DeliveryStatusSuccess
	}
	s.saveDelivery(delivery)
	return delivery, nil
}

// Get 按ID获取webhook
func (s *Service) Get(id string) (*models.Webhook, error) {
	var webhook models.Webhook
	if err := s.db.First(&webhook, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, meta.NewSyncError(meta.ErrNotFound, "webhook不存在: "+id)
		}
		return nil, meta.WrapSyncError(meta.ErrInternal, "查询webhook失败", err)
	}
	return &webhook, nil
}

// List 列出全部webhook
func (s *Service) List(limit, offset int) ([]models.Webhook, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	var total int64
	if err := s.db.Model(&models.Webhook{}).Count(&total).Error; err != nil {
		return nil, 0, meta.WrapSyncError(meta.ErrInternal, "统计webhook失败", err)
	}
	var webhooks []models.Webhook
	err := s.db.Order("created_at DESC").Limit(limit).Offset(offset).Find(&webhooks).Error
	if err != nil {
		return nil, 0, meta.WrapSyncError(meta.ErrInternal, "查询webhook失败", err)
	}
	return webhooks, total, nil
}

// Update 更新webhook配置
func (s *Service) Update(webhook *models.Webhook) error {
	for _, et := range webhook.EventTypes {
		if !meta.IsValidWebhookEventType(et) {
			return meta.NewSyncError(meta.ErrValidation, "无效的事件类型: "+et)
		}
	}
	if err := s.db.Save(webhook).Error; err != nil {
		return meta.WrapSyncError(meta.ErrInternal, "更新webhook失败", err)
	}
	return nil
}

// Delete 删除webhook及其投递历史保留
func (s *Service) Delete(id string) error {
	result := s.db.Delete(&models.Webhook{}, "id = ?", id)
	if result.Error != nil {
		return meta.WrapSyncError(meta.ErrInternal, "删除webhook失败", result.Error)
	}
	if result.RowsAffected == 0 {
		return meta.NewSyncError(meta.ErrNotFound, "webhook不存在: "+id)
	}
	return nil
}

// DeliveryHistory 查询投递历史
func (s *Service) DeliveryHistory(webhookID string, limit, offset int) ([]models.WebhookDelivery, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.db.Model(&models.WebhookDelivery{}).Where("webhook_id = ?", webhookID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, meta.WrapSyncError(meta.ErrInternal, "统计投递历史失败", err)
	}
	var deliveries []models.WebhookDelivery
	err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&deliveries).Error
	if err != nil {
		return nil, 0, meta.WrapSyncError(meta.ErrInternal, "查询投递历史失败", err)
	}
	return deliveries, total, nil
}

// DeliveryStats 投递统计。测试投递不计入。
type DeliveryStats struct {
	Total       int64 `json:"total"`
	Succeeded   int64 `json:"succeeded"`
	Failed      int64 `json:"failed"`
	InFlight    int64 `json:"in_flight"`
	TotalResent int64 `json:"total_resent"` // 重试产生的额外尝试次数
}

// Stats 统计指定webhook的投递情况
func (s *Service) Stats(webhookID string) (*DeliveryStats, error) {
	base := s.db.Model(&models.WebhookDelivery{}).
		Where("webhook_id = ? AND is_test = ?", webhookID, false)

	stats := &DeliveryStats{}
	if err := base.Session(&gorm.Session{}).Count(&stats.Total).Error; err != nil {
		return nil, meta.WrapSyncError(meta.ErrInternal, "投递统计失败", err)
	}
	if err := base.Session(&gorm.Session{}).Where("status = ?", meta.DeliveryStatusSuccess).
		Count(&stats.Succeeded).Error; err != nil {
		return nil, meta.WrapSyncError(meta.ErrInternal, "投递统计失败", err)
	}
	if err := base.Session(&gorm.Session{}).Where("status = ?", meta.DeliveryStatusFailed).
		Count(&stats.Failed).Error; err != nil {
		return nil, meta.WrapSyncError(meta.ErrInternal, "投递统计失败", err)
	}
	stats.InFlight = stats.Total - stats.Succeeded - stats.Failed

	var attempts struct{ Sum int64 }
	err := s.db.Model(&models.WebhookDelivery{}).
		Select("COALESCE(SUM(attempts), 0) as sum").
		Where("webhook_id = ? AND is_test = ?", webhookID, false).
		Scan(&attempts).Error
	if err != nil {
		return nil, meta.WrapSyncError(meta.ErrInternal, "投递统计失败", err)
	}
	stats.TotalResent = attempts.Sum - stats.Total
	if stats.TotalResent < 0 {
		stats.TotalResent = 0
	}
	return stats, nil
}

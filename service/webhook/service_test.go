package webhook

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mes-sync-service/service/audit"
	"mes-sync-service/service/event"
	"mes-sync-service/service/meta"
	"mes-sync-service/service/models"
	"mes-sync-service/service/utils"
	"mes-sync-service/testutil"
)

func setupWebhook(t *testing.T) (*Service, *testutil.TestDB, *testutil.TestDataFactory) {
	tdb := testutil.NewTestDB()
	t.Cleanup(tdb.Close)

	svc := NewService(tdb.DB, audit.NewService(tdb.DB))
	svc.RetryBaseDelay = time.Millisecond
	return svc, tdb, testutil.NewTestDataFactory(tdb.DB)
}

func TestRegisterGeneratesSecret(t *testing.T) {
	svc, _, _ := setupWebhook(t)

	webhook := &models.Webhook{
		Name:       "质量告警",
		URL:        "https://alert.example.com/hooks",
		EventTypes: []string{meta.AuditDiscrepancyCreated},
	}
	require.NoError(t, svc.Register(webhook))
	assert.NotEmpty(t, webhook.ID)
	assert.NotEmpty(t, webhook.Secret, "密钥为空时自动生成")

	// 无效事件类型拒绝注册
	err := svc.Register(&models.Webhook{
		Name:       "bad",
		URL:        "https://alert.example.com/hooks",
		EventTypes: []string{"no.such.event"},
	})
	require.Error(t, err)
	assert.Equal(t, meta.ErrValidation, meta.CodeOf(err))

	err = svc.Register(&models.Webhook{
		Name: "empty",
		URL:  "https://alert.example.com/hooks",
	})
	require.Error(t, err)
	assert.Equal(t, meta.ErrValidation, meta.CodeOf(err))
}

func TestDeliverSignsPayload(t *testing.T) {
	svc, _, factory := setupWebhook(t)

	var gotSignature string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhook := factory.CreateWebhook(server.URL)
	delivery := &models.WebhookDelivery{
		WebhookID: webhook.ID,
		EventType: meta.AuditDiscrepancyCreated,
		Payload:   models.JSONB{"eventType": meta.AuditDiscrepancyCreated},
	}
	require.NoError(t, svc.db.Create(delivery).Error)

	svc.Deliver(webhook, delivery)

	assert.Equal(t, meta.DeliveryStatusSuccess, delivery.Status)
	assert.Equal(t, 1, delivery.Attempts)
	assert.True(t, utils.VerifyHMACSHA256(gotBody, webhook.Secret, gotSignature),
		"签名必须能用订阅方持有的密钥验证")
}

func TestDeliverRetriesTransientFailure(t *testing.T) {
	svc, _, factory := setupWebhook(t)

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhook := factory.CreateWebhook(server.URL, func(w *models.Webhook) {
		w.MaxAttempts = 5
	})
	delivery := &models.WebhookDelivery{
		WebhookID: webhook.ID,
		EventType: meta.AuditDiscrepancyCreated,
		Payload:   models.JSONB{"eventType": meta.AuditDiscrepancyCreated},
	}
	require.NoError(t, svc.db.Create(delivery).Error)

	svc.Deliver(webhook, delivery)

	assert.Equal(t, meta.DeliveryStatusSuccess, delivery.Status)
	assert.Equal(t, 4, delivery.Attempts, "3次失败后第4次成功")
	assert.Equal(t, http.StatusOK, delivery.LastResponseCode)
	assert.NotNil(t, delivery.CompletedAt)
}

func TestDeliverExhaustsAttempts(t *testing.T) {
	svc, tdb, factory := setupWebhook(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	webhook := factory.CreateWebhook(server.URL, func(w *models.Webhook) {
		w.MaxAttempts = 3
	})
	delivery := &models.WebhookDelivery{
		WebhookID: webhook.ID,
		EventType: meta.AuditSyncFailed,
		Payload:   models.JSONB{"eventType": meta.AuditSyncFailed},
	}
	require.NoError(t, svc.db.Create(delivery).Error)

	svc.Deliver(webhook, delivery)

	assert.Equal(t, meta.DeliveryStatusFailed, delivery.Status)
	assert.Equal(t, 3, delivery.Attempts)
	assert.NotEmpty(t, delivery.LastError)

	// 最终失败写FAILURE审计事件
	var events []models.AuditEvent
	require.NoError(t, tdb.DB.Where("event_type = ?", meta.AuditWebhookDeliveryFail).
		Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, meta.AuditStatusFailure, events[0].Status)
}

func TestDispatchFansOutToSubscribers(t *testing.T) {
	svc, tdb, factory := setupWebhook(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	subscribed := factory.CreateWebhook(server.URL)
	otherEvent := factory.CreateWebhook(server.URL, func(w *models.Webhook) {
		w.Name = "仅同步失败"
		w.EventTypes = []string{meta.AuditSyncFailed}
	})
	disabled := factory.CreateWebhook(server.URL, func(w *models.Webhook) {
		w.Name = "已停用"
		w.Enabled = false
	})

	require.NoError(t, svc.Dispatch(&event.Event{
		Type:      meta.AuditDiscrepancyCreated,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"discrepancy_id": "d-1"},
	}))

	// 只有订阅该事件且启用的webhook产生投递记录
	require.Eventually(t, func() bool {
		var count int64
		tdb.DB.Model(&models.WebhookDelivery{}).
			Where("webhook_id = ? AND status = ?", subscribed.ID, meta.DeliveryStatusSuccess).
			Count(&count)
		return count == 1
	}, 5*time.Second, 10*time.Millisecond)

	var count int64
	require.NoError(t, tdb.DB.Model(&models.WebhookDelivery{}).
		Where("webhook_id IN ?", []string{otherEvent.ID, disabled.ID}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestSendTestExcludedFromStats(t *testing.T) {
	svc, _, factory := setupWebhook(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhook := factory.CreateWebhook(server.URL)

	delivery, err := svc.SendTest(webhook.ID)
	require.NoError(t, err)
	assert.True(t, delivery.IsTest)
	assert.Equal(t, meta.DeliveryStatusSuccess, delivery.Status)
	assert.Equal(t, 1, delivery.Attempts)

	stats, err := svc.Stats(webhook.ID)
	require.NoError(t, err)
	assert.Zero(t, stats.Total, "测试投递不计入统计")
}

func TestStats(t *testing.T) {
	svc, tdb, factory := setupWebhook(t)
	webhook := factory.CreateWebhook("https://alert.example.com/hooks")

	now := time.Now()
	deliveries := []models.WebhookDelivery{
		{WebhookID: webhook.ID, EventType: meta.AuditSyncCompleted,
			Status: meta.DeliveryStatusSuccess, Attempts: 1, CompletedAt: &now},
		{WebhookID: webhook.ID, EventType: meta.AuditSyncCompleted,
			Status: meta.DeliveryStatusSuccess, Attempts: 3, CompletedAt: &now},
		{WebhookID: webhook.ID, EventType: meta.AuditSyncFailed,
			Status: meta.DeliveryStatusFailed, Attempts: 5, CompletedAt: &now},
		{WebhookID: webhook.ID, EventType: meta.AuditSyncFailed,
			Status: meta.DeliveryStatusRetrying, Attempts: 2},
	}
	for i := range deliveries {
		require.NoError(t, tdb.DB.Create(&deliveries[i]).Error)
	}

	stats, err := svc.Stats(webhook.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, stats.Total)
	assert.EqualValues(t, 2, stats.Succeeded)
	assert.EqualValues(t, 1, stats.Failed)
	assert.EqualValues(t, 1, stats.InFlight)
	assert.EqualValues(t, 7, stats.TotalResent, "11次尝试减4条投递")
}

func TestWebhookCRUD(t *testing.T) {
	svc, _, factory := setupWebhook(t)
	webhook := factory.CreateWebhook("https://alert.example.com/hooks")

	got, err := svc.Get(webhook.ID)
	require.NoError(t, err)
	assert.Equal(t, webhook.URL, got.URL)

	got.EventTypes = []string{meta.AuditReconcileFailed}
	require.NoError(t, svc.Update(got))

	list, total, err := svc.List(10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, list, 1)

	require.NoError(t, svc.Delete(webhook.ID))
	err = svc.Delete(webhook.ID)
	require.Error(t, err)
	assert.Equal(t, meta.ErrNotFound, meta.CodeOf(err))
}

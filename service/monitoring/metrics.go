/*
 * @module service/monitoring/metrics
 * @description Prometheus指标定义，覆盖同步任务、对账运行、差异和Webhook投递
 * @architecture 指标注册表模式 - 包级指标，init时注册到默认注册表
 * @documentReference ai_docs/mes_erp_sync_design.md 第1节
 * @stateFlow 服务执行 -> 计数器递增 -> /metrics端点抓取
 * @rules 指标标签基数受控，只使用封闭枚举值作为标签
 * @dependencies github.com/prometheus/client_golang
 * @refs main.go, service/event/event_service.go
 */

package monitoring

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"mes-sync-service/service/event"
)

var (
	// SyncJobsTotal 同步任务计数，按任务类型和终态
	SyncJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mes_sync_jobs_total",
		Help: "同步任务总数，按任务类型和终态统计",
	}, []string{"job_type", "status"})

	// ReconcileRunsTotal 对账运行计数
	ReconcileRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mes_reconcile_runs_total",
		Help: "对账运行总数，按实体类型和结果统计",
	}, []string{"entity_type", "status"})

	// DiscrepanciesTotal 差异计数
	DiscrepanciesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mes_discrepancies_total",
		Help: "检出差异总数，按实体类型和严重程度统计",
	}, []string{"entity_type", "severity"})

	// WebhookDeliveriesTotal Webhook投递计数
	WebhookDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mes_webhook_deliveries_total",
		Help: "Webhook投递总数，按终态统计",
	}, []string{"status"})

	// DomainEventsTotal 领域事件计数
	DomainEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mes_domain_events_total",
		Help: "领域事件总数，按事件类型统计",
	}, []string{"event_type"})

	// ReconcileDuration 对账运行耗时
	ReconcileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mes_reconcile_duration_seconds",
		Help:    "对账运行耗时分布",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"entity_type"})
)

func init() {
	prometheus.MustRegister(
		SyncJobsTotal,
		ReconcileRunsTotal,
		DiscrepanciesTotal,
		WebhookDeliveriesTotal,
		DomainEventsTotal,
		ReconcileDuration,
	)
}

// EventCounter 事件总线订阅方，对每条领域事件计数
type EventCounter struct{}

// Name 订阅方名称
func (EventCounter) Name() string {
	return "metrics-counter"
}

// Handle 按事件类型递增计数器
func (EventCounter) Handle(ctx context.Context, ev *event.Event) error {
	DomainEventsTotal.WithLabelValues(ev.Type).Inc()
	return nil
}

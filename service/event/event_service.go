/*
 * @module service/event/event_service
 * @description 进程内事件总线，领域事件扇出到Webhook投递、指标计数和消息代理镜像
 * @architecture 发布订阅模式 - 订阅方注册处理器，发布方异步扇出
 * @documentReference ai_docs/mes_erp_sync_design.md 第4.8节
 * @stateFlow 领域事件产生 -> 总线发布 -> 各订阅方独立异步处理
 * @rules 订阅方处理互不阻塞；单个订阅方panic不得影响其他订阅方和发布方
 * @dependencies log/slog, sync
 * @refs service/webhook, service/notifier, service/monitoring
 */

package event

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event 一条领域事件
type Event struct {
	Type          string                 `json:"event_type"`
	IntegrationID string                 `json:"integration_id,omitempty"`
	EntityType    string                 `json:"entity_type,omitempty"`
	EntityID      string                 `json:"entity_id,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

// Subscriber 事件订阅方
type Subscriber interface {
	// Name 订阅方名称，用于日志
	Name() string
	// Handle 处理事件，错误由订阅方自行消化
	Handle(ctx context.Context, event *Event) error
}

// Bus 进程内事件总线
type Bus struct {
	mu          sync.RWMutex
	subscribers []Subscriber
}

// NewBus 创建事件总线实例
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe 注册订阅方
func (b *Bus) Subscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, sub)
}

// Publish 异步扇出事件到全部订阅方。发布方不等待处理结果。
func (b *Bus) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		go func(s Subscriber) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("事件订阅方处理panic",
						"subscriber", s.Name(), "event_type", event.Type, "panic", r)
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.Handle(ctx, event); err != nil {
				slog.Warn("事件订阅方处理失败",
					"subscriber", s.Name(), "event_type", event.Type, "error", err)
			}
		}(sub)
	}
}

/*
 * @module service/notifier/kafka_notifier
 * @description Kafka事件镜像，将领域事件以尽力而为方式发布到Kafka主题
 * @architecture 适配器模式 - 封装kafka-go生产者，实现事件总线订阅方契约
 * @documentReference ai_docs/mes_erp_sync_design.md 第4.8节
 * @stateFlow 订阅事件总线 -> 序列化事件 -> 异步写入Kafka主题
 * @rules 镜像失败只记日志不重试，不得反压事件总线
 * @dependencies github.com/segmentio/kafka-go, encoding/json
 * @refs service/event/event_service.go
 */

package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"mes-sync-service/service/event"
)

// KafkaNotifier Kafka事件镜像
type KafkaNotifier struct {
	writer *kafka.Writer
	topic  string
}

// NewKafkaNotifier 创建Kafka事件镜像实例
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	if topic == "" {
		topic = "mes-sync-events"
	}
	return &KafkaNotifier{
		topic: topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		},
	}
}

// Name 订阅方名称
func (n *KafkaNotifier) Name() string {
	return "kafka-notifier"
}

// Handle 将事件镜像到Kafka
func (n *KafkaNotifier) Handle(ctx context.Context, ev *event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	err = n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Type),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("写入Kafka失败: %w", err)
	}
	return nil
}

// Close 关闭生产者
func (n *KafkaNotifier) Close() {
	if err := n.writer.Close(); err != nil {
		slog.Warn("关闭Kafka生产者失败", "topic", n.topic, "error", err)
	}
}

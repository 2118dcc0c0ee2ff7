/*
 * @module service/notifier/mqtt_notifier
 * @description MQTT事件镜像，将领域事件发布到车间MQTT broker，供现场看板订阅
 * @architecture 适配器模式 - 封装paho客户端，实现事件总线订阅方契约
 * @documentReference ai_docs/mes_erp_sync_design.md 第4.8节
 * @stateFlow 连接broker -> 订阅事件总线 -> 按事件类型发布到主题
 * @rules QoS 0尽力而为；连接断开由客户端自动重连，发布失败只记日志
 * @dependencies github.com/eclipse/paho.mqtt.golang, encoding/json
 * @refs service/event/event_service.go
 */

package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mes-sync-service/service/event"
)

// MQTTNotifier MQTT事件镜像
type MQTTNotifier struct {
	client      mqtt.Client
	topicPrefix string
}

// NewMQTTNotifier 创建MQTT事件镜像并连接broker
func NewMQTTNotifier(broker, clientID, topicPrefix string) (*MQTTNotifier, error) {
	if clientID == "" {
		clientID = "mes-sync-service"
	}
	if topicPrefix == "" {
		topicPrefix = "mes-sync/events"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		slog.Warn("MQTT连接断开", "broker", broker, "error", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("MQTT连接失败: %w", token.Error())
	}

	return &MQTTNotifier{client: client, topicPrefix: topicPrefix}, nil
}

// Name 订阅方名称
func (n *MQTTNotifier) Name() string {
	return "mqtt-notifier"
}

// Handle 将事件发布到 {prefix}/{eventType} 主题
func (n *MQTTNotifier) Handle(ctx context.Context, ev *event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	topic := n.topicPrefix + "/" + ev.Type
	token := n.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("MQTT发布超时 topic=%s", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("MQTT发布失败 topic=%s: %w", topic, token.Error())
	}
	return nil
}

// Close 断开连接
func (n *MQTTNotifier) Close() {
	n.client.Disconnect(250)
}

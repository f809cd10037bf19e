package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"carelink-escalation/internal/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// mqttPublisher MQTT 发布接口（mqtt.Client 的最小子集，测试可替换）
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTDispatcher 基于 MQTT 的派发器
// 发布到 carelink/<tenant>/escalations 主题，护士站面板等在线端直接订阅
type MQTTDispatcher struct {
	client mqttPublisher
	qos    byte
	logger *zap.Logger
}

// NewMQTTDispatcher 创建 MQTT 派发器
func NewMQTTDispatcher(client mqtt.Client, qos byte, logger *zap.Logger) *MQTTDispatcher {
	return &MQTTDispatcher{
		client: client,
		qos:    qos,
		logger: logger,
	}
}

// Dispatch 派发升级通知到 MQTT
func (d *MQTTDispatcher) Dispatch(ctx context.Context, n *models.EscalationNotification) error {
	jsonData, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	topic := fmt.Sprintf("carelink/%s/escalations", n.TenantID)

	token := d.client.Publish(topic, d.qos, false, jsonData)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	d.logger.Debug("Notification published to MQTT",
		zap.String("topic", topic),
		zap.String("alert_id", n.AlertID),
		zap.Int("tier", n.Tier),
	)

	return nil
}

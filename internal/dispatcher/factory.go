package dispatcher

import (
	"fmt"

	"carelink-escalation/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Build 根据配置构建派发器
// backends 为空默认 stream；多个后端时返回 MultiDispatcher
func Build(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) (Dispatcher, error) {
	backends := cfg.Escalation.Dispatch.Backends
	if len(backends) == 0 {
		backends = []string{"stream"}
	}

	var dispatchers []Dispatcher
	for _, backend := range backends {
		switch backend {
		case "stream":
			dispatchers = append(dispatchers,
				NewStreamDispatcher(redisClient, cfg.Escalation.Streams.NotificationStream, logger))
		case "mqtt":
			client, err := connectMQTT(&cfg.MQTT)
			if err != nil {
				return nil, err
			}
			dispatchers = append(dispatchers, NewMQTTDispatcher(client, cfg.MQTT.QoS, logger))
		default:
			return nil, fmt.Errorf("unknown dispatch backend: %s", backend)
		}
	}

	if len(dispatchers) == 1 {
		return dispatchers[0], nil
	}
	return NewMultiDispatcher(logger, dispatchers...), nil
}

// connectMQTT 连接 MQTT broker
func connectMQTT(cfg *config.MQTTConfig) (mqtt.Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt backend enabled but MQTT_BROKER is empty")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return client, nil
}

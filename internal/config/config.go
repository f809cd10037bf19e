package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// Config 升级引擎服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	// 升级引擎特定配置
	Escalation struct {
		// 策略表文件路径（空则使用内置默认表）
		PolicyPath string

		// Redis Streams 配置
		Streams struct {
			LifecycleStream    string // 入站生命周期事件流，如 "alerts:lifecycle"
			LifecycleGroup     string // 消费者组名
			NotificationStream string // 出站升级通知流，如 "escalation:notifications"
		}

		// 去重配置
		Dedup struct {
			KeyPrefix   string // 去重键前缀，如 "escalation:dedup:"
			WindowHours int    // 去重窗口（小时），默认 24
		}

		// 通知派发配置
		Dispatch struct {
			Backends     []string // 派发后端：stream, mqtt
			QueueSize    int      // 异步队列容量，默认 1024
			EnqueueWaitMS int     // 队列满时的最大入队等待（毫秒）
		}

		// 持久化重试配置
		Persist struct {
			MaxAttempts   int // 状态写入最大尝试次数，默认 3
			BackoffMS     int // 初始退避（毫秒），默认 100
			MaxBackoffMS  int // 退避上限（毫秒），默认 2000
			RetryDelaySec int // 重试预算耗尽后定时器延迟重试（秒），默认 30
		}
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "carelink")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "carelink-escalation")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1

	// 升级引擎配置
	cfg.Escalation.PolicyPath = getEnv("ESCALATION_POLICY_PATH", "")

	cfg.Escalation.Streams.LifecycleStream = getEnv("STREAM_LIFECYCLE", "alerts:lifecycle")
	cfg.Escalation.Streams.LifecycleGroup = getEnv("STREAM_LIFECYCLE_GROUP", "escalation-engine")
	cfg.Escalation.Streams.NotificationStream = getEnv("STREAM_NOTIFICATIONS", "escalation:notifications")

	cfg.Escalation.Dedup.KeyPrefix = getEnv("DEDUP_KEY_PREFIX", "escalation:dedup:")
	cfg.Escalation.Dedup.WindowHours = getEnvInt("DEDUP_WINDOW_HOURS", 24)

	cfg.Escalation.Dispatch.Backends = splitList(getEnv("DISPATCH_BACKENDS", "stream"))
	cfg.Escalation.Dispatch.QueueSize = getEnvInt("DISPATCH_QUEUE_SIZE", 1024)
	cfg.Escalation.Dispatch.EnqueueWaitMS = getEnvInt("DISPATCH_ENQUEUE_WAIT_MS", 100)

	cfg.Escalation.Persist.MaxAttempts = getEnvInt("PERSIST_MAX_ATTEMPTS", 3)
	cfg.Escalation.Persist.BackoffMS = getEnvInt("PERSIST_BACKOFF_MS", 100)
	cfg.Escalation.Persist.MaxBackoffMS = getEnvInt("PERSIST_MAX_BACKOFF_MS", 2000)
	cfg.Escalation.Persist.RetryDelaySec = getEnvInt("PERSIST_RETRY_DELAY_SEC", 30)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// 验证默认值
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "postgres", cfg.Database.User)
	assert.Equal(t, "carelink", cfg.Database.Database)
	assert.Equal(t, "disable", cfg.Database.SSLMode)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "", cfg.Redis.Password)
	assert.Equal(t, 0, cfg.Redis.DB)

	assert.Equal(t, "", cfg.Escalation.PolicyPath)
	assert.Equal(t, "alerts:lifecycle", cfg.Escalation.Streams.LifecycleStream)
	assert.Equal(t, "escalation-engine", cfg.Escalation.Streams.LifecycleGroup)
	assert.Equal(t, "escalation:notifications", cfg.Escalation.Streams.NotificationStream)

	assert.Equal(t, "escalation:dedup:", cfg.Escalation.Dedup.KeyPrefix)
	assert.Equal(t, 24, cfg.Escalation.Dedup.WindowHours)

	assert.Equal(t, []string{"stream"}, cfg.Escalation.Dispatch.Backends)
	assert.Equal(t, 1024, cfg.Escalation.Dispatch.QueueSize)

	assert.Equal(t, 3, cfg.Escalation.Persist.MaxAttempts)
	assert.Equal(t, 100, cfg.Escalation.Persist.BackoffMS)
	assert.Equal(t, 30, cfg.Escalation.Persist.RetryDelaySec)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	// 设置环境变量
	os.Setenv("DB_HOST", "test-host")
	os.Setenv("DB_PORT", "5433")
	os.Setenv("REDIS_ADDR", "test-redis:6380")
	os.Setenv("ESCALATION_POLICY_PATH", "/etc/carelink/policy.yaml")
	os.Setenv("DEDUP_WINDOW_HOURS", "48")
	os.Setenv("DISPATCH_BACKENDS", "stream, mqtt")
	os.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	// 验证环境变量覆盖
	assert.Equal(t, "test-host", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, "test-redis:6380", cfg.Redis.Addr)
	assert.Equal(t, "/etc/carelink/policy.yaml", cfg.Escalation.PolicyPath)
	assert.Equal(t, 48, cfg.Escalation.Dedup.WindowHours)
	assert.Equal(t, []string{"stream", "mqtt"}, cfg.Escalation.Dispatch.Backends)
	assert.Equal(t, "debug", cfg.Log.Level)

	// 清理环境变量
	os.Clearenv()
}

func TestLoad_InvalidIntFallsBackToDefault(t *testing.T) {
	os.Clearenv()
	os.Setenv("DB_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5432, cfg.Database.Port)

	os.Clearenv()
}

func TestGetDSN(t *testing.T) {
	cfg := &DatabaseConfig{
		Host:     "db-host",
		Port:     5432,
		User:     "user",
		Password: "pass",
		Database: "carelink",
		SSLMode:  "disable",
	}

	dsn := cfg.GetDSN()
	assert.Equal(t, "host=db-host port=5432 user=user password=pass dbname=carelink sslmode=disable", dsn)
}

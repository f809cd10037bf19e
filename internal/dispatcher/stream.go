package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"carelink-escalation/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// StreamDispatcher 基于 Redis Streams 的派发器
// XADD 到通知流，下游通知服务（推送/邮件/短信）以消费者组消费，天然 at-least-once
type StreamDispatcher struct {
	redisClient *redis.Client
	stream      string
	logger      *zap.Logger
}

// NewStreamDispatcher 创建 Redis Streams 派发器
func NewStreamDispatcher(redisClient *redis.Client, stream string, logger *zap.Logger) *StreamDispatcher {
	return &StreamDispatcher{
		redisClient: redisClient,
		stream:      stream,
		logger:      logger,
	}
}

// Dispatch 派发升级通知到 Redis Streams
func (d *StreamDispatcher) Dispatch(ctx context.Context, n *models.EscalationNotification) error {
	// 序列化为 JSON
	jsonData, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	// 使用 XADD 命令添加消息
	id, err := d.redisClient.XAdd(ctx, &redis.XAddArgs{
		Stream: d.stream,
		Values: map[string]interface{}{
			"data":        string(jsonData),
			"alert_id":    n.AlertID,
			"tier":        fmt.Sprintf("%d", n.Tier),
			"target_role": string(n.TargetRole),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish notification to stream: %w", err)
	}

	d.logger.Debug("Notification published to stream",
		zap.String("stream", d.stream),
		zap.String("message_id", id),
		zap.String("alert_id", n.AlertID),
		zap.Int("tier", n.Tier),
	)

	return nil
}

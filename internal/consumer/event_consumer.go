package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"carelink-escalation/internal/dedup"
	"carelink-escalation/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventHandler 报警生命周期事件处理接口（service.EscalationService 实现）
type EventHandler interface {
	OnAlertCreated(ctx context.Context, event *models.AlertLifecycleEvent) error
	OnAlertAcknowledged(ctx context.Context, event *models.AlertLifecycleEvent) error
	OnAlertResolved(ctx context.Context, event *models.AlertLifecycleEvent) error
}

// EventConsumer 报警生命周期事件消费者
// 从 Redis Streams 消费者组读取 created/acknowledged/resolved 事件，
// 经去重器过滤后交给处理器。至少一次投递：处理成功才 XACK，
// 失败时释放去重记录且不确认，由 pending 重认领路径重投
// （启动时先清一次本消费者的 PEL，之后周期性重读）。
// 消费者名取主机名，重启后与上一会话的 pending 归属同一消费者
type EventConsumer struct {
	redisClient     *redis.Client
	handler         EventHandler
	dedup           *dedup.Deduplicator
	logger          *zap.Logger
	stream          string
	groupName       string
	consumerName    string
	batchSize       int64
	blockTimeout    time.Duration
	reclaimInterval time.Duration
}

// NewEventConsumer 创建事件消费者
func NewEventConsumer(
	redisClient *redis.Client,
	handler EventHandler,
	deduplicator *dedup.Deduplicator,
	logger *zap.Logger,
	stream string,
	groupName string,
) *EventConsumer {
	return &EventConsumer{
		redisClient:     redisClient,
		handler:         handler,
		dedup:           deduplicator,
		logger:          logger,
		stream:          stream,
		groupName:       groupName,
		consumerName:    consumerName(),
		batchSize:       10,
		blockTimeout:    5 * time.Second,
		reclaimInterval: time.Minute,
	}
}

// consumerName 生成消费者名
// 必须跨重启稳定：处理失败的消息留在本消费者的 PEL 中，
// 重启后用同一名字才能重新读到；主机名不可用时退化为随机名
func consumerName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return "escalation-" + host
	}
	return "escalation-" + uuid.New().String()[:8]
}

// Start 启动事件消费循环（阻塞直到 ctx 取消）
func (c *EventConsumer) Start(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("Event consumer started",
		zap.String("stream", c.stream),
		zap.String("consumer_group", c.groupName),
		zap.String("consumer_name", c.consumerName),
	)

	// 先重投上一会话遗留的 pending 消息（崩溃/处理失败未确认的）
	if err := c.reclaimPending(ctx); err != nil {
		c.logger.Warn("Failed to reclaim pending messages on startup",
			zap.Error(err),
		)
	}

	// 消费事件（读取失败时指数退避）
	backoffDuration := time.Second
	maxBackoff := 30 * time.Second
	nextReclaim := time.Now().Add(c.reclaimInterval)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Event consumer stopped")
			return nil
		default:
			if err := c.consumeBatch(ctx); err != nil {
				c.logger.Error("Failed to consume events",
					zap.Error(err),
					zap.Duration("backoff", backoffDuration),
				)

				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoffDuration):
					backoffDuration *= 2
					if backoffDuration > maxBackoff {
						backoffDuration = maxBackoff
					}
				}
			} else {
				// 成功时重置退避时间
				backoffDuration = time.Second
			}

			// 周期性重投处理失败的 pending 消息（瞬时故障不必等到重启）
			if time.Now().After(nextReclaim) {
				if err := c.reclaimPending(ctx); err != nil {
					c.logger.Warn("Failed to reclaim pending messages",
						zap.Error(err),
					)
				}
				nextReclaim = time.Now().Add(c.reclaimInterval)
			}
		}
	}
}

// reclaimPending 重读本消费者 PEL 中的消息并重新处理
// 读 "0"（而非 ">"）返回已投递未确认的消息；按消息 ID 向前翻页，
// 本轮仍失败的消息留在 PEL，由下一轮或重启后再试
func (c *EventConsumer) reclaimPending(ctx context.Context) error {
	start := "0"
	for {
		streams, err := c.redisClient.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.groupName,
			Consumer: c.consumerName,
			Streams:  []string{c.stream, start},
			Count:    c.batchSize,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read pending messages: %w", err)
		}

		processed := 0
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.processMessage(ctx, msg)
				start = msg.ID
				processed++
			}
		}
		if processed == 0 {
			return nil
		}
	}
}

// ensureGroup 创建消费者组（组已存在视为成功）
func (c *EventConsumer) ensureGroup(ctx context.Context) error {
	err := c.redisClient.XGroupCreateMkStream(ctx, c.stream, c.groupName, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// consumeBatch 读取并处理一批消息
func (c *EventConsumer) consumeBatch(ctx context.Context) error {
	streams, err := c.redisClient.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.groupName,
		Consumer: c.consumerName,
		Streams:  []string{c.stream, ">"},
		Count:    c.batchSize,
		Block:    c.blockTimeout,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to read from stream: %w", err)
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			c.processMessage(ctx, msg)
		}
	}
	return nil
}

// processMessage 处理单条消息
// 解析失败的消息直接确认（毒消息重投无意义）；
// 处理失败的消息释放去重记录且不确认，留在 pending 等待重投
func (c *EventConsumer) processMessage(ctx context.Context, msg redis.XMessage) {
	event, err := parseEvent(msg)
	if err != nil {
		c.logger.Error("Failed to parse lifecycle event, discarding message",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		c.ackMessage(ctx, msg.ID)
		return
	}

	if !c.dedup.ShouldProcess(ctx, event.EventID) {
		// 重复投递：跳过处理但确认消息
		c.ackMessage(ctx, msg.ID)
		return
	}

	if err := c.route(ctx, event); err != nil {
		c.logger.Error("Failed to process lifecycle event",
			zap.String("message_id", msg.ID),
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.EventType),
			zap.String("alert_id", event.AlertID),
			zap.Error(err),
		)
		// 释放去重记录，重投后可再次处理
		if ferr := c.dedup.Forget(ctx, event.EventID); ferr != nil {
			c.logger.Warn("Failed to release dedup claim",
				zap.String("event_id", event.EventID),
				zap.Error(ferr),
			)
		}
		return
	}

	c.ackMessage(ctx, msg.ID)
}

// route 按事件类型分发
func (c *EventConsumer) route(ctx context.Context, event *models.AlertLifecycleEvent) error {
	switch event.EventType {
	case models.EventTypeCreated:
		return c.handler.OnAlertCreated(ctx, event)
	case models.EventTypeAcknowledged:
		return c.handler.OnAlertAcknowledged(ctx, event)
	case models.EventTypeResolved:
		return c.handler.OnAlertResolved(ctx, event)
	default:
		c.logger.Warn("Unknown event type, ignoring",
			zap.String("event_type", event.EventType),
			zap.String("alert_id", event.AlertID),
		)
		return nil
	}
}

// parseEvent 解析事件消息
// 优先从 data 字段解析 JSON；兼容扁平字段格式
func parseEvent(msg redis.XMessage) (*models.AlertLifecycleEvent, error) {
	if dataStr, ok := msg.Values["data"].(string); ok {
		var event models.AlertLifecycleEvent
		if err := json.Unmarshal([]byte(dataStr), &event); err == nil {
			if event.EventType == "" || event.AlertID == "" {
				return nil, fmt.Errorf("invalid event: missing event_type or alert_id")
			}
			return &event, nil
		}
	}

	event := &models.AlertLifecycleEvent{}
	if v, ok := msg.Values["event_id"].(string); ok {
		event.EventID = v
	}
	if v, ok := msg.Values["event_type"].(string); ok {
		event.EventType = v
	}
	if v, ok := msg.Values["alert_id"].(string); ok {
		event.AlertID = v
	}
	if v, ok := msg.Values["tenant_id"].(string); ok {
		event.TenantID = v
	}
	if v, ok := msg.Values["room_id"].(string); ok {
		event.RoomID = v
	}
	if v, ok := msg.Values["urgency_level"].(string); ok {
		if n, err := strconv.Atoi(v); err == nil {
			event.UrgencyLevel = n
		}
	}
	if v, ok := msg.Values["actor"].(string); ok {
		event.Actor = v
	}
	if v, ok := msg.Values["at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			event.At = ts
		}
	}

	if event.EventType == "" || event.AlertID == "" {
		return nil, fmt.Errorf("invalid event: missing event_type or alert_id")
	}
	return event, nil
}

// ackMessage 确认消息
func (c *EventConsumer) ackMessage(ctx context.Context, messageID string) {
	if err := c.redisClient.XAck(ctx, c.stream, c.groupName, messageID).Err(); err != nil {
		c.logger.Warn("Failed to ack message",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
	}
}

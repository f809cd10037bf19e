package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Deduplicator 事件去重器
// 位于实时通道与调度器之间，抑制重连重放产生的重复事件。
// 基于 Redis SETNX + TTL 窗口（默认 24 小时）：窗口内同一 event_id 至多处理一次；
// Redis 不可用时放行（fail open），调度器自身的幂等 acknowledge/resolve 兜底
type Deduplicator struct {
	redisClient *redis.Client
	keyPrefix   string
	window      time.Duration
	logger      *zap.Logger
}

// NewDeduplicator 创建事件去重器
func NewDeduplicator(redisClient *redis.Client, keyPrefix string, window time.Duration, logger *zap.Logger) *Deduplicator {
	return &Deduplicator{
		redisClient: redisClient,
		keyPrefix:   keyPrefix,
		window:      window,
		logger:      logger,
	}
}

// ShouldProcess 判断事件是否应被处理
// 首次见到（窗口内未出现过）返回 true 并原子地记录；重复投递返回 false
func (d *Deduplicator) ShouldProcess(ctx context.Context, eventID string) bool {
	if eventID == "" {
		// 没有事件ID无法去重，放行
		return true
	}

	key := d.key(eventID)
	claimed, err := d.redisClient.SetNX(ctx, key, time.Now().Unix(), d.window).Result()
	if err != nil {
		// Redis 故障时放行，依赖调度器幂等语义兜底
		d.logger.Warn("Dedup check failed, processing event anyway",
			zap.String("event_id", eventID),
			zap.Error(err),
		)
		return true
	}

	if !claimed {
		d.logger.Debug("Duplicate event suppressed",
			zap.String("event_id", eventID),
		)
	}

	return claimed
}

// Forget 释放事件的去重记录
// 处理失败时调用，让消息重投后能再次通过去重器
func (d *Deduplicator) Forget(ctx context.Context, eventID string) error {
	if eventID == "" {
		return nil
	}

	if err := d.redisClient.Del(ctx, d.key(eventID)).Err(); err != nil {
		return fmt.Errorf("failed to forget event: %w", err)
	}
	return nil
}

// key 构建去重键
func (d *Deduplicator) key(eventID string) string {
	return d.keyPrefix + eventID
}

package dispatcher

import (
	"context"
	"fmt"
	"time"

	"carelink-escalation/internal/models"

	"go.uber.org/zap"
)

// AsyncDispatcher 异步派发器（有界队列 + 单消费 worker）
// Dispatch 入队即返回，调度器的升级事务不会被下游通知延迟阻塞；
// 队列满时最多等待 enqueueWait，超时返回错误由调用方记录
type AsyncDispatcher struct {
	next        Dispatcher
	queue       chan *models.EscalationNotification
	enqueueWait time.Duration
	logger      *zap.Logger
}

// NewAsyncDispatcher 创建异步派发器
func NewAsyncDispatcher(next Dispatcher, queueSize int, enqueueWait time.Duration, logger *zap.Logger) *AsyncDispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &AsyncDispatcher{
		next:        next,
		queue:       make(chan *models.EscalationNotification, queueSize),
		enqueueWait: enqueueWait,
		logger:      logger,
	}
}

// Dispatch 入队升级通知（有界阻塞）
func (d *AsyncDispatcher) Dispatch(ctx context.Context, n *models.EscalationNotification) error {
	select {
	case d.queue <- n:
		return nil
	default:
	}

	// 队列满，有界等待
	timer := time.NewTimer(d.enqueueWait)
	defer timer.Stop()

	select {
	case d.queue <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("dispatch queue full, notification dropped: alert_id=%s tier=%d", n.AlertID, n.Tier)
	}
}

// Start 启动派发 worker（阻塞直到 ctx 取消并清空队列）
func (d *AsyncDispatcher) Start(ctx context.Context) {
	d.logger.Info("Async dispatcher started",
		zap.Int("queue_size", cap(d.queue)),
	)

	for {
		select {
		case <-ctx.Done():
			// 退出前清空已入队的通知
			d.drain()
			d.logger.Info("Async dispatcher stopped")
			return
		case n := <-d.queue:
			d.deliver(n)
		}
	}
}

// drain 清空队列中剩余的通知
func (d *AsyncDispatcher) drain() {
	for {
		select {
		case n := <-d.queue:
			d.deliver(n)
		default:
			return
		}
	}
}

// deliver 投递单条通知（失败记录日志，不中断 worker）
func (d *AsyncDispatcher) deliver(n *models.EscalationNotification) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.next.Dispatch(ctx, n); err != nil {
		d.logger.Error("Failed to deliver notification",
			zap.String("alert_id", n.AlertID),
			zap.Int("tier", n.Tier),
			zap.String("target_role", string(n.TargetRole)),
			zap.Error(err),
		)
	}
}

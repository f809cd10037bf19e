package dispatcher

import (
	"context"
	"fmt"
	"strings"

	"carelink-escalation/internal/models"

	"go.uber.org/zap"
)

// MultiDispatcher 多后端派发器（依次派发到所有后端）
// 单个后端失败不阻止其余后端，错误汇总返回
type MultiDispatcher struct {
	dispatchers []Dispatcher
	logger      *zap.Logger
}

// NewMultiDispatcher 创建多后端派发器
func NewMultiDispatcher(logger *zap.Logger, dispatchers ...Dispatcher) *MultiDispatcher {
	return &MultiDispatcher{
		dispatchers: dispatchers,
		logger:      logger,
	}
}

// Dispatch 派发升级通知到所有后端
func (d *MultiDispatcher) Dispatch(ctx context.Context, n *models.EscalationNotification) error {
	var failures []string

	for _, dispatcher := range d.dispatchers {
		if err := dispatcher.Dispatch(ctx, n); err != nil {
			d.logger.Error("Dispatch backend failed",
				zap.String("alert_id", n.AlertID),
				zap.Int("tier", n.Tier),
				zap.Error(err),
			)
			failures = append(failures, err.Error())
		}
	}

	if len(failures) > 0 {
		return fmt.Errorf("dispatch failed on %d/%d backends: %s",
			len(failures), len(d.dispatchers), strings.Join(failures, "; "))
	}

	return nil
}

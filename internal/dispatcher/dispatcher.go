package dispatcher

import (
	"context"

	"carelink-escalation/internal/models"
)

// Dispatcher 升级通知派发接口
// 合同：at-least-once、不可长时间阻塞调用方（入队即返回）；
// 派发失败由实现记录日志，不向调度器传播
type Dispatcher interface {
	// Dispatch 派发一条升级通知
	Dispatch(ctx context.Context, n *models.EscalationNotification) error
}

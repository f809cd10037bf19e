package models

import (
	"time"
)

// 报警生命周期事件类型
const (
	EventTypeCreated      = "created"
	EventTypeAcknowledged = "acknowledged"
	EventTypeResolved     = "resolved"
)

// AlertLifecycleEvent 报警生命周期事件（来自报警创建 API / 实时通道）
// EventID 由服务端分配，去重器据此抑制重连重放产生的重复投递
type AlertLifecycleEvent struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"` // created, acknowledged, resolved
	AlertID      string    `json:"alert_id"`
	TenantID     string    `json:"tenant_id"`
	RoomID       string    `json:"room_id,omitempty"`
	UrgencyLevel int       `json:"urgency_level,omitempty"` // 仅 created 事件携带
	Actor        string    `json:"actor,omitempty"`         // 仅 acknowledged 事件携带
	At           time.Time `json:"at"`
}

// EscalationNotification 升级通知（每次 tier 变更时派发给通知层）
type EscalationNotification struct {
	AlertID      string    `json:"alert_id"`
	TenantID     string    `json:"tenant_id"`
	RoomID       string    `json:"room_id"`
	UrgencyLevel int       `json:"urgency_level"`
	Tier         int       `json:"tier"`
	TargetRole   Role      `json:"target_role"`
	EscalatedAt  time.Time `json:"escalated_at"`
}

package models

import (
	"time"
)

// AlertStatus 报警状态
type AlertStatus string

const (
	// AlertStatusActive 活跃（tier=1，未升级）
	AlertStatusActive AlertStatus = "active"
	// AlertStatusEscalated 已升级（active 的子状态，tier > 1）
	AlertStatusEscalated AlertStatus = "escalated"
	// AlertStatusAcknowledged 已确认（终态）
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	// AlertStatusResolved 已解决（终态）
	AlertStatusResolved AlertStatus = "resolved"
)

// IsTerminal 判断是否为终态（终态后不再发生任何 tier 变更）
func (s AlertStatus) IsTerminal() bool {
	return s == AlertStatusAcknowledged || s == AlertStatusResolved
}

// Role 升级链中的目标角色
type Role string

const (
	RoleNurse         Role = "nurse"
	RoleDoctor        Role = "doctor"
	RoleHeadDoctor    Role = "head_doctor"
	RoleAdministrator Role = "administrator"
)

// ValidRoles 合法角色集合（策略表加载时校验用）
var ValidRoles = map[Role]bool{
	RoleNurse:         true,
	RoleDoctor:        true,
	RoleHeadDoctor:    true,
	RoleAdministrator: true,
}

// Alert 报警记录（对应 alert_records 表）
type Alert struct {
	AlertID          string      `json:"alert_id" db:"alert_id"`
	TenantID         string      `json:"tenant_id" db:"tenant_id"`
	RoomID           string      `json:"room_id" db:"room_id"`
	UrgencyLevel     int         `json:"urgency_level" db:"urgency_level"` // 1-5（1=低，5=危急），创建后不可变
	Status           AlertStatus `json:"status" db:"status"`
	EscalationTier   int         `json:"escalation_tier" db:"escalation_tier"` // >= 1，单调不减
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`           // 报警创建时间，不可变
	NextEscalationAt *time.Time  `json:"next_escalation_at,omitempty" db:"next_escalation_at"`
	AcknowledgedAt   *time.Time  `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	AcknowledgedBy   *string     `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	UpdatedAt        time.Time   `json:"updated_at" db:"updated_at"`
}

// Clone 深拷贝报警记录（调度器内部状态与持久化快照隔离用）
func (a *Alert) Clone() *Alert {
	cp := *a
	if a.NextEscalationAt != nil {
		t := *a.NextEscalationAt
		cp.NextEscalationAt = &t
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		cp.AcknowledgedAt = &t
	}
	if a.AcknowledgedBy != nil {
		s := *a.AcknowledgedBy
		cp.AcknowledgedBy = &s
	}
	return &cp
}

package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// 租约事件类型
const (
	EventLeaseCreated       = "lease_created"
	EventLeaseSigned        = "lease_signed"
	EventObligationsCreated = "obligations_created"
	EventLeaseActivated     = "lease_activated"
	EventLeaseStatusChanged = "lease_status_changed"
	EventPaymentInitiated   = "payment_initiated"
	EventPaymentSettled     = "payment_settled"
	EventPaymentFailed      = "payment_failed"
	EventPaymentReminder    = "payment_reminder"
)

// LeaseEvent 租约审计记录，与所记录的变更在同一事务中写入
type LeaseEvent struct {
	ID         uint           `json:"id" gorm:"primarykey"`
	LeaseID    uint           `json:"lease_id" gorm:"not null;index"`
	Type       string         `json:"type" gorm:"not null;size:40;index"`
	FromStatus LeaseStatus    `json:"from_status,omitempty" gorm:"size:20"`
	ToStatus   LeaseStatus    `json:"to_status,omitempty" gorm:"size:20"`
	ActorID    *uint          `json:"actor_id,omitempty"`
	Payload    datatypes.JSON `json:"payload" gorm:"type:json"`
	CreatedAt  time.Time      `json:"created_at"`
}

// TableName 表名
func (e *LeaseEvent) TableName() string {
	return "lease_events"
}

// NewLeaseEvent 构造事件，payload 序列化失败时置空
func NewLeaseEvent(leaseID uint, eventType string, from, to LeaseStatus, actorID *uint, payload map[string]interface{}) *LeaseEvent {
	var raw datatypes.JSON
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = datatypes.JSON(data)
		}
	}
	return &LeaseEvent{
		LeaseID:    leaseID,
		Type:       eventType,
		FromStatus: from,
		ToStatus:   to,
		ActorID:    actorID,
		Payload:    raw,
	}
}

// ObligationReminder 已发送的提醒标记，每笔付款每天最多一条
type ObligationReminder struct {
	ID           uint      `json:"id" gorm:"primarykey"`
	ObligationID uint      `json:"obligation_id" gorm:"not null;uniqueIndex:idx_reminder_day"`
	SentOn       string    `json:"sent_on" gorm:"not null;size:10;uniqueIndex:idx_reminder_day"` // YYYY-MM-DD
	LeadDays     int       `json:"lead_days"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName 表名
func (r *ObligationReminder) TableName() string {
	return "obligation_reminders"
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ObligationKind 付款类型
type ObligationKind string

const (
	ObligationSecurityDeposit ObligationKind = "security_deposit"
	ObligationRent            ObligationKind = "rent"
)

// Valid 是否为已知类型
func (k ObligationKind) Valid() bool {
	switch k {
	case ObligationSecurityDeposit, ObligationRent:
		return true
	default:
		return false
	}
}

// ObligationStatus 付款状态
type ObligationStatus string

const (
	ObligationPending    ObligationStatus = "pending"
	ObligationProcessing ObligationStatus = "processing"
	ObligationCompleted  ObligationStatus = "completed"
	ObligationLate       ObligationStatus = "late"
	ObligationFailed     ObligationStatus = "failed"
)

// Valid 是否为已知状态
func (s ObligationStatus) Valid() bool {
	switch s {
	case ObligationPending, ObligationProcessing, ObligationCompleted, ObligationLate, ObligationFailed:
		return true
	default:
		return false
	}
}

// Payable 可发起转账的状态；处理中与已完成的不可重复发起
func (s ObligationStatus) Payable() bool {
	switch s {
	case ObligationPending, ObligationLate, ObligationFailed:
		return true
	case ObligationProcessing, ObligationCompleted:
		return false
	default:
		return false
	}
}

// PayableObligationStatuses 可发起转账的状态集合
var PayableObligationStatuses = []ObligationStatus{ObligationPending, ObligationLate, ObligationFailed}

// DepositPeriod 押金没有账期
const DepositPeriod = ""

// PaymentObligation 租约要求的一笔付款
type PaymentObligation struct {
	BaseModel
	LeaseID              uint             `json:"lease_id" gorm:"not null;uniqueIndex:idx_obligation_period"`
	TenantID             uint             `json:"tenant_id" gorm:"not null;index"`
	Kind                 ObligationKind   `json:"kind" gorm:"not null;size:20;uniqueIndex:idx_obligation_period"`
	Period               string           `json:"period" gorm:"not null;size:7;default:'';uniqueIndex:idx_obligation_period"` // YYYY-MM
	AmountDue            decimal.Decimal  `json:"amount_due" gorm:"<-:create;type:numeric(20,6);not null"`
	Currency             string           `json:"currency" gorm:"<-:create;size:10;not null"`
	DueDate              time.Time        `json:"due_date" gorm:"not null;index"`
	Status               ObligationStatus `json:"status" gorm:"not null;size:20;default:'pending';index"`
	TransferRef          *string          `json:"transfer_ref" gorm:"size:128;index"`
	TransactionReference *string          `json:"transaction_reference" gorm:"size:128"`
	FailureReason        string           `json:"failure_reason,omitempty" gorm:"size:255"`
	AttemptCount         int              `json:"attempt_count" gorm:"not null;default:0"`
	SettledAt            *time.Time       `json:"settled_at"`
}

// TableName 表名
func (o *PaymentObligation) TableName() string {
	return "payment_obligations"
}

// PeriodKey 账期键
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

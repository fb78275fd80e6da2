package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"rentflow/pkg/wallet"

	"github.com/shopspring/decimal"
)

// LeaseStatus 租约状态，只能向前推进
type LeaseStatus string

const (
	LeaseStatusDraft           LeaseStatus = "draft"
	LeaseStatusPendingTenant   LeaseStatus = "pending_tenant"
	LeaseStatusPendingLandlord LeaseStatus = "pending_landlord"
	LeaseStatusFullySigned     LeaseStatus = "fully_signed"
	LeaseStatusActive          LeaseStatus = "active"
	LeaseStatusExpired         LeaseStatus = "expired"
	LeaseStatusTerminated      LeaseStatus = "terminated"
)

// Valid 是否为已知状态
func (s LeaseStatus) Valid() bool {
	switch s {
	case LeaseStatusDraft, LeaseStatusPendingTenant, LeaseStatusPendingLandlord,
		LeaseStatusFullySigned, LeaseStatusActive, LeaseStatusExpired, LeaseStatusTerminated:
		return true
	default:
		return false
	}
}

// Terminal 终态
func (s LeaseStatus) Terminal() bool {
	return s == LeaseStatusExpired || s == LeaseStatusTerminated
}

// CanTransitionTo 状态迁移表
func (s LeaseStatus) CanTransitionTo(to LeaseStatus) bool {
	switch s {
	case LeaseStatusDraft:
		return to == LeaseStatusPendingTenant || to == LeaseStatusPendingLandlord || to == LeaseStatusFullySigned
	case LeaseStatusPendingTenant, LeaseStatusPendingLandlord:
		return to == LeaseStatusFullySigned
	case LeaseStatusFullySigned:
		return to == LeaseStatusActive
	case LeaseStatusActive:
		return to == LeaseStatusExpired || to == LeaseStatusTerminated
	case LeaseStatusExpired, LeaseStatusTerminated:
		return false
	default:
		return false
	}
}

// SigningStatus 由双方签署情况推导出的状态，与签署顺序无关
func SigningStatus(landlordSigned, tenantSigned bool) LeaseStatus {
	switch {
	case landlordSigned && tenantSigned:
		return LeaseStatusFullySigned
	case landlordSigned:
		return LeaseStatusPendingTenant
	case tenantSigned:
		return LeaseStatusPendingLandlord
	default:
		return LeaseStatusDraft
	}
}

// LeaseTerms 生成租约时的条款快照，创建后不可修改
type LeaseTerms struct {
	MonthlyRent     decimal.Decimal `json:"monthly_rent" gorm:"<-:create;type:numeric(20,6);not null"`
	SecurityDeposit decimal.Decimal `json:"security_deposit" gorm:"<-:create;type:numeric(20,6);not null"`
	Currency        string          `json:"currency" gorm:"<-:create;size:10;not null"`
	StartDate       time.Time       `json:"start_date" gorm:"<-:create;not null"`
	EndDate         time.Time       `json:"end_date" gorm:"<-:create;not null"`
}

// Hash 条款的SHA-256摘要
func (t LeaseTerms) Hash() string {
	canonical := fmt.Sprintf("rent=%s|deposit=%s|currency=%s|start=%s|end=%s",
		t.MonthlyRent.StringFixed(6),
		t.SecurityDeposit.StringFixed(6),
		t.Currency,
		t.StartDate.UTC().Format("2006-01-02"),
		t.EndDate.UTC().Format("2006-01-02"),
	)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Signature 单方签名记录，足以事后重新验证
type Signature struct {
	WalletID        *string    `json:"wallet_id" gorm:"column:wallet_id;size:64"`
	SignatureBase64 *string    `json:"signature_base64" gorm:"column:signature_base64;size:128"`
	Message         *string    `json:"message" gorm:"column:message;size:255"`
	SignedAt        *time.Time `json:"signed_at" gorm:"column:signed_at"`
}

// Signed 是否已签署
func (s Signature) Signed() bool {
	return s.SignedAt != nil
}

// Lease 租约
type Lease struct {
	BaseModel
	PropertyID        uint        `json:"property_id" gorm:"not null;index"`
	TenantID          uint        `json:"tenant_id" gorm:"not null;index"`
	ManagerID         uint        `json:"manager_id" gorm:"not null;index"`
	Status            LeaseStatus `json:"status" gorm:"not null;size:20;default:'draft';index"`
	Terms             LeaseTerms  `json:"terms" gorm:"embedded;embeddedPrefix:terms_"`
	TermsHash         string      `json:"terms_hash" gorm:"<-:create;size:64"`
	LandlordSignature Signature   `json:"landlord_signature" gorm:"embedded;embeddedPrefix:landlord_"`
	TenantSignature   Signature   `json:"tenant_signature" gorm:"embedded;embeddedPrefix:tenant_"`
	ActivatedAt       *time.Time  `json:"activated_at"`
	EndedAt           *time.Time  `json:"ended_at"`
}

// TableName 表名
func (l *Lease) TableName() string {
	return "leases"
}

// SignatureFor 指定角色的签名
func (l *Lease) SignatureFor(role wallet.Role) Signature {
	if role == wallet.RoleLandlord {
		return l.LandlordSignature
	}
	return l.TenantSignature
}

// FullySigned 双方是否均已签署
func (l *Lease) FullySigned() bool {
	return l.LandlordSignature.Signed() && l.TenantSignature.Signed()
}

// SignatureColumnPrefix 签名字段的列前缀
func SignatureColumnPrefix(role wallet.Role) string {
	if role == wallet.RoleLandlord {
		return "landlord_"
	}
	return "tenant_"
}

package services

import (
	"context"
	"errors"

	"rentflow/internal/models"
	apperrors "rentflow/pkg/errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PaymentGate 判断租约激活所需的付款是否全部完成
type PaymentGate struct {
	db *gorm.DB
}

// PaymentStatusResult 租约付款状态
type PaymentStatusResult struct {
	LeaseID     uint                       `json:"lease_id"`
	Satisfied   bool                       `json:"satisfied"`
	Obligations []models.PaymentObligation `json:"obligations"`
}

func NewPaymentGate(db *gorm.DB) *PaymentGate {
	return &PaymentGate{db: db}
}

// Satisfied 押金与租金各有一笔已完成的付款
func (g *PaymentGate) Satisfied(ctx context.Context, leaseID uint) (bool, error) {
	return paymentsSatisfied(g.db.WithContext(ctx), leaseID)
}

func paymentsSatisfied(db *gorm.DB, leaseID uint) (bool, error) {
	var kinds []string
	err := db.Model(&models.PaymentObligation{}).
		Where("lease_id = ? AND status = ?", leaseID, models.ObligationCompleted).
		Distinct().
		Pluck("kind", &kinds).Error
	if err != nil {
		return false, err
	}

	var deposit, rent bool
	for _, k := range kinds {
		switch models.ObligationKind(k) {
		case models.ObligationSecurityDeposit:
			deposit = true
		case models.ObligationRent:
			rent = true
		}
	}
	return deposit && rent, nil
}

// EnsureObligations 生成押金与首月租金，金额取自条款快照；重复调用不会重复创建
func (g *PaymentGate) EnsureObligations(tx *gorm.DB, lease *models.Lease) ([]models.PaymentObligation, error) {
	due := models.DateOnly(lease.Terms.StartDate)
	required := []models.PaymentObligation{
		{
			LeaseID:   lease.ID,
			TenantID:  lease.TenantID,
			Kind:      models.ObligationSecurityDeposit,
			Period:    models.DepositPeriod,
			AmountDue: lease.Terms.SecurityDeposit,
			Currency:  lease.Terms.Currency,
			DueDate:   due,
			Status:    models.ObligationPending,
		},
		{
			LeaseID:   lease.ID,
			TenantID:  lease.TenantID,
			Kind:      models.ObligationRent,
			Period:    models.PeriodKey(lease.Terms.StartDate),
			AmountDue: lease.Terms.MonthlyRent,
			Currency:  lease.Terms.Currency,
			DueDate:   due,
			Status:    models.ObligationPending,
		},
	}

	created := make([]models.PaymentObligation, 0, len(required))
	for i := range required {
		ok, err := ensureObligation(tx, &required[i])
		if err != nil {
			return nil, err
		}
		if ok {
			created = append(created, required[i])
		}
	}
	return created, nil
}

// ensureObligation 先查后插，唯一索引兜底并发插入
func ensureObligation(tx *gorm.DB, ob *models.PaymentObligation) (bool, error) {
	var count int64
	err := tx.Model(&models.PaymentObligation{}).
		Where("lease_id = ? AND kind = ? AND period = ?", ob.LeaseID, ob.Kind, ob.Period).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}

	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(ob)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// PaymentStatus 租约付款明细
func (g *PaymentGate) PaymentStatus(ctx context.Context, leaseID uint) (*PaymentStatusResult, error) {
	db := g.db.WithContext(ctx)

	var lease models.Lease
	if err := db.Select("id").First(&lease, leaseID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrLeaseNotFound.With("租约 %d 不存在", leaseID)
		}
		return nil, err
	}

	var obligations []models.PaymentObligation
	if err := db.Where("lease_id = ?", leaseID).Order("due_date ASC, id ASC").Find(&obligations).Error; err != nil {
		return nil, err
	}

	satisfied, err := paymentsSatisfied(db, leaseID)
	if err != nil {
		return nil, err
	}

	return &PaymentStatusResult{
		LeaseID:     leaseID,
		Satisfied:   satisfied,
		Obligations: obligations,
	}, nil
}

package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"rentflow/internal/models"
	apperrors "rentflow/pkg/errors"
	"rentflow/pkg/logger"
	"rentflow/pkg/metrics"
	"rentflow/pkg/pagination"
	"rentflow/pkg/queue"
	"rentflow/pkg/wallet"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// 签名消息时间戳允许的时钟偏差
const messageClockSkew = time.Minute

// 金额最多6位小数（USDC精度）
const amountScale = 6

// LeaseService 租约状态机：创建、签署、终止
type LeaseService struct {
	db            *gorm.DB
	verifier      *wallet.Verifier
	gate          *PaymentGate
	activator     *ActivationCoordinator
	publisher     EventPublisher
	messageMaxAge time.Duration
	maxAmount     decimal.Decimal // 单笔转账上限，零值不限制
	now           func() time.Time
}

// CreateLeaseRequest 生成租约
type CreateLeaseRequest struct {
	PropertyID      uint
	TenantID        uint
	ManagerID       uint
	MonthlyRent     decimal.Decimal
	SecurityDeposit decimal.Decimal
	Currency        string
	StartDate       time.Time
	EndDate         time.Time
}

// SignRequest 签署请求
type SignRequest struct {
	LeaseID         uint
	Role            wallet.Role
	WalletID        string
	SignatureBase64 string
	Message         string
	ActorID         *uint
}

// LeaseFilter 列表过滤条件
type LeaseFilter struct {
	Status    models.LeaseStatus
	TenantID  uint
	ManagerID uint
}

// LeaseVerification 租约签名复核结果
type LeaseVerification struct {
	LeaseID        uint               `json:"lease_id"`
	Status         models.LeaseStatus `json:"status"`
	LandlordSigned bool               `json:"landlord_signed"`
	TenantSigned   bool               `json:"tenant_signed"`
	LandlordValid  bool               `json:"landlord_valid"`
	TenantValid    bool               `json:"tenant_valid"`
	TermsHashValid bool               `json:"terms_hash_valid"`
	Active         bool               `json:"active"`
	Valid          bool               `json:"valid"`
}

func NewLeaseService(db *gorm.DB, gate *PaymentGate, activator *ActivationCoordinator, publisher EventPublisher, messageMaxAge time.Duration, maxAmount decimal.Decimal) *LeaseService {
	return &LeaseService{
		db:            db,
		verifier:      wallet.NewVerifier(),
		gate:          gate,
		activator:     activator,
		publisher:     publisher,
		messageMaxAge: messageMaxAge,
		maxAmount:     maxAmount,
		now:           time.Now,
	}
}

// ========== 创建与查询 ==========

// CreateLease 生成草稿租约并固化条款快照
func (s *LeaseService) CreateLease(ctx context.Context, req CreateLeaseRequest) (*models.Lease, error) {
	if err := validateCreateLease(&req); err != nil {
		return nil, err
	}
	// 押金与租金都要能在单笔转账内付清，否则签齐后永远无法激活
	if s.maxAmount.IsPositive() {
		if req.MonthlyRent.GreaterThan(s.maxAmount) {
			return nil, apperrors.ErrInvalidAmount.With("月租金 %s 超过单笔转账上限 %s", req.MonthlyRent, s.maxAmount)
		}
		if req.SecurityDeposit.GreaterThan(s.maxAmount) {
			return nil, apperrors.ErrInvalidAmount.With("押金 %s 超过单笔转账上限 %s", req.SecurityDeposit, s.maxAmount)
		}
	}

	lease := &models.Lease{
		PropertyID: req.PropertyID,
		TenantID:   req.TenantID,
		ManagerID:  req.ManagerID,
		Status:     models.LeaseStatusDraft,
		Terms: models.LeaseTerms{
			MonthlyRent:     req.MonthlyRent,
			SecurityDeposit: req.SecurityDeposit,
			Currency:        req.Currency,
			StartDate:       models.DateOnly(req.StartDate),
			EndDate:         models.DateOnly(req.EndDate),
		},
	}
	lease.TermsHash = lease.Terms.Hash()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var manager, tenant models.User
		if err := tx.First(&manager, req.ManagerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.ErrUserNotFound.With("物业经理 %d 不存在", req.ManagerID)
			}
			return err
		}
		if !manager.Role.IsStaff() {
			return apperrors.Validation("用户 %d 不是物业经理", req.ManagerID)
		}
		if err := tx.First(&tenant, req.TenantID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.ErrUserNotFound.With("租客 %d 不存在", req.TenantID)
			}
			return err
		}
		if tenant.Role.IsStaff() {
			return apperrors.Validation("用户 %d 不能作为租客", req.TenantID)
		}

		if err := tx.Create(lease).Error; err != nil {
			return err
		}
		actor := req.ManagerID
		return tx.Create(models.NewLeaseEvent(lease.ID, models.EventLeaseCreated, "", models.LeaseStatusDraft, &actor,
			map[string]interface{}{
				"terms_hash":       lease.TermsHash,
				"monthly_rent":     lease.Terms.MonthlyRent.String(),
				"security_deposit": lease.Terms.SecurityDeposit.String(),
			})).Error
	})
	if err != nil {
		return nil, err
	}

	logger.ForLease(lease.ID).WithFields(logrus.Fields{
		"tenant_id":  lease.TenantID,
		"manager_id": lease.ManagerID,
	}).Info("租约已生成")
	publish(ctx, s.publisher, queue.EventMessage{Type: models.EventLeaseCreated, LeaseID: lease.ID, UserID: lease.TenantID})
	return lease, nil
}

func validateCreateLease(req *CreateLeaseRequest) error {
	if req.PropertyID == 0 || req.TenantID == 0 || req.ManagerID == 0 {
		return apperrors.Validation("房源、租客与物业经理不能为空")
	}
	if req.TenantID == req.ManagerID {
		return apperrors.Validation("租客与物业经理不能是同一用户")
	}
	if !req.MonthlyRent.IsPositive() {
		return apperrors.ErrInvalidAmount.With("月租金必须大于0")
	}
	if !req.SecurityDeposit.IsPositive() {
		return apperrors.ErrInvalidAmount.With("押金必须大于0")
	}
	if !req.MonthlyRent.Equal(req.MonthlyRent.Truncate(amountScale)) || !req.SecurityDeposit.Equal(req.SecurityDeposit.Truncate(amountScale)) {
		return apperrors.ErrInvalidAmount.With("金额最多%d位小数", amountScale)
	}
	if req.StartDate.IsZero() || req.EndDate.IsZero() || !models.DateOnly(req.EndDate).After(models.DateOnly(req.StartDate)) {
		return apperrors.Validation("结束日期必须晚于开始日期")
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = "USDC"
	}
	return nil
}

// GetLease 获取租约
func (s *LeaseService) GetLease(ctx context.Context, leaseID uint) (*models.Lease, error) {
	var lease models.Lease
	if err := s.db.WithContext(ctx).First(&lease, leaseID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrLeaseNotFound.With("租约 %d 不存在", leaseID)
		}
		return nil, err
	}
	return &lease, nil
}

// ListLeases 分页查询租约
func (s *LeaseService) ListLeases(ctx context.Context, filter LeaseFilter, page *pagination.PageParams) ([]models.Lease, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Lease{})
	if filter.Status != "" {
		if !filter.Status.Valid() {
			return nil, 0, apperrors.Validation("未知的租约状态 %q", filter.Status)
		}
		query = query.Where("status = ?", filter.Status)
	}
	if filter.TenantID != 0 {
		query = query.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.ManagerID != 0 {
		query = query.Where("manager_id = ?", filter.ManagerID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var leases []models.Lease
	if err := query.Scopes(page.Scope()).Order("id DESC").Find(&leases).Error; err != nil {
		return nil, 0, err
	}
	return leases, total, nil
}

// ListEvents 租约审计记录
func (s *LeaseService) ListEvents(ctx context.Context, leaseID uint) ([]models.LeaseEvent, error) {
	if _, err := s.GetLease(ctx, leaseID); err != nil {
		return nil, err
	}
	var events []models.LeaseEvent
	err := s.db.WithContext(ctx).Where("lease_id = ?", leaseID).Order("id ASC").Find(&events).Error
	return events, err
}

// ========== 签署 ==========

// SigningMessage 为签署方生成待签消息
func (s *LeaseService) SigningMessage(ctx context.Context, leaseID uint, role wallet.Role) (string, error) {
	if !role.Valid() {
		return "", apperrors.Validation("未知的签署角色 %q", role)
	}
	lease, err := s.GetLease(ctx, leaseID)
	if err != nil {
		return "", err
	}
	if lease.Status.Terminal() {
		return "", apperrors.ErrLeaseTerminal.With("租约 %d 状态为 %s", leaseID, lease.Status)
	}
	if lease.SignatureFor(role).Signed() {
		return "", apperrors.ErrDuplicateSignature.With("租约 %d 的 %s 签名已存在", leaseID, role)
	}
	return wallet.BuildMessage(role, leaseID, s.now()), nil
}

// RecordSignature 校验并记录一方签名；双方签齐后生成付款义务并尝试激活
func (s *LeaseService) RecordSignature(ctx context.Context, req SignRequest) (*models.Lease, error) {
	if err := s.verifySignRequest(&req); err != nil {
		metrics.SignaturesTotal.WithLabelValues(string(req.Role), "invalid").Inc()
		return nil, err
	}

	var lease models.Lease
	var createdObligations int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockLease(tx, req.LeaseID, &lease); err != nil {
			return err
		}
		if lease.Status.Terminal() {
			return apperrors.ErrLeaseTerminal.With("租约 %d 状态为 %s", lease.ID, lease.Status)
		}
		if lease.SignatureFor(req.Role).Signed() {
			return apperrors.ErrDuplicateSignature.With("租约 %d 的 %s 签名已存在", lease.ID, req.Role)
		}

		// 只写本角色的字段，并以字段为空为条件，已有签名不会被覆盖
		prefix := models.SignatureColumnPrefix(req.Role)
		res := tx.Model(&models.Lease{}).
			Where("id = ? AND "+prefix+"signed_at IS NULL", lease.ID).
			Updates(map[string]interface{}{
				prefix + "wallet_id":        req.WalletID,
				prefix + "signature_base64": req.SignatureBase64,
				prefix + "message":          req.Message,
				prefix + "signed_at":        s.now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrDuplicateSignature.With("租约 %d 的 %s 签名已存在", lease.ID, req.Role)
		}

		if err := tx.First(&lease, lease.ID).Error; err != nil {
			return err
		}

		from := lease.Status
		to := models.SigningStatus(lease.LandlordSignature.Signed(), lease.TenantSignature.Signed())
		if to != from {
			if !from.CanTransitionTo(to) {
				return apperrors.ErrInvalidStatusTransition.With("%s -> %s", from, to)
			}
			if err := tx.Model(&models.Lease{}).Where("id = ? AND status = ?", lease.ID, from).
				Update("status", to).Error; err != nil {
				return err
			}
			lease.Status = to
		}

		signed := lease.SignatureFor(req.Role)
		if err := tx.Create(models.NewLeaseEvent(lease.ID, models.EventLeaseSigned, from, to, req.ActorID,
			map[string]interface{}{
				"role":      req.Role,
				"wallet_id": req.WalletID,
				"signed_at": signed.SignedAt,
			})).Error; err != nil {
			return err
		}

		if to == models.LeaseStatusFullySigned {
			created, err := s.gate.EnsureObligations(tx, &lease)
			if err != nil {
				return err
			}
			createdObligations = len(created)
			if createdObligations > 0 {
				if err := tx.Create(models.NewLeaseEvent(lease.ID, models.EventObligationsCreated, to, to, nil,
					map[string]interface{}{"count": createdObligations})).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		outcome := "error"
		if apperrors.IsKind(err, apperrors.KindConflict) {
			outcome = "conflict"
		}
		metrics.SignaturesTotal.WithLabelValues(string(req.Role), outcome).Inc()
		return nil, err
	}

	metrics.SignaturesTotal.WithLabelValues(string(req.Role), "recorded").Inc()
	log := logger.ForLease(lease.ID)
	log.WithFields(logrus.Fields{
		"role":   req.Role,
		"status": lease.Status,
	}).Info("签名已记录")
	publish(ctx, s.publisher, queue.EventMessage{
		Type:    models.EventLeaseSigned,
		LeaseID: lease.ID,
		Payload: map[string]interface{}{"role": req.Role, "status": lease.Status, "obligations_created": createdObligations},
	})

	if lease.Status == models.LeaseStatusFullySigned {
		// 付款可能已先于签名完成，此处立即尝试激活
		result, err := s.activator.TryActivate(ctx, lease.ID)
		if err != nil {
			log.WithError(err).Error("签署后激活失败，等待定时巡检重试")
		} else if result.Activated {
			if reloaded, err := s.GetLease(ctx, lease.ID); err == nil {
				lease = *reloaded
			}
		}
	}
	return &lease, nil
}

func (s *LeaseService) verifySignRequest(req *SignRequest) error {
	if !req.Role.Valid() {
		return apperrors.Validation("未知的签署角色 %q", req.Role)
	}
	req.WalletID = strings.TrimSpace(req.WalletID)
	req.SignatureBase64 = strings.TrimSpace(req.SignatureBase64)
	if req.LeaseID == 0 || req.WalletID == "" || req.SignatureBase64 == "" || req.Message == "" {
		return apperrors.Validation("租约、钱包、签名与消息均不能为空")
	}

	msg, err := wallet.ParseMessage(req.Message)
	if err != nil {
		return apperrors.ErrInvalidSignature.Wrap(err)
	}
	if msg.Role != req.Role {
		return apperrors.ErrInvalidSignature.With("消息角色标签 %s 与签署角色 %s 不一致", msg.Role.Tag(), req.Role)
	}
	if msg.LeaseID != req.LeaseID {
		return apperrors.ErrInvalidSignature.With("消息中的租约 %d 与请求不一致", msg.LeaseID)
	}
	now := s.now()
	if s.messageMaxAge > 0 && now.Sub(msg.IssuedAt) > s.messageMaxAge {
		return apperrors.ErrInvalidSignature.With("签名消息已过期")
	}
	if msg.IssuedAt.Sub(now) > messageClockSkew {
		return apperrors.ErrInvalidSignature.With("签名消息时间戳晚于当前时间")
	}

	if err := s.verifier.VerifyBase64(req.Message, req.SignatureBase64, req.WalletID); err != nil {
		return apperrors.ErrInvalidSignature.Wrap(err)
	}
	return nil
}

// VerifyLease 复核已存储的签名
func (s *LeaseService) VerifyLease(ctx context.Context, leaseID uint) (*LeaseVerification, error) {
	lease, err := s.GetLease(ctx, leaseID)
	if err != nil {
		return nil, err
	}

	result := &LeaseVerification{
		LeaseID:        lease.ID,
		Status:         lease.Status,
		LandlordSigned: lease.LandlordSignature.Signed(),
		TenantSigned:   lease.TenantSignature.Signed(),
		TermsHashValid: lease.Terms.Hash() == lease.TermsHash,
		Active:         lease.Status == models.LeaseStatusActive,
	}
	result.LandlordValid = s.reverify(lease.LandlordSignature)
	result.TenantValid = s.reverify(lease.TenantSignature)
	result.Valid = result.LandlordValid && result.TenantValid && result.TermsHashValid && result.Active
	return result, nil
}

func (s *LeaseService) reverify(sig models.Signature) bool {
	if !sig.Signed() || sig.WalletID == nil || sig.SignatureBase64 == nil || sig.Message == nil {
		return false
	}
	return s.verifier.VerifyBase64(*sig.Message, *sig.SignatureBase64, *sig.WalletID) == nil
}

// ========== 生命周期 ==========

// UpdateStatus 终止或到期；激活只能经由 ActivationCoordinator
func (s *LeaseService) UpdateStatus(ctx context.Context, leaseID uint, to models.LeaseStatus, actorID *uint) (*models.Lease, error) {
	if !to.Valid() {
		return nil, apperrors.Validation("未知的租约状态 %q", to)
	}
	if to != models.LeaseStatusTerminated && to != models.LeaseStatusExpired {
		return nil, apperrors.ErrInvalidStatusTransition.With("不能手动变更为 %s", to)
	}

	var lease models.Lease
	var from models.LeaseStatus
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockLease(tx, leaseID, &lease); err != nil {
			return err
		}
		from = lease.Status
		if !from.CanTransitionTo(to) {
			return apperrors.ErrInvalidStatusTransition.With("%s -> %s", from, to)
		}

		now := s.now().UTC()
		if to == models.LeaseStatusExpired && now.Before(lease.Terms.EndDate) {
			return apperrors.ErrLeaseNotEnded.With("租约 %d 于 %s 到期", leaseID, lease.Terms.EndDate.Format("2006-01-02"))
		}

		res := tx.Model(&models.Lease{}).Where("id = ? AND status = ?", leaseID, from).
			Updates(map[string]interface{}{"status": to, "ended_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return apperrors.ErrInvalidStatusTransition.With("租约 %d 状态已变更", leaseID)
		}
		lease.Status = to
		lease.EndedAt = &now

		return tx.Create(models.NewLeaseEvent(leaseID, models.EventLeaseStatusChanged, from, to, actorID, nil)).Error
	})
	if err != nil {
		return nil, err
	}

	logger.ForLease(leaseID).WithFields(logrus.Fields{"from": from, "to": to}).Info("租约状态已变更")
	publish(ctx, s.publisher, queue.EventMessage{
		Type:    models.EventLeaseStatusChanged,
		LeaseID: leaseID,
		Payload: map[string]interface{}{"from": from, "to": to},
	})
	return &lease, nil
}

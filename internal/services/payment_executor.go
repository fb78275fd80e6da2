package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rentflow/internal/models"
	apperrors "rentflow/pkg/errors"
	"rentflow/pkg/logger"
	"rentflow/pkg/metrics"
	"rentflow/pkg/paynet"
	"rentflow/pkg/queue"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// 无转账ID的处理中记录超过该时长视为提交中断，释放后可重新发起
const staleClaimAfter = 10 * time.Minute

// failure_reason 列为 varchar(255)，按字符计
const maxFailureReasonLen = 255

// PaymentExecutorConfig 转账与轮询参数
type PaymentExecutorConfig struct {
	MaxTransferAmount decimal.Decimal
	PollAttempts      int
	PollInterval      time.Duration
}

// PaymentExecutor 提交稳定币转账并轮询结算结果
type PaymentExecutor struct {
	db        *gorm.DB
	network   paynet.Network
	activator *ActivationCoordinator
	publisher EventPublisher
	cfg       PaymentExecutorConfig
	now       func() time.Time
}

// InitiateRequest 发起付款
type InitiateRequest struct {
	ObligationID uint
	FromWallet   string
	ToAddress    string
}

// InitiateResult 发起结果；已在处理或已完成时同时返回当前状态与 ObligationAlreadySettled
type InitiateResult struct {
	ObligationID   uint                    `json:"obligation_id"`
	Status         models.ObligationStatus `json:"status"`
	ProvisionalRef string                  `json:"provisional_ref,omitempty"`
}

// SettlementResult 轮询结果，Status 为 processing 表示尚无终态
type SettlementResult struct {
	ObligationID         uint                    `json:"obligation_id"`
	Status               models.ObligationStatus `json:"status"`
	TransactionReference *string                 `json:"transaction_reference,omitempty"`
	Attempts             int                     `json:"attempts"`
	Activated            bool                    `json:"activated"`
}

func NewPaymentExecutor(db *gorm.DB, network paynet.Network, activator *ActivationCoordinator, publisher EventPublisher, cfg PaymentExecutorConfig) *PaymentExecutor {
	if cfg.PollAttempts < 1 {
		cfg.PollAttempts = 1
	}
	return &PaymentExecutor{
		db:        db,
		network:   network,
		activator: activator,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
	}
}

// ========== 发起转账 ==========

// ValidateAmount 0 < amount <= 单笔上限
func (e *PaymentExecutor) ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperrors.ErrInvalidAmount.With("金额必须大于0")
	}
	if amount.GreaterThan(e.cfg.MaxTransferAmount) {
		return apperrors.ErrInvalidAmount.With("金额 %s 超过单笔上限 %s", amount.String(), e.cfg.MaxTransferAmount.String())
	}
	return nil
}

// InitiateTransfer 以付款义务为幂等键提交转账，不等待结算
func (e *PaymentExecutor) InitiateTransfer(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	req.FromWallet = strings.TrimSpace(req.FromWallet)
	req.ToAddress = strings.TrimSpace(req.ToAddress)
	if req.FromWallet == "" || req.ToAddress == "" {
		return nil, apperrors.Validation("付款钱包与收款地址不能为空")
	}

	db := e.db.WithContext(ctx)
	ob, err := e.getObligation(db, req.ObligationID)
	if err != nil {
		return nil, err
	}
	if err := e.ValidateAmount(ob.AmountDue); err != nil {
		return nil, err
	}

	// 条件更新抢占：并发请求中只有一个能把状态改为 processing
	res := db.Model(&models.PaymentObligation{}).
		Where("id = ? AND status IN ?", ob.ID, models.PayableObligationStatuses).
		Updates(map[string]interface{}{
			"status":         models.ObligationProcessing,
			"failure_reason": "",
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		current, err := e.getObligation(db, ob.ID)
		if err != nil {
			return nil, err
		}
		metrics.TransfersTotal.WithLabelValues("already_settled").Inc()
		result := &InitiateResult{ObligationID: current.ID, Status: current.Status}
		if current.TransferRef != nil {
			result.ProvisionalRef = *current.TransferRef
		}
		return result, apperrors.ErrObligationAlreadySettled.With("付款义务 %d 当前状态为 %s", current.ID, current.Status)
	}

	log := logger.ForLease(ob.LeaseID).WithFields(logrus.Fields{
		"obligation_id": ob.ID,
		"kind":          ob.Kind,
	})

	// 只有明确失败才递增尝试次数，结果未知的重试沿用同一幂等键，由支付网络去重
	transfer, err := e.network.SubmitTransfer(ctx, paynet.TransferRequest{
		FromWallet:     req.FromWallet,
		ToAddress:      req.ToAddress,
		Amount:         ob.AmountDue,
		Currency:       ob.Currency,
		IdempotencyKey: fmt.Sprintf("obligation-%d-attempt-%d", ob.ID, ob.AttemptCount+1),
		Metadata: paynet.TransferMetadata{
			ObligationID: ob.ID,
			LeaseID:      ob.LeaseID,
			Purpose:      string(ob.Kind),
		},
	})
	if err != nil {
		var rejection *paynet.RejectionError
		if errors.As(err, &rejection) {
			metrics.TransfersTotal.WithLabelValues("rejected").Inc()
			log.WithField("reason", rejection.Reason).Warn("支付网络拒绝转账")
			if ferr := e.markFailed(ctx, ob, nil, rejection.Reason); ferr != nil {
				return nil, ferr
			}
			return nil, apperrors.ErrExternalProvider.With("支付网络拒绝转账: %s", rejection.Reason)
		}

		metrics.TransfersTotal.WithLabelValues("unavailable").Inc()
		log.WithError(err).Warn("转账提交结果未知，释放付款义务以便重试")
		if rerr := e.release(db, ob); rerr != nil {
			log.WithError(rerr).Error("释放付款义务失败")
		}
		return nil, apperrors.ErrExternalProvider.Wrap(err)
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.PaymentObligation{}).
			Where("id = ? AND status = ?", ob.ID, models.ObligationProcessing).
			Update("transfer_ref", transfer.Ref)
		if res.Error != nil {
			return res.Error
		}
		return tx.Create(models.NewLeaseEvent(ob.LeaseID, models.EventPaymentInitiated, "", "", nil,
			map[string]interface{}{
				"obligation_id": ob.ID,
				"kind":          ob.Kind,
				"amount":        ob.AmountDue.String(),
				"transfer_ref":  transfer.Ref,
			})).Error
	})
	if err != nil {
		return nil, err
	}

	metrics.TransfersTotal.WithLabelValues("accepted").Inc()
	log.WithField("transfer_ref", transfer.Ref).Info("转账已提交")
	publish(ctx, e.publisher, queue.EventMessage{
		Type:         models.EventPaymentInitiated,
		LeaseID:      ob.LeaseID,
		ObligationID: ob.ID,
		UserID:       ob.TenantID,
		Payload:      map[string]interface{}{"transfer_ref": transfer.Ref},
	})

	if settledState(transfer) {
		ob.Status = models.ObligationProcessing
		ob.TransferRef = &transfer.Ref
		if _, err := e.applyTerminal(ctx, ob, transfer, 0); err != nil {
			log.WithError(err).Error("处理即时结算结果失败")
		}
	}

	return &InitiateResult{
		ObligationID:   ob.ID,
		Status:         models.ObligationProcessing,
		ProvisionalRef: transfer.Ref,
	}, nil
}

// ========== 轮询结算 ==========

// PollForSettlement 有限次轮询，次数耗尽仍无终态时保持 processing
func (e *PaymentExecutor) PollForSettlement(ctx context.Context, obligationID uint) (*SettlementResult, error) {
	ob, err := e.getObligation(e.db.WithContext(ctx), obligationID)
	if err != nil {
		return nil, err
	}
	return e.poll(ctx, ob, e.cfg.PollAttempts)
}

func (e *PaymentExecutor) poll(ctx context.Context, ob *models.PaymentObligation, attempts int) (*SettlementResult, error) {
	result := &SettlementResult{
		ObligationID:         ob.ID,
		Status:               ob.Status,
		TransactionReference: ob.TransactionReference,
	}

	switch ob.Status {
	case models.ObligationCompleted, models.ObligationFailed:
		return result, nil
	case models.ObligationPending, models.ObligationLate:
		return nil, apperrors.Validation("付款义务 %d 没有进行中的转账", ob.ID)
	case models.ObligationProcessing:
		if ob.TransferRef == nil {
			// 提交尚未返回
			return result, nil
		}
	default:
		return nil, apperrors.ErrInvariantViolation.With("付款义务 %d 状态 %q 无效", ob.ID, ob.Status)
	}

	log := logger.ForLease(ob.LeaseID).WithField("obligation_id", ob.ID)
	ref := *ob.TransferRef
	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts = attempt

		transfer, err := e.network.GetTransfer(ctx, ref)
		if err != nil {
			// 查询失败不能证明转账未发生
			log.WithError(err).WithField("attempt", attempt).Warn("查询转账状态失败")
		} else if settledState(transfer) {
			return e.applyTerminal(ctx, ob, transfer, attempt)
		} else if transfer.State == paynet.StateCompleted {
			log.WithField("attempt", attempt).Warn("支付网络报告已完成但缺少交易哈希，继续轮询")
		}

		if attempt < attempts {
			if err := sleepCtx(ctx, e.cfg.PollInterval); err != nil {
				metrics.SettlementsTotal.WithLabelValues("pending").Inc()
				return result, err
			}
		}
	}

	metrics.SettlementsTotal.WithLabelValues("pending").Inc()
	log.WithField("attempts", result.Attempts).Info("轮询结束仍未结算，保持处理中")
	result.Status = models.ObligationProcessing
	return result, nil
}

func (e *PaymentExecutor) applyTerminal(ctx context.Context, ob *models.PaymentObligation, transfer *paynet.Transfer, attempts int) (*SettlementResult, error) {
	result := &SettlementResult{ObligationID: ob.ID, Attempts: attempts}

	if transfer.State != paynet.StateCompleted {
		metrics.SettlementsTotal.WithLabelValues(string(transfer.State)).Inc()
		reason := transfer.Reason
		if reason == "" {
			reason = string(transfer.State)
		}
		if err := e.markFailed(ctx, ob, &transfer.Ref, reason); err != nil {
			return nil, err
		}
		current, err := e.getObligation(e.db.WithContext(ctx), ob.ID)
		if err != nil {
			return nil, err
		}
		result.Status = current.Status
		result.TransactionReference = current.TransactionReference
		return result, nil
	}

	now := e.now().UTC()
	txHash := transfer.TxHash

	var settled bool
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.PaymentObligation{}).
			Where("id = ? AND status = ? AND transfer_ref = ?", ob.ID, models.ObligationProcessing, transfer.Ref).
			Updates(map[string]interface{}{
				"status":                models.ObligationCompleted,
				"settled_at":            now,
				"transaction_reference": txHash,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		settled = true
		return tx.Create(models.NewLeaseEvent(ob.LeaseID, models.EventPaymentSettled, "", "", nil,
			map[string]interface{}{
				"obligation_id":         ob.ID,
				"kind":                  ob.Kind,
				"transaction_reference": txHash,
			})).Error
	})
	if err != nil {
		return nil, err
	}

	current, err := e.getObligation(e.db.WithContext(ctx), ob.ID)
	if err != nil {
		return nil, err
	}
	result.Status = current.Status
	result.TransactionReference = current.TransactionReference

	if settled {
		metrics.SettlementsTotal.WithLabelValues(string(paynet.StateCompleted)).Inc()
		log := logger.ForLease(ob.LeaseID).WithField("obligation_id", ob.ID)
		log.WithField("transaction_reference", txHash).Info("付款已结算")
		publish(ctx, e.publisher, queue.EventMessage{
			Type:         models.EventPaymentSettled,
			LeaseID:      ob.LeaseID,
			ObligationID: ob.ID,
			UserID:       ob.TenantID,
			Payload:      map[string]interface{}{"transaction_reference": txHash, "kind": ob.Kind},
		})

		activation, err := e.activator.TryActivate(ctx, ob.LeaseID)
		if err != nil {
			log.WithError(err).Error("结算后激活失败，等待定时巡检重试")
		} else {
			result.Activated = activation.Activated
		}
	}
	return result, nil
}

// markFailed 仅在支付网络明确拒绝或失败时调用
func (e *PaymentExecutor) markFailed(ctx context.Context, ob *models.PaymentObligation, ref *string, reason string) error {
	reason = truncateRunes(reason, maxFailureReasonLen)
	var failed bool
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Model(&models.PaymentObligation{}).
			Where("id = ? AND status = ?", ob.ID, models.ObligationProcessing)
		if ref != nil {
			query = query.Where("transfer_ref = ?", *ref)
		}
		res := query.Updates(map[string]interface{}{
			"status":         models.ObligationFailed,
			"failure_reason": reason,
			"attempt_count":  gorm.Expr("attempt_count + 1"),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		failed = true
		return tx.Create(models.NewLeaseEvent(ob.LeaseID, models.EventPaymentFailed, "", "", nil,
			map[string]interface{}{"obligation_id": ob.ID, "reason": reason})).Error
	})
	if err != nil || !failed {
		return err
	}

	publish(ctx, e.publisher, queue.EventMessage{
		Type:         models.EventPaymentFailed,
		LeaseID:      ob.LeaseID,
		ObligationID: ob.ID,
		UserID:       ob.TenantID,
		Payload:      map[string]interface{}{"reason": reason},
	})
	return nil
}

// settledState 终态且可以落库；completed 必须带交易哈希
func settledState(transfer *paynet.Transfer) bool {
	if !transfer.State.Terminal() {
		return false
	}
	return transfer.State != paynet.StateCompleted || transfer.TxHash != ""
}

// release 结果未知时退回未付状态
func (e *PaymentExecutor) release(db *gorm.DB, ob *models.PaymentObligation) error {
	return db.Model(&models.PaymentObligation{}).
		Where("id = ? AND status = ? AND transfer_ref IS NULL", ob.ID, models.ObligationProcessing).
		Update("status", unpaidStatus(ob.DueDate, e.now())).Error
}

// ResumeProcessing 对处理中的付款各轮询一次，并释放中断的提交
func (e *PaymentExecutor) ResumeProcessing(ctx context.Context) (int, error) {
	db := e.db.WithContext(ctx)

	var stale []models.PaymentObligation
	if err := db.Where("status = ? AND transfer_ref IS NULL AND updated_at < ?",
		models.ObligationProcessing, e.now().UTC().Add(-staleClaimAfter)).Find(&stale).Error; err != nil {
		return 0, err
	}
	for i := range stale {
		if err := e.release(db, &stale[i]); err != nil {
			logger.ForLease(stale[i].LeaseID).WithError(err).Warn("释放中断的付款失败")
		}
	}

	var inflight []models.PaymentObligation
	if err := db.Where("status = ? AND transfer_ref IS NOT NULL", models.ObligationProcessing).
		Order("id ASC").Find(&inflight).Error; err != nil {
		return 0, err
	}

	resolved := 0
	for i := range inflight {
		result, err := e.poll(ctx, &inflight[i], 1)
		if err != nil {
			logger.ForLease(inflight[i].LeaseID).WithError(err).WithField("obligation_id", inflight[i].ID).Warn("恢复轮询失败")
			continue
		}
		if result.Status != models.ObligationProcessing {
			resolved++
		}
	}
	return resolved, nil
}

// GetObligation 获取付款义务
func (e *PaymentExecutor) GetObligation(ctx context.Context, obligationID uint) (*models.PaymentObligation, error) {
	return e.getObligation(e.db.WithContext(ctx), obligationID)
}

func (e *PaymentExecutor) getObligation(db *gorm.DB, obligationID uint) (*models.PaymentObligation, error) {
	var ob models.PaymentObligation
	if err := db.First(&ob, obligationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrObligationNotFound.With("付款义务 %d 不存在", obligationID)
		}
		return nil, err
	}
	return &ob, nil
}

// unpaidStatus 到期日已过为 late，否则为 pending
func unpaidStatus(due, now time.Time) models.ObligationStatus {
	if models.DateOnly(due).Before(models.DateOnly(now)) {
		return models.ObligationLate
	}
	return models.ObligationPending
}

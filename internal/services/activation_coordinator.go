package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rentflow/internal/models"
	apperrors "rentflow/pkg/errors"
	"rentflow/pkg/logger"
	"rentflow/pkg/metrics"
	"rentflow/pkg/queue"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ActivationCoordinator 双方签署且付款完成后，在同一事务内激活租约并将租客提升为正式租户
type ActivationCoordinator struct {
	db         *gorm.DB
	publisher  EventPublisher
	maxRetries int
	backoff    time.Duration
	now        func() time.Time
}

// ActivationResult 激活结果，未满足条件时 Activated 为 false 且无错误
type ActivationResult struct {
	LeaseID      uint               `json:"lease_id"`
	Activated    bool               `json:"activated"`
	Status       models.LeaseStatus `json:"status"`
	RolePromoted bool               `json:"role_promoted"`
	Reason       string             `json:"reason,omitempty"`
}

func NewActivationCoordinator(db *gorm.DB, publisher EventPublisher, maxRetries int) *ActivationCoordinator {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &ActivationCoordinator{
		db:         db,
		publisher:  publisher,
		maxRetries: maxRetries,
		backoff:    200 * time.Millisecond,
		now:        time.Now,
	}
}

// TryActivate 幂等，签署、付款结算与定时巡检三条路径都会调用
func (a *ActivationCoordinator) TryActivate(ctx context.Context, leaseID uint) (*ActivationResult, error) {
	log := logger.ForLease(leaseID)

	var lastErr error
	for attempt := 1; attempt <= a.maxRetries; attempt++ {
		result, err := a.activateOnce(ctx, leaseID)
		if err == nil {
			if result.Activated {
				metrics.ActivationsTotal.WithLabelValues("activated").Inc()
				log.WithField("role_promoted", result.RolePromoted).Info("租约已激活")
				publish(ctx, a.publisher, queue.EventMessage{
					Type:    models.EventLeaseActivated,
					LeaseID: leaseID,
					Payload: map[string]interface{}{"role_promoted": result.RolePromoted},
				})
			} else {
				metrics.ActivationsTotal.WithLabelValues("not_ready").Inc()
			}
			return result, nil
		}

		// 业务错误重试无意义
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			metrics.ActivationsTotal.WithLabelValues("error").Inc()
			return nil, err
		}

		lastErr = err
		log.WithFields(logrus.Fields{"attempt": attempt, "error": err}).Warn("激活事务失败，整体重试")
		if attempt < a.maxRetries {
			if err := sleepCtx(ctx, a.backoff*time.Duration(attempt)); err != nil {
				lastErr = err
				break
			}
		}
	}

	metrics.ActivationsTotal.WithLabelValues("escalated").Inc()
	log.WithError(lastErr).Error("激活事务多次失败，需要人工介入")
	return nil, apperrors.ErrInvariantViolation.With("租约 %d 激活失败", leaseID).Wrap(lastErr)
}

func (a *ActivationCoordinator) activateOnce(ctx context.Context, leaseID uint) (*ActivationResult, error) {
	result := &ActivationResult{LeaseID: leaseID}

	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lease models.Lease
		if err := lockLease(tx, leaseID, &lease); err != nil {
			return err
		}
		result.Status = lease.Status

		if lease.Status != models.LeaseStatusFullySigned {
			result.Reason = fmt.Sprintf("租约状态为 %s", lease.Status)
			return nil
		}
		if !lease.FullySigned() {
			return apperrors.ErrInvariantViolation.With("租约 %d 状态为 fully_signed 但签名不完整", leaseID)
		}

		satisfied, err := paymentsSatisfied(tx, leaseID)
		if err != nil {
			return err
		}
		if !satisfied {
			result.Reason = "付款尚未完成"
			return nil
		}

		now := a.now().UTC()
		res := tx.Model(&models.Lease{}).
			Where("id = ? AND status = ?", leaseID, models.LeaseStatusFullySigned).
			Updates(map[string]interface{}{
				"status":       models.LeaseStatusActive,
				"activated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("租约 %d 状态已被并发修改", leaseID)
		}

		promoted, err := promoteTenant(tx, lease.TenantID, now)
		if err != nil {
			return err
		}

		event := models.NewLeaseEvent(leaseID, models.EventLeaseActivated,
			models.LeaseStatusFullySigned, models.LeaseStatusActive, nil,
			map[string]interface{}{"tenant_id": lease.TenantID, "role_promoted": promoted})
		if err := tx.Create(event).Error; err != nil {
			return err
		}

		result.Activated = true
		result.RolePromoted = promoted
		result.Status = models.LeaseStatusActive
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// promoteTenant 仅 prospective_tenant 会被提升；已是 tenant 或物业角色时不做修改
func promoteTenant(tx *gorm.DB, userID uint, now time.Time) (bool, error) {
	var user models.User
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, apperrors.ErrInvariantViolation.With("租户账号 %d 不存在", userID)
	}
	if err != nil {
		return false, err
	}

	switch user.Role {
	case models.RoleProspectiveTenant:
		res := tx.Model(&models.User{}).
			Where("id = ? AND role = ?", userID, models.RoleProspectiveTenant).
			Updates(map[string]interface{}{
				"role":         models.RoleTenant,
				"tenant_since": now,
			})
		if res.Error != nil {
			return false, res.Error
		}
		return res.RowsAffected == 1, nil
	case models.RoleTenant, models.RoleManager, models.RoleAdmin:
		return false, nil
	default:
		return false, apperrors.ErrInvariantViolation.With("用户 %d 角色 %q 无效", userID, user.Role)
	}
}

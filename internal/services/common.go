package services

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"rentflow/internal/models"
	apperrors "rentflow/pkg/errors"
	"rentflow/pkg/logger"
	"rentflow/pkg/queue"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EventPublisher 事件发布（Redis队列或测试替身）
type EventPublisher interface {
	Publish(ctx context.Context, msg queue.EventMessage) error
}

// NoopPublisher 丢弃所有事件
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, queue.EventMessage) error { return nil }

// publish 事件投递失败不影响已提交的业务状态，只记录日志
func publish(ctx context.Context, p EventPublisher, msg queue.EventMessage) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, msg); err != nil {
		logger.GetLogger().WithError(err).WithField("event", msg.Type).Warn("事件发布失败")
	}
}

// lockLease 在事务内加行锁读取租约
func lockLease(tx *gorm.DB, leaseID uint, lease *models.Lease) error {
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(lease, leaseID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.ErrLeaseNotFound.With("租约 %d 不存在", leaseID)
	}
	return err
}

// sleepCtx 可被取消的等待
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// truncateRunes 按字符截断，不会切开多字节字符
func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

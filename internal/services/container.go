package services

import (
	"rentflow/pkg/config"
	"rentflow/pkg/paynet"

	"gorm.io/gorm"
)

// Container 服务端与命令行工具共用的服务装配
type Container struct {
	Users     *UserService
	Gate      *PaymentGate
	Activator *ActivationCoordinator
	Leases    *LeaseService
	Executor  *PaymentExecutor
	Sweeper   *ObligationSweeper
}

// NewContainer 按配置装配全部业务服务
func NewContainer(db *gorm.DB, publisher EventPublisher, network paynet.Network, cfg *config.Config) *Container {
	if publisher == nil {
		publisher = NoopPublisher{}
	}

	gate := NewPaymentGate(db)
	activator := NewActivationCoordinator(db, publisher, cfg.Sweep.ActivationMaxRetries)
	leases := NewLeaseService(db, gate, activator, publisher, cfg.Signing.MessageMaxAge, cfg.Payment.MaxTransferAmount)
	executor := NewPaymentExecutor(db, network, activator, publisher, PaymentExecutorConfig{
		MaxTransferAmount: cfg.Payment.MaxTransferAmount,
		PollAttempts:      cfg.Payment.PollAttempts,
		PollInterval:      cfg.Payment.PollInterval,
	})
	sweeper := NewObligationSweeper(db, leases, executor, activator, publisher, SweeperConfig{
		DueDay:           cfg.Obligation.DueDay,
		ReminderLeadDays: cfg.Obligation.ReminderLeadDays,
	})

	return &Container{
		Users:     NewUserService(db),
		Gate:      gate,
		Activator: activator,
		Leases:    leases,
		Executor:  executor,
		Sweeper:   sweeper,
	}
}

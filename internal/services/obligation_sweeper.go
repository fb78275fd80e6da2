package services

import (
	"context"
	"fmt"
	"time"

	"rentflow/internal/models"
	"rentflow/pkg/logger"
	"rentflow/pkg/metrics"
	"rentflow/pkg/queue"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 每次生成覆盖的账期数：当月及之后两个月
const generatePeriodsAhead = 3

// ObligationSweeper 周期性巡检：生成月租、标记逾期、发送提醒、到期处理与激活补偿。
// 各函数无内部状态，可由 cron 或外部定时器调用，重复执行结果一致。
type ObligationSweeper struct {
	db        *gorm.DB
	leases    *LeaseService
	executor  *PaymentExecutor
	activator *ActivationCoordinator
	publisher EventPublisher
	cfg       SweeperConfig
	now       func() time.Time
}

// SweeperConfig 巡检参数
type SweeperConfig struct {
	DueDay           int
	ReminderLeadDays []int
}

// SweepResult 生成结果
type SweepResult struct {
	Created int `json:"created"`
	Errors  int `json:"errors"`
}

// SweepReport 一次完整巡检的汇总
type SweepReport struct {
	Generated     SweepResult `json:"generated"`
	MarkedLate    int         `json:"marked_late"`
	RemindersSent int         `json:"reminders_sent"`
	Expired       int         `json:"expired"`
	Activated     int         `json:"activated"`
	Resumed       int         `json:"resumed"`
	Errors        int         `json:"errors"`
}

func NewObligationSweeper(db *gorm.DB, leases *LeaseService, executor *PaymentExecutor, activator *ActivationCoordinator, publisher EventPublisher, cfg SweeperConfig) *ObligationSweeper {
	if cfg.DueDay < 1 {
		cfg.DueDay = 1
	}
	if cfg.DueDay > 31 {
		cfg.DueDay = 31
	}
	return &ObligationSweeper{
		db:        db,
		leases:    leases,
		executor:  executor,
		activator: activator,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
	}
}

// ========== 月租生成 ==========

// GenerateMonthlyObligations 为每个生效租约补齐当月及之后两个月的租金
func (s *ObligationSweeper) GenerateMonthlyObligations(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.WithLabelValues("generate_monthly").Observe(time.Since(start).Seconds()) }()

	var result SweepResult
	var leases []models.Lease
	if err := s.db.WithContext(ctx).Where("status = ?", models.LeaseStatusActive).Order("id ASC").Find(&leases).Error; err != nil {
		return result, err
	}

	today := models.DateOnly(s.now())
	for i := range leases {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		created, err := s.generateForLease(ctx, &leases[i], today)
		if err != nil {
			result.Errors++
			logger.ForLease(leases[i].ID).WithError(err).Error("生成月租失败，跳过该租约")
			continue
		}
		result.Created += created
	}

	if result.Created > 0 || result.Errors > 0 {
		logger.GetLogger().WithFields(logrus.Fields{
			"created": result.Created,
			"errors":  result.Errors,
		}).Info("月租生成完成")
	}
	return result, nil
}

func (s *ObligationSweeper) generateForLease(ctx context.Context, lease *models.Lease, today time.Time) (int, error) {
	termsStart := models.DateOnly(lease.Terms.StartDate)
	termsEnd := models.DateOnly(lease.Terms.EndDate)

	created := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for offset := 0; offset < generatePeriodsAhead; offset++ {
			due := dueDateFor(today.Year(), today.Month()+time.Month(offset), s.cfg.DueDay)
			if due.Before(termsStart) || due.After(termsEnd) {
				continue
			}
			ob := &models.PaymentObligation{
				LeaseID:   lease.ID,
				TenantID:  lease.TenantID,
				Kind:      models.ObligationRent,
				Period:    models.PeriodKey(due),
				AmountDue: lease.Terms.MonthlyRent,
				Currency:  lease.Terms.Currency,
				DueDate:   due,
				Status:    models.ObligationPending,
			}
			ok, err := ensureObligation(tx, ob)
			if err != nil {
				return fmt.Errorf("账期 %s: %w", ob.Period, err)
			}
			if ok {
				created++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// dueDateFor 到期日超过当月天数时取月末
func dueDateFor(year int, month time.Month, day int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

// ========== 逾期与提醒 ==========

// MarkOverdue 到期日早于今天的未付款项标记为逾期，当天到期的不算逾期
func (s *ObligationSweeper) MarkOverdue(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.WithLabelValues("mark_overdue").Observe(time.Since(start).Seconds()) }()

	today := models.DateOnly(s.now())
	res := s.db.WithContext(ctx).Model(&models.PaymentObligation{}).
		Where("status = ? AND due_date < ?", models.ObligationPending, today).
		Update("status", models.ObligationLate)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		logger.GetLogger().WithField("updated", res.RowsAffected).Info("已标记逾期付款")
	}
	return int(res.RowsAffected), nil
}

// DueReminders 对恰好 daysAhead 天后到期的未付款项发送提醒，每笔每天至多一次
func (s *ObligationSweeper) DueReminders(ctx context.Context, daysAhead int) (int, error) {
	if daysAhead < 0 {
		return 0, fmt.Errorf("提前天数不能为负: %d", daysAhead)
	}

	today := models.DateOnly(s.now())
	target := today.AddDate(0, 0, daysAhead)
	sentOn := today.Format("2006-01-02")

	var obligations []models.PaymentObligation
	err := s.db.WithContext(ctx).
		Where("status = ? AND due_date >= ? AND due_date < ?", models.ObligationPending, target, target.AddDate(0, 0, 1)).
		Order("id ASC").
		Find(&obligations).Error
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range obligations {
		ok, err := s.remind(ctx, &obligations[i], daysAhead, sentOn)
		if err != nil {
			logger.ForLease(obligations[i].LeaseID).WithError(err).
				WithField("obligation_id", obligations[i].ID).Warn("发送付款提醒失败")
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

// remind 先写当日标记再发布，发布失败则回滚标记以便下次重试
func (s *ObligationSweeper) remind(ctx context.Context, ob *models.PaymentObligation, daysAhead int, sentOn string) (bool, error) {
	var sent bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		marker := &models.ObligationReminder{
			ObligationID: ob.ID,
			LeadDays:     daysAhead,
			SentOn:       sentOn,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(marker)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if s.publisher != nil {
			if err := s.publisher.Publish(ctx, queue.EventMessage{
				Type:         models.EventPaymentReminder,
				LeaseID:      ob.LeaseID,
				ObligationID: ob.ID,
				UserID:       ob.TenantID,
				Payload: map[string]interface{}{
					"kind":       ob.Kind,
					"period":     ob.Period,
					"amount_due": ob.AmountDue.String(),
					"due_date":   ob.DueDate.Format("2006-01-02"),
					"days_ahead": daysAhead,
				},
			}); err != nil {
				return err
			}
		}
		sent = true
		return nil
	})
	return sent, err
}

// SendReminders 按配置的每个提前天数发送提醒
func (s *ObligationSweeper) SendReminders(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.WithLabelValues("reminders").Observe(time.Since(start).Seconds()) }()

	total := 0
	for _, days := range s.cfg.ReminderLeadDays {
		sent, err := s.DueReminders(ctx, days)
		if err != nil {
			return total, err
		}
		total += sent
	}
	return total, nil
}

// ========== 租约生命周期 ==========

// ExpireEndedLeases 已过结束日期的生效租约置为到期
func (s *ObligationSweeper) ExpireEndedLeases(ctx context.Context) (int, error) {
	today := models.DateOnly(s.now())

	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.Lease{}).
		Where("status = ? AND terms_end_date <= ?", models.LeaseStatusActive, today).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		if _, err := s.leases.UpdateStatus(ctx, id, models.LeaseStatusExpired, nil); err != nil {
			logger.ForLease(id).WithError(err).Warn("租约到期处理失败")
			continue
		}
		expired++
	}
	return expired, nil
}

// RetryActivations 对所有已签齐的租约重新尝试激活
func (s *ObligationSweeper) RetryActivations(ctx context.Context) (int, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.Lease{}).
		Where("status = ?", models.LeaseStatusFullySigned).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}

	activated := 0
	for _, id := range ids {
		result, err := s.activator.TryActivate(ctx, id)
		if err != nil {
			logger.ForLease(id).WithError(err).Error("巡检激活失败")
			continue
		}
		if result.Activated {
			activated++
		}
	}
	return activated, nil
}

// RunAll 完整巡检，单步失败记录后继续
func (s *ObligationSweeper) RunAll(ctx context.Context) SweepReport {
	start := time.Now()
	defer func() { metrics.SweepDuration.WithLabelValues("all").Observe(time.Since(start).Seconds()) }()

	log := logger.GetLogger()
	var report SweepReport
	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			report.Errors++
			log.WithError(err).WithField("step", name).Error("巡检步骤失败")
		}
	}

	if s.executor != nil {
		step("resume_payments", func() (err error) {
			report.Resumed, err = s.executor.ResumeProcessing(ctx)
			return
		})
	}
	step("retry_activations", func() (err error) {
		report.Activated, err = s.RetryActivations(ctx)
		return
	})
	step("generate_monthly", func() (err error) {
		report.Generated, err = s.GenerateMonthlyObligations(ctx)
		return
	})
	step("mark_overdue", func() (err error) {
		report.MarkedLate, err = s.MarkOverdue(ctx)
		return
	})
	step("reminders", func() (err error) {
		report.RemindersSent, err = s.SendReminders(ctx)
		return
	})
	step("expire_leases", func() (err error) {
		report.Expired, err = s.ExpireEndedLeases(ctx)
		return
	})
	report.Errors += report.Generated.Errors

	log.WithFields(logrus.Fields{
		"generated":      report.Generated.Created,
		"marked_late":    report.MarkedLate,
		"reminders_sent": report.RemindersSent,
		"expired":        report.Expired,
		"activated":      report.Activated,
		"resumed":        report.Resumed,
		"errors":         report.Errors,
		"duration":       time.Since(start).String(),
	}).Info("巡检完成")
	return report
}

package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rentflow/pkg/logger"

	"github.com/robfig/cron/v3"
)

const sweepLockName = "obligation-sweep"

// Locker 跨实例互斥，Redis 队列实现
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, name, token string) error
}

// SweepScheduler 按 cron 表达式执行巡检，多副本部署时由锁保证同一时刻只有一个实例执行
type SweepScheduler struct {
	sweeper *ObligationSweeper
	locker  Locker
	spec    string
	lockTTL time.Duration
	cron    *cron.Cron
	entryID cron.EntryID
	mu      sync.RWMutex
	running bool
	lastRun *SweepReport
}

// NewSweepScheduler 创建巡检调度器，locker 为空时不加锁
func NewSweepScheduler(sweeper *ObligationSweeper, locker Locker, spec string, lockTTL time.Duration) *SweepScheduler {
	if spec == "" {
		spec = "@hourly"
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}
	return &SweepScheduler{
		sweeper: sweeper,
		locker:  locker,
		spec:    spec,
		lockTTL: lockTTL,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start 启动调度器
func (s *SweepScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	entryID, err := s.cron.AddFunc(s.spec, func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			logger.GetLogger().WithError(err).Error("定时巡检失败")
		}
	})
	if err != nil {
		return fmt.Errorf("创建巡检任务失败: %v", err)
	}
	s.entryID = entryID

	s.cron.Start()
	s.running = true

	logger.GetLogger().Infof("巡检调度器启动成功，执行计划: %s", s.spec)
	return nil
}

// Stop 停止调度器并等待进行中的巡检结束
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	logger.GetLogger().Info("停止巡检调度器")
	ctx := s.cron.Stop()
	<-ctx.Done()

	s.cron.Remove(s.entryID)
	s.running = false
}

// RunOnce 获取锁后执行一次完整巡检；未获得锁时返回 nil 报告
func (s *SweepScheduler) RunOnce(ctx context.Context) (*SweepReport, error) {
	log := logger.GetLogger()

	if s.locker != nil {
		token, ok, err := s.locker.AcquireLock(ctx, sweepLockName, s.lockTTL)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Debug("其他实例正在巡检，跳过本次")
			return nil, nil
		}
		defer func() {
			// 释放不使用已可能被取消的 ctx
			if err := s.locker.ReleaseLock(context.Background(), sweepLockName, token); err != nil {
				log.WithError(err).Warn("释放巡检锁失败")
			}
		}()
	}

	report := s.sweeper.RunAll(ctx)

	s.mu.Lock()
	s.lastRun = &report
	s.mu.Unlock()
	return &report, nil
}

// LastReport 最近一次巡检结果
func (s *SweepScheduler) LastReport() *SweepReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

// NextRun 下次执行时间，未启动时为零值
func (s *SweepScheduler) NextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// IsRunning 检查调度器是否运行中
func (s *SweepScheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

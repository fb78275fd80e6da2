package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"rentflow/internal/models"
	apperrors "rentflow/pkg/errors"
	"rentflow/pkg/paynet"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initiate(env *testEnv, obligationID uint) (*InitiateResult, error) {
	return env.executor.InitiateTransfer(context.Background(), InitiateRequest{
		ObligationID: obligationID,
		FromWallet:   "tenant-wallet",
		ToAddress:    "landlord-wallet",
	})
}

func TestActivationScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	lease := env.signedLease(t)
	require.Equal(t, models.LeaseStatusFullySigned, lease.Status)

	// 押金结算后租金仍未付
	deposit := env.pay(t, env.obligation(t, lease.ID, models.ObligationSecurityDeposit))
	assert.Equal(t, models.ObligationCompleted, deposit.Status)
	assert.False(t, deposit.Activated)
	require.NotNil(t, deposit.TransactionReference)

	satisfied, err := env.gate.Satisfied(ctx, lease.ID)
	require.NoError(t, err)
	assert.False(t, satisfied)
	assert.Equal(t, models.LeaseStatusFullySigned, env.reloadLease(t, lease.ID).Status)
	assert.Equal(t, models.RoleProspectiveTenant, env.reloadUser(t, env.tenant.ID).Role)

	rent := env.pay(t, env.obligation(t, lease.ID, models.ObligationRent))
	assert.Equal(t, models.ObligationCompleted, rent.Status)
	assert.True(t, rent.Activated)

	activated := env.reloadLease(t, lease.ID)
	assert.Equal(t, models.LeaseStatusActive, activated.Status)
	assert.NotNil(t, activated.ActivatedAt)

	user := env.reloadUser(t, env.tenant.ID)
	assert.Equal(t, models.RoleTenant, user.Role)
	assert.NotNil(t, user.TenantSince)

	assert.Len(t, env.publisher.ofType(models.EventLeaseActivated), 1)
	assert.Len(t, env.publisher.ofType(models.EventPaymentSettled), 2)
}

func TestInitiateReturnsProcessingWithoutWaiting(t *testing.T) {
	env := newTestEnv(t)
	lease := env.signedLease(t)
	ob := env.obligation(t, lease.ID, models.ObligationSecurityDeposit)

	result, err := initiate(env, ob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ObligationProcessing, result.Status)
	assert.NotEmpty(t, result.ProvisionalRef)

	var stored models.PaymentObligation
	require.NoError(t, env.db.First(&stored, ob.ID).Error)
	assert.Equal(t, models.ObligationProcessing, stored.Status)
	require.NotNil(t, stored.TransferRef)
	assert.Equal(t, result.ProvisionalRef, *stored.TransferRef)

	env.network.mu.Lock()
	req := env.network.submits[0]
	env.network.mu.Unlock()
	assert.True(t, req.Amount.Equal(decimal.NewFromInt(2000)))
	assert.Equal(t, "obligation-1-attempt-1", req.IdempotencyKey)
	assert.Equal(t, lease.ID, req.Metadata.LeaseID)
}

func TestConcurrentInitiateSubmitsOnce(t *testing.T) {
	env := newTestEnv(t)
	lease := env.signedLease(t)
	ob := env.obligation(t, lease.ID, models.ObligationRent)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = initiate(env, ob.ID)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, env.network.submitCount())
	succeeded, settled := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, apperrors.ErrObligationAlreadySettled):
			settled++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, settled)
}

func TestInitiateOnSettledObligation(t *testing.T) {
	env := newTestEnv(t)
	lease := env.signedLease(t)
	ob := env.obligation(t, lease.ID, models.ObligationSecurityDeposit)
	env.pay(t, ob)
	submitted := env.network.submitCount()

	result, err := initiate(env, ob.ID)
	assert.True(t, errors.Is(err, apperrors.ErrObligationAlreadySettled))
	require.NotNil(t, result)
	assert.Equal(t, models.ObligationCompleted, result.Status)
	assert.Equal(t, submitted, env.network.submitCount())
}

func TestInitiateUnknownObligation(t *testing.T) {
	env := newTestEnv(t)
	_, err := initiate(env, 999)
	assert.True(t, errors.Is(err, apperrors.ErrObligationNotFound))
}

func TestMaxTransferAmountBoundary(t *testing.T) {
	env := newTestEnv(t)
	limit := decimal.NewFromInt(10000)

	assert.NoError(t, env.executor.ValidateAmount(limit))
	assert.True(t, errors.Is(env.executor.ValidateAmount(limit.Add(decimal.New(1, -6))), apperrors.ErrInvalidAmount))
	assert.True(t, errors.Is(env.executor.ValidateAmount(decimal.Zero), apperrors.ErrInvalidAmount))

	// 超出上限的付款义务不会被提交
	lease := env.signedLease(t)
	ob := env.obligation(t, lease.ID, models.ObligationRent)
	require.NoError(t, env.db.Exec("UPDATE payment_obligations SET amount_due = ? WHERE id = ?", "10000.000001", ob.ID).Error)

	_, err := initiate(env, ob.ID)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidAmount))
	assert.Zero(t, env.network.submitCount())
}

func TestInitiateTransportErrorReleasesClaim(t *testing.T) {
	env := newTestEnv(t)
	lease := env.signedLease(t)
	ob := env.obligation(t, lease.ID, models.ObligationRent)
	env.network.submitErr = &paynet.UnavailableError{Err: errors.New("connection reset")}

	_, err := initiate(env, ob.ID)
	assert.True(t, errors.Is(err, apperrors.ErrExternalProvider))

	var stored models.PaymentObligation
	require.NoError(t, env.db.First(&stored, ob.ID).Error)
	assert.Equal(t, models.ObligationPending, stored.Status)
	assert.Zero(t, stored.AttemptCount)

	// 重试沿用同一幂等键
	env.network.submitErr = nil
	_, err = initiate(env, ob.ID)
	require.NoError(t, err)
	env.network.mu.Lock()
	defer env.network.mu.Unlock()
	require.Len(t, env.network.submits, 2)
	assert.Equal(t, env.network.submits[0].IdempotencyKey, env.network.submits[1].IdempotencyKey)
}

func TestInitiateTransportErrorPastDueReleasesToLate(t *testing.T) {
	env := newTestEnv(t)
	lease := env.signedLease(t)
	ob := env.obligation(t, lease.ID, models.ObligationRent)
	env.now = time.Date(2026, 11, 5, 9, 0, 0, 0, time.UTC)
	env.network.submitErr = &paynet.UnavailableError{Err: errors.New("timeout")}

	_, err := initiate(env, ob.ID)
	require.Error(t, err)

	var stored models.PaymentObligation
	require.NoError(t, env.db.First(&stored, ob.ID).Error)
	assert.Equal(t, models.ObligationLate, stored.Status)
}

func TestInitiateRejectedMarksFailed(t *testing.T) {
	env := newTestEnv(t)
	lease := env.signedLease(t)
	ob := env.obligation(t, lease.ID, models.ObligationRent)
	env.network.submitErr = &paynet.RejectionError{StatusCode: 422, Reason: "wallet frozen"}

	_, err := initiate(env, ob.ID)
	assert.True(t, errors.Is(err, apperrors.ErrExternalProvider))

	var stored models.PaymentObligation
	require.NoError(t, env.db.First(&stored, ob.ID).Error)
	assert.Equal(t, models.ObligationFailed, stored.Status)
	assert.Equal(t, "wallet frozen", stored.FailureReason)
	assert.Equal(t, 1, stored.AttemptCount)
	assert.Len(t, env.publisher.ofType(models.EventPaymentFailed), 1)

	// 失败后可以重新发起，使用新的幂等键
	env.network.submitErr = nil
	_, err = initiate(env, ob.ID)
	require.NoError(t, err)
	env.network.mu.Lock()
	defer env.network.mu.Unlock()
	assert.Equal(t, "obligation-2-attempt-2", env.network.submits[1].IdempotencyKey)
}

func TestRejectionReasonTruncatedOnCharacterBoundary(t *testing.T) {
	env := newTestEnv(t)
	lease := env.signedLease(t)
	ob := env.obligation(t, lease.ID, models.ObligationRent)
	// 前导单字节字符让字节截断点落在多字节字符中间
	env.network.submitErr = &paynet.RejectionError{StatusCode: 422, Reason: "x" + strings.Repeat("余额不足", 100)}

	_, err := initiate(env, ob.ID)
	assert.True(t, errors.Is(err, apperrors.ErrExternalProvider))

	var stored models.PaymentObligation
	require.NoError(t, env.db.First(&stored, ob.ID).Error)
	assert.Equal(t, models.ObligationFailed, stored.Status)
	assert.True(t, utf8.ValidString(stored.FailureReason))
	assert.Equal(t, 255, utf8.RuneCountInString(stored.FailureReason))
	assert.True(t, strings.HasPrefix(stored.FailureReason, "x余额不足"))
}

func TestPollCompletedWithoutHashKeepsProcessing(t *testing.T) {
	env := newTestEnv(t)
	lease := env.signedLease(t)
	ob := env.obligation(t, lease.ID, models.ObligationSecurityDeposit)
	initiated, err := initiate(env, ob.ID)
	require.NoError(t, err)
	env.network.settle(initiated.ProvisionalRef, paynet.StateCompleted, "")

	result, err := env.executor.PollForSettlement(context.Background(), ob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ObligationProcessing, result.Status)
	assert.Nil(t, result.TransactionReference)

	var stored models.PaymentObligation
	require.NoError(t, env.db.First(&stored, ob.ID).Error)
	assert.Equal(t, models.ObligationProcessing, stored.Status)
	assert.Nil(t, stored.TransactionReference)
	assert.Empty(t, env.publisher.ofType(models.EventPaymentSettled))

	// 哈希到达后正常结算
	env.network.settle(initiated.ProvisionalRef, paynet.StateCompleted, "0xabc")
	result, err = env.executor.PollForSettlement(context.Background(), ob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ObligationCompleted, result.Status)
	require.NotNil(t, result.TransactionReference)
	assert.Equal(t, "0xabc", *result.TransactionReference)
}

func TestPollExhaustedLeavesProcessing(t *testing.T) {
	env := newTestEnv(t)
	lease := env.signedLease(t)
	ob := env.obligation(t, lease.ID, models.ObligationRent)
	_, err := initiate(env, ob.ID)
	require.NoError(t, err)

	result, err := env.executor.PollForSettlement(context.Background(), ob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ObligationProcessing, result.Status)
	assert.Equal(t, 3, result.Attempts)

	var stored models.PaymentObligation
	require.NoError(t, env.db.First(&stored, ob.ID).Error)
	assert.Equal(t, models.ObligationProcessing, stored.Status)
}

func TestPollNetworkErrorsNeverFail(t *testing.T) {
	env := newTestEnv(t)
	lease := env.signedLease(t)
	ob := env.obligation(t, lease.ID, models.ObligationRent)
	_, err := initiate(env, ob.ID)
	require.NoError(t, err)
	env.network.getErr = &paynet.UnavailableError{Err: errors.New("503")}

	result, err := env.executor.PollForSettlement(context.Background(), ob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ObligationProcessing, result.Status)
}

func TestPollFailedTransfer(t *testing.T) {
	env := newTestEnv(t)
	lease := env.signedLease(t)
	ob := env.obligation(t, lease.ID, models.ObligationRent)
	initiated, err := initiate(env, ob.ID)
	require.NoError(t, err)
	env.network.settle(initiated.ProvisionalRef, paynet.StateFailed, "")

	result, err := env.executor.PollForSettlement(context.Background(), ob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ObligationFailed, result.Status)
	assert.Equal(t, models.LeaseStatusFullySigned, env.reloadLease(t, lease.ID).Status)
}

func TestPollReturnsStoredTerminalState(t *testing.T) {
	env := newTestEnv(t)
	lease := env.signedLease(t)
	ob := env.obligation(t, lease.ID, models.ObligationSecurityDeposit)
	env.pay(t, ob)
	gets := env.network.gets

	result, err := env.executor.PollForSettlement(context.Background(), ob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ObligationCompleted, result.Status)
	assert.Equal(t, gets, env.network.gets)

	pending := env.obligation(t, lease.ID, models.ObligationRent)
	_, err = env.executor.PollForSettlement(context.Background(), pending.ID)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}

func TestResumeProcessing(t *testing.T) {
	env := newTestEnv(t)
	lease := env.signedLease(t)
	ctx := context.Background()

	deposit := env.obligation(t, lease.ID, models.ObligationSecurityDeposit)
	rent := env.obligation(t, lease.ID, models.ObligationRent)
	depositRef, err := initiate(env, deposit.ID)
	require.NoError(t, err)
	rentRef, err := initiate(env, rent.ID)
	require.NoError(t, err)

	env.network.settle(depositRef.ProvisionalRef, paynet.StateCompleted, "0xdeposit")
	resolved, err := env.executor.ResumeProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, models.LeaseStatusFullySigned, env.reloadLease(t, lease.ID).Status)

	env.network.settle(rentRef.ProvisionalRef, paynet.StateCompleted, "0xrent")
	resolved, err = env.executor.ResumeProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, models.LeaseStatusActive, env.reloadLease(t, lease.ID).Status)
}

func TestResumeProcessingReleasesStaleClaims(t *testing.T) {
	env := newTestEnv(t)
	lease := env.signedLease(t)
	ob := env.obligation(t, lease.ID, models.ObligationRent)

	// 模拟提交途中进程退出：处理中但没有转账ID
	require.NoError(t, env.db.Model(&models.PaymentObligation{}).Where("id = ?", ob.ID).
		UpdateColumns(map[string]interface{}{
			"status":     models.ObligationProcessing,
			"updated_at": env.now.Add(-time.Hour),
		}).Error)

	_, err := env.executor.ResumeProcessing(context.Background())
	require.NoError(t, err)

	var stored models.PaymentObligation
	require.NoError(t, env.db.First(&stored, ob.ID).Error)
	assert.Equal(t, models.ObligationPending, stored.Status)
}

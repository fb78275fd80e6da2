package services

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"rentflow/internal/database"
	"rentflow/internal/models"
	"rentflow/pkg/paynet"
	"rentflow/pkg/queue"
	"rentflow/pkg/wallet"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.MigrateDB(db))
	return db
}

// fakeNetwork 内存支付网络，同一幂等键返回同一笔转账
type fakeNetwork struct {
	mu        sync.Mutex
	submits   []paynet.TransferRequest
	byKey     map[string]string
	transfers map[string]*paynet.Transfer
	submitErr error
	getErr    error
	gets      int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		byKey:     map[string]string{},
		transfers: map[string]*paynet.Transfer{},
	}
}

func (n *fakeNetwork) SubmitTransfer(_ context.Context, req paynet.TransferRequest) (*paynet.Transfer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.submits = append(n.submits, req)
	if n.submitErr != nil {
		return nil, n.submitErr
	}
	if ref, ok := n.byKey[req.IdempotencyKey]; ok {
		copied := *n.transfers[ref]
		return &copied, nil
	}
	ref := fmt.Sprintf("tr_%d", len(n.transfers)+1)
	n.byKey[req.IdempotencyKey] = ref
	n.transfers[ref] = &paynet.Transfer{Ref: ref, State: paynet.StatePending}
	copied := *n.transfers[ref]
	return &copied, nil
}

func (n *fakeNetwork) GetTransfer(_ context.Context, ref string) (*paynet.Transfer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gets++
	if n.getErr != nil {
		return nil, n.getErr
	}
	tr, ok := n.transfers[ref]
	if !ok {
		return nil, &paynet.RejectionError{StatusCode: 404, Reason: "unknown transfer"}
	}
	copied := *tr
	return &copied, nil
}

func (n *fakeNetwork) settle(ref string, state paynet.TransferState, txHash string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transfers[ref].State = state
	n.transfers[ref].TxHash = txHash
	if state != paynet.StateCompleted {
		n.transfers[ref].Reason = "insufficient funds"
	}
}

func (n *fakeNetwork) submitCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.submits)
}

// recordingPublisher 记录发布的事件
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []queue.EventMessage
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, msg queue.EventMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) ofType(eventType string) []queue.EventMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []queue.EventMessage
	for _, m := range p.msgs {
		if m.Type == eventType {
			out = append(out, m)
		}
	}
	return out
}

type testEnv struct {
	db        *gorm.DB
	network   *fakeNetwork
	publisher *recordingPublisher
	gate      *PaymentGate
	activator *ActivationCoordinator
	leases    *LeaseService
	executor  *PaymentExecutor
	sweeper   *ObligationSweeper
	manager   *models.User
	tenant    *models.User
	now       time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	env := &testEnv{
		db:        db,
		network:   newFakeNetwork(),
		publisher: &recordingPublisher{},
		now:       testNow,
	}
	clock := func() time.Time { return env.now }

	env.gate = NewPaymentGate(db)
	env.activator = NewActivationCoordinator(db, env.publisher, 2)
	env.activator.backoff = time.Millisecond
	env.activator.now = clock
	env.leases = NewLeaseService(db, env.gate, env.activator, env.publisher, 15*time.Minute, decimal.NewFromInt(10000))
	env.leases.now = clock
	env.executor = NewPaymentExecutor(db, env.network, env.activator, env.publisher, PaymentExecutorConfig{
		MaxTransferAmount: decimal.NewFromInt(10000),
		PollAttempts:      3,
		PollInterval:      time.Millisecond,
	})
	env.executor.now = clock
	env.sweeper = NewObligationSweeper(db, env.leases, env.executor, env.activator, env.publisher, SweeperConfig{
		DueDay:           1,
		ReminderLeadDays: []int{1, 3},
	})
	env.sweeper.now = clock

	env.manager = env.createUser(t, "manager", models.RoleManager)
	env.tenant = env.createUser(t, "tenant", models.RoleProspectiveTenant)
	return env
}

func (env *testEnv) createUser(t *testing.T, username string, role models.UserRole) *models.User {
	t.Helper()
	user := &models.User{Username: username, Email: username + "@example.com", Name: username, Role: role}
	require.NoError(t, env.db.Create(user).Error)
	return user
}

func (env *testEnv) createLease(t *testing.T) *models.Lease {
	t.Helper()
	lease, err := env.leases.CreateLease(context.Background(), CreateLeaseRequest{
		PropertyID:      42,
		TenantID:        env.tenant.ID,
		ManagerID:       env.manager.ID,
		MonthlyRent:     decimal.NewFromInt(1500),
		SecurityDeposit: decimal.NewFromInt(2000),
		StartDate:       time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC),
		EndDate:         time.Date(2027, 10, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return lease
}

type signer struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &signer{pub: pub, priv: priv}
}

func (s *signer) request(leaseID uint, role wallet.Role, at time.Time) SignRequest {
	msg := wallet.BuildMessage(role, leaseID, at)
	return SignRequest{
		LeaseID:         leaseID,
		Role:            role,
		WalletID:        wallet.EncodeWalletID(s.pub),
		SignatureBase64: base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, []byte(msg))),
		Message:         msg,
	}
}

func (env *testEnv) sign(t *testing.T, s *signer, leaseID uint, role wallet.Role) *models.Lease {
	t.Helper()
	lease, err := env.leases.RecordSignature(context.Background(), s.request(leaseID, role, env.now))
	require.NoError(t, err)
	return lease
}

// signedLease 双方签署完成的租约
func (env *testEnv) signedLease(t *testing.T) *models.Lease {
	t.Helper()
	lease := env.createLease(t)
	env.sign(t, newSigner(t), lease.ID, wallet.RoleLandlord)
	return env.sign(t, newSigner(t), lease.ID, wallet.RoleTenant)
}

func (env *testEnv) obligation(t *testing.T, leaseID uint, kind models.ObligationKind) *models.PaymentObligation {
	t.Helper()
	var ob models.PaymentObligation
	require.NoError(t, env.db.Where("lease_id = ? AND kind = ?", leaseID, kind).Order("due_date ASC").First(&ob).Error)
	return &ob
}

// pay 发起转账并在网络侧确认后轮询结算
func (env *testEnv) pay(t *testing.T, ob *models.PaymentObligation) *SettlementResult {
	t.Helper()
	ctx := context.Background()
	initiated, err := env.executor.InitiateTransfer(ctx, InitiateRequest{
		ObligationID: ob.ID,
		FromWallet:   "tenant-wallet",
		ToAddress:    "landlord-wallet",
	})
	require.NoError(t, err)
	env.network.settle(initiated.ProvisionalRef, paynet.StateCompleted, "0xhash-"+initiated.ProvisionalRef)

	result, err := env.executor.PollForSettlement(ctx, ob.ID)
	require.NoError(t, err)
	return result
}

func (env *testEnv) reloadLease(t *testing.T, id uint) *models.Lease {
	t.Helper()
	var lease models.Lease
	require.NoError(t, env.db.First(&lease, id).Error)
	return &lease
}

func (env *testEnv) reloadUser(t *testing.T, id uint) *models.User {
	t.Helper()
	var user models.User
	require.NoError(t, env.db.First(&user, id).Error)
	return &user
}

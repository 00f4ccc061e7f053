package sweeper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/subcatalog/backend/internal/billing"
	"github.com/PortNumber53/subcatalog/backend/internal/clock"
	"github.com/PortNumber53/subcatalog/backend/internal/gateway"
	"github.com/PortNumber53/subcatalog/backend/internal/logger"
	"github.com/PortNumber53/subcatalog/backend/internal/models"
	"github.com/PortNumber53/subcatalog/backend/internal/store/memstore"
)

type stubGateway struct {
	mu       sync.Mutex
	statuses map[string]models.PaymentStatus
	queried  []string
}

func (g *stubGateway) InitiateCheckout(ctx context.Context, req gateway.CheckoutRequest) (*gateway.Checkout, error) {
	return &gateway.Checkout{RedirectURL: "https://checkout.example.com/" + req.TrackingID}, nil
}

func (g *stubGateway) QueryStatus(ctx context.Context, trackingID string) (models.PaymentStatus, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queried = append(g.queried, trackingID)
	s, ok := g.statuses[trackingID]
	return s, ok
}

func (g *stubGateway) set(id uuid.UUID, s models.PaymentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[id.String()] = s
}

type env struct {
	store   *memstore.Store
	gateway *stubGateway
	clock   *clock.Mock
	manager *billing.Manager
	ledger  *billing.Ledger
	plan    models.Plan
}

var t0 = time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC)

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:   memstore.New(),
		gateway: &stubGateway{statuses: map[string]models.PaymentStatus{}},
		clock:   clock.NewMock(t0),
		plan: models.Plan{
			ID:       uuid.New(),
			Name:     "Pro",
			Price:    decimal.RequireFromString("9.90"),
			Currency: "BYN",
			Period:   models.PeriodMonthly,
			IsActive: true,
		},
	}
	e.store.SetClock(e.clock)
	e.store.PutPlan(e.plan)
	e.manager = billing.NewManager(e.store, e.gateway, e.clock, logger.Discard(), billing.ManagerConfig{DefaultCurrency: "BYN"})
	e.ledger = billing.NewLedger(e.store, e.clock, logger.Discard())
	return e
}

func (e *env) subscribe(t *testing.T) *billing.SubscribeResult {
	t.Helper()
	res, err := e.manager.Subscribe(context.Background(), uuid.New(), e.plan.ID, "buyer@example.com")
	require.NoError(t, err)
	require.NotNil(t, res.Payment)
	return res
}

func (e *env) stuck() *StuckPayments {
	return NewStuckPayments(e.store, e.gateway, e.ledger, e.clock, logger.Discard(), 15*time.Minute, 10)
}

func TestStuckPaymentsResolvesFromGateway(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	paid := e.subscribe(t)
	declined := e.subscribe(t)
	unknown := e.subscribe(t)
	e.gateway.set(paid.Payment.ID, models.PaymentCompleted)
	e.gateway.set(declined.Payment.ID, models.PaymentFailed)

	e.clock.Advance(20 * time.Minute)
	fresh := e.subscribe(t)

	rep, err := e.stuck().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 3, Resolved: 2, Skipped: 1}, rep)
	assert.NotContains(t, e.gateway.queried, fresh.Payment.ID.String())

	p, err := e.store.GetPayment(ctx, paid.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, p.Status)
	sub, err := e.store.GetUserSubscription(ctx, paid.Subscription.ID)
	require.NoError(t, err)
	assert.True(t, sub.IsActive)

	p, err = e.store.GetPayment(ctx, declined.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, p.Status)
	sub, err = e.store.GetUserSubscription(ctx, declined.Subscription.ID)
	require.NoError(t, err)
	assert.False(t, sub.IsActive)

	p, err = e.store.GetPayment(ctx, unknown.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, p.Status)

	completed := e.store.JobsOfType(models.JobPaymentCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, billing.SourceSweeper, completed[0].Payload.String("source"))
}

func TestStuckPaymentsSkipsAlreadyResolvedByWebhook(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res := e.subscribe(t)
	e.gateway.set(res.Payment.ID, models.PaymentCompleted)
	e.clock.Advance(time.Hour)

	sweep := NewStuckPayments(e.store, e.gateway, resolverFunc(func(ctx context.Context, r billing.Resolution) (bool, error) {
		// the webhook lands between listing and resolving
		_, err := e.ledger.Resolve(ctx, billing.Resolution{PaymentID: r.PaymentID, Status: r.Status, Source: billing.SourceWebhook})
		require.NoError(t, err)
		return e.ledger.Resolve(ctx, r)
	}), e.clock, logger.Discard(), 15*time.Minute, 10)

	rep, err := sweep.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Resolved)
	assert.Equal(t, 1, rep.Skipped)
	assert.Len(t, e.store.JobsOfType(models.JobPaymentCompleted), 1)
}

type resolverFunc func(ctx context.Context, r billing.Resolution) (bool, error)

func (f resolverFunc) Resolve(ctx context.Context, r billing.Resolution) (bool, error) {
	return f(ctx, r)
}

func TestStuckPaymentsCountsErrorsWithoutAborting(t *testing.T) {
	e := newEnv(t)
	first := e.subscribe(t)
	second := e.subscribe(t)
	e.gateway.set(first.Payment.ID, models.PaymentCompleted)
	e.gateway.set(second.Payment.ID, models.PaymentCompleted)
	e.clock.Advance(time.Hour)

	calls := 0
	sweep := NewStuckPayments(e.store, e.gateway, resolverFunc(func(ctx context.Context, r billing.Resolution) (bool, error) {
		calls++
		if calls == 1 {
			return false, errors.New("database unavailable")
		}
		return e.ledger.Resolve(ctx, r)
	}), e.clock, logger.Discard(), 15*time.Minute, 10)

	rep, err := sweep.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Scanned)
	assert.Equal(t, 1, rep.Errors)
	assert.Equal(t, 1, rep.Resolved)
}

func TestStuckPaymentsRotatesPastUnanswerablePayments(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		e.subscribe(t)
		e.clock.Advance(time.Second)
	}
	paid := e.subscribe(t)
	e.gateway.set(paid.Payment.ID, models.PaymentCompleted)
	e.clock.Advance(20 * time.Minute)

	sweep := e.stuck()
	rep, err := sweep.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 10, Skipped: 10}, rep)

	e.clock.Advance(time.Minute)
	rep, err = sweep.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Resolved)

	p, err := e.store.GetPayment(ctx, paid.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, p.Status)
}

func TestExpirationsRollsForwardAndExpires(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	renewing := models.UserSubscription{
		ID:              uuid.New(),
		UserID:          uuid.New(),
		SubscriptionID:  e.plan.ID,
		StartDate:       t0,
		NextBillingDate: t0.AddDate(0, 1, 0),
		IsActive:        true,
	}
	cancelledAt := t0.AddDate(0, 0, 3)
	validUntil := t0.AddDate(0, 1, 0)
	ending := models.UserSubscription{
		ID:              uuid.New(),
		UserID:          uuid.New(),
		SubscriptionID:  e.plan.ID,
		StartDate:       t0,
		NextBillingDate: validUntil,
		CancelledAt:     &cancelledAt,
		ValidUntil:      &validUntil,
		IsActive:        true,
	}
	e.store.PutUserSubscription(renewing)
	e.store.PutUserSubscription(ending)

	sweep := NewExpirations(e.store, e.manager, e.clock, logger.Discard(), 10)

	rep, err := sweep.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)

	// 2024-01-31 + 1 month normalises to 2024-03-02; three months later we are past it.
	e.clock.Set(time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC))
	rep, err = sweep.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Resolved)

	got, err := e.store.GetUserSubscription(ctx, renewing.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.True(t, got.NextBillingDate.After(e.clock.Now()))

	got, err = e.store.GetUserSubscription(ctx, ending.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	require.NotNil(t, got.ExpiredAt)
	assert.Len(t, e.store.JobsOfType(models.JobSubscriptionExpired), 1)

	rep, err = sweep.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Scanned)
}

func TestJobCleanupPrunesFinishedJobs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	done := models.NewNotificationJob(models.JobPaymentCompleted, models.JSONB{"payment_id": "p-1"})
	require.NoError(t, e.store.EnqueueJob(ctx, done))
	claimed, err := e.store.ClaimNextJob(ctx, "worker-1")
	require.NoError(t, err)
	require.Equal(t, done.ID, claimed.ID)
	require.NoError(t, e.store.MarkCompleted(ctx, done.ID))
	require.NoError(t, e.store.EnqueueJob(ctx, models.NewNotificationJob(models.JobPaymentFailed, nil)))

	cleanup := NewJobCleanup(e.store, 24*time.Hour, logger.Discard())

	rep, err := cleanup.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Resolved)

	e.clock.Advance(48 * time.Hour)
	rep, err = cleanup.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Resolved)
	assert.Len(t, e.store.Jobs(), 1)
}

type countingRunner struct {
	runs atomic.Int32
}

func (c *countingRunner) RunOnce(ctx context.Context) (Report, error) {
	c.runs.Add(1)
	return Report{}, nil
}

func TestSchedulerSkipsTickWhenLeaseHeld(t *testing.T) {
	locker := NewLocalLocker()
	s := NewScheduler(locker, time.Minute, logger.Discard())
	r := &countingRunner{}

	lease, ok, err := locker.TryLock(context.Background(), "sweeper:stuck", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	s.runTask("stuck", r)
	assert.Equal(t, int32(0), r.runs.Load())

	lease.Release()
	s.runTask("stuck", r)
	assert.Equal(t, int32(1), r.runs.Load())

	_, ok, err = locker.TryLock(context.Background(), "sweeper:stuck", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lease must be released after the task")
}

func TestSchedulerRunsTasksUntilCancelled(t *testing.T) {
	s := NewScheduler(nil, 0, logger.Discard())
	r := &countingRunner{}
	require.NoError(t, s.Add("tick", time.Second, r))
	require.Error(t, s.Add("broken", 0, r))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return r.runs.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

type fakeLease struct {
	extends atomic.Int32
	lost    atomic.Bool
}

func (l *fakeLease) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	l.extends.Add(1)
	return !l.lost.Load(), nil
}

func (l *fakeLease) Release() {}

type fakeLocker struct{ lease *fakeLease }

func (f fakeLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	return f.lease, true, nil
}

type blockingRunner func(ctx context.Context) (Report, error)

func (b blockingRunner) RunOnce(ctx context.Context) (Report, error) { return b(ctx) }

func TestSchedulerExtendsLeaseDuringLongRun(t *testing.T) {
	lease := &fakeLease{}
	s := NewScheduler(fakeLocker{lease}, 30*time.Millisecond, logger.Discard())

	s.runTask("stuck", blockingRunner(func(ctx context.Context) (Report, error) {
		require.Eventually(t, func() bool { return lease.extends.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
		return Report{}, nil
	}))
	assert.GreaterOrEqual(t, lease.extends.Load(), int32(3))
}

func TestSchedulerStopsRunWhenLeaseLost(t *testing.T) {
	lease := &fakeLease{}
	lease.lost.Store(true)
	s := NewScheduler(fakeLocker{lease}, 30*time.Millisecond, logger.Discard())

	var cancelled atomic.Bool
	s.runTask("stuck", blockingRunner(func(ctx context.Context) (Report, error) {
		select {
		case <-ctx.Done():
			cancelled.Store(true)
		case <-time.After(2 * time.Second):
		}
		return Report{}, ctx.Err()
	}))
	assert.True(t, cancelled.Load())
}

// Package memstore is an in-memory implementation of the billing, auth and
// outbox persistence contracts. Transactions serialise on a single mutex and
// roll back by discarding a copy of the data.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PortNumber53/subcatalog/backend/internal/billing"
	"github.com/PortNumber53/subcatalog/backend/internal/clock"
	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

// Store is safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	data  *data
	clock clock.Clock
}

type data struct {
	plans         map[uuid.UUID]models.Plan
	subscriptions map[uuid.UUID]models.UserSubscription
	payments      map[uuid.UUID]models.Payment
	checked       map[uuid.UUID]time.Time
	users         map[uuid.UUID]models.User
	tokens        map[string]models.RefreshToken
	jobs          []models.Job
	nextJobID     int64
	failures      map[string]error
}

func New() *Store {
	return &Store{clock: clock.Real{}, data: &data{
		plans:         map[uuid.UUID]models.Plan{},
		subscriptions: map[uuid.UUID]models.UserSubscription{},
		payments:      map[uuid.UUID]models.Payment{},
		checked:       map[uuid.UUID]time.Time{},
		users:         map[uuid.UUID]models.User{},
		tokens:        map[string]models.RefreshToken{},
		failures:      map[string]error{},
	}}
}

// SetClock replaces the time source used for outbox timestamps.
func (s *Store) SetClock(c clock.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = c
}

func (d *data) clone() *data {
	c := &data{
		plans:         make(map[uuid.UUID]models.Plan, len(d.plans)),
		subscriptions: make(map[uuid.UUID]models.UserSubscription, len(d.subscriptions)),
		payments:      make(map[uuid.UUID]models.Payment, len(d.payments)),
		checked:       make(map[uuid.UUID]time.Time, len(d.checked)),
		users:         make(map[uuid.UUID]models.User, len(d.users)),
		tokens:        make(map[string]models.RefreshToken, len(d.tokens)),
		jobs:          append([]models.Job(nil), d.jobs...),
		nextJobID:     d.nextJobID,
		failures:      d.failures,
	}
	for k, v := range d.plans {
		c.plans[k] = v
	}
	for k, v := range d.subscriptions {
		c.subscriptions[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	for k, v := range d.checked {
		c.checked[k] = v
	}
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.tokens {
		c.tokens[k] = v
	}
	return c
}

// FailOn makes the named operation (e.g. "EnqueueJob") return err until
// cleared with a nil err.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.data.failures, op)
		return
	}
	s.data.failures[op] = err
}

func (d *data) fail(op string) error {
	if err, ok := d.failures[op]; ok {
		return fmt.Errorf("memstore: %s: %w", op, err)
	}
	return nil
}

// InTx runs fn against a private copy that replaces the live data only when
// fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(q billing.Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(&tx{d: work, clock: s.clock}); err != nil {
		return err
	}
	s.data = work
	return nil
}

// locked runs fn on the live data under the mutex.
func (s *Store) locked(fn func(d *data) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data)
}

// PutPlan seeds a catalog plan.
func (s *Store) PutPlan(p models.Plan) {
	_ = s.locked(func(d *data) error { d.plans[p.ID] = p; return nil })
}

// PutUser seeds a user.
func (s *Store) PutUser(u models.User) {
	_ = s.locked(func(d *data) error { d.users[u.ID] = u; return nil })
}

// PutUserSubscription overwrites or inserts a subscription row as-is.
func (s *Store) PutUserSubscription(sub models.UserSubscription) {
	_ = s.locked(func(d *data) error { d.subscriptions[sub.ID] = sub; return nil })
}

// PutPayment overwrites or inserts a payment row as-is.
func (s *Store) PutPayment(p models.Payment) {
	_ = s.locked(func(d *data) error { d.payments[p.ID] = p; return nil })
}

// Jobs returns a copy of the outbox, oldest first.
func (s *Store) Jobs() []models.Job {
	var out []models.Job
	_ = s.locked(func(d *data) error { out = append(out, d.jobs...); return nil })
	return out
}

// JobsOfType returns outbox jobs with the given type.
func (s *Store) JobsOfType(jobType string) []models.Job {
	var out []models.Job
	for _, j := range s.Jobs() {
		if j.JobType == jobType {
			out = append(out, j)
		}
	}
	return out
}

// RefreshTokens returns every stored token row for userID.
func (s *Store) RefreshTokens(userID uuid.UUID) []models.RefreshToken {
	var out []models.RefreshToken
	_ = s.locked(func(d *data) error {
		for _, t := range d.tokens {
			if t.UserID == userID {
				out = append(out, t)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

var (
	_ billing.Repository = (*Store)(nil)
	_ billing.Queries    = (*tx)(nil)
)

// tx exposes data through billing.Queries without locking; InTx holds the lock.
type tx struct {
	d     *data
	clock clock.Clock
}

// The live Store implements the same methods by locking and delegating.

func (s *Store) GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	var out *models.Plan
	err := s.locked(func(d *data) (err error) { out, err = d.getPlan(id); return })
	return out, err
}

func (t *tx) GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	return t.d.getPlan(id)
}

func (d *data) getPlan(id uuid.UUID) (*models.Plan, error) {
	if err := d.fail("GetPlan"); err != nil {
		return nil, err
	}
	p, ok := d.plans[id]
	if !ok {
		return nil, fmt.Errorf("memstore: plan %s: %w", id, models.ErrNotFound)
	}
	return &p, nil
}

func (s *Store) HasActiveSubscription(ctx context.Context, userID, planID uuid.UUID) (bool, error) {
	var out bool
	err := s.locked(func(d *data) error { out = d.hasActive(userID, planID, uuid.Nil); return nil })
	return out, err
}

func (t *tx) HasActiveSubscription(ctx context.Context, userID, planID uuid.UUID) (bool, error) {
	return t.d.hasActive(userID, planID, uuid.Nil), nil
}

func (d *data) hasActive(userID, planID, except uuid.UUID) bool {
	for _, sub := range d.subscriptions {
		if sub.ID != except && sub.IsActive && sub.UserID == userID && sub.SubscriptionID == planID {
			return true
		}
	}
	return false
}

func (s *Store) CreateUserSubscription(ctx context.Context, sub *models.UserSubscription) error {
	return s.locked(func(d *data) error { return d.createSubscription(sub) })
}

func (t *tx) CreateUserSubscription(ctx context.Context, sub *models.UserSubscription) error {
	return t.d.createSubscription(sub)
}

func (d *data) createSubscription(sub *models.UserSubscription) error {
	if err := d.fail("CreateUserSubscription"); err != nil {
		return err
	}
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.IsActive && d.hasActive(sub.UserID, sub.SubscriptionID, uuid.Nil) {
		return fmt.Errorf("memstore: active subscription exists: %w", models.ErrConflict)
	}
	d.subscriptions[sub.ID] = *sub
	return nil
}

func (s *Store) GetUserSubscription(ctx context.Context, id uuid.UUID) (*models.UserSubscription, error) {
	var out *models.UserSubscription
	err := s.locked(func(d *data) (err error) { out, err = d.getSubscription(id); return })
	return out, err
}

func (t *tx) GetUserSubscription(ctx context.Context, id uuid.UUID) (*models.UserSubscription, error) {
	return t.d.getSubscription(id)
}

func (d *data) getSubscription(id uuid.UUID) (*models.UserSubscription, error) {
	sub, ok := d.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("memstore: subscription %s: %w", id, models.ErrNotFound)
	}
	return &sub, nil
}

func (s *Store) ListUserSubscriptions(ctx context.Context, userID uuid.UUID) ([]models.UserSubscription, error) {
	var out []models.UserSubscription
	err := s.locked(func(d *data) error { out = d.listSubscriptions(userID); return nil })
	return out, err
}

func (t *tx) ListUserSubscriptions(ctx context.Context, userID uuid.UUID) ([]models.UserSubscription, error) {
	return t.d.listSubscriptions(userID), nil
}

func (d *data) listSubscriptions(userID uuid.UUID) []models.UserSubscription {
	out := []models.UserSubscription{}
	for _, sub := range d.subscriptions {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *Store) CancelUserSubscription(ctx context.Context, userID, planID uuid.UUID, at time.Time) (*models.UserSubscription, error) {
	var out *models.UserSubscription
	err := s.locked(func(d *data) (err error) { out, err = d.cancel(userID, planID, at); return })
	return out, err
}

func (t *tx) CancelUserSubscription(ctx context.Context, userID, planID uuid.UUID, at time.Time) (*models.UserSubscription, error) {
	return t.d.cancel(userID, planID, at)
}

func (d *data) cancel(userID, planID uuid.UUID, at time.Time) (*models.UserSubscription, error) {
	for id, sub := range d.subscriptions {
		if sub.UserID != userID || sub.SubscriptionID != planID || !sub.IsActive || sub.CancelledAt != nil {
			continue
		}
		cancelledAt := at
		validUntil := sub.NextBillingDate
		sub.CancelledAt = &cancelledAt
		sub.ValidUntil = &validUntil
		sub.UpdatedAt = at
		d.subscriptions[id] = sub
		return &sub, nil
	}
	return nil, fmt.Errorf("memstore: no active subscription to cancel: %w", models.ErrNotFound)
}

func (s *Store) ActivateUserSubscription(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	var out bool
	err := s.locked(func(d *data) error { out = d.activate(id, at); return nil })
	return out, err
}

func (t *tx) ActivateUserSubscription(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return t.d.activate(id, at), nil
}

func (d *data) activate(id uuid.UUID, at time.Time) bool {
	sub, ok := d.subscriptions[id]
	if !ok || sub.IsActive || sub.ExpiredAt != nil || d.hasActive(sub.UserID, sub.SubscriptionID, id) {
		return false
	}
	sub.IsActive = true
	sub.UpdatedAt = at
	d.subscriptions[id] = sub
	return true
}

func (s *Store) AdvanceBillingDate(ctx context.Context, id uuid.UUID, from, to time.Time) (bool, error) {
	var out bool
	err := s.locked(func(d *data) error { out = d.advance(id, from, to); return nil })
	return out, err
}

func (t *tx) AdvanceBillingDate(ctx context.Context, id uuid.UUID, from, to time.Time) (bool, error) {
	return t.d.advance(id, from, to), nil
}

func (d *data) advance(id uuid.UUID, from, to time.Time) bool {
	sub, ok := d.subscriptions[id]
	if !ok || !sub.IsActive || sub.CancelledAt != nil || !sub.NextBillingDate.Equal(from) {
		return false
	}
	sub.NextBillingDate = to
	d.subscriptions[id] = sub
	return true
}

func (s *Store) ExpireUserSubscription(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	var out bool
	err := s.locked(func(d *data) error { out = d.expire(id, at); return nil })
	return out, err
}

func (t *tx) ExpireUserSubscription(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return t.d.expire(id, at), nil
}

func (d *data) expire(id uuid.UUID, at time.Time) bool {
	sub, ok := d.subscriptions[id]
	if !ok || !sub.IsActive || sub.CancelledAt == nil || sub.ValidUntil == nil || sub.ValidUntil.After(at) {
		return false
	}
	expiredAt := at
	sub.IsActive = false
	sub.ExpiredAt = &expiredAt
	sub.UpdatedAt = at
	d.subscriptions[id] = sub
	return true
}

func (s *Store) ListDueUserSubscriptions(ctx context.Context, now time.Time, limit int) ([]models.UserSubscription, error) {
	var out []models.UserSubscription
	err := s.locked(func(d *data) error { out = d.listDue(now, limit); return nil })
	return out, err
}

func (t *tx) ListDueUserSubscriptions(ctx context.Context, now time.Time, limit int) ([]models.UserSubscription, error) {
	return t.d.listDue(now, limit), nil
}

func (d *data) listDue(now time.Time, limit int) []models.UserSubscription {
	var out []models.UserSubscription
	for _, sub := range d.subscriptions {
		if !sub.IsActive {
			continue
		}
		if sub.CancelledAt != nil {
			if sub.ValidUntil != nil && !sub.ValidUntil.After(now) {
				out = append(out, sub)
			}
			continue
		}
		if !sub.NextBillingDate.After(now) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextBillingDate.Before(out[j].NextBillingDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) CreatePayment(ctx context.Context, p *models.Payment) error {
	return s.locked(func(d *data) error { return d.createPayment(p) })
}

func (t *tx) CreatePayment(ctx context.Context, p *models.Payment) error {
	return t.d.createPayment(p)
}

func (d *data) createPayment(p *models.Payment) error {
	if err := d.fail("CreatePayment"); err != nil {
		return err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	d.payments[p.ID] = *p
	return nil
}

func (s *Store) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var out *models.Payment
	err := s.locked(func(d *data) (err error) { out, err = d.getPayment(id); return })
	return out, err
}

func (t *tx) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return t.d.getPayment(id)
}

func (d *data) getPayment(id uuid.UUID) (*models.Payment, error) {
	p, ok := d.payments[id]
	if !ok {
		return nil, fmt.Errorf("memstore: payment %s: %w", id, models.ErrNotFound)
	}
	return &p, nil
}

func (s *Store) ListPaymentsByUser(ctx context.Context, userID uuid.UUID) ([]models.Payment, error) {
	var out []models.Payment
	err := s.locked(func(d *data) error { out = d.listPayments(userID); return nil })
	return out, err
}

func (t *tx) ListPaymentsByUser(ctx context.Context, userID uuid.UUID) ([]models.Payment, error) {
	return t.d.listPayments(userID), nil
}

func (d *data) listPayments(userID uuid.UUID) []models.Payment {
	out := []models.Payment{}
	for _, p := range d.payments {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *Store) TransitionPayment(ctx context.Context, tr models.PaymentTransition) (*models.Payment, bool, error) {
	var (
		out *models.Payment
		ok  bool
	)
	err := s.locked(func(d *data) (err error) { out, ok, err = d.transition(tr); return })
	return out, ok, err
}

func (t *tx) TransitionPayment(ctx context.Context, tr models.PaymentTransition) (*models.Payment, bool, error) {
	return t.d.transition(tr)
}

func (d *data) transition(tr models.PaymentTransition) (*models.Payment, bool, error) {
	if err := d.fail("TransitionPayment"); err != nil {
		return nil, false, err
	}
	p, ok := d.payments[tr.PaymentID]
	if !ok || p.Status != models.PaymentPending {
		return nil, false, nil
	}
	p.Status = tr.Status
	p.UpdatedAt = tr.At
	if tr.ExternalTransactionID != "" {
		id := tr.ExternalTransactionID
		p.ExternalTransactionID = &id
	}
	if tr.Card != nil {
		p.CardLastFour = tr.Card.LastFour
		p.CardBrand = tr.Card.Brand
	}
	d.payments[p.ID] = p
	return &p, true, nil
}

func (s *Store) ListStalePendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]models.Payment, error) {
	var out []models.Payment
	err := s.locked(func(d *data) error { out = d.listStale(olderThan, limit); return nil })
	return out, err
}

func (t *tx) ListStalePendingPayments(ctx context.Context, olderThan time.Time, limit int) ([]models.Payment, error) {
	return t.d.listStale(olderThan, limit), nil
}

func (d *data) listStale(olderThan time.Time, limit int) []models.Payment {
	var out []models.Payment
	for _, p := range d.payments {
		if p.Status == models.PaymentPending && p.CreatedAt.Before(olderThan) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ci, iok := d.checked[out[i].ID]
		cj, jok := d.checked[out[j].ID]
		switch {
		case iok != jok:
			return !iok
		case iok && !ci.Equal(cj):
			return ci.Before(cj)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) MarkPaymentChecked(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.locked(func(d *data) error { return d.markChecked(id, at) })
}

func (t *tx) MarkPaymentChecked(ctx context.Context, id uuid.UUID, at time.Time) error {
	return t.d.markChecked(id, at)
}

func (d *data) markChecked(id uuid.UUID, at time.Time) error {
	if err := d.fail("MarkPaymentChecked"); err != nil {
		return err
	}
	if p, ok := d.payments[id]; ok && p.Status == models.PaymentPending {
		d.checked[id] = at
	}
	return nil
}

func (s *Store) PendingCheckout(ctx context.Context, userID, planID uuid.UUID, since time.Time) (*models.Payment, error) {
	var out *models.Payment
	err := s.locked(func(d *data) error { out = d.pendingCheckout(userID, planID, since); return nil })
	return out, err
}

func (t *tx) PendingCheckout(ctx context.Context, userID, planID uuid.UUID, since time.Time) (*models.Payment, error) {
	return t.d.pendingCheckout(userID, planID, since), nil
}

func (d *data) pendingCheckout(userID, planID uuid.UUID, since time.Time) *models.Payment {
	var latest *models.Payment
	for _, p := range d.payments {
		if p.UserID != userID || p.Status != models.PaymentPending || !p.CreatedAt.After(since) {
			continue
		}
		if sub, ok := d.subscriptions[p.UserSubscriptionID]; !ok || sub.SubscriptionID != planID {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			cp := p
			latest = &cp
		}
	}
	return latest
}

func (s *Store) EnqueueJob(ctx context.Context, job *models.Job) error {
	return s.locked(func(d *data) error { return d.enqueue(job, s.clock.Now()) })
}

func (t *tx) EnqueueJob(ctx context.Context, job *models.Job) error {
	return t.d.enqueue(job, t.clock.Now())
}

func (d *data) enqueue(job *models.Job, now time.Time) error {
	if err := d.fail("EnqueueJob"); err != nil {
		return err
	}
	if err := job.IsValid(); err != nil {
		return fmt.Errorf("memstore: invalid job: %w", err)
	}
	d.nextJobID++
	job.ID = d.nextJobID
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	d.jobs = append(d.jobs, *job)
	return nil
}

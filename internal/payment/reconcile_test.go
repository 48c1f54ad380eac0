package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lavka-ua/storefront/internal/basket"
	"github.com/lavka-ua/storefront/internal/domain"
	redisrepo "github.com/lavka-ua/storefront/internal/repository/redis"
	apperrors "github.com/lavka-ua/storefront/pkg/errors"
)

// scriptedLookup answers each call with the next scripted error; nil means
// the order is paid. The last entry repeats.
type scriptedLookup struct {
	mu      sync.Mutex
	script  []error
	calls   int
	lastRef string
	lastID  string
}

func (s *scriptedLookup) next(ref, id string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref != "" {
		s.lastRef = ref
	}
	if id != "" {
		s.lastID = id
	}
	i := s.calls
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	s.calls++
	if err := s.script[i]; err != nil {
		return nil, err
	}
	return &domain.Order{ID: "o-1", PaymentStatus: domain.PaymentPaid, TotalAmount: domain.MoneyFromString("2300")}, nil
}

func (s *scriptedLookup) PaidOrderByReference(_ context.Context, reference string) (*domain.Order, error) {
	return s.next(reference, "")
}

func (s *scriptedLookup) PaidOrderByID(_ context.Context, orderID string) (*domain.Order, error) {
	return s.next("", orderID)
}

type reconcileFixture struct {
	pending *redisrepo.PendingRepository
	baskets *basket.Store
}

func newReconcileFixture(t *testing.T) reconcileFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := reconcileFixture{
		pending: redisrepo.NewPendingRepository(client, time.Hour),
		baskets: basket.NewStore(redisrepo.NewBasketRepository(client, time.Hour), discardLogger()),
	}

	ctx := context.Background()
	_, err := f.baskets.AddItem(ctx, "sess-1", domain.CartItem{
		ProductID: 7, Name: "Сукня", Size: "M", UnitPrice: domain.MoneyFromString("1000"), Quantity: 2,
	})
	require.NoError(t, err)
	return f
}

func (f reconcileFixture) savePending(t *testing.T, snap *domain.PendingCheckout) {
	t.Helper()
	require.NoError(t, f.pending.Save(context.Background(), "sess-1", snap))
}

func fastReconcile(attempts uint) ReconcileConfig {
	return ReconcileConfig{
		MaxAttempts:     attempts,
		MaxElapsed:      time.Second,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
}

func TestReconcile_PaidClearsBasketOnce(t *testing.T) {
	f := newReconcileFixture(t)
	f.savePending(t, &domain.PendingCheckout{OrderID: "o-1", Reference: "LV-1"})
	lookup := &scriptedLookup{script: []error{apperrors.ErrConflict, nil}}
	r := NewReconciler(lookup, f.pending, f.baskets, fastReconcile(5), discardLogger())

	res, err := r.Reconcile(context.Background(), "sess-1", "LV-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomePaid, res.Outcome)
	assert.True(t, res.Cleared)
	assert.Equal(t, uint(2), res.Attempts)
	assert.Equal(t, "o-1", res.Order.ID)

	b, err := f.baskets.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.True(t, b.IsEmpty())

	// A second return with the same reference reports paid but does not
	// clear again.
	res, err = r.Reconcile(context.Background(), "sess-1", "LV-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomePaid, res.Outcome)
	assert.False(t, res.Cleared)
}

func TestReconcile_StillPendingIsBounded(t *testing.T) {
	f := newReconcileFixture(t)
	f.savePending(t, &domain.PendingCheckout{OrderID: "o-1", Reference: "LV-1"})
	lookup := &scriptedLookup{script: []error{apperrors.Conflict("payment pending")}}
	r := NewReconciler(lookup, f.pending, f.baskets, fastReconcile(3), discardLogger())

	res, err := r.Reconcile(context.Background(), "sess-1", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStillPending, res.Outcome)
	assert.Equal(t, uint(3), res.Attempts)
	assert.Equal(t, 3, lookup.calls)
	assert.False(t, res.Cleared)
	assert.Equal(t, "LV-1", lookup.lastRef)

	b, err := f.baskets.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Len(t, b.Items, 1, "basket kept while payment is pending")

	_, err = f.pending.Get(context.Background(), "sess-1")
	assert.NoError(t, err, "snapshot kept for a later return")
}

func TestReconcile_NotFoundStopsImmediately(t *testing.T) {
	for _, cause := range []error{
		apperrors.NotFound("order", "LV-x"),
		apperrors.Gone("payment failed"),
		apperrors.InvalidInput("bad reference"),
	} {
		f := newReconcileFixture(t)
		lookup := &scriptedLookup{script: []error{cause}}
		r := NewReconciler(lookup, f.pending, f.baskets, fastReconcile(5), discardLogger())

		res, err := r.Reconcile(context.Background(), "sess-1", "LV-x")
		require.NoError(t, err)
		assert.Equal(t, OutcomeNotFound, res.Outcome)
		assert.Equal(t, 1, lookup.calls)

		b, err := f.baskets.Get(context.Background(), "sess-1")
		require.NoError(t, err)
		assert.Len(t, b.Items, 1)
	}
}

func TestReconcile_NoSnapshotNoReference(t *testing.T) {
	f := newReconcileFixture(t)
	lookup := &scriptedLookup{script: []error{nil}}
	r := NewReconciler(lookup, f.pending, f.baskets, fastReconcile(3), discardLogger())

	res, err := r.Reconcile(context.Background(), "sess-1", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, res.Outcome)
	assert.Zero(t, lookup.calls)
}

func TestReconcile_FallsBackToOrderID(t *testing.T) {
	f := newReconcileFixture(t)
	f.savePending(t, &domain.PendingCheckout{OrderID: "o-1", PaymentType: domain.PaymentPlisio})
	lookup := &scriptedLookup{script: []error{nil}}
	r := NewReconciler(lookup, f.pending, f.baskets, fastReconcile(3), discardLogger())

	res, err := r.Reconcile(context.Background(), "sess-1", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomePaid, res.Outcome)
	assert.True(t, res.Cleared)
	assert.Equal(t, "o-1", lookup.lastID)
	assert.Empty(t, lookup.lastRef)
}

func TestReconcile_TransportErrorsRetriedThenReported(t *testing.T) {
	f := newReconcileFixture(t)
	boom := errors.New("dial tcp: connection refused")
	lookup := &scriptedLookup{script: []error{boom}}
	r := NewReconciler(lookup, f.pending, f.baskets, fastReconcile(2), discardLogger())

	_, err := r.Reconcile(context.Background(), "sess-1", "LV-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, lookup.calls)
}

func TestReconcile_TransientErrorThenPaid(t *testing.T) {
	f := newReconcileFixture(t)
	f.savePending(t, &domain.PendingCheckout{Reference: "LV-1"})
	lookup := &scriptedLookup{script: []error{errors.New("timeout"), nil}}
	r := NewReconciler(lookup, f.pending, f.baskets, fastReconcile(3), discardLogger())

	res, err := r.Reconcile(context.Background(), "sess-1", "LV-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomePaid, res.Outcome)
	assert.True(t, res.Cleared)
}

func TestReconcile_ConcurrentReturnsClearOnce(t *testing.T) {
	f := newReconcileFixture(t)
	f.savePending(t, &domain.PendingCheckout{Reference: "LV-1"})
	lookup := &scriptedLookup{script: []error{nil}}
	r := NewReconciler(lookup, f.pending, f.baskets, fastReconcile(3), discardLogger())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		cleared int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Reconcile(context.Background(), "sess-1", "LV-1")
			if assert.NoError(t, err) && res.Cleared {
				mu.Lock()
				cleared++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, cleared)
}

func TestReconcile_ForeignReferenceDoesNotClear(t *testing.T) {
	f := newReconcileFixture(t)
	f.savePending(t, &domain.PendingCheckout{OrderID: "o-pending"})
	lookup := &scriptedLookup{script: []error{nil}}
	r := NewReconciler(lookup, f.pending, f.baskets, fastReconcile(3), discardLogger())

	res, err := r.Reconcile(context.Background(), "sess-1", "LV-SOMEONEELSE")
	require.NoError(t, err)
	assert.Equal(t, OutcomePaid, res.Outcome)
	assert.False(t, res.Cleared)

	b, err := f.baskets.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Len(t, b.Items, 1, "basket kept for the session's own order")

	snap, err := f.pending.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "o-pending", snap.OrderID)
}

func TestReconcile_SnapshotReferenceWinsOverQuery(t *testing.T) {
	f := newReconcileFixture(t)
	f.savePending(t, &domain.PendingCheckout{OrderID: "o-1", Reference: "LV-MINE"})
	lookup := &scriptedLookup{script: []error{apperrors.ErrConflict}}
	r := NewReconciler(lookup, f.pending, f.baskets, fastReconcile(2), discardLogger())

	res, err := r.Reconcile(context.Background(), "sess-1", "LV-SOMEONEELSE")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStillPending, res.Outcome)
	assert.Equal(t, "LV-MINE", lookup.lastRef)

	_, err = f.pending.Get(context.Background(), "sess-1")
	assert.NoError(t, err)
}

func TestReconcile_NoSnapshotReportsWithoutClearing(t *testing.T) {
	f := newReconcileFixture(t)
	lookup := &scriptedLookup{script: []error{nil}}
	r := NewReconciler(lookup, f.pending, f.baskets, fastReconcile(3), discardLogger())

	res, err := r.Reconcile(context.Background(), "sess-1", "LV-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomePaid, res.Outcome)
	assert.False(t, res.Cleared)

	b, err := f.baskets.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Len(t, b.Items, 1)
}

func TestReconcile_RequestDeadlineLeavesPending(t *testing.T) {
	f := newReconcileFixture(t)
	f.savePending(t, &domain.PendingCheckout{OrderID: "o-1", Reference: "LV-1"})
	lookup := &scriptedLookup{script: []error{apperrors.ErrConflict}}
	r := NewReconciler(lookup, f.pending, f.baskets, ReconcileConfig{
		MaxAttempts:     100,
		MaxElapsed:      time.Minute,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
	}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := r.Reconcile(ctx, "sess-1", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStillPending, res.Outcome)
	assert.False(t, res.Cleared)
}

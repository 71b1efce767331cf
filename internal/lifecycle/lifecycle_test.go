package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/orders/internal/apperrors"
	"example.com/backstage/services/orders/internal/index"
	"example.com/backstage/services/orders/internal/models"
	"example.com/backstage/services/orders/internal/notification"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	orders  map[string]*models.Order
	events  []models.Event
	failErr error
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[string]*models.Order)}
}

func (s *memStore) CreateOrders(ctx context.Context, orders []*models.Order, events []models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	for _, o := range orders {
		s.orders[o.TrackID] = o.Clone()
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *memStore) SaveOrder(ctx context.Context, order *models.Order, events []models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	cur, ok := s.orders[order.TrackID]
	if !ok {
		return apperrors.ErrNotFound
	}
	if cur.Version != order.Version-1 {
		return apperrors.Newf(apperrors.ErrConflict, "version %d", order.Version)
	}
	s.orders[order.TrackID] = order.Clone()
	s.events = append(s.events, events...)
	return nil
}

func (s *memStore) GetOrder(ctx context.Context, trackID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[trackID]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "order %s", trackID)
	}
	return o.Clone(), nil
}

func (s *memStore) ListOrders(ctx context.Context, buyerID string) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Order
	for _, o := range s.orders {
		if o.BuyerID == buyerID {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (s *memStore) LoadOpenOrders(ctx context.Context) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Order
	for _, o := range s.orders {
		if !o.DeriveStatus().IsTerminal() {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (s *memStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type fixture struct {
	lc    *Lifecycle
	store *memStore
	hub   *notification.Hub
	index *index.Index
	now   time.Time
}

func newFixture() *fixture {
	f := &fixture{
		store: newMemStore(),
		hub:   notification.NewHub(notification.Options{}, nil),
		index: index.New(),
		now:   time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	f.lc = New(f.store, f.index, f.hub, nil, func() time.Time { return f.now })
	return f
}

func regularOrder(trackID, buyerID string) *models.Order {
	return &models.Order{
		TrackID:       trackID,
		BuyerID:       buyerID,
		Kind:          models.KindRegular,
		PaymentMethod: models.PaymentCard,
		TotalAmount:   decimal.NewFromInt(20),
		Items: []models.OrderItem{
			{ID: trackID + "-1", ProductID: "p1", Quantity: 2, UnitPrice: decimal.NewFromInt(10)},
		},
	}
}

func groupOrder(trackID, buyerID, groupID string) *models.Order {
	gid := groupID
	return &models.Order{
		TrackID:       trackID,
		BuyerID:       buyerID,
		Kind:          models.KindGroup,
		PaymentMethod: models.PaymentCashOnDelivery,
		TotalAmount:   decimal.NewFromInt(5),
		Items: []models.OrderItem{
			{ID: trackID + "-1", ProductID: "p2", Quantity: 1, UnitPrice: decimal.NewFromInt(5), GroupID: &gid},
		},
	}
}

func (f *fixture) place(t *testing.T, orders ...*models.Order) {
	t.Helper()
	require.NoError(t, f.lc.PlaceOrders(context.Background(), orders))
}

func (f *fixture) assign(t *testing.T, trackID string) {
	t.Helper()
	_, changed, err := f.lc.Mutate(context.Background(), trackID, models.EventDeliveryUpdate, func(draft *models.Order, now time.Time) (bool, error) {
		for i := range draft.Items {
			if err := Advance(&draft.Items[i], models.StatusAssigned, now); err != nil {
				return false, err
			}
		}
		draft.Assignment = &models.DeliveryAssignment{TrackID: draft.TrackID, PartnerID: "partner-1", AssignedAt: now, Leg: models.StatusAssigned}
		return true, nil
	})
	require.NoError(t, err)
	require.True(t, changed)
}

func TestPlaceOrdersInitialisesStatuses(t *testing.T) {
	f := newFixture()
	f.place(t, regularOrder("O1", "b1"), groupOrder("O2", "b1", "g1"))

	regular, err := f.lc.Get(context.Background(), "O1")
	require.NoError(t, err)
	require.Equal(t, models.StatusPlaced, regular.Status)
	require.Equal(t, models.EffectivePlaced, regular.Effective)
	require.NotNil(t, regular.Order.Items[0].PlacedAt)
	require.Equal(t, 1, regular.Order.Version)

	group, err := f.lc.Get(context.Background(), "O2")
	require.NoError(t, err)
	require.Equal(t, models.StatusPendingGroup, group.Status)
	require.Equal(t, models.EffectivePendingToShare, group.Effective)
	require.Nil(t, group.Order.Items[0].PlacedAt)

	backlog := f.hub.CatchUp("b1", 0)
	require.Len(t, backlog, 2)
	require.Equal(t, models.EventOrderPlaced, backlog[0].Kind)
	require.Equal(t, 2, f.store.eventCount())
	require.Equal(t, []string{"g1"}, f.index.PendingGroups())
}

func TestPlaceOrdersFailureCreatesNothing(t *testing.T) {
	f := newFixture()
	f.store.failErr = errors.New("db down")

	err := f.lc.PlaceOrders(context.Background(), []*models.Order{regularOrder("O1", "b1")})
	require.Error(t, err)

	_, err = f.lc.Get(context.Background(), "O1")
	require.True(t, errors.Is(err, apperrors.ErrNotFound))
	require.Empty(t, f.hub.CatchUp("b1", 0))
}

func TestCancelPlacedRegularOrder(t *testing.T) {
	f := newFixture()
	f.place(t, regularOrder("O1", "b1"))

	snap, err := f.lc.Cancel(context.Background(), "O1")
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, snap.Status)
	require.Equal(t, models.EffectiveCancelled, snap.Effective)
	require.Equal(t, models.CancelReasonBuyer, *snap.Order.Items[0].CancelReason)
	require.NotNil(t, snap.Order.Items[0].CancelledAt)

	// terminal orders are served from the store after eviction
	again, err := f.lc.Get(context.Background(), "O1")
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, again.Status)
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture()
	f.place(t, regularOrder("O1", "b1"))

	_, err := f.lc.Cancel(context.Background(), "O1")
	require.NoError(t, err)
	events := len(f.hub.CatchUp("b1", 0))

	snap, err := f.lc.Cancel(context.Background(), "O1")
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, snap.Status)
	require.Len(t, f.hub.CatchUp("b1", 0), events)
}

func TestCancelRejectedOnceAssigned(t *testing.T) {
	f := newFixture()
	f.place(t, regularOrder("O1", "b1"))
	f.assign(t, "O1")

	_, err := f.lc.Cancel(context.Background(), "O1")
	require.True(t, errors.Is(err, apperrors.ErrInvalidTransition))

	snap, err := f.lc.Get(context.Background(), "O1")
	require.NoError(t, err)
	require.Equal(t, models.StatusAssigned, snap.Status)
}

func TestCancelGroupItemOnlyWhilePending(t *testing.T) {
	f := newFixture()
	f.place(t, groupOrder("O1", "b1", "g1"), groupOrder("O2", "b2", "g2"))

	snap, err := f.lc.Cancel(context.Background(), "O1")
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, snap.Status)

	require.NoError(t, f.lc.ApplyGroupResolution(context.Background(), models.GroupResolution{GroupID: "g2", Status: models.GroupComplete}))
	_, err = f.lc.Cancel(context.Background(), "O2")
	require.True(t, errors.Is(err, apperrors.ErrInvalidTransition))
}

func TestCancelUnknownOrder(t *testing.T) {
	f := newFixture()
	_, err := f.lc.Cancel(context.Background(), "missing")
	require.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestGroupCompletePlacesItemsAndNotifiesMembers(t *testing.T) {
	f := newFixture()
	f.place(t, groupOrder("O1", "b1", "g1"), groupOrder("O2", "b2", "g1"), regularOrder("O3", "b3"))
	before := f.hub.LastEventID()

	res := models.GroupResolution{GroupID: "g1", Status: models.GroupComplete}
	require.NoError(t, f.lc.ApplyGroupResolution(context.Background(), res))

	snap, err := f.lc.Get(context.Background(), "O1")
	require.NoError(t, err)
	require.Equal(t, models.StatusPlaced, snap.Status)
	require.NotNil(t, snap.Order.Items[0].PlacedAt)
	require.Equal(t, 2, snap.Order.Version)

	for _, buyer := range []string{"b1", "b2"} {
		events := f.hub.CatchUp(buyer, before)
		require.Len(t, events, 2, buyer)
		for _, evt := range events {
			require.Equal(t, models.EventStatusChanged, evt.Kind)
			require.Equal(t, "g1", evt.GroupID)
		}
	}
	require.Empty(t, f.hub.CatchUp("b3", before))

	// replay changes nothing
	last := f.hub.LastEventID()
	require.NoError(t, f.lc.ApplyGroupResolution(context.Background(), res))
	require.Equal(t, last, f.hub.LastEventID())
	require.Empty(t, f.index.PendingGroups())
}

func TestGroupExpiredCancelsExactlyOnce(t *testing.T) {
	f := newFixture()
	f.place(t, groupOrder("O1", "b1", "g1"))
	res := models.GroupResolution{GroupID: "g1", Status: models.GroupExpired}

	require.NoError(t, f.lc.ApplyGroupResolution(context.Background(), res))
	require.NoError(t, f.lc.ApplyGroupResolution(context.Background(), res))

	snap, err := f.lc.Get(context.Background(), "O1")
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, snap.Status)
	require.Equal(t, models.EffectiveGroupFailed, snap.Effective)

	changes := 0
	for _, evt := range f.hub.CatchUp("O1", 0) {
		if evt.Kind == models.EventStatusChanged {
			changes++
		}
	}
	require.Equal(t, 1, changes)
}

func TestPendingResolutionIsIgnored(t *testing.T) {
	f := newFixture()
	f.place(t, groupOrder("O1", "b1", "g1"))

	require.NoError(t, f.lc.ApplyGroupResolution(context.Background(), models.GroupResolution{GroupID: "g1", Status: models.GroupPending}))

	snap, err := f.lc.Get(context.Background(), "O1")
	require.NoError(t, err)
	require.Equal(t, models.StatusPendingGroup, snap.Status)
}

func TestPendingGroupItemCannotBeAssigned(t *testing.T) {
	item := &models.OrderItem{ID: "i1", Status: models.StatusPendingGroup}
	err := Advance(item, models.StatusAssigned, time.Now())
	require.True(t, errors.Is(err, apperrors.ErrInvalidTransition))
	require.Equal(t, models.StatusPendingGroup, item.Status)
}

func TestAdvanceRejectsSkippingStates(t *testing.T) {
	item := &models.OrderItem{ID: "i1", Status: models.StatusPlaced}
	err := Advance(item, models.StatusDelivered, time.Now())
	require.True(t, errors.Is(err, apperrors.ErrInvalidTransition))
	require.Nil(t, item.DeliveredAt)
}

func TestConcurrentMutateLoserGetsConflict(t *testing.T) {
	f := newFixture()
	f.place(t, regularOrder("O1", "b1"))

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, _, err := f.lc.Mutate(context.Background(), "O1", models.EventDeliveryUpdate, func(draft *models.Order, now time.Time) (bool, error) {
			close(entered)
			<-release
			return false, nil
		})
		done <- err
	}()

	<-entered
	_, _, err := f.lc.Mutate(context.Background(), "O1", models.EventDeliveryUpdate, func(draft *models.Order, now time.Time) (bool, error) {
		return true, nil
	})
	require.True(t, errors.Is(err, apperrors.ErrConflict))

	close(release)
	require.NoError(t, <-done)
}

func TestStoreFailureLeavesSnapshotUnchanged(t *testing.T) {
	f := newFixture()
	f.place(t, regularOrder("O1", "b1"))
	before := f.hub.LastEventID()

	f.store.failErr = errors.New("db down")
	_, err := f.lc.Cancel(context.Background(), "O1")
	require.Error(t, err)

	f.store.failErr = nil
	snap, err := f.lc.Get(context.Background(), "O1")
	require.NoError(t, err)
	require.Equal(t, models.StatusPlaced, snap.Status)
	require.Equal(t, before, f.hub.LastEventID())
}

func TestListFiltersByStatus(t *testing.T) {
	f := newFixture()
	f.place(t, regularOrder("O1", "b1"), groupOrder("O2", "b1", "g1"), regularOrder("O3", "b2"))

	all, err := f.lc.List(context.Background(), "b1", "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	pending, err := f.lc.List(context.Background(), "b1", models.StatusPendingGroup)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "O2", pending[0].Order.TrackID)
}

func TestRehydrateRebuildsIndex(t *testing.T) {
	f := newFixture()
	f.place(t, groupOrder("O1", "b1", "g1"), regularOrder("O2", "b1"))
	_, err := f.lc.Cancel(context.Background(), "O2")
	require.NoError(t, err)

	fresh := index.New()
	lc := New(f.store, fresh, f.hub, nil, nil)
	require.NoError(t, lc.Rehydrate(context.Background()))

	require.Equal(t, []string{"g1"}, fresh.PendingGroups())
	require.Equal(t, []string{"O1"}, fresh.OrdersForBuyer("b1"))
	require.NotNil(t, lc.lookup("O1"))
	require.Nil(t, lc.lookup("O2"))
}

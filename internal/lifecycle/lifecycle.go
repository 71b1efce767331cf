// Package lifecycle owns the canonical status of every order and its items.
//
// Each live order has an entry holding a mutex and an atomically swapped
// snapshot. Writers edit a clone of the current order under the mutex,
// persist it with its outbox event and only then publish the new snapshot,
// so readers never block and never see a half-applied transition.
package lifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"example.com/backstage/services/orders/internal/apperrors"
	"example.com/backstage/services/orders/internal/index"
	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// AggregateType tags outbox rows written for orders
const AggregateType = "order"

// Store persists orders together with their outbox events
type Store interface {
	CreateOrders(ctx context.Context, orders []*models.Order, events []models.Event) error
	// SaveOrder must fail with apperrors.ErrConflict unless the stored
	// version equals order.Version-1.
	SaveOrder(ctx context.Context, order *models.Order, events []models.Event) error
	GetOrder(ctx context.Context, trackID string) (*models.Order, error)
	ListOrders(ctx context.Context, buyerID string) ([]*models.Order, error)
	LoadOpenOrders(ctx context.Context) ([]*models.Order, error)
}

// Publisher receives committed notification events
type Publisher interface {
	Publish(evt models.NotificationEvent, subjects ...string) models.NotificationEvent
}

// Mutation edits a draft of the order. Returning false or an error discards the draft.
type Mutation func(draft *models.Order, now time.Time) (bool, error)

// Snapshot is an immutable view of an order. Callers must not modify Order.
type Snapshot struct {
	Order     *models.Order
	Status    models.ItemStatus
	Effective models.EffectiveStatus
}

// Record flattens the snapshot for interchange
func (s *Snapshot) Record() models.OrderRecord {
	return models.NewOrderRecord(s.Order)
}

func newSnapshot(o *models.Order) *Snapshot {
	return &Snapshot{
		Order:     o,
		Status:    o.DeriveStatus(),
		Effective: o.EffectiveStatus(),
	}
}

type entry struct {
	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
}

// Lifecycle serialises transitions per order
type Lifecycle struct {
	store     Store
	index     *index.Index
	publisher Publisher
	metrics   *metrics.Metrics
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a Lifecycle. now may be nil.
func New(store Store, idx *index.Index, publisher Publisher, m *metrics.Metrics, now func() time.Time) *Lifecycle {
	if now == nil {
		now = time.Now
	}
	return &Lifecycle{
		store:     store,
		index:     idx,
		publisher: publisher,
		metrics:   m,
		now:       now,
		entries:   make(map[string]*entry),
	}
}

// Rehydrate loads every open order and rebuilds the index from them
func (l *Lifecycle) Rehydrate(ctx context.Context) error {
	orders, err := l.store.LoadOpenOrders(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load open orders")
	}

	l.mu.Lock()
	l.entries = make(map[string]*entry, len(orders))
	for _, o := range orders {
		e := &entry{}
		e.snap.Store(newSnapshot(o))
		l.entries[o.TrackID] = e
	}
	l.mu.Unlock()

	l.index.Rebuild(orders)
	l.metrics.SetGauge(metrics.OpenOrders, int64(len(orders)))
	log.Info().Int("orders", len(orders)).Msg("Order lifecycle rehydrated")
	return nil
}

// PlaceOrders initialises item statuses and persists the orders atomically
func (l *Lifecycle) PlaceOrders(ctx context.Context, orders []*models.Order) error {
	now := l.now()
	events := make([]models.Event, 0, len(orders))
	for _, o := range orders {
		if o.OrderDate.IsZero() {
			o.OrderDate = now
		}
		for i := range o.Items {
			item := &o.Items[i]
			item.TrackID = o.TrackID
			if item.GroupID != nil {
				item.Status = models.StatusPendingGroup
				continue
			}
			placedAt := o.OrderDate
			item.Status = models.StatusPlaced
			item.PlacedAt = &placedAt
		}
		o.Version = 1
		o.Status = o.DeriveStatus()

		evt, err := outboxEvent(o, models.EventOrderPlaced, now)
		if err != nil {
			return err
		}
		events = append(events, evt)
	}

	if err := l.store.CreateOrders(ctx, orders, events); err != nil {
		return errors.Wrap(err, "failed to persist orders")
	}

	for _, o := range orders {
		snap := newSnapshot(o)
		e := &entry{}
		e.snap.Store(snap)

		l.mu.Lock()
		l.entries[o.TrackID] = e
		l.mu.Unlock()

		l.index.Observe(o)
		l.metrics.IncrementCounter(metrics.OrdersPlaced)
		l.metrics.AddGauge(metrics.OpenOrders, 1)
		l.publish(models.EventOrderPlaced, "", nil, snap, l.audience(o))
	}
	return nil
}

// Get returns the current snapshot of an order
func (l *Lifecycle) Get(ctx context.Context, trackID string) (*Snapshot, error) {
	if e := l.lookup(trackID); e != nil {
		return e.snap.Load(), nil
	}
	o, err := l.store.GetOrder(ctx, trackID)
	if err != nil {
		return nil, err
	}
	return newSnapshot(o), nil
}

// List returns the buyer's orders, optionally filtered by overall status
func (l *Lifecycle) List(ctx context.Context, buyerID string, status models.ItemStatus) ([]*Snapshot, error) {
	orders, err := l.store.ListOrders(ctx, buyerID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list orders")
	}

	out := make([]*Snapshot, 0, len(orders))
	for _, o := range orders {
		snap := newSnapshot(o)
		if e := l.lookup(o.TrackID); e != nil {
			snap = e.snap.Load()
		}
		if status != "" && snap.Status != status {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// Mutate applies a command to one order. A concurrent command on the same
// order makes this call fail with ErrConflict instead of waiting.
func (l *Lifecycle) Mutate(ctx context.Context, trackID string, kind models.EventKind, fn Mutation) (*Snapshot, bool, error) {
	e, err := l.acquire(ctx, trackID)
	if err != nil {
		return nil, false, err
	}
	if !e.mu.TryLock() {
		l.metrics.IncrementCounter(metrics.TransitionConflicts)
		return e.snap.Load(), false, apperrors.Newf(apperrors.ErrConflict, "order %s is being modified", trackID)
	}
	defer e.mu.Unlock()

	return l.commit(ctx, trackID, e, kind, "", fn)
}

// Cancel is the buyer-initiated cancellation. It is all or nothing across the
// order's items and a no-op on an order that is already fully cancelled.
func (l *Lifecycle) Cancel(ctx context.Context, trackID string) (*Snapshot, error) {
	snap, _, err := l.Mutate(ctx, trackID, models.EventStatusChanged, func(draft *models.Order, now time.Time) (bool, error) {
		active := 0
		for i := range draft.Items {
			item := &draft.Items[i]
			if item.Status == models.StatusCancelled {
				continue
			}
			active++
			if !BuyerCancellable(item) {
				return false, apperrors.Newf(apperrors.ErrInvalidTransition,
					"item %s cannot be cancelled by the buyer once %s", item.ID, item.Status)
			}
		}
		if active == 0 {
			return false, nil
		}
		for i := range draft.Items {
			item := &draft.Items[i]
			if item.Status == models.StatusCancelled {
				continue
			}
			if err := Cancel(item, models.CancelReasonBuyer, now); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	return snap, err
}

// ApplyGroupResolution moves every item still waiting on the group to Placed
// (Complete) or Cancelled (Expired). Orders are re-evaluated one at a time,
// each under its own lock. Replaying a resolution changes nothing.
func (l *Lifecycle) ApplyGroupResolution(ctx context.Context, res models.GroupResolution) error {
	if !res.Status.IsTerminal() {
		return nil
	}

	var firstErr error
	for _, trackID := range l.index.OrdersForGroup(res.GroupID) {
		if err := l.applyGroup(ctx, trackID, res); err != nil {
			log.Error().Err(err).
				Str("order_id", trackID).
				Str("group_id", res.GroupID).
				Msg("Failed to apply group resolution")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (l *Lifecycle) applyGroup(ctx context.Context, trackID string, res models.GroupResolution) error {
	fn := func(draft *models.Order, now time.Time) (bool, error) {
		changed := false
		for i := range draft.Items {
			item := &draft.Items[i]
			if item.Status != models.StatusPendingGroup || item.GroupID == nil || *item.GroupID != res.GroupID {
				continue
			}
			var err error
			if res.Status == models.GroupComplete {
				err = Advance(item, models.StatusPlaced, now)
			} else {
				err = Cancel(item, models.CancelReasonGroupFailed, now)
			}
			if err != nil {
				return false, err
			}
			changed = true
		}
		return changed, nil
	}

	// one retry covers an entry that was evicted and reloaded concurrently
	for attempt := 0; ; attempt++ {
		e, err := l.acquire(ctx, trackID)
		if err != nil {
			return err
		}
		e.mu.Lock()
		_, _, err = l.commit(ctx, trackID, e, models.EventStatusChanged, res.GroupID, fn)
		e.mu.Unlock()

		if err == nil || attempt > 0 || !errors.Is(err, apperrors.ErrConflict) {
			return err
		}
		l.forget(trackID, e)
	}
}

// commit runs fn on a clone, persists the result and publishes it. The caller holds e.mu.
func (l *Lifecycle) commit(ctx context.Context, trackID string, e *entry, kind models.EventKind, groupID string, fn Mutation) (*Snapshot, bool, error) {
	cur := e.snap.Load()
	now := l.now()

	draft := cur.Order.Clone()
	changed, err := fn(draft, now)
	if err != nil {
		return cur, false, err
	}
	if !changed {
		return cur, false, nil
	}

	draft.Version = cur.Order.Version + 1
	draft.Status = draft.DeriveStatus()
	evt, err := outboxEvent(draft, kind, now)
	if err != nil {
		return cur, false, err
	}

	if err := l.store.SaveOrder(ctx, draft, []models.Event{evt}); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			l.metrics.IncrementCounter(metrics.TransitionConflicts)
			return cur, false, err
		}
		return cur, false, errors.Wrapf(err, "failed to save order %s", trackID)
	}

	next := newSnapshot(draft)
	// group members are read before a terminal order leaves the index
	audience := l.audience(draft)
	e.snap.Store(next)
	l.index.Observe(draft)
	l.metrics.IncrementCounter(metrics.TransitionsApplied)

	log.Info().
		Str("order_id", trackID).
		Str("from", string(cur.Status)).
		Str("to", string(next.Status)).
		Int("version", draft.Version).
		Msg("Order transition committed")

	// published under e.mu so subscribers see this order's events in commit order
	l.publish(kind, groupID, cur, next, audience)

	if next.Status.IsTerminal() {
		l.forget(trackID, e)
		l.metrics.AddGauge(metrics.OpenOrders, -1)
	}
	return next, true, nil
}

// audience lists every subject interested in the order
func (l *Lifecycle) audience(o *models.Order) []string {
	subjects := []string{o.BuyerID, o.TrackID}
	if o.Assignment != nil {
		subjects = append(subjects, o.Assignment.PartnerID)
	}
	for _, gid := range o.GroupIDs() {
		subjects = append(subjects, gid)
		subjects = append(subjects, l.index.BuyersForGroup(gid)...)
	}
	return subjects
}

func (l *Lifecycle) publish(kind models.EventKind, groupID string, prev, next *Snapshot, subjects []string) {
	o := next.Order
	evt := models.NotificationEvent{
		Kind:    kind,
		OrderID: o.TrackID,
		GroupID: groupID,
		BuyerID: o.BuyerID,
		Payload: map[string]interface{}{
			"status":           next.Status,
			"effective_status": next.Effective,
			"version":          o.Version,
			"items":            itemStatuses(o),
		},
	}
	if prev != nil {
		evt.Payload["previous_status"] = prev.Status
	}
	if o.Assignment != nil {
		evt.PartnerID = o.Assignment.PartnerID
		evt.Payload["leg"] = o.Assignment.Leg
	}
	l.publisher.Publish(evt, subjects...)
}

func itemStatuses(o *models.Order) []map[string]interface{} {
	items := make([]map[string]interface{}, 0, len(o.Items))
	for i := range o.Items {
		item := &o.Items[i]
		items = append(items, map[string]interface{}{
			"item_id":          item.ID,
			"status":           item.Status,
			"effective_status": item.EffectiveStatus(),
		})
	}
	return items
}

func (l *Lifecycle) lookup(trackID string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[trackID]
}

// acquire returns the live entry, loading it from the store when absent.
// Terminal orders get a detached entry that is not cached.
func (l *Lifecycle) acquire(ctx context.Context, trackID string) (*entry, error) {
	if e := l.lookup(trackID); e != nil {
		return e, nil
	}

	o, err := l.store.GetOrder(ctx, trackID)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[trackID]; ok {
		return e, nil
	}
	e := &entry{}
	e.snap.Store(newSnapshot(o))
	if !o.DeriveStatus().IsTerminal() {
		l.entries[trackID] = e
	}
	return e, nil
}

func (l *Lifecycle) forget(trackID string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.entries[trackID] == e {
		delete(l.entries, trackID)
	}
}

func outboxEvent(o *models.Order, kind models.EventKind, now time.Time) (models.Event, error) {
	data, err := json.Marshal(models.NewOrderRecord(o))
	if err != nil {
		return models.Event{}, errors.Wrap(err, "failed to marshal order record")
	}
	return models.Event{
		EventID:       uuid.New().String(),
		AggregateID:   o.TrackID,
		AggregateType: AggregateType,
		EventType:     string(kind),
		Data:          data,
		Version:       o.Version,
		Timestamp:     now,
	}, nil
}

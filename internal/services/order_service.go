package services

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"example.com/backstage/services/orders/config"
	"example.com/backstage/services/orders/internal/apperrors"
	"example.com/backstage/services/orders/internal/cart"
	"example.com/backstage/services/orders/internal/delivery"
	"example.com/backstage/services/orders/internal/groupbuy"
	"example.com/backstage/services/orders/internal/index"
	"example.com/backstage/services/orders/internal/lifecycle"
	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/models"
	"example.com/backstage/services/orders/internal/notification"
	"example.com/backstage/services/orders/internal/search"
	"example.com/backstage/services/orders/internal/tracing"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const refreshConcurrency = 8

// OrderSearcher queries the order projection
type OrderSearcher interface {
	SearchOrders(ctx context.Context, q search.Query) ([]models.OrderRecord, error)
}

// OrderServiceConfig wires the collaborators of an OrderService.
// SharedCache, Promos and Search may be nil.
type OrderServiceConfig struct {
	Store       lifecycle.Store
	Membership  groupbuy.MembershipClient
	SharedCache groupbuy.SharedCache
	Carts       cart.Source
	Promos      cart.PromoBook
	OTP         delivery.OTPValidator
	Addresses   delivery.AddressProvider
	Search      OrderSearcher
	Tracer      tracing.Tracer
	Metrics     *metrics.Metrics
	Coordinator config.CoordinatorConfig
	Now         func() time.Time
}

// StatusView is an order with the last known state of its groups
type StatusView struct {
	models.OrderRecord
	Groups []models.GroupResolution `json:"groups,omitempty"`
}

// RefreshResult summarises one sweep over the pending groups
type RefreshResult struct {
	Checked  int `json:"checked"`
	Resolved int `json:"resolved"`
	Failed   int `json:"failed"`
}

// OrderService is the entry point for buyer, partner and membership commands
type OrderService struct {
	index     *index.Index
	hub       *notification.Hub
	lifecycle *lifecycle.Lifecycle
	tracker   *groupbuy.Tracker
	checkout  *cart.Consolidator
	delivery  *delivery.Coordinator
	search    OrderSearcher
	tracer    tracing.Tracer
	metrics   *metrics.Metrics
}

// NewOrderService builds the coordinator components and links them together
func NewOrderService(cfg OrderServiceConfig) *OrderService {
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewMetrics()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer, _ = tracing.NewTracer(config.TracingConfig{})
	}

	idx := index.New()
	hub := notification.NewHub(notification.Options{
		BacklogSize: cfg.Coordinator.BacklogSize,
		BacklogAge:  cfg.Coordinator.BacklogAge,
		QueueSize:   cfg.Coordinator.SubscriberQueue,
		Now:         cfg.Now,
	}, m)
	lc := lifecycle.New(cfg.Store, idx, hub, m, cfg.Now)
	tracker := groupbuy.NewTracker(cfg.Membership, cfg.SharedCache, groupbuy.Options{
		Freshness: cfg.Coordinator.GroupFreshness,
		Grace:     cfg.Coordinator.GroupGrace,
		Now:       cfg.Now,
	}, m)

	promos := cfg.Promos
	if promos == nil {
		promos = cart.NewStaticPromos(cfg.Coordinator.Promos)
	}

	s := &OrderService{
		index:     idx,
		hub:       hub,
		lifecycle: lc,
		tracker:   tracker,
		checkout:  cart.NewConsolidator(cfg.Carts, lc, promos, m),
		delivery:  delivery.NewCoordinator(lc, cfg.OTP, cfg.Addresses, m, cfg.Coordinator.CommandTimeout),
		search:    cfg.Search,
		tracer:    tracer,
		metrics:   m,
	}
	tracker.OnResolved(s.onGroupResolved)
	return s
}

// Start restores the open orders and settles any group that resolved while we were down
func (s *OrderService) Start(ctx context.Context) error {
	if err := s.lifecycle.Rehydrate(ctx); err != nil {
		return err
	}
	if _, err := s.RefreshPendingGroups(ctx); err != nil {
		log.Warn().Err(err).Msg("Some pending groups could not be resolved at startup")
	}
	return nil
}

// Checkout turns the buyer's carts into orders and settles their groups where possible
func (s *OrderService) Checkout(ctx context.Context, buyerID string, choice cart.Choice) ([]*lifecycle.Snapshot, error) {
	txn, end := s.transaction(ctx, "checkout")
	defer end()
	s.tracer.AddAttribute(txn, "buyer_id", buyerID)

	span := s.tracer.StartSpan("consolidate-carts", txn)
	orders, err := s.checkout.Checkout(ctx, buyerID, choice)
	span.End()
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	span = s.tracer.StartSpan("settle-groups", txn)
	for _, o := range orders {
		for _, gid := range o.GroupIDs() {
			if _, err := s.settleGroup(ctx, gid); err != nil {
				// the periodic refresh picks the group up again
				log.Warn().Err(err).Str("group_id", gid).Str("order_id", o.TrackID).Msg("Group not resolved at checkout")
			}
		}
	}
	span.End()

	out := make([]*lifecycle.Snapshot, 0, len(orders))
	for _, o := range orders {
		snap, err := s.lifecycle.Get(ctx, o.TrackID)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read order %s", o.TrackID)
		}
		out = append(out, snap)
	}
	return out, nil
}

// Cancel cancels every item of the buyer's order
func (s *OrderService) Cancel(ctx context.Context, trackID, buyerID string) (*lifecycle.Snapshot, error) {
	txn, end := s.transaction(ctx, "cancel-order")
	defer end()
	s.tracer.AddAttribute(txn, "order_id", trackID)

	if buyerID != "" {
		snap, err := s.lifecycle.Get(ctx, trackID)
		if err != nil {
			s.tracer.RecordError(txn, err)
			return nil, err
		}
		if snap.Order.BuyerID != buyerID {
			return nil, apperrors.Newf(apperrors.ErrNotFound, "order %s", trackID)
		}
	}

	snap, err := s.lifecycle.Cancel(ctx, trackID)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}
	return snap, nil
}

// GetOrder returns the current snapshot of an order
func (s *OrderService) GetOrder(ctx context.Context, trackID string) (*lifecycle.Snapshot, error) {
	return s.lifecycle.Get(ctx, trackID)
}

// ListOrders lists a buyer's orders, optionally filtered by overall status
func (s *OrderService) ListOrders(ctx context.Context, buyerID, status string) ([]*lifecycle.Snapshot, error) {
	if buyerID == "" {
		return nil, apperrors.Newf(apperrors.ErrInvalidRequest, "buyer id is required")
	}
	filter := models.ItemStatus(strings.ToLower(status))
	if filter != "" && !filter.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalidRequest, "unknown status %q", status)
	}
	return s.lifecycle.List(ctx, buyerID, filter)
}

// GetEffectiveStatus returns the order as the buyer should see it. Groups the
// order still waits on are resolved first, so an expired group shows up as
// failed even before the periodic refresh runs.
func (s *OrderService) GetEffectiveStatus(ctx context.Context, trackID string) (*StatusView, error) {
	snap, err := s.lifecycle.Get(ctx, trackID)
	if err != nil {
		return nil, err
	}

	settled := false
	for _, gid := range snap.Order.GroupIDs() {
		if !snap.Order.HasPendingGroup(gid) {
			continue
		}
		res, err := s.settleGroup(ctx, gid)
		if err != nil {
			log.Debug().Err(err).Str("group_id", gid).Msg("Serving last known order status")
			continue
		}
		settled = settled || res.Status.IsTerminal()
	}
	if settled {
		if snap, err = s.lifecycle.Get(ctx, trackID); err != nil {
			return nil, err
		}
	}

	view := &StatusView{OrderRecord: snap.Record()}
	for _, gid := range snap.Order.GroupIDs() {
		if res, ok := s.tracker.Cached(gid); ok {
			view.Groups = append(view.Groups, res)
		}
	}
	return view, nil
}

// Accept assigns the order to a delivery partner
func (s *OrderService) Accept(ctx context.Context, trackID, partnerID string) (*delivery.Result, error) {
	return s.partnerCommand(ctx, "accept-order", trackID, partnerID, func(ctx context.Context) (*delivery.Result, error) {
		return s.delivery.Accept(ctx, trackID, partnerID)
	})
}

// MarkPickedUp records that the partner collected the order
func (s *OrderService) MarkPickedUp(ctx context.Context, trackID, partnerID string) (*delivery.Result, error) {
	return s.partnerCommand(ctx, "mark-picked-up", trackID, partnerID, func(ctx context.Context) (*delivery.Result, error) {
		return s.delivery.MarkPickedUp(ctx, trackID, partnerID)
	})
}

// MarkShipped records that the order is on its way
func (s *OrderService) MarkShipped(ctx context.Context, trackID, partnerID string) (*delivery.Result, error) {
	return s.partnerCommand(ctx, "mark-shipped", trackID, partnerID, func(ctx context.Context) (*delivery.Result, error) {
		return s.delivery.MarkShipped(ctx, trackID, partnerID)
	})
}

// MarkDelivered completes the order once the buyer's OTP checks out
func (s *OrderService) MarkDelivered(ctx context.Context, trackID, partnerID, proof string) (*delivery.Result, error) {
	return s.partnerCommand(ctx, "mark-delivered", trackID, partnerID, func(ctx context.Context) (*delivery.Result, error) {
		return s.delivery.MarkDelivered(ctx, trackID, partnerID, proof)
	})
}

func (s *OrderService) partnerCommand(ctx context.Context, name, trackID, partnerID string, fn func(context.Context) (*delivery.Result, error)) (*delivery.Result, error) {
	txn, end := s.transaction(ctx, name)
	defer end()
	s.tracer.AddAttribute(txn, "order_id", trackID)
	s.tracer.AddAttribute(txn, "partner_id", partnerID)

	span := s.tracer.StartSpan(name, txn)
	res, err := fn(ctx)
	span.End()
	if err != nil {
		s.tracer.RecordError(txn, err)
		log.Info().Err(err).Str("order_id", trackID).Str("partner_id", partnerID).Msgf("%s rejected", name)
		return nil, err
	}
	return res, nil
}

// HandleMembershipPush reacts to a membership change announced by the membership service
func (s *OrderService) HandleMembershipPush(ctx context.Context, groupID string) error {
	s.tracker.Invalidate(ctx, groupID)
	_, err := s.settleGroup(ctx, groupID)
	return err
}

// ResolveGroup reports the group's state and applies it if it is final
func (s *OrderService) ResolveGroup(ctx context.Context, groupID string) (models.GroupResolution, error) {
	return s.settleGroup(ctx, groupID)
}

// RefreshPendingGroups resolves every group that still has waiting items
func (s *OrderService) RefreshPendingGroups(ctx context.Context) (RefreshResult, error) {
	groups := s.index.PendingGroups()

	var (
		g        errgroup.Group
		resolved atomic.Int64
		failed   atomic.Int64
		firstErr atomic.Pointer[error]
	)
	g.SetLimit(refreshConcurrency)
	for _, gid := range groups {
		gid := gid
		g.Go(func() error {
			res, err := s.settleGroup(ctx, gid)
			if err != nil {
				failed.Add(1)
				firstErr.CompareAndSwap(nil, &err)
				return nil
			}
			if res.Status.IsTerminal() {
				resolved.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result := RefreshResult{Checked: len(groups), Resolved: int(resolved.Load()), Failed: int(failed.Load())}
	if len(groups) > 0 {
		log.Debug().Int("checked", result.Checked).Int("resolved", result.Resolved).Int("failed", result.Failed).Msg("Pending groups refreshed")
	}
	if errp := firstErr.Load(); errp != nil {
		return result, *errp
	}
	return result, nil
}

// settleGroup resolves the group and, when final, applies it to every waiting
// order. Applying again after the listener already did is a no-op.
func (s *OrderService) settleGroup(ctx context.Context, groupID string) (models.GroupResolution, error) {
	res, err := s.tracker.Resolve(ctx, groupID)
	if err != nil {
		return res, err
	}
	if !res.Status.IsTerminal() {
		return res, nil
	}
	if err := s.lifecycle.ApplyGroupResolution(ctx, res); err != nil {
		return res, errors.Wrapf(err, "failed to apply resolution of group %s", groupID)
	}
	return res, nil
}

// onGroupResolved runs once per group when it first resolves
func (s *OrderService) onGroupResolved(ctx context.Context, res models.GroupResolution) {
	// collected first, terminal orders leave the index once applied
	buyers := s.index.BuyersForGroup(res.GroupID)

	if err := s.lifecycle.ApplyGroupResolution(ctx, res); err != nil {
		log.Error().Err(err).Str("group_id", res.GroupID).Msg("Group resolution only partly applied")
	}

	subjects := append([]string{res.GroupID}, buyers...)
	s.hub.Publish(models.NotificationEvent{
		Kind:    models.EventGroupResolved,
		GroupID: res.GroupID,
		Payload: map[string]interface{}{
			"status":            string(res.Status),
			"remaining_members": res.RemainingMembers,
			"expiry":            res.Expiry,
		},
	}, subjects...)

	log.Info().
		Str("group_id", res.GroupID).
		Str("status", string(res.Status)).
		Int("buyers", len(buyers)).
		Msg("Group resolved")
}

// Subscribe opens a live feed for a buyer, partner, order or group
func (s *OrderService) Subscribe(subject string) *notification.Subscription {
	return s.hub.Subscribe(subject)
}

// Resume re-opens a feed and returns what was missed since lastEventID
func (s *OrderService) Resume(subject string, lastEventID uint64) (*notification.Subscription, []models.NotificationEvent) {
	return s.hub.Resume(subject, lastEventID)
}

// CatchUp returns buffered events for subject newer than sinceID
func (s *OrderService) CatchUp(subject string, sinceID uint64) []models.NotificationEvent {
	return s.hub.CatchUp(subject, sinceID)
}

// Unread returns the subject's unread count
func (s *OrderService) Unread(subject string) uint64 {
	return s.hub.Unread(subject)
}

// MarkRead clears the subject's unread count
func (s *OrderService) MarkRead(subject string) uint64 {
	return s.hub.MarkRead(subject)
}

// PruneNotifications drops expired backlog entries
func (s *OrderService) PruneNotifications() int {
	return s.hub.Prune()
}

// SearchOrders queries the order projection
func (s *OrderService) SearchOrders(ctx context.Context, q search.Query) ([]models.OrderRecord, error) {
	if s.search == nil {
		return nil, apperrors.Newf(apperrors.ErrInvalidRequest, "search is not configured")
	}
	txn, end := s.transaction(ctx, "search-orders")
	defer end()

	records, err := s.search.SearchOrders(ctx, q)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, errors.Wrap(err, "order search failed")
	}
	return records, nil
}

// Metrics exposes the shared metrics registry
func (s *OrderService) Metrics() *metrics.Metrics {
	return s.metrics
}

// transaction reuses the request's transaction when the router already started one
func (s *OrderService) transaction(ctx context.Context, name string) (*newrelic.Transaction, func()) {
	if txn := newrelic.FromContext(ctx); txn != nil {
		return txn, func() {}
	}
	txn := s.tracer.StartTransaction(name)
	return txn, func() { s.tracer.EndTransaction(txn) }
}

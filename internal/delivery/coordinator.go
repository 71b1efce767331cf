// Package delivery translates partner actions into order transitions.
package delivery

import (
	"context"
	"time"

	"example.com/backstage/services/orders/internal/apperrors"
	"example.com/backstage/services/orders/internal/lifecycle"
	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// OTPValidator issues and checks the delivery OTP of an order
type OTPValidator interface {
	IssueOtp(ctx context.Context, orderID string) error
	ValidateOtp(ctx context.Context, orderID, proof string) (bool, error)
}

// AddressProvider returns the addresses copied into a new assignment
type AddressProvider interface {
	DeliverySnapshot(ctx context.Context, buyerID, partnerID string) (models.AddressSnapshot, error)
}

// Orders is the part of the lifecycle the coordinator drives
type Orders interface {
	Get(ctx context.Context, trackID string) (*lifecycle.Snapshot, error)
	Mutate(ctx context.Context, trackID string, kind models.EventKind, fn lifecycle.Mutation) (*lifecycle.Snapshot, bool, error)
}

// Result reports what a partner command did to each item
type Result struct {
	Order           *lifecycle.Snapshot `json:"-"`
	Changed         bool                `json:"changed"`
	Advanced        []string            `json:"advanced"`
	AlreadyAtTarget []string            `json:"already_at_target"`
	NotYetEligible  []string            `json:"not_yet_eligible"`

	// set when this command shipped the order's first items
	firstShipment bool
}

// Coordinator handles partner commands
type Coordinator struct {
	orders    Orders
	otp       OTPValidator
	addresses AddressProvider
	metrics   *metrics.Metrics
	timeout   time.Duration
}

// NewCoordinator creates a coordinator. A zero timeout disables the command deadline.
func NewCoordinator(orders Orders, otp OTPValidator, addresses AddressProvider, m *metrics.Metrics, timeout time.Duration) *Coordinator {
	return &Coordinator{
		orders:    orders,
		otp:       otp,
		addresses: addresses,
		metrics:   m,
		timeout:   timeout,
	}
}

// Accept assigns the order to the partner and moves its placed items to Assigned
func (c *Coordinator) Accept(ctx context.Context, trackID, partnerID string) (*Result, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.orders.Get(ctx, trackID)
	if err != nil {
		return nil, err
	}

	var addr *models.AddressSnapshot
	if cur.Order.Assignment == nil {
		snap, err := c.addresses.DeliverySnapshot(ctx, cur.Order.BuyerID, partnerID)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load delivery addresses for order %s", trackID)
		}
		addr = &snap
	}

	return c.apply(ctx, trackID, partnerID, models.StatusAssigned, addr)
}

// MarkPickedUp records that the partner collected the order
func (c *Coordinator) MarkPickedUp(ctx context.Context, trackID, partnerID string) (*Result, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.apply(ctx, trackID, partnerID, models.StatusPickedUp, nil)
}

// MarkShipped records that the order is on its way. The delivery OTP is issued
// with the first shipment only, later batches reuse it.
func (c *Coordinator) MarkShipped(ctx context.Context, trackID, partnerID string) (*Result, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.apply(ctx, trackID, partnerID, models.StatusShipped, nil)
	if err != nil {
		return nil, err
	}
	if res.Changed && res.firstShipment {
		if err := c.otp.IssueOtp(ctx, trackID); err != nil {
			log.Error().Err(err).Str("order_id", trackID).Msg("Failed to issue delivery OTP")
		}
	}
	return res, nil
}

// MarkDelivered completes the order once the buyer's OTP proof validates.
// A rejected proof changes nothing and emits nothing.
func (c *Coordinator) MarkDelivered(ctx context.Context, trackID, partnerID, proof string) (*Result, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.orders.Get(ctx, trackID)
	if err != nil {
		return nil, err
	}
	if err := checkPartner(cur.Order, partnerID, models.StatusDelivered); err != nil {
		return nil, err
	}

	// replays of a completed delivery do not need the proof again
	if !delivered(cur.Order) {
		ok, err := c.otp.ValidateOtp(ctx, trackID, proof)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to validate OTP for order %s", trackID)
		}
		if !ok {
			log.Warn().Str("order_id", trackID).Str("partner_id", partnerID).Msg("Delivery OTP rejected")
			return nil, apperrors.Newf(apperrors.ErrOtpMismatch, "order %s", trackID)
		}
	}

	return c.apply(ctx, trackID, partnerID, models.StatusDelivered, nil)
}

func (c *Coordinator) apply(ctx context.Context, trackID, partnerID string, target models.ItemStatus, addr *models.AddressSnapshot) (*Result, error) {
	start := time.Now()
	defer c.metrics.MeasureSince("delivery."+string(target), start)

	var res Result
	snap, changed, err := c.orders.Mutate(ctx, trackID, models.EventDeliveryUpdate, func(draft *models.Order, now time.Time) (bool, error) {
		res = Result{firstShipment: target == models.StatusShipped && !shipped(draft)}

		if target == models.StatusAssigned && draft.Assignment == nil {
			if addr == nil {
				return false, apperrors.Newf(apperrors.ErrConflict, "order %s changed while being accepted", trackID)
			}
			draft.Assignment = &models.DeliveryAssignment{
				TrackID:         draft.TrackID,
				PartnerID:       partnerID,
				PickupLocation:  addr.PickupLocation,
				DeliveryAddress: addr.DeliveryAddress,
				AssignedAt:      now,
				Leg:             models.StatusAssigned,
			}
		}
		if err := checkPartner(draft, partnerID, target); err != nil {
			return false, err
		}

		for i := range draft.Items {
			item := &draft.Items[i]
			switch {
			case item.Status == models.StatusCancelled:
				continue
			case item.Status.Rank() >= target.Rank():
				res.AlreadyAtTarget = append(res.AlreadyAtTarget, item.ID)
			case item.Status == models.StatusPendingGroup,
				item.Status == models.StatusPlaced && target != models.StatusAssigned:
				res.NotYetEligible = append(res.NotYetEligible, item.ID)
			default:
				if err := lifecycle.Advance(item, target, now); err != nil {
					return false, err
				}
				res.Advanced = append(res.Advanced, item.ID)
			}
		}

		if len(res.Advanced) == 0 && len(res.AlreadyAtTarget) == 0 {
			return false, apperrors.Newf(apperrors.ErrInvalidTransition,
				"order %s has no items eligible for %s", trackID, target)
		}
		if len(res.Advanced) == 0 {
			return false, nil
		}

		draft.Assignment.Leg = leg(draft)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	res.Order = snap
	res.Changed = changed
	if changed {
		log.Info().
			Str("order_id", trackID).
			Str("partner_id", partnerID).
			Str("leg", string(target)).
			Int("items", len(res.Advanced)).
			Int("not_yet_eligible", len(res.NotYetEligible)).
			Msg("Delivery leg recorded")
	}
	return &res, nil
}

func (c *Coordinator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// checkPartner rejects commands from anyone but the assigned partner
func checkPartner(o *models.Order, partnerID string, target models.ItemStatus) error {
	if o.Assignment == nil {
		if target == models.StatusAssigned {
			return nil
		}
		return apperrors.Newf(apperrors.ErrInvalidTransition, "order %s has not been accepted by a partner", o.TrackID)
	}
	if o.Assignment.PartnerID != partnerID {
		return apperrors.Newf(apperrors.ErrConflict, "order %s is assigned to another partner", o.TrackID)
	}
	return nil
}

// leg is the least advanced stage among the assigned items
func leg(o *models.Order) models.ItemStatus {
	current := models.StatusDelivered
	for i := range o.Items {
		s := o.Items[i].Status
		if s.Rank() < models.StatusAssigned.Rank() {
			continue
		}
		if s.Rank() < current.Rank() {
			current = s
		}
	}
	return current
}

// shipped reports whether any item of the order has left with the partner
func shipped(o *models.Order) bool {
	for i := range o.Items {
		if o.Items[i].ShippedAt != nil {
			return true
		}
	}
	return false
}

func delivered(o *models.Order) bool {
	found := false
	for i := range o.Items {
		switch o.Items[i].Status {
		case models.StatusCancelled:
			continue
		case models.StatusDelivered:
			found = true
		default:
			return false
		}
	}
	return found
}

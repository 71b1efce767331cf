package cart

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"example.com/backstage/services/orders/internal/apperrors"
	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Line is one cart entry as handed over by the cart service
type Line struct {
	ProductID string          `json:"product_id" validate:"required"`
	Quantity  int             `json:"qty" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	GroupID   string          `json:"group_id,omitempty"`
}

// Source reads and clears a buyer's carts
type Source interface {
	GetCart(ctx context.Context, buyerID string, kind models.OrderKind) ([]Line, error)
	ClearCart(ctx context.Context, buyerID string, kind models.OrderKind) error
}

// Placer persists the produced orders atomically
type Placer interface {
	PlaceOrders(ctx context.Context, orders []*models.Order) error
}

// PromoBook prices promo codes
type PromoBook interface {
	Discount(ctx context.Context, code string, subtotal decimal.Decimal) (decimal.Decimal, error)
}

// Mode selects which carts a checkout consumes
type Mode string

const (
	ModeAuto Mode = "auto"
	ModeBoth Mode = "both"
	ModeOne  Mode = "one"
)

// Choice is the buyer's checkout decision
type Choice struct {
	Mode          Mode                 `json:"mode" validate:"omitempty,oneof=auto both one"`
	Kind          models.OrderKind     `json:"kind,omitempty" validate:"required_if=Mode one,omitempty,oneof=regular group"`
	PromoCode     string               `json:"promo_code,omitempty"`
	PaymentMethod models.PaymentMethod `json:"payment_method,omitempty"`
}

// Consolidator turns cart snapshots into orders
type Consolidator struct {
	source   Source
	placer   Placer
	promos   PromoBook
	validate *validator.Validate
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewConsolidator creates a consolidator. promos may be nil.
func NewConsolidator(source Source, placer Placer, promos PromoBook, m *metrics.Metrics) *Consolidator {
	return &Consolidator{
		source:   source,
		placer:   placer,
		promos:   promos,
		validate: validator.New(),
		metrics:  m,
		now:      time.Now,
	}
}

// Checkout snapshots the chosen carts into orders. Either every order is
// placed and the consumed carts are cleared, or nothing changes.
func (c *Consolidator) Checkout(ctx context.Context, buyerID string, choice Choice) ([]*models.Order, error) {
	start := time.Now()
	defer c.metrics.MeasureSince("checkout", start)

	orders, kinds, err := c.build(ctx, buyerID, choice)
	if err != nil {
		c.metrics.IncrementCounter(metrics.CheckoutFailures)
		return nil, err
	}

	if err := c.placer.PlaceOrders(ctx, orders); err != nil {
		c.metrics.IncrementCounter(metrics.CheckoutFailures)
		log.Error().Err(err).Str("buyer_id", buyerID).Msg("Failed to place orders")
		return nil, apperrors.Newf(apperrors.ErrCheckoutFailed, "could not place orders: %v", err)
	}

	for _, kind := range kinds {
		if err := c.source.ClearCart(ctx, buyerID, kind); err != nil {
			// orders exist already, a leftover cart is only cosmetic
			log.Error().Err(err).Str("buyer_id", buyerID).Str("kind", string(kind)).Msg("Failed to clear cart after checkout")
		}
	}

	for _, o := range orders {
		log.Info().
			Str("order_id", o.TrackID).
			Str("buyer_id", buyerID).
			Str("kind", string(o.Kind)).
			Str("total", o.TotalAmount.StringFixed(2)).
			Msg("Order placed")
	}
	return orders, nil
}

func (c *Consolidator) build(ctx context.Context, buyerID string, choice Choice) ([]*models.Order, []models.OrderKind, error) {
	if buyerID == "" {
		return nil, nil, apperrors.Newf(apperrors.ErrCheckoutFailed, "buyer id is required")
	}
	if choice.Mode == "" {
		choice.Mode = ModeAuto
	}
	if err := c.validate.Struct(choice); err != nil {
		return nil, nil, apperrors.Newf(apperrors.ErrCheckoutFailed, "invalid choice: %v", err)
	}

	regular, err := c.source.GetCart(ctx, buyerID, models.KindRegular)
	if err != nil {
		return nil, nil, apperrors.Newf(apperrors.ErrCheckoutFailed, "could not read regular cart: %v", err)
	}
	group, err := c.source.GetCart(ctx, buyerID, models.KindGroup)
	if err != nil {
		return nil, nil, apperrors.Newf(apperrors.ErrCheckoutFailed, "could not read group cart: %v", err)
	}

	kinds, err := selectKinds(choice, len(regular) > 0, len(group) > 0)
	if err != nil {
		return nil, nil, err
	}

	orderDate := c.now()
	orders := make([]*models.Order, 0, len(kinds))
	for _, kind := range kinds {
		lines := regular
		if kind == models.KindGroup {
			lines = group
		}
		o, err := c.snapshot(ctx, buyerID, kind, lines, choice, orderDate)
		if err != nil {
			return nil, nil, err
		}
		orders = append(orders, o)
	}
	return orders, kinds, nil
}

// selectKinds never merges the two carts into one order
func selectKinds(choice Choice, hasRegular, hasGroup bool) ([]models.OrderKind, error) {
	switch {
	case !hasRegular && !hasGroup:
		return nil, apperrors.Newf(apperrors.ErrCheckoutFailed, "both carts are empty")
	case choice.Mode == ModeOne:
		if (choice.Kind == models.KindRegular && !hasRegular) || (choice.Kind == models.KindGroup && !hasGroup) {
			return nil, apperrors.Newf(apperrors.ErrCheckoutFailed, "%s cart is empty", choice.Kind)
		}
		return []models.OrderKind{choice.Kind}, nil
	case hasRegular && hasGroup:
		if choice.Mode != ModeBoth {
			return nil, apperrors.Newf(apperrors.ErrCheckoutFailed, "both carts have items, choose both or one")
		}
		return []models.OrderKind{models.KindRegular, models.KindGroup}, nil
	case hasRegular:
		return []models.OrderKind{models.KindRegular}, nil
	default:
		return []models.OrderKind{models.KindGroup}, nil
	}
}

func (c *Consolidator) snapshot(ctx context.Context, buyerID string, kind models.OrderKind, lines []Line, choice Choice, orderDate time.Time) (*models.Order, error) {
	o := &models.Order{
		TrackID:   NewTrackID(),
		BuyerID:   buyerID,
		Kind:      kind,
		OrderDate: orderDate,
		Items:     make([]models.OrderItem, 0, len(lines)),
	}

	subtotal := decimal.Zero
	for i, line := range lines {
		if err := c.validate.Struct(line); err != nil {
			return nil, apperrors.Newf(apperrors.ErrCheckoutFailed, "%s cart line %d: %v", kind, i+1, err)
		}
		if line.UnitPrice.IsNegative() {
			return nil, apperrors.Newf(apperrors.ErrCheckoutFailed, "%s cart line %d: negative price", kind, i+1)
		}

		item := models.OrderItem{
			ID:        uuid.New().String(),
			TrackID:   o.TrackID,
			Position:  i,
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		}
		switch kind {
		case models.KindGroup:
			if line.GroupID == "" {
				return nil, apperrors.Newf(apperrors.ErrCheckoutFailed, "group cart line %d has no group id", i+1)
			}
			gid := line.GroupID
			item.GroupID = &gid
		default:
			if line.GroupID != "" {
				return nil, apperrors.Newf(apperrors.ErrCheckoutFailed, "regular cart line %d references group %s", i+1, line.GroupID)
			}
		}

		o.Items = append(o.Items, item)
		subtotal = subtotal.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}

	switch kind {
	case models.KindGroup:
		o.PaymentMethod = models.PaymentCashOnDelivery
	default:
		o.PaymentMethod = choice.PaymentMethod
		if o.PaymentMethod == "" {
			o.PaymentMethod = models.PaymentCard
		}
		if !o.PaymentMethod.Valid() {
			return nil, apperrors.Newf(apperrors.ErrCheckoutFailed, "unsupported payment method %s", o.PaymentMethod)
		}
	}

	total := subtotal
	if kind == models.KindRegular && choice.PromoCode != "" {
		if c.promos == nil {
			return nil, apperrors.Newf(apperrors.ErrCheckoutFailed, "promo codes are not accepted")
		}
		discount, err := c.promos.Discount(ctx, choice.PromoCode, subtotal)
		if err != nil {
			return nil, apperrors.Newf(apperrors.ErrCheckoutFailed, "promo %s: %v", choice.PromoCode, err)
		}
		if discount.GreaterThan(subtotal) {
			discount = subtotal
		}
		code := choice.PromoCode
		o.PromoCode = &code
		o.PromoDiscount = discount.Round(2)
		total = subtotal.Sub(o.PromoDiscount)
	}
	o.TotalAmount = total.Round(2)
	return o, nil
}

// NewTrackID returns an opaque shareable order id
func NewTrackID() string {
	id := uuid.New()
	return "TRK" + strings.ToUpper(hex.EncodeToString(id[:]))
}

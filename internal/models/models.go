package models

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order is one checkout result. Its item set never changes after creation.
type Order struct {
	TrackID       string              `gorm:"primaryKey;size:64" json:"track_id"`
	BuyerID       string              `gorm:"index;not null" json:"buyer_id"`
	Kind          OrderKind           `gorm:"size:16;not null" json:"kind"`
	OrderDate     time.Time           `gorm:"not null" json:"order_date"`
	TotalAmount   decimal.Decimal     `gorm:"type:numeric(14,2);not null" json:"total_amount"`
	PaymentMethod PaymentMethod       `gorm:"size:32;not null" json:"payment_method"`
	Status        ItemStatus          `gorm:"size:32;index;not null" json:"status"`
	PromoCode     *string             `gorm:"size:64" json:"promo_code,omitempty"`
	PromoDiscount decimal.Decimal     `gorm:"type:numeric(14,2);default:0" json:"promo_discount"`
	Version       int                 `gorm:"not null;default:1" json:"version"`
	Items         []OrderItem         `gorm:"foreignKey:TrackID;references:TrackID" json:"items"`
	Assignment    *DeliveryAssignment `gorm:"foreignKey:TrackID;references:TrackID" json:"assignment,omitempty"`
	CreatedAt     time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// OrderItem is a line of an order with its own canonical status
type OrderItem struct {
	ID           string          `gorm:"primaryKey;size:64" json:"item_id"`
	TrackID      string          `gorm:"index;size:64;not null" json:"track_id"`
	Position     int             `gorm:"not null" json:"position"`
	ProductID    string          `gorm:"size:64;not null" json:"product_id"`
	Quantity     int             `gorm:"not null" json:"quantity"`
	UnitPrice    decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"unit_price"`
	GroupID      *string         `gorm:"size:64;index" json:"group_id,omitempty"`
	Status       ItemStatus      `gorm:"size:32;not null" json:"status"`
	CancelReason *CancelReason   `gorm:"size:32" json:"cancel_reason,omitempty"`
	PlacedAt     *time.Time      `json:"placed_at"`
	AssignedAt   *time.Time      `json:"assigned_at"`
	PickedUpAt   *time.Time      `json:"picked_up_at"`
	ShippedAt    *time.Time      `json:"shipped_at"`
	DeliveredAt  *time.Time      `json:"delivered_at"`
	CancelledAt  *time.Time      `json:"cancelled_at"`
}

// DeliveryAssignment binds an order to the partner delivering it
type DeliveryAssignment struct {
	TrackID         string     `gorm:"primaryKey;size:64" json:"track_id"`
	PartnerID       string     `gorm:"index;size:64;not null" json:"partner_id"`
	PickupLocation  string     `json:"pickup_location"`
	DeliveryAddress string     `json:"delivery_address"`
	AssignedAt      time.Time  `gorm:"not null" json:"assigned_at"`
	Leg             ItemStatus `gorm:"size:32;not null" json:"leg"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// AddressSnapshot is the read-only address data copied into an assignment
type AddressSnapshot struct {
	PickupLocation  string `json:"pickup_location"`
	DeliveryAddress string `json:"delivery_address"`
}

// Event is an outbox row written in the same transaction as the order change
type Event struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	EventID       string    `gorm:"uniqueIndex;size:64" json:"event_id"`
	AggregateID   string    `gorm:"index;size:64" json:"aggregate_id"`
	AggregateType string    `gorm:"size:32" json:"aggregate_type"`
	EventType     string    `gorm:"size:64" json:"event_type"`
	Data          []byte    `gorm:"type:jsonb" json:"data"`
	Version       int       `json:"version"`
	Timestamp     time.Time `gorm:"index" json:"timestamp"`
	CreatedAt     time.Time `json:"created_at"`
	Error         *string   `json:"error"`
	Processed     bool      `gorm:"index" json:"processed"`
}

// GroupBuy is the membership service's view of a group purchase
type GroupBuy struct {
	GroupID             string      `json:"group_id"`
	RequiredMemberCount int         `json:"required_member_count"`
	CurrentMemberCount  int         `json:"current_member_count"`
	Status              GroupStatus `json:"status"`
	Expiry              time.Time   `json:"expiry"`
}

// GroupResolution is what the tracker reports for a group at a point in time
type GroupResolution struct {
	GroupID          string      `json:"group_id"`
	Status           GroupStatus `json:"status"`
	RemainingMembers int         `json:"remaining_members"`
	Expiry           time.Time   `json:"expiry"`
	FetchedAt        time.Time   `json:"fetched_at"`
	Stale            bool        `json:"stale"`
}

// Clone returns a deep copy that can be edited without affecting o
func (o *Order) Clone() *Order {
	c := *o
	c.Items = make([]OrderItem, len(o.Items))
	copy(c.Items, o.Items)
	if o.Assignment != nil {
		a := *o.Assignment
		c.Assignment = &a
	}
	return &c
}

// DeriveStatus computes the overall status from the item statuses
func (o *Order) DeriveStatus() ItemStatus {
	overall := StatusCancelled
	for _, item := range o.Items {
		if item.Status == StatusCancelled {
			continue
		}
		if overall == StatusCancelled || item.Status.Rank() < overall.Rank() {
			overall = item.Status
		}
	}
	return overall
}

// EffectiveStatus is the display status of the whole order
func (o *Order) EffectiveStatus() EffectiveStatus {
	overall := o.DeriveStatus()
	if overall != StatusCancelled {
		return Effective(overall, nil)
	}
	for _, item := range o.Items {
		if item.CancelReason == nil || *item.CancelReason != CancelReasonGroupFailed {
			return EffectiveCancelled
		}
	}
	return EffectiveGroupFailed
}

// EffectiveStatus is the display status of a single item
func (i *OrderItem) EffectiveStatus() EffectiveStatus {
	return Effective(i.Status, i.CancelReason)
}

// GroupIDs lists the distinct groups referenced by the order
func (o *Order) GroupIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, item := range o.Items {
		if item.GroupID == nil {
			continue
		}
		if _, ok := seen[*item.GroupID]; ok {
			continue
		}
		seen[*item.GroupID] = struct{}{}
		ids = append(ids, *item.GroupID)
	}
	return ids
}

// HasPendingGroup reports whether any item still waits on groupID
func (o *Order) HasPendingGroup(groupID string) bool {
	for _, item := range o.Items {
		if item.Status == StatusPendingGroup && item.GroupID != nil && *item.GroupID == groupID {
			return true
		}
	}
	return false
}

// SetupModels runs the migrations for every persisted model
func SetupModels(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Order{},
		&OrderItem{},
		&DeliveryAssignment{},
		&Event{},
	); err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}
	return nil
}

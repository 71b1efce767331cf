package models

// ItemStatus is the canonical lifecycle state of an order item
type ItemStatus string

const (
	StatusPendingGroup ItemStatus = "pending_group_resolution"
	StatusPlaced       ItemStatus = "placed"
	StatusAssigned     ItemStatus = "assigned"
	StatusPickedUp     ItemStatus = "picked_up"
	StatusShipped      ItemStatus = "shipped"
	StatusDelivered    ItemStatus = "delivered"
	StatusCancelled    ItemStatus = "cancelled"
)

var statusRank = map[ItemStatus]int{
	StatusPendingGroup: 0,
	StatusPlaced:       1,
	StatusAssigned:     2,
	StatusPickedUp:     3,
	StatusShipped:      4,
	StatusDelivered:    5,
}

// Rank orders the forward states. Cancelled and unknown values rank -1.
func (s ItemStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// IsTerminal reports whether no further transitions leave s
func (s ItemStatus) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Valid reports whether s is a known status
func (s ItemStatus) Valid() bool {
	return s == StatusCancelled || s.Rank() >= 0
}

// CancelReason records why an item was cancelled
type CancelReason string

const (
	CancelReasonBuyer       CancelReason = "buyer"
	CancelReasonGroupFailed CancelReason = "group_failed"
)

// EffectiveStatus is the status shown to clients
type EffectiveStatus string

const (
	EffectivePendingToShare EffectiveStatus = "Pending to share"
	EffectivePlaced         EffectiveStatus = "Placed"
	EffectiveAssigned       EffectiveStatus = "Assigned"
	EffectivePickedUp       EffectiveStatus = "Picked up"
	EffectiveShipped        EffectiveStatus = "Shipped"
	EffectiveDelivered      EffectiveStatus = "Delivered"
	EffectiveCancelled      EffectiveStatus = "Cancelled"
	EffectiveGroupFailed    EffectiveStatus = "Cancelled (group failed)"
)

var effectiveLabels = map[ItemStatus]EffectiveStatus{
	StatusPendingGroup: EffectivePendingToShare,
	StatusPlaced:       EffectivePlaced,
	StatusAssigned:     EffectiveAssigned,
	StatusPickedUp:     EffectivePickedUp,
	StatusShipped:      EffectiveShipped,
	StatusDelivered:    EffectiveDelivered,
	StatusCancelled:    EffectiveCancelled,
}

// Effective maps a canonical status to its display label
func Effective(s ItemStatus, reason *CancelReason) EffectiveStatus {
	if s == StatusCancelled && reason != nil && *reason == CancelReasonGroupFailed {
		return EffectiveGroupFailed
	}
	return effectiveLabels[s]
}

// GroupStatus is the resolution state of a group-buy
type GroupStatus string

const (
	GroupPending  GroupStatus = "Pending"
	GroupComplete GroupStatus = "Complete"
	GroupExpired  GroupStatus = "Expired"
)

// IsTerminal reports whether the group can no longer change
func (s GroupStatus) IsTerminal() bool {
	return s == GroupComplete || s == GroupExpired
}

// OrderKind separates regular orders from group-buy orders
type OrderKind string

const (
	KindRegular OrderKind = "regular"
	KindGroup   OrderKind = "group"
)

// PaymentMethod is how the buyer pays for an order
type PaymentMethod string

const (
	PaymentCard           PaymentMethod = "card"
	PaymentCashOnDelivery PaymentMethod = "cash_on_delivery"
	PaymentWallet         PaymentMethod = "wallet"
)

// Valid reports whether p is a supported payment method
func (p PaymentMethod) Valid() bool {
	switch p {
	case PaymentCard, PaymentCashOnDelivery, PaymentWallet:
		return true
	}
	return false
}

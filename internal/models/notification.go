package models

import "time"

// EventKind classifies notification events
type EventKind string

const (
	EventOrderPlaced    EventKind = "OrderPlaced"
	EventStatusChanged  EventKind = "StatusChanged"
	EventGroupResolved  EventKind = "GroupResolved"
	EventDeliveryUpdate EventKind = "DeliveryUpdate"
)

// NotificationEvent is pushed to subscribers and kept in the catch-up buffer
type NotificationEvent struct {
	ID        uint64                 `json:"event_id"`
	Kind      EventKind              `json:"kind"`
	OrderID   string                 `json:"order_id,omitempty"`
	GroupID   string                 `json:"group_id,omitempty"`
	PartnerID string                 `json:"partner_id,omitempty"`
	BuyerID   string                 `json:"buyer_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

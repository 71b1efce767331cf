package models

import (
	"encoding/json"
	"time"
)

// RecordSchemaVersion is bumped whenever a record field changes meaning
const RecordSchemaVersion = 1

// OrderRecord is the flat interchange form of an order
type OrderRecord struct {
	SchemaVersion   int               `json:"schema_version"`
	TrackID         string            `json:"track_id"`
	BuyerID         string            `json:"buyer_id"`
	Kind            string            `json:"kind"`
	OrderDate       time.Time         `json:"order_date"`
	TotalAmount     string            `json:"total_amount"`
	PaymentMethod   string            `json:"payment_method"`
	Status          string            `json:"status"`
	EffectiveStatus string            `json:"effective_status"`
	PromoCode       *string           `json:"promo_code"`
	PromoDiscount   *string           `json:"promo_discount"`
	Version         int               `json:"version"`
	PartnerID       *string           `json:"partner_id"`
	PickupLocation  *string           `json:"pickup_location"`
	DeliveryAddress *string           `json:"delivery_address"`
	AssignedAt      *time.Time        `json:"assigned_at"`
	Leg             *string           `json:"leg"`
	Items           []OrderItemRecord `json:"items"`
}

// OrderItemRecord is the flat interchange form of an order item
type OrderItemRecord struct {
	ItemID          string     `json:"item_id"`
	ProductID       string     `json:"product_id"`
	Quantity        int        `json:"quantity"`
	UnitPrice       string     `json:"unit_price"`
	GroupID         *string    `json:"group_id"`
	Status          string     `json:"status"`
	EffectiveStatus string     `json:"effective_status"`
	CancelReason    *string    `json:"cancel_reason"`
	PlacedAt        *time.Time `json:"placed_at"`
	AssignedAt      *time.Time `json:"assigned_at"`
	PickedUpAt      *time.Time `json:"picked_up_at"`
	ShippedAt       *time.Time `json:"shipped_at"`
	DeliveredAt     *time.Time `json:"delivered_at"`
	CancelledAt     *time.Time `json:"cancelled_at"`
}

// EventRecord is the flat interchange form of a notification event
type EventRecord struct {
	SchemaVersion int             `json:"schema_version"`
	EventID       uint64          `json:"event_id"`
	Kind          string          `json:"kind"`
	OrderID       *string         `json:"order_id"`
	GroupID       *string         `json:"group_id"`
	PartnerID     *string         `json:"partner_id"`
	BuyerID       *string         `json:"buyer_id"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewOrderRecord flattens an order
func NewOrderRecord(o *Order) OrderRecord {
	rec := OrderRecord{
		SchemaVersion:   RecordSchemaVersion,
		TrackID:         o.TrackID,
		BuyerID:         o.BuyerID,
		Kind:            string(o.Kind),
		OrderDate:       o.OrderDate,
		TotalAmount:     o.TotalAmount.StringFixed(2),
		PaymentMethod:   string(o.PaymentMethod),
		Status:          string(o.DeriveStatus()),
		EffectiveStatus: string(o.EffectiveStatus()),
		PromoCode:       o.PromoCode,
		Version:         o.Version,
		Items:           make([]OrderItemRecord, 0, len(o.Items)),
	}
	if o.PromoCode != nil {
		discount := o.PromoDiscount.StringFixed(2)
		rec.PromoDiscount = &discount
	}
	if a := o.Assignment; a != nil {
		leg := string(a.Leg)
		assignedAt := a.AssignedAt
		rec.PartnerID = stringPtr(a.PartnerID)
		rec.PickupLocation = stringPtr(a.PickupLocation)
		rec.DeliveryAddress = stringPtr(a.DeliveryAddress)
		rec.AssignedAt = &assignedAt
		rec.Leg = &leg
	}
	for i := range o.Items {
		item := &o.Items[i]
		ir := OrderItemRecord{
			ItemID:          item.ID,
			ProductID:       item.ProductID,
			Quantity:        item.Quantity,
			UnitPrice:       item.UnitPrice.StringFixed(2),
			GroupID:         item.GroupID,
			Status:          string(item.Status),
			EffectiveStatus: string(item.EffectiveStatus()),
			PlacedAt:        item.PlacedAt,
			AssignedAt:      item.AssignedAt,
			PickedUpAt:      item.PickedUpAt,
			ShippedAt:       item.ShippedAt,
			DeliveredAt:     item.DeliveredAt,
			CancelledAt:     item.CancelledAt,
		}
		if item.CancelReason != nil {
			ir.CancelReason = stringPtr(string(*item.CancelReason))
		}
		rec.Items = append(rec.Items, ir)
	}
	return rec
}

// NewEventRecord flattens a notification event
func NewEventRecord(e NotificationEvent) (EventRecord, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return EventRecord{}, err
	}
	return EventRecord{
		SchemaVersion: RecordSchemaVersion,
		EventID:       e.ID,
		Kind:          string(e.Kind),
		OrderID:       optional(e.OrderID),
		GroupID:       optional(e.GroupID),
		PartnerID:     optional(e.PartnerID),
		BuyerID:       optional(e.BuyerID),
		Payload:       payload,
		CreatedAt:     e.CreatedAt,
	}, nil
}

func stringPtr(s string) *string {
	return &s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

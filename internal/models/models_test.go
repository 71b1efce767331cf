package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orderWith(statuses ...ItemStatus) *Order {
	o := &Order{TrackID: "TRK1", BuyerID: "b1"}
	for i, s := range statuses {
		o.Items = append(o.Items, OrderItem{ID: string(rune('a' + i)), Status: s})
	}
	return o
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []ItemStatus
		want     ItemStatus
	}{
		{"least advanced wins", []ItemStatus{StatusShipped, StatusAssigned, StatusDelivered}, StatusAssigned},
		{"pending group is least advanced", []ItemStatus{StatusPlaced, StatusPendingGroup}, StatusPendingGroup},
		{"cancelled items ignored", []ItemStatus{StatusCancelled, StatusPickedUp}, StatusPickedUp},
		{"all delivered", []ItemStatus{StatusDelivered, StatusDelivered}, StatusDelivered},
		{"delivered with cancelled", []ItemStatus{StatusDelivered, StatusCancelled}, StatusDelivered},
		{"all cancelled", []ItemStatus{StatusCancelled, StatusCancelled}, StatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, orderWith(tt.statuses...).DeriveStatus())
		})
	}
}

func TestEffectiveStatus(t *testing.T) {
	require.Equal(t, EffectivePendingToShare, orderWith(StatusPendingGroup, StatusPlaced).EffectiveStatus())

	groupFailed := CancelReasonGroupFailed
	o := orderWith(StatusCancelled)
	o.Items[0].CancelReason = &groupFailed
	require.Equal(t, EffectiveGroupFailed, o.EffectiveStatus())
	require.Equal(t, EffectiveGroupFailed, o.Items[0].EffectiveStatus())

	buyer := CancelReasonBuyer
	o.Items = append(o.Items, OrderItem{Status: StatusCancelled, CancelReason: &buyer})
	require.Equal(t, EffectiveCancelled, o.EffectiveStatus())
}

func TestCloneIsIndependent(t *testing.T) {
	o := orderWith(StatusPlaced)
	o.Assignment = &DeliveryAssignment{PartnerID: "p1", Leg: StatusAssigned}

	c := o.Clone()
	c.Items[0].Status = StatusAssigned
	c.Assignment.Leg = StatusPickedUp

	assert.Equal(t, StatusPlaced, o.Items[0].Status)
	assert.Equal(t, StatusAssigned, o.Assignment.Leg)
}

func TestGroupIDsDistinct(t *testing.T) {
	g1, g2 := "g1", "g2"
	o := &Order{Items: []OrderItem{{GroupID: &g1}, {GroupID: &g2}, {GroupID: &g1}, {}}}
	require.Equal(t, []string{"g1", "g2"}, o.GroupIDs())
}

func TestOrderRecordHasExplicitNullTimestamps(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	o := &Order{
		TrackID:     "TRK1",
		BuyerID:     "b1",
		Kind:        KindRegular,
		OrderDate:   now,
		TotalAmount: decimal.RequireFromString("12.5"),
		Items: []OrderItem{
			{ID: "i1", ProductID: "p1", Quantity: 1, UnitPrice: decimal.RequireFromString("12.5"), Status: StatusPlaced, PlacedAt: &now},
		},
	}

	data, err := json.Marshal(NewOrderRecord(o))
	require.NoError(t, err)

	var flat map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &flat))
	require.EqualValues(t, RecordSchemaVersion, flat["schema_version"])
	require.Equal(t, "12.50", flat["total_amount"])
	require.Contains(t, flat, "partner_id")
	require.Nil(t, flat["partner_id"])

	item := flat["items"].([]interface{})[0].(map[string]interface{})
	require.Contains(t, item, "delivered_at")
	require.Nil(t, item["delivered_at"])
	require.NotNil(t, item["placed_at"])
	require.Equal(t, "Placed", item["effective_status"])
}

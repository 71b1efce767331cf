package lifecycle

import (
	"time"

	"example.com/backstage/services/orders/internal/apperrors"
	"example.com/backstage/services/orders/internal/models"
)

var transitions = map[models.ItemStatus][]models.ItemStatus{
	models.StatusPendingGroup: {models.StatusPlaced, models.StatusCancelled},
	models.StatusPlaced:       {models.StatusAssigned, models.StatusCancelled},
	models.StatusAssigned:     {models.StatusPickedUp, models.StatusCancelled},
	models.StatusPickedUp:     {models.StatusShipped, models.StatusCancelled},
	models.StatusShipped:      {models.StatusDelivered, models.StatusCancelled},
}

// CanTransition reports whether the state machine allows from -> to
func CanTransition(from, to models.ItemStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Previous returns the state an item must be in to move forward to s
func Previous(s models.ItemStatus) (models.ItemStatus, bool) {
	for from, targets := range transitions {
		for _, to := range targets {
			if to == s && s != models.StatusCancelled {
				return from, true
			}
		}
	}
	return "", false
}

// Advance moves an item forward one step and stamps the transition time
func Advance(item *models.OrderItem, to models.ItemStatus, now time.Time) error {
	if to == models.StatusCancelled {
		return apperrors.Newf(apperrors.ErrInvalidTransition, "use Cancel to cancel item %s", item.ID)
	}
	if !CanTransition(item.Status, to) {
		return apperrors.Newf(apperrors.ErrInvalidTransition, "item %s: %s -> %s", item.ID, item.Status, to)
	}

	at := now
	switch to {
	case models.StatusPlaced:
		item.PlacedAt = &at
	case models.StatusAssigned:
		item.AssignedAt = &at
	case models.StatusPickedUp:
		item.PickedUpAt = &at
	case models.StatusShipped:
		item.ShippedAt = &at
	case models.StatusDelivered:
		item.DeliveredAt = &at
	}
	item.Status = to
	return nil
}

// Cancel moves a non-terminal item to Cancelled
func Cancel(item *models.OrderItem, reason models.CancelReason, now time.Time) error {
	if !CanTransition(item.Status, models.StatusCancelled) {
		return apperrors.Newf(apperrors.ErrInvalidTransition, "item %s: %s -> %s", item.ID, item.Status, models.StatusCancelled)
	}
	at := now
	item.Status = models.StatusCancelled
	item.CancelReason = &reason
	item.CancelledAt = &at
	return nil
}

// BuyerCancellable applies the buyer cancellation window. Regular items can be
// cancelled until a partner takes them. Group items only while their group is
// still open, since a met threshold commits every member.
func BuyerCancellable(item *models.OrderItem) bool {
	switch item.Status {
	case models.StatusPendingGroup:
		return true
	case models.StatusPlaced:
		return item.GroupID == nil
	}
	return false
}

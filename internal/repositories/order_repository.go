package repositories

import (
	"context"
	"time"

	"example.com/backstage/services/orders/internal/apperrors"
	"example.com/backstage/services/orders/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OrderRepository persists orders, their items, assignments and outbox events
type OrderRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewOrderRepository creates a new order repository. readOnlyDB may be nil.
func NewOrderRepository(db *gorm.DB, readOnlyDB *gorm.DB) *OrderRepository {
	if readOnlyDB == nil {
		readOnlyDB = db
	}
	return &OrderRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// CreateOrders inserts the orders and their events in one transaction
func (r *OrderRepository) CreateOrders(ctx context.Context, orders []*models.Order, events []models.Event) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, o := range orders {
			if err := tx.Create(o).Error; err != nil {
				return errors.Wrapf(err, "failed to create order %s", o.TrackID)
			}
		}
		if len(events) > 0 {
			if err := tx.Create(&events).Error; err != nil {
				return errors.Wrap(err, "failed to write outbox events")
			}
		}
		return nil
	})
}

// SaveOrder writes a new version of the order. The stored row must still be at
// order.Version-1, otherwise nothing is written and ErrConflict is returned.
func (r *OrderRepository) SaveOrder(ctx context.Context, order *models.Order, events []models.Event) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Order{}).
			Where("track_id = ? AND version = ?", order.TrackID, order.Version-1).
			Updates(map[string]interface{}{
				"status":     order.Status,
				"version":    order.Version,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return errors.Wrapf(res.Error, "failed to update order %s", order.TrackID)
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&models.Order{}).Where("track_id = ?", order.TrackID).Count(&count).Error; err != nil {
				return errors.Wrapf(err, "failed to check order %s", order.TrackID)
			}
			if count == 0 {
				return apperrors.Newf(apperrors.ErrNotFound, "order %s", order.TrackID)
			}
			return apperrors.Newf(apperrors.ErrConflict, "order %s was modified concurrently", order.TrackID)
		}

		for i := range order.Items {
			item := &order.Items[i]
			if err := tx.Model(&models.OrderItem{}).
				Where("id = ?", item.ID).
				Updates(map[string]interface{}{
					"status":        item.Status,
					"cancel_reason": item.CancelReason,
					"placed_at":     item.PlacedAt,
					"assigned_at":   item.AssignedAt,
					"picked_up_at":  item.PickedUpAt,
					"shipped_at":    item.ShippedAt,
					"delivered_at":  item.DeliveredAt,
					"cancelled_at":  item.CancelledAt,
				}).Error; err != nil {
				return errors.Wrapf(err, "failed to update item %s", item.ID)
			}
		}

		if order.Assignment != nil {
			upsert := clause.OnConflict{Columns: []clause.Column{{Name: "track_id"}}, UpdateAll: true}
			if err := tx.Clauses(upsert).Create(order.Assignment).Error; err != nil {
				return errors.Wrapf(err, "failed to save assignment of order %s", order.TrackID)
			}
		}

		if len(events) > 0 {
			if err := tx.Create(&events).Error; err != nil {
				return errors.Wrap(err, "failed to write outbox events")
			}
		}
		return nil
	})
}

// GetOrder loads one order with its items and assignment
func (r *OrderRepository) GetOrder(ctx context.Context, trackID string) (*models.Order, error) {
	var order models.Order
	err := withRelations(r.db.WithContext(ctx)).
		Where("track_id = ?", trackID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Newf(apperrors.ErrNotFound, "order %s", trackID)
		}
		return nil, errors.Wrap(err, "failed to get order")
	}
	return &order, nil
}

// ListOrders returns a buyer's orders, newest first
func (r *OrderRepository) ListOrders(ctx context.Context, buyerID string) ([]*models.Order, error) {
	var orders []*models.Order
	// Use read-only DB for reads
	err := withRelations(r.readOnlyDB.WithContext(ctx)).
		Where("buyer_id = ?", buyerID).
		Order("order_date DESC").
		Find(&orders).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list orders")
	}
	return orders, nil
}

// LoadOpenOrders returns every order that has not reached a terminal status
func (r *OrderRepository) LoadOpenOrders(ctx context.Context) ([]*models.Order, error) {
	var orders []*models.Order
	err := withRelations(r.db.WithContext(ctx)).
		Where("status NOT IN ?", []models.ItemStatus{models.StatusDelivered, models.StatusCancelled}).
		Find(&orders).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to load open orders")
	}
	return orders, nil
}

func withRelations(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Items", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC") }).
		Preload("Assignment")
}

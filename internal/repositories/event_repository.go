package repositories

import (
	"context"

	"example.com/backstage/services/orders/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// EventRepository reads and acknowledges outbox events
type EventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// GetUnprocessed returns the oldest unprocessed events
func (r *EventRepository) GetUnprocessed(ctx context.Context, limit int) ([]models.Event, error) {
	var events []models.Event
	err := r.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("timestamp ASC").
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get unprocessed events")
	}
	return events, nil
}

// MarkProcessed acknowledges an event
func (r *EventRepository) MarkProcessed(ctx context.Context, id uint) error {
	err := r.db.WithContext(ctx).Model(&models.Event{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed": true,
			"error":     nil,
		}).Error
	return errors.Wrap(err, "failed to mark event as processed")
}

// MarkFailed records why an event could not be projected. It stays unprocessed.
func (r *EventRepository) MarkFailed(ctx context.Context, id uint, reason string) error {
	err := r.db.WithContext(ctx).Model(&models.Event{}).
		Where("id = ?", id).
		Update("error", reason).Error
	return errors.Wrap(err, "failed to record event error")
}

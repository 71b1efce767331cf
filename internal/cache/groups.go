package cache

import (
	"context"
	"time"

	"example.com/backstage/services/orders/internal/models"
)

type cachedGroup struct {
	Group     models.GroupBuy `json:"group"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// GetGroup returns a group status cached by any process
func (c *RedisCache) GetGroup(ctx context.Context, groupID string) (*models.GroupBuy, time.Time, error) {
	var entry cachedGroup
	if err := c.Get(ctx, GroupKey(groupID), &entry); err != nil {
		return nil, time.Time{}, err
	}
	return &entry.Group, entry.FetchedAt, nil
}

// SetGroup shares a freshly fetched group status
func (c *RedisCache) SetGroup(ctx context.Context, group *models.GroupBuy, fetchedAt time.Time) error {
	return c.Set(ctx, GroupKey(group.GroupID), cachedGroup{Group: *group, FetchedAt: fetchedAt}, c.groupTTL)
}

// DeleteGroup drops a shared group status after an invalidation push
func (c *RedisCache) DeleteGroup(ctx context.Context, groupID string) error {
	if !c.Enabled() {
		return nil
	}
	return c.Delete(ctx, GroupKey(groupID))
}

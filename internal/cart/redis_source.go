package cart

import (
	"context"

	"example.com/backstage/services/orders/internal/cache"
	"example.com/backstage/services/orders/internal/models"

	"github.com/pkg/errors"
)

// RedisSource reads the carts the cart service keeps in Redis
type RedisSource struct {
	cache *cache.RedisCache
}

// NewRedisSource creates a cart source over the shared Redis cache
func NewRedisSource(c *cache.RedisCache) *RedisSource {
	return &RedisSource{cache: c}
}

// GetCart returns the cart lines. A missing key is an empty cart.
func (s *RedisSource) GetCart(ctx context.Context, buyerID string, kind models.OrderKind) ([]Line, error) {
	var lines []Line
	err := s.cache.Get(ctx, cache.CartKey(buyerID, string(kind)), &lines)
	if errors.Is(err, cache.ErrMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s cart", kind)
	}
	return lines, nil
}

// ClearCart removes the cart after a successful checkout
func (s *RedisSource) ClearCart(ctx context.Context, buyerID string, kind models.OrderKind) error {
	return s.cache.Delete(ctx, cache.CartKey(buyerID, string(kind)))
}

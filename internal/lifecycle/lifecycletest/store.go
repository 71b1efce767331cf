// Package lifecycletest provides an in-memory order store for tests.
package lifecycletest

import (
	"context"
	"sync"

	"example.com/backstage/services/orders/internal/apperrors"
	"example.com/backstage/services/orders/internal/models"
)

// MemStore keeps orders in memory and enforces the version check of a real store
type MemStore struct {
	mu      sync.Mutex
	orders  map[string]*models.Order
	events  []models.Event
	failErr error
}

// NewMemStore creates an empty store
func NewMemStore() *MemStore {
	return &MemStore{orders: make(map[string]*models.Order)}
}

// FailWith makes every write return err until it is reset with nil
func (s *MemStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Events returns a copy of the outbox rows written so far
func (s *MemStore) Events() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Event(nil), s.events...)
}

func (s *MemStore) CreateOrders(ctx context.Context, orders []*models.Order, events []models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	for _, o := range orders {
		s.orders[o.TrackID] = o.Clone()
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *MemStore) SaveOrder(ctx context.Context, order *models.Order, events []models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	cur, ok := s.orders[order.TrackID]
	if !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "order %s", order.TrackID)
	}
	if cur.Version != order.Version-1 {
		return apperrors.Newf(apperrors.ErrConflict, "order %s version %d", order.TrackID, order.Version)
	}
	s.orders[order.TrackID] = order.Clone()
	s.events = append(s.events, events...)
	return nil
}

func (s *MemStore) GetOrder(ctx context.Context, trackID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[trackID]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "order %s", trackID)
	}
	return o.Clone(), nil
}

func (s *MemStore) ListOrders(ctx context.Context, buyerID string) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Order
	for _, o := range s.orders {
		if o.BuyerID == buyerID {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (s *MemStore) LoadOpenOrders(ctx context.Context) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Order
	for _, o := range s.orders {
		if !o.DeriveStatus().IsTerminal() {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

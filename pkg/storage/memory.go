package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/swapflow/executor/pkg/order"
)

// MemoryStore keeps orders in process memory. Values are cloned on the way
// in and out so callers never share log slices with the store.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]*order.Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*order.Order)}
}

func (s *MemoryStore) Create(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("%w: %s", order.ErrDuplicate, o.ID)
	}
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	return o.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn order.Mutation) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.orders[id] = next
	return next.Clone(), nil
}

// List returns up to limit orders, newest first.
func (s *MemoryStore) List(_ context.Context, limit int) ([]*order.Order, error) {
	s.mu.Lock()
	out := make([]*order.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ order.Store = (*MemoryStore)(nil)

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/swapflow/executor/pkg/order"
	"github.com/swapflow/executor/pkg/queue"
)

// PebbleStore keeps orders and exhausted jobs in a local Pebble database.
// Writes are serialized by a store-wide lock so each Update is an atomic
// read-modify-write.
type PebbleStore struct {
	mu sync.Mutex
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) Create(_ context.Context, o *order.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.get(o.ID); err == nil {
		return fmt.Errorf("%w: %s", order.ErrDuplicate, o.ID)
	} else if !errors.Is(err, order.ErrNotFound) {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(orderKey(o.ID), data, nil); err != nil {
		return fmt.Errorf("failed to stage order: %w", err)
	}
	if err := b.Set(orderCreatedKey(o.CreatedAt, o.ID), []byte(o.ID), nil); err != nil {
		return fmt.Errorf("failed to stage order index: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (s *PebbleStore) FindByID(_ context.Context, id string) (*order.Order, error) {
	return s.get(id)
}

func (s *PebbleStore) Update(_ context.Context, id string, fn order.Mutation) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if err := fn(o); err != nil {
		return nil, err
	}

	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := s.db.Set(orderKey(id), data, pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to save order: %w", err)
	}
	return o, nil
}

// List returns up to limit orders, newest first.
func (s *PebbleStore) List(_ context.Context, limit int) ([]*order.Order, error) {
	prefix := []byte(prefixOrderCreated)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var orders []*order.Order
	for iter.Last(); iter.Valid() && (limit <= 0 || len(orders) < limit); iter.Prev() {
		o, err := s.get(string(iter.Value()))
		if err != nil {
			continue // index entry without a record
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// ArchiveFailed persists a job that exhausted its attempts.
func (s *PebbleStore) ArchiveFailed(_ context.Context, job queue.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := s.db.Set(failedJobKey(job.FailedAt, job.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to archive job: %w", err)
	}
	return nil
}

// FailedJobs returns archived jobs, oldest first.
func (s *PebbleStore) FailedJobs(_ context.Context, limit int) ([]queue.Job, error) {
	prefix := []byte(prefixFailedJob)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var jobs []queue.Job
	for iter.First(); iter.Valid() && (limit <= 0 || len(jobs) < limit); iter.Next() {
		var job queue.Job
		if err := json.Unmarshal(iter.Value(), &job); err != nil {
			continue // Skip invalid entries
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *PebbleStore) get(id string) (*order.Order, error) {
	data, closer, err := s.db.Get(orderKey(id))
	if err == pebble.ErrNotFound {
		return nil, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	defer closer.Close()

	var o order.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &o, nil
}

var (
	_ order.Store   = (*PebbleStore)(nil)
	_ queue.Archive = (*PebbleStore)(nil)
)

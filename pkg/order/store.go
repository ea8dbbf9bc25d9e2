package order

import "context"

// Mutation edits an order inside a store update. Returning an error aborts
// the update and nothing is written.
type Mutation func(o *Order) error

// Store is the persistence contract the pipeline needs.
//
// Update must run the read-modify-write atomically per order: concurrent
// updates of the same id observe each other's writes.
type Store interface {
	Create(ctx context.Context, o *Order) error
	FindByID(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, id string, fn Mutation) (*Order, error)
	List(ctx context.Context, limit int) ([]*Order, error)
}

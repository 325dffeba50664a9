// Package store provides access to the remote structured store.
// It exposes a small query contract (equality, timestamp range and
// case-insensitive substring filters, ordering, limit/offset) plus a
// push-subscription primitive that re-emits the full matching row set
// whenever any matching row changes. Raw rows never leave the
// repository layer built on top of this package.
package store

import (
	"context"
	"errors"
	"time"
)

// Common errors for store operations.
var (
	// ErrNotFound is returned when a keyed read or update matches no row.
	ErrNotFound = errors.New("row not found")
	// ErrReadOnlyResource is returned when a write targets a read-only
	// resource such as the ranking view.
	ErrReadOnlyResource = errors.New("resource is read-only")
)

// Op is a filter operator.
type Op string

const (
	OpEq        Op = "eq"
	OpGte       Op = "gte"
	OpLte       Op = "lte"
	OpIContains Op = "icontains"
)

// Filter constrains a query to rows matching Column Op Value.
type Filter struct {
	Column string
	Op     Op
	Value  any
}

// Eq builds an equality filter.
func Eq(column string, value any) Filter {
	return Filter{Column: column, Op: OpEq, Value: value}
}

// Gte builds a lower-bound filter.
func Gte(column string, value any) Filter {
	return Filter{Column: column, Op: OpGte, Value: value}
}

// Lte builds an upper-bound filter.
func Lte(column string, value any) Filter {
	return Filter{Column: column, Op: OpLte, Value: value}
}

// IContains builds a case-insensitive substring filter.
func IContains(column, value string) Filter {
	return Filter{Column: column, Op: OpIContains, Value: value}
}

// Order names a sort column and direction.
type Order struct {
	Column string
	Desc   bool
}

// Query describes one read against a resource collection.
// Limit <= 0 means no limit.
type Query struct {
	Resource string
	Filters  []Filter
	Order    *Order
	Limit    int
	Offset   int
}

// Row is an untyped store row. Rows are confined to this package and
// the repository codec functions that decode them into typed entities.
type Row map[string]any

// Health reports reachability of the remote store.
type Health struct {
	Reachable bool
	Latency   time.Duration
}

// Client is the remote-store contract consumed by the repository layer.
type Client interface {
	Select(ctx context.Context, q Query) ([]Row, error)
	Insert(ctx context.Context, resource string, row Row) (Row, error)
	InsertMany(ctx context.Context, resource string, rows []Row) ([]Row, error)
	Update(ctx context.Context, resource, keyColumn string, key any, row Row) (Row, error)
	Delete(ctx context.Context, resource, keyColumn string, key any) error
	DeleteWhere(ctx context.Context, resource string, filters []Filter) error
	Count(ctx context.Context, resource string, filters []Filter) (int64, error)
	Exists(ctx context.Context, resource, keyColumn string, key any) (bool, error)

	// Subscribe emits the full row set matching q: once on start, then
	// again whenever any matching row changes. The channel is closed on
	// context cancellation or stream failure; callers may resubscribe.
	Subscribe(ctx context.Context, q Query) (<-chan []Row, error)

	// Health issues a cheap bounded probe and never returns an error.
	Health(ctx context.Context, resource string) Health
}

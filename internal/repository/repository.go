package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"scavenger-sync/internal/result"
	"scavenger-sync/internal/store"
)

// Codec binds a repository instance to one resource collection: the
// resource name, its key and owner columns, and two pure mapping
// functions between untyped rows and typed entities.
type Codec[T any] struct {
	Resource    string
	KeyColumn   string
	OwnerColumn string
	Decode      func(store.Row) (T, error)
	Encode      func(T) store.Row
}

// Repository is a generic, fault-tolerant client for one remote
// resource collection. It holds no durable state beyond the
// subscriptions its callers open.
type Repository[T any] struct {
	client store.Client
	codec  Codec[T]
	retry  retryPolicy
}

// Option configures a Repository.
type Option[T any] func(*Repository[T])

// WithSleeper replaces the backoff sleeper, letting tests simulate
// elapsed time.
func WithSleeper[T any](s Sleeper) Option[T] {
	return func(r *Repository[T]) {
		if s != nil {
			r.retry.sleep = s
		}
	}
}

// WithMaxAttempts overrides the attempt bound.
func WithMaxAttempts[T any](n int) Option[T] {
	return func(r *Repository[T]) {
		if n > 0 {
			r.retry.maxAttempts = n
		}
	}
}

// New constructs a Repository over the given store client.
func New[T any](client store.Client, codec Codec[T], opts ...Option[T]) *Repository[T] {
	r := &Repository[T]{
		client: client,
		codec:  codec,
		retry:  defaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resource returns the resource collection name this repository serves.
func (r *Repository[T]) Resource() string {
	return r.codec.Resource
}

// decodeRows maps untyped rows into entities. A row that fails to
// decode fails the whole read: partial results would break snapshot
// consistency for callers.
func (r *Repository[T]) decodeRows(rows []store.Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		entity, err := r.codec.Decode(row)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s row: %w", r.codec.Resource, err)
		}
		out = append(out, entity)
	}
	return out, nil
}

// FindByID fetches one entity by primary key.
func (r *Repository[T]) FindByID(ctx context.Context, id string) result.Result[T] {
	return runWithRetry(ctx, r.retry, r.codec.Resource, "findById", func(ctx context.Context) (T, error) {
		var zero T
		rows, err := r.client.Select(ctx, store.Query{
			Resource: r.codec.Resource,
			Filters:  []store.Filter{store.Eq(r.codec.KeyColumn, id)},
			Limit:    1,
		})
		if err != nil {
			return zero, err
		}
		if len(rows) == 0 {
			return zero, fmt.Errorf("%s %s: %w", r.codec.Resource, id, store.ErrNotFound)
		}
		return r.codec.Decode(rows[0])
	})
}

// FindByOwner fetches all entities belonging to ownerID.
func (r *Repository[T]) FindByOwner(ctx context.Context, ownerID string) result.Result[[]T] {
	return runWithRetry(ctx, r.retry, r.codec.Resource, "findByOwner", func(ctx context.Context) ([]T, error) {
		rows, err := r.client.Select(ctx, store.Query{
			Resource: r.codec.Resource,
			Filters:  []store.Filter{store.Eq(r.codec.OwnerColumn, ownerID)},
		})
		if err != nil {
			return nil, err
		}
		return r.decodeRows(rows)
	})
}

// FindAll fetches up to limit entities; limit <= 0 means no limit.
func (r *Repository[T]) FindAll(ctx context.Context, limit int) result.Result[[]T] {
	return runWithRetry(ctx, r.retry, r.codec.Resource, "findAll", func(ctx context.Context) ([]T, error) {
		rows, err := r.client.Select(ctx, store.Query{
			Resource: r.codec.Resource,
			Limit:    limit,
		})
		if err != nil {
			return nil, err
		}
		return r.decodeRows(rows)
	})
}

// Find runs an arbitrary filtered/ordered/paginated query against this
// repository's resource. The query's Resource field is overridden.
func (r *Repository[T]) Find(ctx context.Context, q store.Query) result.Result[[]T] {
	q.Resource = r.codec.Resource
	return runWithRetry(ctx, r.retry, r.codec.Resource, "find", func(ctx context.Context) ([]T, error) {
		rows, err := r.client.Select(ctx, q)
		if err != nil {
			return nil, err
		}
		return r.decodeRows(rows)
	})
}

// Create persists a new entity owned by ownerID and returns it as stored.
func (r *Repository[T]) Create(ctx context.Context, entity T, ownerID string) result.Result[T] {
	return runWithRetry(ctx, r.retry, r.codec.Resource, "create", func(ctx context.Context) (T, error) {
		var zero T
		row := r.codec.Encode(entity)
		row[r.codec.OwnerColumn] = ownerID
		stored, err := r.client.Insert(ctx, r.codec.Resource, row)
		if err != nil {
			return zero, err
		}
		return r.codec.Decode(stored)
	})
}

// Update replaces the entity identified by id and returns it as stored.
func (r *Repository[T]) Update(ctx context.Context, id string, entity T, ownerID string) result.Result[T] {
	return runWithRetry(ctx, r.retry, r.codec.Resource, "update", func(ctx context.Context) (T, error) {
		var zero T
		row := r.codec.Encode(entity)
		row[r.codec.OwnerColumn] = ownerID
		stored, err := r.client.Update(ctx, r.codec.Resource, r.codec.KeyColumn, id, row)
		if err != nil {
			return zero, err
		}
		return r.codec.Decode(stored)
	})
}

// Delete removes the entity identified by id.
func (r *Repository[T]) Delete(ctx context.Context, id string) result.Result[bool] {
	return runWithRetry(ctx, r.retry, r.codec.Resource, "delete", func(ctx context.Context) (bool, error) {
		if err := r.client.Delete(ctx, r.codec.Resource, r.codec.KeyColumn, id); err != nil {
			return false, err
		}
		return true, nil
	})
}

// DeleteByOwner removes every entity belonging to ownerID.
func (r *Repository[T]) DeleteByOwner(ctx context.Context, ownerID string) result.Result[bool] {
	return runWithRetry(ctx, r.retry, r.codec.Resource, "deleteByOwner", func(ctx context.Context) (bool, error) {
		filters := []store.Filter{store.Eq(r.codec.OwnerColumn, ownerID)}
		if err := r.client.DeleteWhere(ctx, r.codec.Resource, filters); err != nil {
			return false, err
		}
		return true, nil
	})
}

// CreateBatch persists entities in one statement, all owned by ownerID.
func (r *Repository[T]) CreateBatch(ctx context.Context, entities []T, ownerID string) result.Result[[]T] {
	return runWithRetry(ctx, r.retry, r.codec.Resource, "createBatch", func(ctx context.Context) ([]T, error) {
		if len(entities) == 0 {
			return []T{}, nil
		}
		rows := make([]store.Row, len(entities))
		for i, e := range entities {
			row := r.codec.Encode(e)
			row[r.codec.OwnerColumn] = ownerID
			rows[i] = row
		}
		stored, err := r.client.InsertMany(ctx, r.codec.Resource, rows)
		if err != nil {
			return nil, err
		}
		return r.decodeRows(stored)
	})
}

// UpdateBatch replaces each entity in the id->entity map. The whole
// batch runs inside one retry envelope; the first failing update fails
// the batch.
func (r *Repository[T]) UpdateBatch(ctx context.Context, entities map[string]T, ownerID string) result.Result[[]T] {
	return runWithRetry(ctx, r.retry, r.codec.Resource, "updateBatch", func(ctx context.Context) ([]T, error) {
		out := make([]T, 0, len(entities))
		for id, e := range entities {
			row := r.codec.Encode(e)
			row[r.codec.OwnerColumn] = ownerID
			stored, err := r.client.Update(ctx, r.codec.Resource, r.codec.KeyColumn, id, row)
			if err != nil {
				return nil, err
			}
			entity, err := r.codec.Decode(stored)
			if err != nil {
				return nil, err
			}
			out = append(out, entity)
		}
		return out, nil
	})
}

// DeleteBatch removes the identified entities. Ids that are already
// absent are skipped so a replayed batch stays idempotent.
func (r *Repository[T]) DeleteBatch(ctx context.Context, ids []string) result.Result[bool] {
	return runWithRetry(ctx, r.retry, r.codec.Resource, "deleteBatch", func(ctx context.Context) (bool, error) {
		for _, id := range ids {
			err := r.client.Delete(ctx, r.codec.Resource, r.codec.KeyColumn, id)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return false, err
			}
		}
		return true, nil
	})
}

// Count returns the number of entities belonging to ownerID.
func (r *Repository[T]) Count(ctx context.Context, ownerID string) result.Result[int64] {
	return runWithRetry(ctx, r.retry, r.codec.Resource, "count", func(ctx context.Context) (int64, error) {
		return r.client.Count(ctx, r.codec.Resource, []store.Filter{store.Eq(r.codec.OwnerColumn, ownerID)})
	})
}

// CountWhere returns the number of entities matching the filters.
func (r *Repository[T]) CountWhere(ctx context.Context, filters []store.Filter) result.Result[int64] {
	return runWithRetry(ctx, r.retry, r.codec.Resource, "countWhere", func(ctx context.Context) (int64, error) {
		return r.client.Count(ctx, r.codec.Resource, filters)
	})
}

// Exists reports whether an entity with the given id exists.
func (r *Repository[T]) Exists(ctx context.Context, id string) result.Result[bool] {
	return runWithRetry(ctx, r.retry, r.codec.Resource, "exists", func(ctx context.Context) (bool, error) {
		return r.client.Exists(ctx, r.codec.Resource, r.codec.KeyColumn, id)
	})
}

// Subscribe opens a push stream over all entities belonging to ownerID.
func (r *Repository[T]) Subscribe(ctx context.Context, ownerID string) (<-chan []T, error) {
	return r.SubscribeQuery(ctx, store.Query{
		Filters: []store.Filter{store.Eq(r.codec.OwnerColumn, ownerID)},
	})
}

// SubscribeQuery opens a push stream over the rows matching q. Each
// emission is the full current matching set. The channel closes on
// cancellation or stream failure; the caller owns resubscription.
func (r *Repository[T]) SubscribeQuery(ctx context.Context, q store.Query) (<-chan []T, error) {
	q.Resource = r.codec.Resource
	rows, err := r.client.Subscribe(ctx, q)
	if err != nil {
		return nil, classify(r.codec.Resource, "subscribe", err)
	}

	out := make(chan []T, 1)
	go func() {
		defer close(out)
		for batch := range rows {
			entities, err := r.decodeRows(batch)
			if err != nil {
				log.Warn().Err(err).Str("resource", r.codec.Resource).Msg("Dropping undecodable push payload")
				continue
			}
			select {
			case out <- entities:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Health reports store reachability via a cheap bounded query.
func (r *Repository[T]) Health(ctx context.Context) store.Health {
	return r.client.Health(ctx, r.codec.Resource)
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scavenger-sync/internal/store"
)

type testItem struct {
	ID   string
	Name string
}

func testCodec() Codec[testItem] {
	return Codec[testItem]{
		Resource:    "collected_items",
		KeyColumn:   "id",
		OwnerColumn: "user_id",
		Decode: func(row store.Row) (testItem, error) {
			id, _ := row["id"].(string)
			name, _ := row["name"].(string)
			if id == "" {
				return testItem{}, errors.New("missing id")
			}
			return testItem{ID: id, Name: name}, nil
		},
		Encode: func(i testItem) store.Row {
			return store.Row{"id": i.ID, "name": i.Name}
		},
	}
}

// fakeClient scripts store behavior through function fields and counts
// calls per method. Unset fields succeed with zero values.
type fakeClient struct {
	selectFn func(ctx context.Context, q store.Query) ([]store.Row, error)
	insertFn func(ctx context.Context, resource string, row store.Row) (store.Row, error)
	updateFn func(ctx context.Context, resource, keyColumn string, key any, row store.Row) (store.Row, error)
	deleteFn func(ctx context.Context, resource, keyColumn string, key any) error

	selectCalls int
	insertCalls int
	updateCalls int
	deleteCalls int
}

func (f *fakeClient) Select(ctx context.Context, q store.Query) ([]store.Row, error) {
	f.selectCalls++
	if f.selectFn != nil {
		return f.selectFn(ctx, q)
	}
	return nil, nil
}

func (f *fakeClient) Insert(ctx context.Context, resource string, row store.Row) (store.Row, error) {
	f.insertCalls++
	if f.insertFn != nil {
		return f.insertFn(ctx, resource, row)
	}
	return row, nil
}

func (f *fakeClient) InsertMany(ctx context.Context, resource string, rows []store.Row) ([]store.Row, error) {
	return rows, nil
}

func (f *fakeClient) Update(ctx context.Context, resource, keyColumn string, key any, row store.Row) (store.Row, error) {
	f.updateCalls++
	if f.updateFn != nil {
		return f.updateFn(ctx, resource, keyColumn, key, row)
	}
	return row, nil
}

func (f *fakeClient) Delete(ctx context.Context, resource, keyColumn string, key any) error {
	f.deleteCalls++
	if f.deleteFn != nil {
		return f.deleteFn(ctx, resource, keyColumn, key)
	}
	return nil
}

func (f *fakeClient) DeleteWhere(ctx context.Context, resource string, filters []store.Filter) error {
	return nil
}

func (f *fakeClient) Count(ctx context.Context, resource string, filters []store.Filter) (int64, error) {
	return 0, nil
}

func (f *fakeClient) Exists(ctx context.Context, resource, keyColumn string, key any) (bool, error) {
	return false, nil
}

func (f *fakeClient) Subscribe(ctx context.Context, q store.Query) (<-chan []store.Row, error) {
	ch := make(chan []store.Row)
	close(ch)
	return ch, nil
}

func (f *fakeClient) Health(ctx context.Context, resource string) store.Health {
	return store.Health{Reachable: true}
}

// recordingSleeper captures backoff delays without waiting.
func recordingSleeper(delays *[]time.Duration) Sleeper {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func connErr() error {
	return &pgconn.PgError{Code: "08006", Message: "connection failure"}
}

func TestFindAll_SucceedsAfterTransientFailures(t *testing.T) {
	client := &fakeClient{}
	client.selectFn = func(ctx context.Context, q store.Query) ([]store.Row, error) {
		if client.selectCalls < 3 {
			return nil, connErr()
		}
		return []store.Row{{"id": "i1", "name": "shell"}}, nil
	}

	var delays []time.Duration
	repo := New(client, testCodec(), WithSleeper[testItem](recordingSleeper(&delays)))

	res := repo.FindAll(context.Background(), 0)
	require.True(t, res.IsOk())
	require.Len(t, res.Value(), 1)
	assert.Equal(t, "shell", res.Value()[0].Name)

	assert.Equal(t, 3, client.selectCalls)
	assert.Equal(t, []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond}, delays)
}

func TestFindAll_ExhaustsAttemptsAndSurfacesLastError(t *testing.T) {
	client := &fakeClient{}
	errs := []error{
		connErr(),
		&pgconn.PgError{Code: "53300", Message: "too many connections"},
		&pgconn.PgError{Code: "57014", Message: "query canceled"},
	}
	client.selectFn = func(ctx context.Context, q store.Query) ([]store.Row, error) {
		return nil, errs[client.selectCalls-1]
	}

	var delays []time.Duration
	repo := New(client, testCodec(), WithSleeper[testItem](recordingSleeper(&delays)))

	res := repo.FindAll(context.Background(), 0)
	require.False(t, res.IsOk())
	assert.Equal(t, 3, client.selectCalls)
	assert.Len(t, delays, 2)

	// The error from the final attempt wins, not the first one seen.
	assert.Equal(t, KindNetworkTimeout, KindOf(res.Err()))
}

func TestFindByID_NotFoundShortCircuits(t *testing.T) {
	client := &fakeClient{}
	client.selectFn = func(ctx context.Context, q store.Query) ([]store.Row, error) {
		return nil, nil
	}

	var delays []time.Duration
	repo := New(client, testCodec(), WithSleeper[testItem](recordingSleeper(&delays)))

	res := repo.FindByID(context.Background(), "missing")
	require.False(t, res.IsOk())
	assert.Equal(t, KindRecordNotFound, KindOf(res.Err()))
	assert.Equal(t, 1, client.selectCalls, "non-retryable errors must not be retried")
	assert.Empty(t, delays)
}

func TestCreate_RetriesOnceThenSucceeds(t *testing.T) {
	client := &fakeClient{}
	client.insertFn = func(ctx context.Context, resource string, row store.Row) (store.Row, error) {
		if client.insertCalls == 1 {
			return nil, connErr()
		}
		return row, nil
	}

	var delays []time.Duration
	repo := New(client, testCodec(), WithSleeper[testItem](recordingSleeper(&delays)))

	res := repo.Create(context.Background(), testItem{ID: "i7", Name: "fossil"}, "u1")
	require.True(t, res.IsOk())
	assert.Equal(t, "i7", res.Value().ID)
	assert.Equal(t, 2, client.insertCalls)
	assert.Equal(t, []time.Duration{1000 * time.Millisecond}, delays)
}

func TestCreate_ReadOnlyResourceFailsImmediately(t *testing.T) {
	client := &fakeClient{}
	client.insertFn = func(ctx context.Context, resource string, row store.Row) (store.Row, error) {
		return nil, fmt.Errorf("insert into %s: %w", resource, store.ErrReadOnlyResource)
	}

	var delays []time.Duration
	repo := New(client, testCodec(), WithSleeper[testItem](recordingSleeper(&delays)))

	res := repo.Create(context.Background(), testItem{ID: "i1"}, "u1")
	require.False(t, res.IsOk())
	assert.Equal(t, KindUnsupportedOperation, KindOf(res.Err()))
	assert.Equal(t, 1, client.insertCalls)
	assert.Empty(t, delays)
}

func TestCreate_DuplicateKeyIsNotRetried(t *testing.T) {
	client := &fakeClient{}
	client.insertFn = func(ctx context.Context, resource string, row store.Row) (store.Row, error) {
		return nil, &pgconn.PgError{Code: "23505", Message: "duplicate key value"}
	}

	var delays []time.Duration
	repo := New(client, testCodec(), WithSleeper[testItem](recordingSleeper(&delays)))

	res := repo.Create(context.Background(), testItem{ID: "i1"}, "u1")
	require.False(t, res.IsOk())
	assert.Equal(t, KindDuplicateKey, KindOf(res.Err()))
	assert.Equal(t, 1, client.insertCalls)
}

func TestCreate_InjectsOwnerColumn(t *testing.T) {
	client := &fakeClient{}
	var captured store.Row
	client.insertFn = func(ctx context.Context, resource string, row store.Row) (store.Row, error) {
		captured = row
		return row, nil
	}

	repo := New(client, testCodec())
	res := repo.Create(context.Background(), testItem{ID: "i1", Name: "coin"}, "u42")
	require.True(t, res.IsOk())
	assert.Equal(t, "u42", captured["user_id"])
}

func TestDeleteBatch_SkipsMissingRows(t *testing.T) {
	client := &fakeClient{}
	client.deleteFn = func(ctx context.Context, resource, keyColumn string, key any) error {
		if key == "gone" {
			return store.ErrNotFound
		}
		return nil
	}

	repo := New(client, testCodec())
	res := repo.DeleteBatch(context.Background(), []string{"i1", "gone", "i2"})
	require.True(t, res.IsOk())
	assert.True(t, res.Value())
	assert.Equal(t, 3, client.deleteCalls)
}

func TestUpdateBatch_FirstFailureFailsBatch(t *testing.T) {
	client := &fakeClient{}
	client.updateFn = func(ctx context.Context, resource, keyColumn string, key any, row store.Row) (store.Row, error) {
		return nil, store.ErrNotFound
	}

	repo := New(client, testCodec())
	res := repo.UpdateBatch(context.Background(), map[string]testItem{
		"i1": {ID: "i1", Name: "coin"},
	}, "u1")
	require.False(t, res.IsOk())
	assert.Equal(t, KindRecordNotFound, KindOf(res.Err()))
}

func TestWithMaxAttempts_OverridesBound(t *testing.T) {
	client := &fakeClient{}
	client.selectFn = func(ctx context.Context, q store.Query) ([]store.Row, error) {
		return nil, connErr()
	}

	var delays []time.Duration
	repo := New(client, testCodec(),
		WithSleeper[testItem](recordingSleeper(&delays)),
		WithMaxAttempts[testItem](5))

	res := repo.FindAll(context.Background(), 0)
	require.False(t, res.IsOk())
	assert.Equal(t, 5, client.selectCalls)
	assert.Equal(t, []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
	}, delays)
}

func TestFindAll_CanceledContextStopsRetrying(t *testing.T) {
	client := &fakeClient{}
	client.selectFn = func(ctx context.Context, q store.Query) ([]store.Row, error) {
		return nil, connErr()
	}

	repo := New(client, testCodec(), WithSleeper[testItem](func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}))

	res := repo.FindAll(context.Background(), 0)
	require.False(t, res.IsOk())
	assert.Equal(t, 1, client.selectCalls)
}

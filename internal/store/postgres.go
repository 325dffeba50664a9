package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Postgres implements Client against a PostgreSQL database.
type Postgres struct {
	pool     *pgxpool.Pool
	readOnly map[string]struct{}
}

// PostgresOption configures a Postgres client.
type PostgresOption func(*Postgres)

// WithReadOnlyResources marks resources whose write paths are rejected
// with ErrReadOnlyResource. Used for server-computed views.
func WithReadOnlyResources(resources ...string) PostgresOption {
	return func(p *Postgres) {
		for _, r := range resources {
			p.readOnly[r] = struct{}{}
		}
	}
}

// NewPostgres creates a Postgres store client on top of an existing pool.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) *Postgres {
	p := &Postgres{
		pool:     pool,
		readOnly: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// checkWritable rejects writes against read-only resources.
func (p *Postgres) checkWritable(resource string) error {
	if _, ok := p.readOnly[resource]; ok {
		return fmt.Errorf("%w: %s", ErrReadOnlyResource, resource)
	}
	return nil
}

// scanRows converts a pgx result set into untyped rows.
func scanRows(rows pgx.Rows) ([]Row, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := []Row{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row values: %w", err)
		}
		row := make(Row, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// Select runs a filtered, ordered, paginated read.
func (p *Postgres) Select(ctx context.Context, q Query) ([]Row, error) {
	sql, args := buildSelect(q)
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select from %s: %w", q.Resource, err)
	}
	return scanRows(rows)
}

// Insert creates one row and returns it as stored.
func (p *Postgres) Insert(ctx context.Context, resource string, row Row) (Row, error) {
	if err := p.checkWritable(resource); err != nil {
		return nil, err
	}
	sql, args := buildInsert(resource, row)
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to insert into %s: %w", resource, err)
	}
	out, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("insert into %s returned no row: %w", resource, ErrNotFound)
	}
	return out[0], nil
}

// InsertMany creates rows in one statement and returns them as stored.
func (p *Postgres) InsertMany(ctx context.Context, resource string, rows []Row) ([]Row, error) {
	if err := p.checkWritable(resource); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []Row{}, nil
	}
	sql, args := buildInsertMany(resource, rows)
	res, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to batch insert into %s: %w", resource, err)
	}
	return scanRows(res)
}

// Update replaces the row identified by keyColumn=key. Returns
// ErrNotFound when no row matches.
func (p *Postgres) Update(ctx context.Context, resource, keyColumn string, key any, row Row) (Row, error) {
	if err := p.checkWritable(resource); err != nil {
		return nil, err
	}
	sql, args := buildUpdate(resource, keyColumn, key, row)
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update %s: %w", resource, err)
	}
	out, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("update %s %v: %w", resource, key, ErrNotFound)
	}
	return out[0], nil
}

// Delete removes the row identified by keyColumn=key. Returns
// ErrNotFound when no row matches.
func (p *Postgres) Delete(ctx context.Context, resource, keyColumn string, key any) error {
	if err := p.checkWritable(resource); err != nil {
		return err
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", quoteIdent(resource), quoteIdent(keyColumn))
	tag, err := p.pool.Exec(ctx, sql, key)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", resource, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete %s %v: %w", resource, key, ErrNotFound)
	}
	return nil
}

// DeleteWhere removes all rows matching the filters. Deleting zero
// rows is not an error.
func (p *Postgres) DeleteWhere(ctx context.Context, resource string, filters []Filter) error {
	if err := p.checkWritable(resource); err != nil {
		return err
	}
	where, args := buildWhere(filters, nil)
	sql := "DELETE FROM " + quoteIdent(resource) + where
	if _, err := p.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", resource, err)
	}
	return nil
}

// Count returns the number of rows matching the filters.
func (p *Postgres) Count(ctx context.Context, resource string, filters []Filter) (int64, error) {
	where, args := buildWhere(filters, nil)
	sql := "SELECT COUNT(*) FROM " + quoteIdent(resource) + where

	var count int64
	if err := p.pool.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", resource, err)
	}
	return count, nil
}

// Exists reports whether a row with keyColumn=key exists.
func (p *Postgres) Exists(ctx context.Context, resource, keyColumn string, key any) (bool, error) {
	sql := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE %s = $1)",
		quoteIdent(resource), quoteIdent(keyColumn))

	var exists bool
	if err := p.pool.QueryRow(ctx, sql, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check existence in %s: %w", resource, err)
	}
	return exists, nil
}

// Health probes the resource with a bounded single-row query.
func (p *Postgres) Health(ctx context.Context, resource string) Health {
	start := time.Now()
	sql := "SELECT 1 FROM " + quoteIdent(resource) + " LIMIT 1"

	rows, err := p.pool.Query(ctx, sql)
	latency := time.Since(start)
	if err != nil {
		log.Warn().Err(err).Str("resource", resource).Msg("Store health probe failed")
		return Health{Reachable: false, Latency: latency}
	}
	rows.Close()
	if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		log.Warn().Err(err).Str("resource", resource).Msg("Store health probe failed")
		return Health{Reachable: false, Latency: latency}
	}
	return Health{Reachable: true, Latency: time.Since(start)}
}

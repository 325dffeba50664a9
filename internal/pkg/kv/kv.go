// Package kv provides the local key-value storage consumed for the
// leaderboard cache mirror and the migration status flags. Values are
// JSON-encoded strings.
package kv

import "context"

// Store is the local key-value contract.
type Store interface {
	// GetString returns the value for key and whether it was present.
	GetString(ctx context.Context, key string) (string, bool, error)
	SetString(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

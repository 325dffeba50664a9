package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, ok, err := m.GetString(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.SetString(ctx, "k", "v1"))
	v, ok, err := m.GetString(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	require.NoError(t, m.SetString(ctx, "k", "v2"))
	v, _, _ = m.GetString(ctx, "k")
	assert.Equal(t, "v2", v)

	require.NoError(t, m.Remove(ctx, "k"))
	_, ok, err = m.GetString(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// Removing a missing key is not an error.
	require.NoError(t, m.Remove(ctx, "k"))
}

func TestMemory_Keys(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.SetString(ctx, "a", "1"))
	require.NoError(t, m.SetString(ctx, "b", "2"))
	assert.ElementsMatch(t, []string{"a", "b"}, m.Keys())
}

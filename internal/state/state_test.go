package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_RoundTrip(t *testing.T) {
	t.Parallel()

	store := NewMemory()
	ctx := context.Background()

	_, found, err := store.GetState(ctx, "alice", "page-1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.SetState(ctx, "alice", "page-1", map[string]any{"step": "one"}))

	st, found, err := store.GetState(ctx, "alice", "page-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "one", st["step"])

	// Conversations are isolated by page.
	_, found, err = store.GetState(ctx, "alice", "page-2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemory_ReturnsCopies(t *testing.T) {
	t.Parallel()

	store := NewMemory()
	ctx := context.Background()
	require.NoError(t, store.SetState(ctx, "alice", "page-1", map[string]any{"step": "one"}))

	st, _, err := store.GetState(ctx, "alice", "page-1")
	require.NoError(t, err)
	st["step"] = "mutated"

	again, _, err := store.GetState(ctx, "alice", "page-1")
	require.NoError(t, err)
	assert.Equal(t, "one", again["step"])
}

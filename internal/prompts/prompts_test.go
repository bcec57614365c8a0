package prompts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/symbolkernel/kernel/internal/store"
)

func TestStore_DefaultsAndWriteThrough(t *testing.T) {
	kv, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	ctx := context.Background()

	s, err := NewStore(ctx, kv)
	require.NoError(t, err)
	require.Equal(t, DefaultSystemPrompt, s.System())
	require.Empty(t, s.MCP())

	require.NoError(t, s.SetSystem(ctx, "custom activation"))
	require.NoError(t, s.SetMCP(ctx, "custom mcp"))
	require.Equal(t, "custom activation", s.System())
	require.Equal(t, "custom mcp", s.MCP())

	// A fresh store over the same kv sees the persisted values: the
	// cache is write-through, not write-back.
	s2, err := NewStore(ctx, kv)
	require.NoError(t, err)
	require.Equal(t, "custom activation", s2.System())
	require.Equal(t, "custom mcp", s2.MCP())
}

package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IINGS/Crawler/internal/state/memory"
	"github.com/IINGS/Crawler/internal/state/sqlite"
)

func TestOpenBackends(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := Open(ctx, Config{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, store)

	store, err = Open(ctx, Config{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &sqlite.Store{}, store)
	require.NoError(t, store.Close())

	_, err = Open(ctx, Config{Backend: "postgres"})
	require.Error(t, err)

	_, err = Open(ctx, Config{Backend: "redis"})
	require.Error(t, err)
}

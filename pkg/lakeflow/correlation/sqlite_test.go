package correlation_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/correlation"
)

func TestSQLiteStore_Persistence(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "correlation.db")

	store1, err := correlation.NewSQLiteStore(dbPath)
	require.NoError(t, err)

	_, err = store1.AppendEvent(ctx, "chain-1", testEvent("chain-1", "e1"))
	require.NoError(t, err)
	won, err := store1.MarkProcessed(ctx, "chain-1")
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, store1.Close())

	// Reopening the database keeps both the events and the decision.
	store2, err := correlation.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store2.Close()

	records, err := store2.ListEvents(ctx, "chain-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "e1", records[0].Event.ID)

	won, err = store2.MarkProcessed(ctx, "chain-1")
	require.NoError(t, err)
	assert.False(t, won)
}

func TestSQLiteStore_SharedFile(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "shared.db")

	a, err := correlation.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer a.Close()
	b, err := correlation.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer b.Close()

	resA, err := a.AppendEvent(ctx, "chain-1", testEvent("chain-1", "e1"))
	require.NoError(t, err)
	resB, err := b.AppendEvent(ctx, "chain-1", testEvent("chain-1", "e2"))
	require.NoError(t, err)
	assert.True(t, resA.ChainCreated)
	assert.False(t, resB.ChainCreated)

	wonA, err := a.MarkProcessed(ctx, "chain-1")
	require.NoError(t, err)
	wonB, err := b.MarkProcessed(ctx, "chain-1")
	require.NoError(t, err)
	assert.NotEqual(t, wonA, wonB, "exactly one handle wins")
}

func TestSQLiteStore_InvalidPath(t *testing.T) {
	_, err := correlation.NewSQLiteStore("/nonexistent/path/db.sqlite")
	assert.Error(t, err)
}

func TestSQLiteStore_CloseIdempotent(t *testing.T) {
	store, err := correlation.NewSQLiteStore(":memory:")
	require.NoError(t, err)

	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}

func TestSQLiteStore_Ping(t *testing.T) {
	store, err := correlation.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	assert.NoError(t, store.Ping(context.Background()))
}

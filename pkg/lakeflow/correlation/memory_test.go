package correlation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/correlation"
)

func TestMemoryStore_Len(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := correlation.NewMemoryStore(correlation.WithTTL(time.Minute), correlation.WithClock(clock.Now))
	defer store.Close()

	assert.Equal(t, 0, store.Len())

	_, err := store.AppendEvent(ctx, "chain-1", testEvent("chain-1", "e1"))
	require.NoError(t, err)
	_, err = store.AppendEvent(ctx, "chain-1", testEvent("chain-1", "e2"))
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())

	_, err = store.AppendEvent(ctx, "chain-2", testEvent("chain-2", "e1"))
	require.NoError(t, err)
	assert.Equal(t, 2, store.Len())

	// Expired chains linger until purged.
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, store.Len())

	removed, err := store.PurgeExpired(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 5, removed)
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStore_ListReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := correlation.NewMemoryStore()
	defer store.Close()

	_, err := store.AppendEvent(ctx, "chain-1", testEvent("chain-1", "e1"))
	require.NoError(t, err)

	records, err := store.ListEvents(ctx, "chain-1")
	require.NoError(t, err)
	records[0].Event.Data.Metadata["step"] = "mutated"

	records, err = store.ListEvents(ctx, "chain-1")
	require.NoError(t, err)
	assert.Equal(t, "e1", records[0].Event.Data.Metadata["step"])
}

func TestEvents(t *testing.T) {
	records := []correlation.Record{
		{EventID: "a", Event: testEvent("c", "a")},
		{EventID: "b", Event: testEvent("c", "b")},
	}
	events := correlation.Events(records)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].ID)
	assert.Equal(t, "b", events[1].ID)
}

func TestEventSortKey(t *testing.T) {
	early := correlation.EventSortKey(time.Unix(5, 0))
	late := correlation.EventSortKey(time.Unix(40, 0))

	assert.True(t, correlation.IsEventKey(early))
	assert.False(t, correlation.IsEventKey(correlation.StatusKey))
	assert.Less(t, early, late, "zero padding keeps lexical order chronological")
	assert.NotEqual(t, early, correlation.EventSortKey(time.Unix(5, 0)))
}

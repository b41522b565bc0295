package correlation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/correlation"
)

func TestSweep(t *testing.T) {
	store := correlation.NewMemoryStore(correlation.WithTTL(time.Millisecond))
	defer store.Close()

	_, err := store.AppendEvent(context.Background(), "chain-1", testEvent("chain-1", "e1"))
	require.NoError(t, err)
	require.Equal(t, 1, store.Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		correlation.Sweep(ctx, store, 5*time.Millisecond, nil)
		close(done)
	}()

	assert.Eventually(t, func() bool { return store.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

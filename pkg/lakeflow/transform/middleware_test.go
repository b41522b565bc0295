package transform_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/blob"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/bus"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/reference"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/transform"
)

type collector struct {
	mu     sync.Mutex
	events []*event.Event
	err    error
}

func (c *collector) Publish(ctx context.Context, evt *event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, evt)
	return nil
}

var _ bus.Publisher = (*collector)(nil)

func translateEvaluator(t *testing.T) *transform.Evaluator {
	t.Helper()
	reg := transform.NewRegistry()
	require.NoError(t, reg.Register("translate", func(ctx context.Context, in transform.Input) (any, error) {
		for _, evt := range in.Events {
			evt.Data.Metadata["language"] = "fr"
		}
		return in.Events, nil
	}))
	eval, err := transform.NewEvaluator(
		transform.Spec{Mode: transform.ModeHandler, Handler: "translate"},
		transform.WithRegistry(reg),
	)
	require.NoError(t, err)
	return eval
}

func TestMiddleware_Handle(t *testing.T) {
	out := &collector{}
	mw := transform.NewMiddleware("translate", translateEvaluator(t), out)
	assert.Equal(t, "translate", mw.Name())

	in := testEvent("chain-1", "a", "text/plain")
	in.Data.CallStack = []string{"trigger"}
	require.NoError(t, mw.Handle(context.Background(), in))

	require.Len(t, out.events, 1)
	got := out.events[0]
	assert.NotEqual(t, in.ID, got.ID, "outputs get a fresh id")
	assert.Equal(t, "chain-1", got.ChainID())
	assert.Equal(t, []string{"translate", "trigger"}, got.Data.CallStack)
	assert.Equal(t, "fr", got.Data.Metadata["language"])

	assert.Equal(t, []string{"trigger"}, in.Data.CallStack, "input left untouched")
}

func TestMiddleware_ExpandsComposite(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemoryStore()

	members := []*event.Event{
		testEvent("chain-1", "a", "text/plain"),
		testEvent("chain-1", "b", "text/plain"),
	}
	body, err := json.Marshal(members)
	require.NoError(t, err)
	doc, err := blobs.Put(ctx, "aggregates/chain-1", body, event.CompositeType)
	require.NoError(t, err)

	aggregate := event.New(event.DocumentCreated, members[0].Data.Source,
		event.WithChainID("chain-1"),
		event.WithDocument(doc),
	)

	out := &collector{}
	mw := transform.NewMiddleware("translate", translateEvaluator(t), out,
		transform.WithResolver(reference.NewResolver(reference.WithFetcher(blob.Scheme, blobs))),
	)
	require.NoError(t, mw.Handle(ctx, aggregate))

	require.Len(t, out.events, 2)
	ids := map[string]bool{}
	for _, evt := range out.events {
		ids[evt.ID] = true
		assert.Equal(t, "fr", evt.Data.Metadata["language"])
		assert.Equal(t, "chain-1", evt.ChainID())
	}
	assert.Len(t, ids, 2)
	assert.NotContains(t, ids, "a")
	assert.NotContains(t, ids, "b")
}

func TestMiddleware_BadComposite(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemoryStore()
	doc, err := blobs.Put(ctx, "garbage", []byte("not json"), event.CompositeType)
	require.NoError(t, err)

	mw := transform.NewMiddleware("translate", translateEvaluator(t), &collector{},
		transform.WithResolver(reference.NewResolver(reference.WithFetcher(blob.Scheme, blobs))),
	)

	evt := event.New(event.DocumentCreated, doc)
	err = mw.Handle(ctx, evt)
	assert.True(t, event.IsMalformed(err), "got %v", err)

	missing := event.New(event.DocumentCreated, event.Document{URL: blob.URI("nowhere"), Type: event.CompositeType})
	err = mw.Handle(ctx, missing)
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestMiddleware_CompositeOutsideRegisteredSchemes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.json")
	leaked, err := json.Marshal([]*event.Event{testEvent("chain-1", "x", "text/plain")})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, leaked, 0o600))

	out := &collector{}
	mw := transform.NewMiddleware("translate", translateEvaluator(t), out)

	evt := event.New(event.DocumentCreated,
		event.Document{URL: "file://" + path, Type: event.CompositeType},
		event.WithChainID("chain-1"),
	)
	err = mw.Handle(context.Background(), evt)
	assert.ErrorIs(t, err, reference.ErrNoFetcher)
	assert.True(t, event.IsMalformed(err), "got %v", err)
	assert.Empty(t, out.events)
}

func TestMiddleware_PublishError(t *testing.T) {
	boom := errors.New("topic unavailable")
	mw := transform.NewMiddleware("translate", translateEvaluator(t), &collector{err: boom})

	err := mw.Handle(context.Background(), testEvent("chain-1", "a", "text/plain"))
	assert.ErrorIs(t, err, boom)
}

func TestMiddleware_OverBus(t *testing.T) {
	b := bus.New(bus.Config{})
	t.Cleanup(func() { b.Close() })

	out := &collector{}
	_, err := b.Subscribe("translated", "sink", nil, out.Publish)
	require.NoError(t, err)

	mw := transform.NewMiddleware("translate", translateEvaluator(t), b.Topic("translated"))
	_, err = b.Subscribe("documents", mw.Name(), nil, mw.Handle)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "documents", testEvent("chain-1", "a", "text/plain")))
	require.NoError(t, b.Drain(ctx))

	out.mu.Lock()
	defer out.mu.Unlock()
	require.Len(t, out.events, 1)
	assert.Equal(t, "translate", out.events[0].Data.CallStack[0])
}

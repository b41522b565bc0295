package reducer_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/blob"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/correlation"
	lferrors "github.com/randalmurphal/lakeflow/pkg/lakeflow/errors"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/reducer"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/transform"
)

// sink collects published aggregates.
type sink struct {
	mu     sync.Mutex
	events []*event.Event
	err    error
}

func (s *sink) Publish(ctx context.Context, evt *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, evt)
	return nil
}

func (s *sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *sink) Only(t *testing.T) *event.Event {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.events, 1, "expected exactly one aggregate")
	return s.events[0]
}

// manualScheduler records timers; tests fire them by hand.
type manualScheduler struct {
	mu    sync.Mutex
	calls []scheduled
}

type scheduled struct {
	chainID string
	delay   time.Duration
	fire    reducer.FireFunc
}

func (m *manualScheduler) Schedule(_ context.Context, chainID string, delay time.Duration, fire reducer.FireFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, scheduled{chainID, delay, fire})
	return nil
}

func (m *manualScheduler) Calls() []scheduled {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]scheduled(nil), m.calls...)
}

type fixture struct {
	store correlation.Store
	blobs *blob.MemoryStore
	out   *sink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: correlation.NewMemoryStore(),
		blobs: blob.NewMemoryStore(),
		out:   &sink{},
	}
	t.Cleanup(func() {
		f.store.Close()
		f.blobs.Close()
	})
	return f
}

func (f *fixture) reducer(t *testing.T, s reducer.Strategy, opts ...reducer.Option) *reducer.Reducer {
	t.Helper()
	r, err := reducer.New(s, f.store, f.blobs, f.out, opts...)
	require.NoError(t, err)
	return r
}

// members returns the sorted event ids inside an aggregate's composite
// document.
func (f *fixture) members(t *testing.T, agg *event.Event) []string {
	t.Helper()
	require.Equal(t, event.CompositeType, agg.Data.Document.Type)

	data, err := f.blobs.Fetch(context.Background(), agg.Data.Document.URL)
	require.NoError(t, err)
	events, err := transform.ParseComposite(data)
	require.NoError(t, err)

	ids := make([]string, 0, len(events))
	for _, evt := range events {
		ids = append(ids, evt.ID)
	}
	sort.Strings(ids)
	return ids
}

func sibling(chainID, id, mime string) *event.Event {
	return event.New(event.DocumentCreated,
		event.Document{URL: "s3://bucket/video.mp4", Type: "video/mp4"},
		event.WithID(id),
		event.WithChainID(chainID),
		event.WithDocument(event.Document{URL: "s3://bucket/" + id, Type: mime}),
	)
}

func permutations(ids []string) [][]string {
	if len(ids) <= 1 {
		return [][]string{append([]string(nil), ids...)}
	}
	var out [][]string
	for i := range ids {
		rest := make([]string, 0, len(ids)-1)
		rest = append(rest, ids[:i]...)
		rest = append(rest, ids[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]string{ids[i]}, p...))
		}
	}
	return out
}

func TestStaticCounter_AnyOrder(t *testing.T) {
	for _, order := range permutations([]string{"A", "B", "C"}) {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			f := newFixture(t)
			r := f.reducer(t, reducer.NewStaticCounter(3))

			for _, id := range order {
				require.NoError(t, r.Handle(context.Background(), sibling("X", id, "text/plain")))
			}

			agg := f.out.Only(t)
			assert.Equal(t, []string{"A", "B", "C"}, f.members(t, agg))
			assert.Equal(t, "X", agg.ChainID())
		})
	}
}

func TestStaticCounter_CompletesExactlyAtThreshold(t *testing.T) {
	f := newFixture(t)
	r := f.reducer(t, reducer.NewStaticCounter(3))
	ctx := context.Background()

	for i, id := range []string{"A", "B"} {
		out, err := r.Process(ctx, sibling("X", id, "text/plain"))
		require.NoError(t, err)
		assert.True(t, out.Appended)
		assert.Nil(t, out.Aggregate, "no completion after %d events", i+1)
	}

	out, err := r.Process(ctx, sibling("X", "C", "text/plain"))
	require.NoError(t, err)
	require.NotNil(t, out.Aggregate)

	// Late siblings are stored but never produce a second aggregate.
	out, err = r.Process(ctx, sibling("X", "D", "text/plain"))
	require.NoError(t, err)
	assert.Nil(t, out.Aggregate)
	assert.Equal(t, 1, f.out.Len())

	status, err := f.store.Status(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, correlation.StatusProcessed, status.Status)
	assert.Equal(t, 4, status.EventCount)
}

func TestStaticCounter_RedeliveryNotCounted(t *testing.T) {
	f := newFixture(t)
	r := f.reducer(t, reducer.NewStaticCounter(3))
	ctx := context.Background()

	a := sibling("X", "A", "text/plain")
	require.NoError(t, r.Handle(ctx, a))
	out, err := r.Process(ctx, a)
	require.NoError(t, err)
	assert.False(t, out.Appended)
	require.NoError(t, r.Handle(ctx, sibling("X", "B", "text/plain")))

	assert.Equal(t, 0, f.out.Len())

	require.NoError(t, r.Handle(ctx, sibling("X", "C", "text/plain")))
	assert.Equal(t, []string{"A", "B", "C"}, f.members(t, f.out.Only(t)))
}

func TestStaticCounter_ConcurrentSiblings(t *testing.T) {
	const siblings = 20

	for _, threshold := range []int{5, siblings} {
		t.Run(fmt.Sprintf("threshold=%d", threshold), func(t *testing.T) {
			f := newFixture(t)
			r := f.reducer(t, reducer.NewStaticCounter(threshold))

			var wg sync.WaitGroup
			errs := make(chan error, siblings)
			for i := 0; i < siblings; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					errs <- r.Handle(context.Background(), sibling("X", fmt.Sprintf("e%02d", i), "text/plain"))
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			agg := f.out.Only(t)
			assert.GreaterOrEqual(t, len(f.members(t, agg)), threshold)
		})
	}
}

func TestConditional_ManifestArrives(t *testing.T) {
	specs := map[string]transform.Spec{
		"cue":  {Mode: transform.ModeCUE, Source: `result: latest.data.document.type == "application/json"`},
		"expr": {Mode: transform.ModeExpr, Source: `latest.data.document.type == 'application/json'`},
	}

	for name, spec := range specs {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			r := f.reducer(t, reducer.NewConditional(spec))
			ctx := context.Background()

			out, err := r.Process(ctx, sibling("X", "text", "text/plain"))
			require.NoError(t, err)
			assert.Nil(t, out.Aggregate)

			out, err = r.Process(ctx, sibling("X", "manifest", "application/json"))
			require.NoError(t, err)
			require.NotNil(t, out.Aggregate)

			assert.Equal(t, []string{"manifest", "text"}, f.members(t, f.out.Only(t)))
		})
	}
}

func TestConditional_PredicateErrorsCountAsFalse(t *testing.T) {
	reg := transform.NewRegistry()
	require.NoError(t, reg.Register("picky", func(ctx context.Context, in transform.Input) (any, error) {
		switch in.Latest.Data.Document.Type {
		case "application/json":
			return len(in.Siblings) >= 2, nil
		case "image/png":
			panic("cannot read images")
		default:
			return nil, errors.New("unsupported document")
		}
	}))

	f := newFixture(t)
	r := f.reducer(t,
		reducer.NewConditional(transform.Spec{Mode: transform.ModeHandler, Handler: "picky"}),
		reducer.WithTransformOptions(transform.WithRegistry(reg)),
	)
	ctx := context.Background()

	require.NoError(t, r.Handle(ctx, sibling("X", "a", "text/plain")))
	require.NoError(t, r.Handle(ctx, sibling("X", "b", "image/png")))
	assert.Equal(t, 0, f.out.Len())

	require.NoError(t, r.Handle(ctx, sibling("X", "c", "application/json")))
	assert.Equal(t, []string{"a", "b", "c"}, f.members(t, f.out.Only(t)))
}

func TestConditional_UnknownHandlerFailsAtWiring(t *testing.T) {
	f := newFixture(t)
	_, err := reducer.New(
		reducer.NewConditional(transform.Spec{Mode: transform.ModeHandler, Handler: "nope"}),
		f.store, f.blobs, f.out,
		reducer.WithTransformOptions(transform.WithRegistry(transform.NewRegistry())),
	)
	assert.ErrorIs(t, err, transform.ErrUnknownHandler)
	assert.ErrorIs(t, err, reducer.ErrInvalidStrategy)
}

func TestConditional_TruncatedExprRejected(t *testing.T) {
	f := newFixture(t)
	for _, src := range []string{"count >", "count >= 3 and", "not"} {
		_, err := reducer.New(
			reducer.NewConditional(transform.Spec{Mode: transform.ModeExpr, Source: src}),
			f.store, f.blobs, f.out,
		)
		assert.ErrorIs(t, err, reducer.ErrInvalidStrategy, src)
	}
	assert.Equal(t, 0, f.out.Len())
}

func TestConditional_ExprCountThreshold(t *testing.T) {
	f := newFixture(t)
	r := f.reducer(t, reducer.NewConditional(transform.Spec{Mode: transform.ModeExpr, Source: "count >= 3"}))
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		require.NoError(t, r.Handle(ctx, sibling("X", id, "text/plain")))
	}
	assert.Equal(t, 0, f.out.Len())

	require.NoError(t, r.Handle(ctx, sibling("X", "c", "text/plain")))
	assert.Equal(t, []string{"a", "b", "c"}, f.members(t, f.out.Only(t)))
}

func TestTimeWindow_SingleEvent(t *testing.T) {
	f := newFixture(t)
	sched := &manualScheduler{}
	r := f.reducer(t, reducer.NewTimeWindow(5*time.Second, 0), reducer.WithScheduler(sched))
	ctx := context.Background()

	require.NoError(t, r.Handle(ctx, sibling("X", "only", "text/plain")))
	assert.Equal(t, 0, f.out.Len(), "nothing before the window closes")

	calls := sched.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "X", calls[0].chainID)
	assert.Equal(t, 5*time.Second, calls[0].delay)

	// The same timer delivered twice emits once.
	require.NoError(t, calls[0].fire(ctx, "X"))
	require.NoError(t, calls[0].fire(ctx, "X"))

	assert.Equal(t, []string{"only"}, f.members(t, f.out.Only(t)))
}

func TestTimeWindow_SchedulesOncePerChain(t *testing.T) {
	f := newFixture(t)
	sched := &manualScheduler{}
	r := f.reducer(t, reducer.NewTimeWindow(time.Minute, 0), reducer.WithScheduler(sched))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, r.Handle(context.Background(), sibling("X", fmt.Sprintf("e%d", i), "text/plain")))
		}(i)
	}
	wg.Wait()

	assert.Len(t, sched.Calls(), 1)

	status, err := f.store.Status(context.Background(), "X")
	require.NoError(t, err)
	assert.Equal(t, 10, status.EventCount)
	assert.Equal(t, correlation.StatusPending, status.Status)
}

func TestTimeWindow_RedeliveryRearms(t *testing.T) {
	f := newFixture(t)
	sched := &manualScheduler{}
	r := f.reducer(t, reducer.NewTimeWindow(time.Minute, 0), reducer.WithScheduler(sched))
	ctx := context.Background()

	evt := sibling("X", "a", "text/plain")
	require.NoError(t, r.Handle(ctx, evt))
	require.NoError(t, r.Handle(ctx, evt))
	require.NoError(t, r.Handle(ctx, sibling("X", "b", "text/plain")))

	calls := sched.Calls()
	assert.Len(t, calls, 2)
	for _, c := range calls {
		require.NoError(t, c.fire(ctx, c.chainID))
	}
	assert.Equal(t, []string{"a", "b"}, f.members(t, f.out.Only(t)))
}

func TestTimeWindow_Jitter(t *testing.T) {
	f := newFixture(t)
	sched := &manualScheduler{}
	r := f.reducer(t, reducer.NewTimeWindow(time.Second, 500*time.Millisecond), reducer.WithScheduler(sched))

	for i := 0; i < 20; i++ {
		require.NoError(t, r.Handle(context.Background(), sibling(fmt.Sprintf("chain-%d", i), "a", "text/plain")))
	}

	calls := sched.Calls()
	require.Len(t, calls, 20)
	for _, c := range calls {
		assert.GreaterOrEqual(t, c.delay, time.Second)
		assert.LessOrEqual(t, c.delay, 1500*time.Millisecond)
	}
}

func TestTimeWindow_LocalScheduler(t *testing.T) {
	f := newFixture(t)
	sched := reducer.NewLocalScheduler(nil)
	t.Cleanup(sched.Stop)

	r := f.reducer(t, reducer.NewTimeWindow(30*time.Millisecond, 0), reducer.WithScheduler(sched))
	ctx := context.Background()

	require.NoError(t, r.Handle(ctx, sibling("X", "a", "text/plain")))
	require.NoError(t, r.Handle(ctx, sibling("X", "b", "text/plain")))

	require.Eventually(t, func() bool { return f.out.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, f.members(t, f.out.Only(t)))
}

func TestFire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	counter := f.reducer(t, reducer.NewStaticCounter(2))
	_, err := counter.Fire(ctx, "X")
	assert.ErrorIs(t, err, reducer.ErrFireUnsupported)

	window := f.reducer(t, reducer.NewTimeWindow(time.Hour, 0), reducer.WithScheduler(&manualScheduler{}))
	out, err := window.Fire(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, out.Aggregate)

	_, err = window.Fire(ctx, "")
	assert.ErrorIs(t, err, correlation.ErrEmptyChainID)
}

func TestAggregateShape(t *testing.T) {
	f := newFixture(t)
	r := f.reducer(t, reducer.NewStaticCounter(2), reducer.WithName("subtitles"))
	ctx := context.Background()

	require.NoError(t, r.Handle(ctx, sibling("X", "a", "text/plain")))
	require.NoError(t, r.Handle(ctx, sibling("X", "b", "text/vtt")))

	agg := f.out.Only(t)
	require.NoError(t, agg.Validate())
	assert.Equal(t, event.DocumentCreated, agg.Type)
	assert.Equal(t, "s3://bucket/video.mp4", agg.Data.Source.URL, "source document preserved")
	assert.Equal(t, event.CompositeType, agg.Data.Document.Type)
	assert.NotEmpty(t, agg.Data.Document.Etag)
	assert.Equal(t, []string{"subtitles"}, agg.Data.CallStack)

	reduce, ok := agg.Data.Metadata["reduce"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "STATIC_COUNTER", reduce["strategy"])
	assert.Equal(t, 2, reduce["eventCount"])
}

func TestFreshChainID(t *testing.T) {
	f := newFixture(t)
	r := f.reducer(t, reducer.NewStaticCounter(1), reducer.WithFreshChainID())

	require.NoError(t, r.Handle(context.Background(), sibling("X", "a", "text/plain")))

	agg := f.out.Only(t)
	assert.NotEqual(t, "X", agg.ChainID())
	assert.NotEmpty(t, agg.ChainID())
	reduce := agg.Data.Metadata["reduce"].(map[string]any)
	assert.Equal(t, "X", reduce["sourceChainId"])
}

func TestEmitFailureLeavesChainProcessed(t *testing.T) {
	f := newFixture(t)
	f.out.err = errors.New("topic unavailable")
	r := f.reducer(t, reducer.NewStaticCounter(1))
	ctx := context.Background()

	evt := sibling("X", "a", "text/plain")
	err := r.Handle(ctx, evt)
	require.Error(t, err)

	var emitErr *reducer.EmitError
	require.True(t, errors.As(err, &emitErr))
	assert.Equal(t, "publish", emitErr.Stage)
	assert.Equal(t, "X", emitErr.ChainID)
	assert.False(t, lferrors.IsRetryable(err), "the chain cannot be completed again")

	status, err := f.store.Status(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, correlation.StatusProcessed, status.Status)

	// A redelivery finds the chain already claimed.
	f.out.err = nil
	require.NoError(t, r.Handle(ctx, evt))
	assert.Equal(t, 0, f.out.Len())
}

func TestMalformedEvent(t *testing.T) {
	f := newFixture(t)
	r := f.reducer(t, reducer.NewStaticCounter(1))

	evt := sibling("", "a", "text/plain")
	err := r.Handle(context.Background(), evt)
	assert.True(t, lferrors.IsMalformed(err))
	assert.ErrorIs(t, err, event.ErrMissingChainID)
}

func TestNewValidation(t *testing.T) {
	f := newFixture(t)

	_, err := reducer.New(reducer.NewStaticCounter(0), f.store, f.blobs, f.out)
	assert.ErrorIs(t, err, reducer.ErrInvalidStrategy)

	_, err = reducer.New(reducer.NewStaticCounter(1), nil, f.blobs, f.out)
	assert.Error(t, err)
}

package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/lakeflow/internal/server"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/blob"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/bus"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/correlation"
	lferrors "github.com/randalmurphal/lakeflow/pkg/lakeflow/errors"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/reducer"
)

// noScheduler leaves TIME_WINDOW chains for the fire endpoint.
type noScheduler struct{}

func (noScheduler) Schedule(context.Context, string, time.Duration, reducer.FireFunc) error {
	return nil
}

type harness struct {
	bus     *bus.LocalBus
	handler http.Handler

	mu         sync.Mutex
	aggregates []*event.Event
}

func newHarness(t *testing.T, opts ...server.Option) *harness {
	t.Helper()

	h := &harness{
		bus: bus.New(bus.Config{
			Retry: func() *lferrors.RetryConfig {
				cfg := lferrors.NewRetryConfig(lferrors.WithMaxAttempts(1))
				return &cfg
			}(),
		}),
	}
	t.Cleanup(func() { h.bus.Close() })

	store := correlation.NewMemoryStore()
	blobs := blob.NewMemoryStore()
	t.Cleanup(func() {
		store.Close()
		blobs.Close()
	})

	sink := bus.PublisherFunc(func(ctx context.Context, evt *event.Event) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.aggregates = append(h.aggregates, evt)
		return nil
	})

	pages, err := reducer.New(reducer.NewStaticCounter(2),
		correlation.WithNamespace(store, "pages"), blobs, sink, reducer.WithName("pages"))
	require.NoError(t, err)
	window, err := reducer.New(reducer.NewTimeWindow(time.Hour, 0),
		correlation.WithNamespace(store, "window"), blobs, sink,
		reducer.WithName("window"), reducer.WithScheduler(noScheduler{}))
	require.NoError(t, err)

	_, err = h.bus.Subscribe(server.DefaultIngressTopic, "pages", nil, pages.Handle)
	require.NoError(t, err)
	_, err = h.bus.Subscribe("late", "window", nil, window.Handle)
	require.NoError(t, err)
	_, err = h.bus.Subscribe("failing", "broken", nil, func(context.Context, *event.Event) error {
		return lferrors.Permanent(errors.New("cannot process"), "broken")
	})
	require.NoError(t, err)

	h.handler = server.New(h.bus, []server.Reducer{pages, window}, opts...).Handler()
	return h
}

func (h *harness) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.bus.Drain(ctx))
}

func (h *harness) aggregateCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.aggregates)
}

func eventBody(t *testing.T, chainID, id string) []byte {
	t.Helper()
	evt := event.New(event.DocumentCreated,
		event.Document{URL: "s3://bucket/" + id, Type: "text/plain"},
		event.WithID(id),
		event.WithChainID(chainID),
	)
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	return data
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthAndReady(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	failing := newHarness(t, server.WithReadiness(func(context.Context) error {
		return errors.New("database unreachable")
	}))
	w = failing.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "database unreachable", decode(t, w)["error"])
}

func TestPublishAndChainStatus(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/v1/events", eventBody(t, "chain-1", "a"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.Equal(t, "a", resp["id"])
	assert.Equal(t, "chain-1", resp["chainId"])
	assert.Equal(t, server.DefaultIngressTopic, resp["topic"])
	h.drain(t)

	w = h.do(t, http.MethodGet, "/v1/reducers/pages/chains/chain-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending", decode(t, w)["status"])

	h.do(t, http.MethodPost, "/v1/events", eventBody(t, "chain-1", "b"))
	h.drain(t)

	w = h.do(t, http.MethodGet, "/v1/reducers/pages/chains/chain-1", nil)
	status := decode(t, w)
	assert.Equal(t, "processed", status["status"])
	assert.Equal(t, float64(2), status["eventCount"])
	assert.Equal(t, 1, h.aggregateCount())

	w = h.do(t, http.MethodGet, "/v1/reducers/pages/chains/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodGet, "/v1/reducers/nope/chains/chain-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPublishMalformed(t *testing.T) {
	h := newHarness(t)

	bodies := map[string]string{
		"not json":      `{"id":`,
		"missing chain": `{"id":"x","type":"document-created","data":{}}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			w := h.do(t, http.MethodPost, "/v1/topics/uploads/events", []byte(body))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	w := h.do(t, http.MethodGet, "/v1/deadletters", nil)
	require.Equal(t, http.StatusOK, w.Code)
	letters := decode(t, w)["deadLetters"].([]any)
	require.Len(t, letters, 2)
	for _, l := range letters {
		dl := l.(map[string]any)
		assert.Equal(t, "uploads", dl["topic"])
		assert.Equal(t, "malformed", dl["category"])
	}

	w = h.do(t, http.MethodGet, "/v1/deadletters/stats", nil)
	stats := decode(t, w)
	assert.Equal(t, float64(2), stats["byCategory"].(map[string]any)["malformed"])
}

func TestPublishBodyLimit(t *testing.T) {
	h := newHarness(t, server.WithMaxBodyBytes(16))
	w := h.do(t, http.MethodPost, "/v1/events", eventBody(t, "chain-1", "a"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestFire(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/v1/topics/late/events", eventBody(t, "chain-9", "a"))
	require.Equal(t, http.StatusAccepted, w.Code)
	h.drain(t)

	w = h.do(t, http.MethodPost, "/v1/reducers/window/chains/chain-9/fire", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.Equal(t, true, resp["emitted"])
	assert.NotEmpty(t, resp["aggregateId"])

	// A duplicate firing emits nothing.
	w = h.do(t, http.MethodPost, "/v1/reducers/window/chains/chain-9/fire", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["emitted"])
	assert.Equal(t, 1, h.aggregateCount())

	w = h.do(t, http.MethodPost, "/v1/reducers/pages/chains/chain-9/fire", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListReducers(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/v1/reducers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Reducers []struct {
			Name     string         `json:"name"`
			Strategy map[string]any `json:"strategy"`
		} `json:"reducers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Reducers, 2)
	assert.Equal(t, "pages", resp.Reducers[0].Name)
	assert.Equal(t, "STATIC_COUNTER", resp.Reducers[0].Strategy["reduceType"])
	assert.Equal(t, "window", resp.Reducers[1].Name)
	assert.Equal(t, float64(3600), resp.Reducers[1].Strategy["timeWindow"])
}

func TestDeadLetterLifecycle(t *testing.T) {
	h := newHarness(t)

	h.do(t, http.MethodPost, "/v1/topics/failing/events", eventBody(t, "chain-1", "a"))
	h.drain(t)

	w := h.do(t, http.MethodGet, "/v1/deadletters?limit=10", nil)
	letters := decode(t, w)["deadLetters"].([]any)
	require.Len(t, letters, 1)
	id := letters[0].(map[string]any)["id"].(string)
	assert.Equal(t, "broken", letters[0].(map[string]any)["subscriber"])

	w = h.do(t, http.MethodGet, "/v1/deadletters/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "permanent", decode(t, w)["category"])

	// Redelivery fails again and the message returns to the queue.
	w = h.do(t, http.MethodPost, "/v1/deadletters/"+id+"/redrive", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, decode(t, w)["error"], "cannot process")

	w = h.do(t, http.MethodGet, "/v1/deadletters", nil)
	letters = decode(t, w)["deadLetters"].([]any)
	require.Len(t, letters, 1)
	id = letters[0].(map[string]any)["id"].(string)
	assert.Equal(t, float64(1), letters[0].(map[string]any)["redrives"])

	w = h.do(t, http.MethodDelete, "/v1/deadletters/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = h.do(t, http.MethodDelete, "/v1/deadletters/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = h.do(t, http.MethodPost, "/v1/deadletters/"+id+"/redrive", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodGet, "/v1/deadletters?limit=lots", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRedriveRejected(t *testing.T) {
	h := newHarness(t)

	// A body rejected for a missing chain id can be redriven once it is
	// fixed upstream; here it still fails to parse.
	h.do(t, http.MethodPost, "/v1/events", []byte(`{"id":"x","type":"document-created","data":{}}`))
	w := h.do(t, http.MethodGet, "/v1/deadletters", nil)
	letters := decode(t, w)["deadLetters"].([]any)
	require.Len(t, letters, 1)
	id := letters[0].(map[string]any)["id"].(string)

	w = h.do(t, http.MethodPost, "/v1/deadletters/"+id+"/redrive", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.True(t, strings.Contains(decode(t, w)["error"].(string), "chainId"))
}

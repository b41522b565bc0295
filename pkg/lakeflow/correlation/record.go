package correlation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
)

// Sort keys.
const (
	StatusKey   = "STATUS"
	EventPrefix = "EVENT##"
)

// Record is a stored EVENT record.
type Record struct {
	ChainID   string
	SortKey   string
	EventID   string
	Event     *event.Event
	Received  time.Time
	ExpiresAt time.Time
}

// EventSortKey builds "EVENT##<unix nanos>##<uuid>". The timestamp is zero
// padded so that lexical order follows arrival; the uuid breaks ties within
// one clock tick.
func EventSortKey(received time.Time) string {
	return fmt.Sprintf("%s%020d##%s", EventPrefix, received.UnixNano(), uuid.NewString())
}

// IsEventKey reports whether sk is an EVENT sort key.
func IsEventKey(sk string) bool {
	return strings.HasPrefix(sk, EventPrefix)
}

// Events extracts the events from records, preserving order.
func Events(records []Record) []*event.Event {
	out := make([]*event.Event, 0, len(records))
	for _, r := range records {
		out = append(out, r.Event)
	}
	return out
}

func encodeEvent(evt *event.Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", evt.ID, err)
	}
	return data, nil
}

// decodeEvent skips validation: records were validated on append.
func decodeEvent(data []byte) (*event.Event, error) {
	var evt event.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &evt, nil
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	return now.Add(ttl)
}

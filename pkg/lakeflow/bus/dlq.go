package bus

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	lferrors "github.com/randalmurphal/lakeflow/pkg/lakeflow/errors"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
)

// ErrDLQFull is returned when the dead-letter queue is at capacity.
var ErrDLQFull = errors.New("dead-letter queue is full")

// DeadLetter is a message that could not be processed.
type DeadLetter struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`

	// Subscriber is empty when the message was rejected before delivery,
	// for example because it never parsed.
	Subscriber string `json:"subscriber,omitempty"`

	// Event is nil when the payload never parsed; Payload then holds the
	// raw bytes.
	Event   *event.Event `json:"event,omitempty"`
	Payload []byte       `json:"payload,omitempty"`

	Error    string            `json:"error"`
	Category lferrors.Category `json:"category"`
	Attempts int               `json:"attempts"`
	Redrives int               `json:"redrives"`
	FailedAt time.Time         `json:"failed_at"`
}

// EventID returns the id of the dead-lettered event, if it parsed.
func (d *DeadLetter) EventID() string {
	if d.Event == nil {
		return ""
	}
	return d.Event.ID
}

// DLQConfig configures the dead-letter queue.
type DLQConfig struct {
	// MaxSize limits the number of held messages.
	// Default: 10000
	MaxSize int

	// OnEnqueue is called when a message is added.
	OnEnqueue func(*DeadLetter)
}

// DefaultDLQConfig provides reasonable defaults.
var DefaultDLQConfig = DLQConfig{
	MaxSize: 10000,
}

// DeadLetterQueue holds messages that failed processing until they are
// redriven or removed.
type DeadLetterQueue struct {
	mu      sync.RWMutex
	entries map[string]*DeadLetter
	cfg     DLQConfig

	enqueued int64
	redriven int64
	dropped  int64
}

// NewDeadLetterQueue creates an in-memory dead-letter queue.
func NewDeadLetterQueue(cfg DLQConfig) *DeadLetterQueue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultDLQConfig.MaxSize
	}
	return &DeadLetterQueue{
		entries: make(map[string]*DeadLetter),
		cfg:     cfg,
	}
}

// Enqueue adds a message, assigning an id and failure time when unset.
func (d *DeadLetterQueue) Enqueue(dl *DeadLetter) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.entries) >= d.cfg.MaxSize {
		d.dropped++
		return ErrDLQFull
	}
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now().UTC()
	}

	d.entries[dl.ID] = dl
	d.enqueued++

	if d.cfg.OnEnqueue != nil {
		d.cfg.OnEnqueue(dl)
	}
	return nil
}

// Get returns a copy of the message with the given id.
func (d *DeadLetterQueue) Get(id string) (DeadLetter, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	dl, ok := d.entries[id]
	if !ok {
		return DeadLetter{}, false
	}
	return *dl, true
}

// List returns up to limit messages, oldest first. A limit of zero or
// less returns all of them.
func (d *DeadLetterQueue) List(limit int) []DeadLetter {
	d.mu.RLock()
	out := make([]DeadLetter, 0, len(d.entries))
	for _, dl := range d.entries {
		out = append(out, *dl)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FailedAt.Before(out[j].FailedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Remove acknowledges a message, reporting whether it was present.
func (d *DeadLetterQueue) Remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.entries[id]; !ok {
		return false
	}
	delete(d.entries, id)
	return true
}

// take removes and returns a message for redrive.
func (d *DeadLetterQueue) take(id string) (*DeadLetter, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dl, ok := d.entries[id]
	if !ok {
		return nil, false
	}
	delete(d.entries, id)
	d.redriven++
	return dl, true
}

// Len returns the number of held messages.
func (d *DeadLetterQueue) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// CountByCategory groups held messages by error category.
func (d *DeadLetterQueue) CountByCategory() map[lferrors.Category]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	counts := make(map[lferrors.Category]int)
	for _, dl := range d.entries {
		counts[dl.Category]++
	}
	return counts
}

// Stats returns queue statistics.
func (d *DeadLetterQueue) Stats() DLQStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return DLQStats{
		Current:  len(d.entries),
		Enqueued: d.enqueued,
		Redriven: d.redriven,
		Dropped:  d.dropped,
	}
}

// DLQStats contains dead-letter queue statistics.
type DLQStats struct {
	Current  int   `json:"current"`
	Enqueued int64 `json:"enqueued"`
	Redriven int64 `json:"redriven"`
	Dropped  int64 `json:"dropped"`
}

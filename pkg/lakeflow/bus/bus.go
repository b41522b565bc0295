// Package bus is the in-process transport substrate for lakeflow pipelines.
//
// Events are published to named topics. Each subscription carries an
// optional filter policy (a compiled condition) that the bus evaluates at
// delivery, so events that fail the policy never reach the handler.
// Handler failures are retried when transient; malformed messages and
// exhausted retries land in a dead-letter queue from which they can be
// redriven.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/condition"
	lferrors "github.com/randalmurphal/lakeflow/pkg/lakeflow/errors"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/observability"
)

// Sentinel errors for bus operations.
var (
	ErrBusClosed           = errors.New("bus is closed")
	ErrEmptyTopic          = errors.New("empty topic")
	ErrDuplicateSubscriber = errors.New("subscriber already registered on topic")
	ErrTooManySubscribers  = errors.New("subscriber limit reached")
	ErrDeadLetterNotFound  = errors.New("dead letter not found")
	ErrSubscriberGone      = errors.New("subscriber no longer registered")
)

// Handler processes one delivered event.
type Handler func(ctx context.Context, evt *event.Event) error

// Publisher publishes events to one destination.
type Publisher interface {
	Publish(ctx context.Context, evt *event.Event) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, evt *event.Event) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, evt *event.Event) error {
	return f(ctx, evt)
}

// Subscription represents an active subscription.
type Subscription interface {
	// Topic returns the subscribed topic.
	Topic() string

	// Name identifies the subscriber within its topic.
	Name() string

	// Policy returns the filter policy, nil when every event is delivered.
	Policy() *condition.Condition

	// Unsubscribe removes the subscription.
	Unsubscribe()

	// Pause temporarily stops delivery. Events published while paused are
	// not queued for the subscription; events queued before the pause are
	// still delivered.
	Pause()

	// Resume continues delivery after pause.
	Resume()

	// IsPaused returns true if the subscription is paused.
	IsPaused() bool
}

// minDeduplicateTTL keeps the dedupe sweep ticker interval positive.
const minDeduplicateTTL = time.Millisecond

// Config configures bus behavior.
type Config struct {
	// BufferSize is the channel buffer size per subscription.
	// Default: 256
	BufferSize int

	// MaxSubscribers limits total subscriptions.
	// Default: 0 (unlimited)
	MaxSubscribers int

	// NonBlocking makes Publish non-blocking (drops events if buffer full).
	// Default: false (blocking)
	NonBlocking bool

	// DeduplicateTTL drops republished event ids per topic for the TTL.
	// Positive values below one millisecond are raised to one millisecond.
	// Default: 0 (disabled)
	DeduplicateTTL time.Duration

	// Retry governs redelivery of transient handler failures.
	// Default: errors.DeliveryRetry
	Retry *lferrors.RetryConfig

	// DLQ configures the dead-letter queue.
	DLQ DLQConfig

	// Logger receives delivery failures. Default: slog.Default()
	Logger *slog.Logger

	// Metrics records dead letters. Default: no-op
	Metrics observability.MetricsRecorder

	// OnDrop is called when an event is dropped (non-blocking mode).
	OnDrop func(evt *event.Event, topic, subscriber string)
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	BufferSize: 256,
}

// LocalBus is an in-memory bus implementation.
type LocalBus struct {
	config  Config
	handler *lferrors.Handler
	dlq     *DeadLetterQueue

	mu     sync.RWMutex
	topics map[string]map[string]*subscription // topic -> subscriber name -> subscription
	count  int

	// Deduplication cache
	dedupeMu    sync.Mutex
	dedupeCache map[string]time.Time

	pending atomic.Int64
	closed  atomic.Bool
	closeCh chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a new local bus.
func New(config Config) *LocalBus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig.BufferSize
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = observability.NoopMetrics{}
	}
	if config.DeduplicateTTL > 0 && config.DeduplicateTTL < minDeduplicateTTL {
		config.DeduplicateTTL = minDeduplicateTTL
	}
	retry := lferrors.DeliveryRetry
	if config.Retry != nil {
		retry = *config.Retry
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &LocalBus{
		config: config,
		handler: lferrors.NewHandler(
			lferrors.WithRetryConfig(retry),
			lferrors.WithLogger(config.Logger),
		),
		dlq:     NewDeadLetterQueue(config.DLQ),
		topics:  make(map[string]map[string]*subscription),
		closeCh: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	if config.DeduplicateTTL > 0 {
		b.dedupeCache = make(map[string]time.Time)
		go b.cleanupDedupe()
	}

	return b
}

// subscription is an internal subscription implementation.
type subscription struct {
	topic   string
	name    string
	policy  *condition.Condition
	handler Handler
	events  chan *event.Event
	paused  atomic.Bool
	done    chan struct{}
	once    sync.Once
	bus     *LocalBus
}

// Publish delivers evt to every subscription on topic whose policy it
// matches. Each subscriber receives its own copy. Invalid events are
// rejected with a malformed error and nothing is delivered.
func (b *LocalBus) Publish(ctx context.Context, topic string, evt *event.Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if topic == "" {
		return ErrEmptyTopic
	}
	if err := evt.Validate(); err != nil {
		return err
	}

	if b.config.DeduplicateTTL > 0 && b.seen(topic, evt.ID) {
		return nil
	}

	b.mu.RLock()
	subs := b.matching(topic, evt)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.paused.Load() {
			continue
		}

		b.pending.Add(1)
		copied := evt.Clone()
		if b.config.NonBlocking {
			select {
			case sub.events <- copied:
			default:
				b.pending.Add(-1)
				if b.config.OnDrop != nil {
					b.config.OnDrop(evt, topic, sub.name)
				}
			}
			continue
		}

		select {
		case sub.events <- copied:
		case <-sub.done:
			b.pending.Add(-1)
		case <-ctx.Done():
			b.pending.Add(-1)
			return ctx.Err()
		case <-b.closeCh:
			b.pending.Add(-1)
			return ErrBusClosed
		}
	}

	return nil
}

// Topic returns a Publisher bound to one topic.
func (b *LocalBus) Topic(name string) Publisher {
	return PublisherFunc(func(ctx context.Context, evt *event.Event) error {
		return b.Publish(ctx, name, evt)
	})
}

// Subscribe registers handler on topic under name. A nil policy delivers
// every event; otherwise only matching events are delivered. A middleware
// with several upstream edges subscribes once per edge, each with its own
// policy and name.
func (b *LocalBus) Subscribe(topic, name string, policy *condition.Condition, handler Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	if handler == nil {
		return nil, errors.New("nil handler")
	}
	if err := policy.Err(); err != nil {
		return nil, fmt.Errorf("subscription %s/%s: %w", topic, name, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.config.MaxSubscribers > 0 && b.count >= b.config.MaxSubscribers {
		return nil, ErrTooManySubscribers
	}
	if _, dup := b.topics[topic][name]; dup {
		return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateSubscriber, topic, name)
	}

	sub := &subscription{
		topic:   topic,
		name:    name,
		policy:  policy,
		handler: handler,
		events:  make(chan *event.Event, b.config.BufferSize),
		done:    make(chan struct{}),
		bus:     b,
	}

	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string]*subscription)
	}
	b.topics[topic][name] = sub
	b.count++

	go sub.process()

	return sub, nil
}

// matching returns the subscriptions on topic whose policy matches evt.
// Caller must hold the read lock.
func (b *LocalBus) matching(topic string, evt *event.Event) []*subscription {
	subs := make([]*subscription, 0, len(b.topics[topic]))
	var attrs map[string]any
	for _, sub := range b.topics[topic] {
		if sub.policy != nil {
			if attrs == nil {
				attrs = evt.Attributes()
			}
			if !sub.policy.Match(attrs) {
				continue
			}
		}
		subs = append(subs, sub)
	}
	return subs
}

// Reject dead-letters a message that could not be turned into an event,
// such as an unparseable request body.
func (b *LocalBus) Reject(ctx context.Context, topic string, payload []byte, cause error) {
	b.deadLetter(ctx, &DeadLetter{
		Topic:    topic,
		Payload:  append([]byte(nil), payload...),
		Error:    cause.Error(),
		Category: lferrors.Categorize(cause),
	})
}

// DeadLetters returns the bus's dead-letter queue.
func (b *LocalBus) DeadLetters() *DeadLetterQueue {
	return b.dlq
}

// Redrive removes a dead letter and delivers it again: to its original
// subscriber if it reached one, otherwise by re-parsing the payload and
// publishing it to the original topic. A failed redelivery dead-letters
// the message again with its redrive count incremented.
func (b *LocalBus) Redrive(ctx context.Context, id string) error {
	dl, ok := b.dlq.Get(id)
	if !ok {
		return ErrDeadLetterNotFound
	}

	if dl.Subscriber == "" {
		evt := dl.Event
		if evt == nil {
			var err error
			if evt, err = event.Parse(dl.Payload); err != nil {
				return err
			}
		}
		if _, ok := b.dlq.take(id); !ok {
			return ErrDeadLetterNotFound
		}
		return b.Publish(ctx, dl.Topic, evt)
	}

	b.mu.RLock()
	sub := b.topics[dl.Topic][dl.Subscriber]
	b.mu.RUnlock()
	if sub == nil {
		return fmt.Errorf("%w: %s/%s", ErrSubscriberGone, dl.Topic, dl.Subscriber)
	}

	if _, ok := b.dlq.take(id); !ok {
		return ErrDeadLetterNotFound
	}
	return b.deliver(ctx, sub, dl.Event, dl.Redrives+1)
}

// Drain blocks until every published event has been handled or ctx ends.
func (b *LocalBus) Drain(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for b.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close shuts down the bus. In-flight handlers see their context cancelled.
func (b *LocalBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(b.closeCh)
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.topics {
		for _, sub := range subs {
			sub.stop()
		}
	}
	return nil
}

// deliver runs the subscriber's handler with retries and dead-letters the
// event when it cannot be processed.
func (b *LocalBus) deliver(ctx context.Context, sub *subscription, evt *event.Event, redrives int) error {
	res := b.handler.Execute(ctx, func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = lferrors.Permanent(fmt.Errorf("handler panic: %v", r), sub.name)
			}
		}()
		return sub.handler(ctx, evt)
	})
	if res.Disposition == lferrors.Succeeded {
		return nil
	}

	b.deadLetter(ctx, &DeadLetter{
		Topic:      sub.topic,
		Subscriber: sub.name,
		Event:      evt,
		Error:      res.Err.Error(),
		Category:   lferrors.Categorize(res.Err),
		Attempts:   res.Attempts,
		Redrives:   redrives,
	})
	return res.Err
}

func (b *LocalBus) deadLetter(ctx context.Context, dl *DeadLetter) {
	if err := b.dlq.Enqueue(dl); err != nil {
		b.config.Logger.Error("dropping dead letter",
			slog.String("topic", dl.Topic),
			slog.String("event_id", dl.EventID()),
			slog.String("error", err.Error()),
		)
		return
	}
	observability.LogDeadLettered(b.config.Logger, dl.Topic, dl.Subscriber, dl.EventID(), errors.New(dl.Error))
	b.config.Metrics.RecordDeadLetter(ctx, dl.Topic)
}

// process handles events for a subscription.
func (s *subscription) process() {
	for {
		select {
		case evt := <-s.events:
			_ = s.bus.deliver(s.bus.ctx, s, evt, 0)
			s.bus.pending.Add(-1)

		case <-s.done:
			// Queued events are abandoned.
			for {
				select {
				case <-s.events:
					s.bus.pending.Add(-1)
				default:
					return
				}
			}
		}
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Topic implements Subscription.
func (s *subscription) Topic() string { return s.topic }

// Name implements Subscription.
func (s *subscription) Name() string { return s.name }

// Policy implements Subscription.
func (s *subscription) Policy() *condition.Condition { return s.policy }

// Unsubscribe removes the subscription.
func (s *subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if subs, ok := s.bus.topics[s.topic]; ok && subs[s.name] == s {
		delete(subs, s.name)
		s.bus.count--
	}
	s.stop()
}

// Pause temporarily stops delivery.
func (s *subscription) Pause() {
	s.paused.Store(true)
}

// Resume continues delivery after pause.
func (s *subscription) Resume() {
	s.paused.Store(false)
}

// IsPaused returns true if the subscription is paused.
func (s *subscription) IsPaused() bool {
	return s.paused.Load()
}

// seen records topic/id and reports whether it was already recorded.
func (b *LocalBus) seen(topic, id string) bool {
	key := topic + "\x00" + id

	b.dedupeMu.Lock()
	defer b.dedupeMu.Unlock()

	if _, ok := b.dedupeCache[key]; ok {
		return true
	}
	b.dedupeCache[key] = time.Now()
	return false
}

func (b *LocalBus) cleanupDedupe() {
	ticker := time.NewTicker(b.config.DeduplicateTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.dedupeMu.Lock()
			cutoff := time.Now().Add(-b.config.DeduplicateTTL)
			for key, ts := range b.dedupeCache {
				if ts.Before(cutoff) {
					delete(b.dedupeCache, key)
				}
			}
			b.dedupeMu.Unlock()

		case <-b.closeCh:
			return
		}
	}
}

// Package eventbus carries engine lifecycle events to subscribers.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by every operation on a closed bus.
var ErrClosed = errors.New("eventbus: closed")

// subscription is one registered handler. A nil type set matches every
// event.
type subscription struct {
	id      string
	types   map[EventType]struct{}
	handler EventHandler
}

func (s subscription) wants(t EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type queued struct {
	ctx   context.Context
	event Event
}

// ChannelEventBus queues published events on a buffered channel drained by
// a fixed number of workers. Handlers of one event run in subscription
// order on the worker that picked the event up.
type ChannelEventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	closed bool

	queue chan queued
	done  chan struct{}
	wg    sync.WaitGroup

	bufferSize    int
	workerCount   int
	maxRetries    int
	retryInterval time.Duration
	logger        zerolog.Logger
}

// ChannelEventBusOption configures the channel-based event bus
type ChannelEventBusOption func(*ChannelEventBus)

// WithBufferSize sets how many events may wait for a worker before Publish
// blocks.
func WithBufferSize(size int) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.bufferSize = size
	}
}

// WithWorkerCount sets the number of dispatch workers.
func WithWorkerCount(count int) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.workerCount = count
	}
}

// WithRetries sets how often a failing handler is retried and the pause
// between attempts.
func WithRetries(maxRetries int, retryInterval time.Duration) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.maxRetries = maxRetries
		eb.retryInterval = retryInterval
	}
}

// WithLogger sets the logger used for handler failures.
func WithLogger(logger zerolog.Logger) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.logger = logger
	}
}

// NewChannelEventBus creates a bus and starts its workers.
func NewChannelEventBus(options ...ChannelEventBusOption) *ChannelEventBus {
	eb := &ChannelEventBus{
		done:          make(chan struct{}),
		bufferSize:    100,
		workerCount:   5,
		maxRetries:    3,
		retryInterval: 100 * time.Millisecond,
		logger:        log.Logger,
	}
	for _, option := range options {
		option(eb)
	}
	eb.workerCount = max(eb.workerCount, 1)
	eb.bufferSize = max(eb.bufferSize, 0)

	eb.queue = make(chan queued, eb.bufferSize)
	for i := 0; i < eb.workerCount; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}
	return eb
}

func (eb *ChannelEventBus) worker() {
	defer eb.wg.Done()
	for {
		select {
		case q := <-eb.queue:
			eb.dispatch(q)
		case <-eb.done:
			eb.drain()
			return
		}
	}
}

// drain dispatches whatever is still queued once the bus is closing.
func (eb *ChannelEventBus) drain() {
	for {
		select {
		case q := <-eb.queue:
			eb.dispatch(q)
		default:
			return
		}
	}
}

func (eb *ChannelEventBus) dispatch(q queued) {
	if q.ctx.Err() != nil {
		return
	}

	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.subs))
	for _, s := range eb.subs {
		if s.wants(q.event.Type()) {
			handlers = append(handlers, s.handler)
		}
	}
	eb.mu.RUnlock()

	for _, handler := range handlers {
		eb.runHandler(q.ctx, q.event, handler)
	}
}

// runHandler calls handler until it succeeds or its retries run out. Once
// the bus is closing a failed handler is not retried.
func (eb *ChannelEventBus) runHandler(ctx context.Context, event Event, handler EventHandler) {
	var err error
	for attempt := 0; attempt <= eb.maxRetries; attempt++ {
		if err = handler(ctx, event); err == nil {
			return
		}
		if attempt == eb.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-eb.done:
			attempt = eb.maxRetries
		case <-time.After(eb.retryInterval):
		}
	}

	eb.logger.Warn().
		Err(err).
		Str("event_type", string(event.Type())).
		Str("source", event.Source()).
		Int("retries", eb.maxRetries).
		Msg("event handler failed")
}

// Publish queues event for dispatch. It blocks while the buffer is full and
// returns ctx's error if ctx ends first.
func (eb *ChannelEventBus) Publish(ctx context.Context, event Event) error {
	if event == nil {
		return fmt.Errorf("eventbus: nil event")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	eb.mu.RLock()
	closed := eb.closed
	eb.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-eb.done:
		return ErrClosed
	case eb.queue <- queued{ctx: ctx, event: event}:
		return nil
	}
}

// Subscribe registers handler for the given event types and returns the
// subscription ID.
func (eb *ChannelEventBus) Subscribe(eventTypes []EventType, handler EventHandler) (string, error) {
	if len(eventTypes) == 0 {
		return "", fmt.Errorf("eventbus: at least one event type is required")
	}
	types := make(map[EventType]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = struct{}{}
	}
	return eb.add(types, handler)
}

// SubscribeAll registers handler for every event type.
func (eb *ChannelEventBus) SubscribeAll(handler EventHandler) (string, error) {
	return eb.add(nil, handler)
}

func (eb *ChannelEventBus) add(types map[EventType]struct{}, handler EventHandler) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("eventbus: handler cannot be nil")
	}
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return "", ErrClosed
	}
	id := uuid.New().String()
	eb.subs = append(eb.subs, subscription{id: id, types: types, handler: handler})
	return id, nil
}

// Unsubscribe removes a subscription. Unknown IDs are ignored.
func (eb *ChannelEventBus) Unsubscribe(subscriptionID string) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return ErrClosed
	}
	kept := eb.subs[:0]
	for _, s := range eb.subs {
		if s.id != subscriptionID {
			kept = append(kept, s)
		}
	}
	clear(eb.subs[len(kept):])
	eb.subs = kept
	return nil
}

// Close stops the workers after the events already queued have been
// dispatched. It is safe to call more than once.
func (eb *ChannelEventBus) Close() error {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return nil
	}
	eb.closed = true
	eb.mu.Unlock()

	close(eb.done)
	eb.wg.Wait()
	return nil
}

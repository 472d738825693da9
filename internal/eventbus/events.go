package eventbus

import (
	"context"
	"time"
)

// EventType represents the type of an event
type EventType string

// Standard event types
const (
	// Planning events
	EventPlanCreated  EventType = "plan_created"
	EventPlanFallback EventType = "plan_fallback"
	EventPlanRejected EventType = "plan_rejected"

	// Step execution events
	EventStepStarted     EventType = "step_started"
	EventStepSucceeded   EventType = "step_succeeded"
	EventStepFailed      EventType = "step_failed"
	EventStepRetry       EventType = "step_retry"
	EventStepSubstituted EventType = "step_substituted"
	EventStepCancelled   EventType = "step_cancelled"

	// Plan execution events
	EventExecutionStarted   EventType = "execution_started"
	EventExecutionFinished  EventType = "execution_finished"
	EventExecutionCancelled EventType = "execution_cancelled"

	// Strategy events
	EventStrategySelected  EventType = "strategy_selected"
	EventStrategySucceeded EventType = "strategy_succeeded"
	EventStrategyFailed    EventType = "strategy_failed"
	EventStrategyFallback  EventType = "strategy_fallback"
	EventWeightsUpdated    EventType = "weights_updated"

	// Task processing events
	EventProcessStarted   EventType = "process_started"
	EventProcessSucceeded EventType = "process_succeeded"
	EventProcessFailed    EventType = "process_failed"
	EventProcessCancelled EventType = "process_cancelled"
)

// EventHandler is a function that handles events
type EventHandler func(context.Context, Event) error

// Event represents something that has happened within the engine
type Event interface {
	// Type returns the event type
	Type() EventType

	// Payload returns the event data
	Payload() any

	// Metadata returns additional information about the event
	Metadata() map[string]any

	// Timestamp returns when the event occurred
	Timestamp() int64

	// Source returns information about what generated the event
	Source() string
}

// EventBus is the central event dispatch system
type EventBus interface {
	// Publish sends an event to all subscribed handlers
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a handler for specific event types.
	// Returns a subscription ID that can be used to unsubscribe.
	Subscribe(eventTypes []EventType, handler EventHandler) (string, error)

	// SubscribeAll registers a handler for all event types
	SubscribeAll(handler EventHandler) (string, error)

	// Unsubscribe removes a subscription by ID
	Unsubscribe(subscriptionID string) error

	// Close shuts down the event bus, cleaning up resources
	Close() error
}

// BaseEvent is a simple implementation of the Event interface
type BaseEvent struct {
	eventType  EventType
	payload    any
	metadata   map[string]any
	timestamp  int64
	sourceInfo string
}

// NewEvent creates a new BaseEvent
func NewEvent(eventType EventType, payload any, source string, metadata map[string]any) *BaseEvent {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return &BaseEvent{
		eventType:  eventType,
		payload:    payload,
		metadata:   metadata,
		timestamp:  time.Now().UnixNano(),
		sourceInfo: source,
	}
}

// NewEmptyEvent creates an event with no payload or metadata.
func NewEmptyEvent(eventType EventType) *BaseEvent {
	return NewEvent(eventType, nil, "", nil)
}

func (e *BaseEvent) Type() EventType          { return e.eventType }
func (e *BaseEvent) Payload() any             { return e.payload }
func (e *BaseEvent) Metadata() map[string]any { return e.metadata }
func (e *BaseEvent) Timestamp() int64         { return e.timestamp }
func (e *BaseEvent) Source() string           { return e.sourceInfo }

// WithMetadata adds or updates metadata and returns the same event
func (e *BaseEvent) WithMetadata(key string, value any) *BaseEvent {
	e.metadata[key] = value
	return e
}

// Emit publishes an event when bus is non-nil. Publishing is best effort;
// a closed bus or a cancelled context drops the event.
func Emit(ctx context.Context, bus EventBus, eventType EventType, source string, payload any, metadata map[string]any) {
	if bus == nil {
		return
	}
	_ = bus.Publish(ctx, NewEvent(eventType, payload, source, metadata))
}

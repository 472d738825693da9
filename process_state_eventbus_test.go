package dragonscale

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/eventbus"
)

func TestStateMachine_EventBus_EmitsEvents(t *testing.T) {
	bus := eventbus.NewChannelEventBus(
		eventbus.WithBufferSize(10),
		eventbus.WithWorkerCount(1),
		eventbus.WithRetries(1, 10*time.Millisecond),
		eventbus.WithLogger(zerolog.Nop()),
	)
	defer bus.Close()

	var mu sync.Mutex
	emitted := make(map[eventbus.EventType]string)
	handler := func(ctx context.Context, evt eventbus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		emitted[evt.Type()] = evt.Source()
		return nil
	}
	_, err := bus.Subscribe([]eventbus.EventType{
		eventbus.EventProcessStarted,
		eventbus.EventProcessSucceeded,
		eventbus.EventProcessFailed,
	}, handler)
	require.NoError(t, err)

	e, err := New(
		WithLogger(zerolog.Nop()),
		WithPlanner(&stubPlanner{}),
		WithExecutor(&stubExecutor{}),
		WithEventBus(bus),
	)
	require.NoError(t, err)
	require.Same(t, bus, e.EventBus())

	_, err = e.Process(context.Background(), "test task")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(emitted) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, processSource, emitted[eventbus.EventProcessStarted])
	assert.Contains(t, emitted, eventbus.EventProcessSucceeded)
	assert.NotContains(t, emitted, eventbus.EventProcessFailed)
}

func TestEngine_ClosesOnlyOwnedBus(t *testing.T) {
	bus := eventbus.NewChannelEventBus(eventbus.WithLogger(zerolog.Nop()))
	defer bus.Close()

	e, err := New(WithLogger(zerolog.Nop()), WithPlanner(&stubPlanner{}), WithExecutor(&stubExecutor{}), WithEventBus(bus))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, err = bus.SubscribeAll(func(context.Context, eventbus.Event) error { return nil })
	assert.NoError(t, err)

	owned, err := New(WithLogger(zerolog.Nop()), WithPlanner(&stubPlanner{}), WithExecutor(&stubExecutor{}))
	require.NoError(t, err)
	require.NotNil(t, owned.EventBus())
	require.NoError(t, owned.Close())
}

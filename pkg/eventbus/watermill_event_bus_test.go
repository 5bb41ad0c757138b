package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/conveyor/pkg/channels/gochannel"
	"github.com/dukex/conveyor/pkg/eventbus"
	"github.com/dukex/conveyor/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermillEventBus_PublishAndHandle(t *testing.T) {
	t.Parallel()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)

	t.Cleanup(func() {
		require.NoError(t, bus.Close())
	})

	received := make(chan *events.StageCallback, 1)

	require.NoError(t, bus.Handle(events.StageCallbackEvent, func(_ context.Context, event any) error {
		callback, ok := event.(*events.StageCallback)
		if ok {
			received <- callback
		}

		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, bus.Subscribe(ctx))

	// Unhandled types are acked and dropped.
	require.NoError(t, bus.Publish(ctx, "exec-1", events.ExecutionStarted{
		BaseEvent: events.NewBaseEvent(events.ExecutionStartedEvent, "exec-1"),
		Pipeline:  "contract-review",
	}))

	require.NoError(t, bus.Publish(ctx, "exec-1", events.StageCallback{
		BaseEvent: events.NewBaseEvent(events.StageCallbackEvent, "exec-1"),
		Token:     "tok-1",
		Output:    map[string]any{"decision": "APPROVED"},
	}))

	select {
	case callback := <-received:
		assert.Equal(t, "tok-1", callback.Token)
		assert.Equal(t, "exec-1", callback.ExecutionID)
		assert.Equal(t, "APPROVED", callback.Output["decision"])
	case <-time.After(5 * time.Second):
		t.Fatal("callback was not delivered")
	}
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	t.Parallel()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	assert.NotEqual(t, bus.GenerateID(), bus.GenerateID())
}

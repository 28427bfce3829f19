package events_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/protocol-yield-orchestrator/internal/events"
)

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	bus.Publish(events.MetricsUpdated, map[string]float64{"earnings": 1.5})

	select {
	case evt := <-ch:
		assert.Equal(t, events.MetricsUpdated, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	ch, unsubscribe := bus.Subscribe()
	unsubscribe()

	bus.Publish(events.AlertRaised, "test")

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestSubscriberCountTracksActiveSubscribers(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	assert.Equal(t, 0, bus.SubscriberCount())

	_, unsubscribe := bus.Subscribe()
	assert.Equal(t, 1, bus.SubscriberCount())

	unsubscribe()
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestFullBufferDropsRatherThanBlocks(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	for i := 0; i < 100; i++ {
		bus.Publish(events.MetricsUpdated, i)
	}

	require.NotPanics(t, func() {
		bus.Publish(events.MetricsUpdated, "final")
	})
	assert.NotEmpty(t, ch)
}

func TestMarshalProducesJSON(t *testing.T) {
	evt := events.Event{Type: events.AlertRaised, Timestamp: time.Now(), Data: "hello"}
	raw, err := events.Marshal(evt)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "alert_raised")
}

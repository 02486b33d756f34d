package lifecycle

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscriber(t *testing.T) {
	bus := NewBus(DefaultBusConfig(), nil)
	defer bus.Close()

	got := make(chan Event, 1)
	cancel := bus.Subscribe(func(ev Event) { got <- ev })
	defer cancel()

	bus.Publish(NewEvent(EventRegistered, "search-ext"))

	select {
	case ev := <-got:
		assert.Equal(t, EventRegistered, ev.EventType)
		assert.Equal(t, "search-ext", ev.PluginID)
		assert.NotEmpty(t, ev.EventID)
		assert.NotZero(t, ev.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("event never dispatched")
	}
}

func TestSubscribeToFiltersByType(t *testing.T) {
	bus := NewBus(DefaultBusConfig(), nil)
	defer bus.Close()

	var mu sync.Mutex
	var seen []EventType
	cancel := bus.SubscribeTo(EventError, func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.EventType)
		mu.Unlock()
	})
	defer cancel()

	bus.Publish(NewEvent(EventRegistered, "p"))
	bus.Publish(NewEvent(EventError, "p"))
	bus.Publish(NewEvent(EventUnregistered, "p"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == EventError
	}, time.Second, 10*time.Millisecond)
}

func TestSubscriberPanicIsolated(t *testing.T) {
	bus := NewBus(DefaultBusConfig(), nil)
	defer bus.Close()

	got := make(chan Event, 2)
	cancelBad := bus.Subscribe(func(Event) { panic("bad subscriber") })
	defer cancelBad()
	cancelGood := bus.Subscribe(func(ev Event) { got <- ev })
	defer cancelGood()

	bus.Publish(NewEvent(EventStarted, "p"))

	select {
	case ev := <-got:
		assert.Equal(t, EventStarted, ev.EventType)
	case <-time.After(time.Second):
		t.Fatal("panicking subscriber took down dispatch")
	}
}

func TestStreamDeliversInOrder(t *testing.T) {
	bus := NewBus(DefaultBusConfig(), nil)
	defer bus.Close()

	stream, cancel := bus.Stream()
	defer cancel()

	bus.Publish(NewEvent(EventRegistered, "a"))
	bus.Publish(NewEvent(EventUnregistered, "a"))

	var types []EventType
	for len(types) < 2 {
		select {
		case ev := <-stream:
			types = append(types, ev.EventType)
		case <-time.After(time.Second):
			t.Fatalf("stream stalled after %d events", len(types))
		}
	}
	// dispatch is pooled, so cross-event ordering is not guaranteed
	assert.ElementsMatch(t, []EventType{EventRegistered, EventUnregistered}, types)
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	bus := NewBus(DefaultBusConfig(), nil)
	require.NoError(t, bus.Close())

	bus.Publish(NewEvent(EventRegistered, "p"))
	published, _ := bus.Stats()
	assert.Zero(t, published)
}

func TestEventTypeNames(t *testing.T) {
	assert.Equal(t, "plugin.registered", EventRegistered.String())
	assert.Equal(t, "plugin.status.changed", EventStatusChanged.String())
	assert.Equal(t, "bridge.fatal", EventBridgeFatal.String())
	assert.Equal(t, "unknown", EventType(0xFF).String())
}

func TestHistoryRecordsAndFilters(t *testing.T) {
	bus := NewBus(BusConfig{HistorySize: 10}, nil)
	defer bus.Close()

	bus.Publish(NewEvent(EventRegistered, "a"))
	bus.Publish(NewEvent(EventRegistered, "b"))
	errEv := NewEvent(EventError, "a")
	errEv.Err = errors.New("handler failed")
	bus.Publish(errEv)

	h := bus.History()
	require.NotNil(t, h)
	assert.Equal(t, 3, h.Len())

	byPlugin := h.Query(Filter{PluginID: "a"})
	require.Len(t, byPlugin, 2)
	assert.Equal(t, EventRegistered, byPlugin[0].EventType)
	assert.Equal(t, EventError, byPlugin[1].EventType)

	byType := h.Query(Filter{EventType: EventError})
	require.Len(t, byType, 1)
	assert.EqualError(t, byType[0].Err, "handler failed")

	assert.Len(t, h.Query(Filter{}), 3)
	assert.Empty(t, h.Query(Filter{PluginID: "c"}))
}

func TestHistoryEvictsOldest(t *testing.T) {
	h := NewHistory(3)
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		h.Add(NewEvent(EventRegistered, id))
	}
	assert.Equal(t, 3, h.Len())

	kept := h.Query(Filter{})
	require.Len(t, kept, 3)
	assert.Equal(t, "3", kept[0].PluginID)
	assert.Equal(t, "5", kept[2].PluginID)
}

func TestHistoryDisabled(t *testing.T) {
	bus := NewBus(BusConfig{HistorySize: 0}, nil)
	defer bus.Close()
	assert.Nil(t, bus.History())
}

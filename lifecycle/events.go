// Package lifecycle drives plugin health state and publishes lifecycle
// notifications: registration, status transitions, handler errors, and
// removal.
package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	kelindar "github.com/kelindar/event"
	ants "github.com/panjf2000/ants/v2"
)

// EventType identifies the kind of lifecycle transition an event describes.
type EventType uint32

const (
	// EventRegistered indicates a plugin was admitted to the bridge
	EventRegistered EventType = 0x01
	// EventStarted indicates a plugin's delivery worker began running
	EventStarted EventType = 0x02
	// EventStatusChanged indicates a health state transition
	EventStatusChanged EventType = 0x03
	// EventError indicates a plugin's message handler failed
	EventError EventType = 0x04
	// EventUnregistered indicates a plugin was removed from the bridge
	EventUnregistered EventType = 0x05
	// EventBridgeFatal indicates the bridge itself is shutting down after
	// an unrecoverable condition (owner queue exhaustion)
	EventBridgeFatal EventType = 0x06
)

// String returns the dotted name of the event type.
func (t EventType) String() string {
	switch t {
	case EventRegistered:
		return "plugin.registered"
	case EventStarted:
		return "plugin.started"
	case EventStatusChanged:
		return "plugin.status.changed"
	case EventError:
		return "plugin.handler.error"
	case EventUnregistered:
		return "plugin.unregistered"
	case EventBridgeFatal:
		return "bridge.fatal"
	default:
		return "unknown"
	}
}

// Event is a lifecycle notification. Events are values; subscribers must not
// retain references into Metadata beyond the callback.
type Event struct {
	EventID    string
	EventType  EventType
	PluginID   string
	FromStatus string
	ToStatus   string
	Err        error
	Metadata   map[string]any
	Timestamp  int64 // milliseconds since the Unix epoch
}

// Type implements the kelindar/event discriminator.
func (e Event) Type() uint32 {
	return uint32(e.EventType)
}

// NewEvent creates a lifecycle event with a fresh id and timestamp.
func NewEvent(eventType EventType, pluginID string) Event {
	return Event{
		EventID:   uuid.NewString(),
		EventType: eventType,
		PluginID:  pluginID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// BusConfig controls the lifecycle event bus.
type BusConfig struct {
	// HistorySize bounds the in-memory ring of recent events; 0 disables
	HistorySize int `yaml:"history_size" json:"history_size"`
	// WorkerPoolSize bounds concurrent subscriber callbacks
	WorkerPoolSize int `yaml:"worker_pool_size" json:"worker_pool_size"`
	// StreamBuffer is the default buffer for channel subscriptions
	StreamBuffer int `yaml:"stream_buffer" json:"stream_buffer"`
}

// DefaultBusConfig returns the default lifecycle bus configuration.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		HistorySize:    1000,
		WorkerPoolSize: 4,
		StreamBuffer:   64,
	}
}

// Bus publishes lifecycle events to subscribers. Dispatch happens off the
// publisher's goroutine so a slow subscriber never stalls the monitor or the
// delivery workers.
type Bus struct {
	dispatcher *kelindar.Dispatcher
	history    *History
	pool       *ants.Pool
	helper     *log.Helper
	config     BusConfig

	published atomic.Uint64
	dropped   atomic.Uint64
	isClosed  atomic.Bool
}

// NewBus creates a lifecycle event bus.
func NewBus(config BusConfig, logger log.Logger) *Bus {
	if logger == nil {
		logger = log.GetLogger()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultBusConfig().WorkerPoolSize
	}
	if config.StreamBuffer <= 0 {
		config.StreamBuffer = DefaultBusConfig().StreamBuffer
	}
	b := &Bus{
		dispatcher: kelindar.NewDispatcher(),
		helper:     log.NewHelper(logger),
		config:     config,
	}
	if config.HistorySize > 0 {
		b.history = NewHistory(config.HistorySize)
	}
	if pool, err := ants.NewPool(config.WorkerPoolSize, ants.WithNonblocking(false)); err == nil {
		b.pool = pool
	} else {
		// fall back to synchronous dispatch
		b.helper.Warnf("lifecycle worker pool init failed, dispatching inline: %v", err)
	}
	return b
}

// Publish delivers the event to all subscribers. Best effort once the bus is
// closed.
func (b *Bus) Publish(ev Event) {
	if b.isClosed.Load() {
		return
	}
	b.published.Add(1)
	if b.history != nil {
		b.history.Add(ev)
	}
	if b.pool != nil {
		if err := b.pool.Submit(func() { kelindar.Publish(b.dispatcher, ev) }); err == nil {
			return
		}
	}
	kelindar.Publish(b.dispatcher, ev)
}

// Subscribe registers a callback for every lifecycle event. The returned
// cancel function removes the subscription.
func (b *Bus) Subscribe(handler func(Event)) context.CancelFunc {
	if b.isClosed.Load() {
		return func() {}
	}
	wrapped := func(ev Event) {
		defer func() {
			if r := recover(); r != nil {
				b.helper.Errorf("lifecycle subscriber panic: type=%s plugin=%s panic=%v", ev.EventType, ev.PluginID, r)
			}
		}()
		handler(ev)
	}
	cancels := make([]context.CancelFunc, 0, 6)
	for _, t := range []EventType{EventRegistered, EventStarted, EventStatusChanged, EventError, EventUnregistered, EventBridgeFatal} {
		cancels = append(cancels, kelindar.SubscribeTo(b.dispatcher, uint32(t), wrapped))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

// SubscribeTo registers a callback for one event type.
func (b *Bus) SubscribeTo(eventType EventType, handler func(Event)) context.CancelFunc {
	if b.isClosed.Load() {
		return func() {}
	}
	return kelindar.SubscribeTo(b.dispatcher, uint32(eventType), handler)
}

// Stream returns a buffered channel of lifecycle events plus a cancel
// function. When the consumer falls behind, new events are dropped rather
// than blocking dispatch; drops are counted in bus stats.
func (b *Bus) Stream() (<-chan Event, context.CancelFunc) {
	ch := make(chan Event, b.config.StreamBuffer)
	var (
		mu       sync.Mutex
		stopped  bool
		stopOnce sync.Once
	)
	cancelSub := b.Subscribe(func(ev Event) {
		// the mutex orders in-flight sends against close below
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	})
	cancel := func() {
		stopOnce.Do(func() {
			cancelSub()
			mu.Lock()
			stopped = true
			close(ch)
			mu.Unlock()
		})
	}
	return ch, cancel
}

// History returns the recent-event ring, or nil when history is disabled.
func (b *Bus) History() *History {
	return b.history
}

// Stats returns cumulative publish and stream-drop counters.
func (b *Bus) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}

// Close shuts the bus down. Safe to call more than once.
func (b *Bus) Close() error {
	if b.isClosed.CompareAndSwap(false, true) {
		if b.pool != nil {
			b.pool.Release()
		}
		return b.dispatcher.Close()
	}
	return nil
}

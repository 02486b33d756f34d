package channel

import (
	"fmt"
	"sync"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/lumo-launcher/bridge/message"
)

// Manager tracks the mailbox belonging to each registered plugin. Mailbox
// lifetimes are driven by the registry: the bridge creates a mailbox when a
// plugin registers and destroys it when the plugin is removed.
type Manager struct {
	config Config
	onDrop DropFunc
	helper *log.Helper

	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewManager creates an empty channel manager.
func NewManager(config Config, onDrop DropFunc, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.GetLogger()
	}
	return &Manager{
		config:   config,
		onDrop:   onDrop,
		helper:   log.NewHelper(logger),
		channels: make(map[string]*Channel),
	}
}

// Create allocates a mailbox for the plugin. Creating a mailbox for an id
// that already has one replaces nothing and returns the existing mailbox;
// the registry guarantees ids are unique, so this only happens on re-entry
// during cleanup races.
func (m *Manager) Create(id string) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[id]; ok {
		return ch
	}
	ch := newChannel(id, m.config, m.onDrop)
	m.channels[id] = ch
	m.helper.Debugf("channel created: id=%s capacity_per_lane=%d", id, m.config.CapacityPerLane)
	return ch
}

// Get returns the mailbox for the plugin id.
func (m *Manager) Get(id string) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	return ch, ok
}

// Enqueue routes the message into the target plugin's mailbox.
func (m *Manager) Enqueue(to string, msg message.Message) error {
	ch, ok := m.Get(to)
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, to)
	}
	return ch.Enqueue(msg)
}

// Destroy tears down the plugin's mailbox, dropping queued messages.
// Returns false if no mailbox exists for the id.
func (m *Manager) Destroy(id string) bool {
	m.mu.Lock()
	ch, ok := m.channels[id]
	delete(m.channels, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	ch.destroy()
	m.helper.Debugf("channel destroyed: id=%s", id)
	return true
}

// DestroyAll tears down every mailbox. Used during bridge shutdown.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.channels = make(map[string]*Channel)
	m.mu.Unlock()
	for _, ch := range channels {
		ch.destroy()
	}
}

// Stats returns mailbox accounting for the plugin id.
func (m *Manager) Stats(id string) (Stats, bool) {
	ch, ok := m.Get(id)
	if !ok {
		return Stats{}, false
	}
	return ch.Stats(), true
}

// Totals aggregates accounting across every mailbox.
func (m *Manager) Totals() Stats {
	m.mu.RLock()
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.RUnlock()

	var total Stats
	for _, ch := range channels {
		s := ch.Stats()
		total.Depth += s.Depth
		for lane := range s.LaneDepth {
			total.LaneDepth[lane] += s.LaneDepth[lane]
		}
		total.Enqueued += s.Enqueued
		total.Delivered += s.Delivered
		total.Dropped += s.Dropped
	}
	return total
}

// Len returns the number of live mailboxes.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

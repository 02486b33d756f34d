// Package channel owns the bounded, priority-partitioned mailboxes the
// bridge allocates for registered plugins. A mailbox has one FIFO lane per
// priority; only the router enqueues into it and only the plugin's delivery
// worker dequeues from it.
package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumo-launcher/bridge/message"
)

// Common error variables for mailbox operations
var (
	// ErrChannelFull indicates the target lane is at capacity.
	// Enqueue fails fast by default; callers decide whether to retry.
	ErrChannelFull = errors.New("channel lane full")

	// ErrChannelClosed indicates the mailbox has been destroyed
	ErrChannelClosed = errors.New("channel closed")

	// ErrChannelNotFound indicates no mailbox exists for the plugin id
	ErrChannelNotFound = errors.New("channel not found")
)

// DropReason explains why a queued message was discarded without delivery.
type DropReason int

const (
	// DropExpired indicates the message TTL elapsed before delivery
	DropExpired DropReason = iota
	// DropPreempted indicates the message was evicted to admit a critical one
	DropPreempted
	// DropDestroyed indicates the mailbox was torn down while the message waited
	DropDestroyed
)

// String returns the lowercase name of the drop reason.
func (r DropReason) String() string {
	switch r {
	case DropExpired:
		return "expired"
	case DropPreempted:
		return "preempted"
	case DropDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// DropFunc observes every dropped message. The bridge uses it to cancel
// correlations tied to messages that will never be delivered.
type DropFunc func(msg message.Message, reason DropReason)

// Stats is a point-in-time view of mailbox accounting. Every message that
// enters a mailbox is eventually counted as either delivered or dropped.
type Stats struct {
	Depth     int   // messages currently queued across all lanes
	LaneDepth [4]int
	Enqueued  uint64
	Delivered uint64
	Dropped   uint64
}

// Config controls mailbox behavior.
type Config struct {
	// CapacityPerLane bounds each priority lane
	CapacityPerLane int `yaml:"capacity_per_lane" json:"capacity_per_lane"`
	// PreemptLow lets a critical message evict the oldest low-priority
	// message when the critical lane is full, instead of failing fast
	PreemptLow bool `yaml:"preempt_low" json:"preempt_low"`
	// StarvationLimit forces a pop from the next-lower non-empty lane after
	// this many consecutive pops from a higher lane
	StarvationLimit int `yaml:"starvation_limit" json:"starvation_limit"`
}

// DefaultConfig returns the default mailbox configuration.
func DefaultConfig() Config {
	return Config{
		CapacityPerLane: 256,
		PreemptLow:      false,
		StarvationLimit: 8,
	}
}

// Channel is a bounded mailbox with one FIFO lane per priority level.
//
// Enqueue may be called concurrently. Dequeue must only be called by the
// single delivery worker that owns the mailbox; the anti-starvation state
// assumes one consumer.
type Channel struct {
	id     string
	config Config
	onDrop DropFunc

	mu     sync.Mutex
	lanes  [message.NumPriorities][]message.Message
	closed bool
	// notify wakes the delivery worker when the mailbox becomes non-empty
	notify chan struct{}

	enqueued  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64

	// consecutive pops from the lane recorded in lastLane; consumer-owned
	lastLane    message.Priority
	consecutive int
}

func newChannel(id string, config Config, onDrop DropFunc) *Channel {
	if config.CapacityPerLane <= 0 {
		config.CapacityPerLane = DefaultConfig().CapacityPerLane
	}
	if config.StarvationLimit <= 0 {
		config.StarvationLimit = DefaultConfig().StarvationLimit
	}
	return &Channel{
		id:     id,
		config: config,
		onDrop: onDrop,
		notify: make(chan struct{}, 1),
	}
}

// ID returns the owning plugin id.
func (c *Channel) ID() string { return c.id }

// Enqueue appends the message to the lane selected by its priority.
//
// When the lane is full the call fails fast with ErrChannelFull, except that
// a critical message under the preemption policy may evict the oldest queued
// low-priority message instead. The evicted message is counted as dropped
// and reported through the drop callback.
func (c *Channel) Enqueue(msg message.Message) error {
	lane := msg.Priority
	if !lane.Valid() {
		return message.ErrInvalidPriority
	}
	var evicted *message.Message

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if len(c.lanes[lane]) >= c.config.CapacityPerLane {
		if !(c.config.PreemptLow && lane == message.PriorityCritical && len(c.lanes[message.PriorityLow]) > 0) {
			c.mu.Unlock()
			return ErrChannelFull
		}
		// Evict the oldest low-priority message to keep total occupancy
		// bounded while admitting the critical one.
		victim := c.lanes[message.PriorityLow][0]
		c.lanes[message.PriorityLow] = c.lanes[message.PriorityLow][1:]
		evicted = &victim
	}
	c.lanes[lane] = append(c.lanes[lane], msg)
	c.mu.Unlock()

	c.enqueued.Add(1)
	if evicted != nil {
		c.dropped.Add(1)
		if c.onDrop != nil {
			c.onDrop(*evicted, DropPreempted)
		}
	}
	c.wake()
	return nil
}

// Dequeue removes the next message according to priority order, blocking
// while the mailbox is empty. Returns ErrChannelClosed once the mailbox has
// been destroyed and drained, or the context error if ctx is canceled.
//
// Lanes are drained strictly by priority, except that after StarvationLimit
// consecutive pops from one lane, one pop is forced from the next-lower
// non-empty lane so sustained critical traffic cannot starve the rest.
// Messages whose TTL elapsed while queued are dropped, never returned.
func (c *Channel) Dequeue(ctx context.Context) (message.Message, error) {
	for {
		msg, ok, closed := c.pop(time.Now())
		if ok {
			c.delivered.Add(1)
			return msg, nil
		}
		if closed {
			return message.Message{}, ErrChannelClosed
		}
		select {
		case <-c.notify:
		case <-ctx.Done():
			return message.Message{}, ctx.Err()
		}
	}
}

// pop removes one message honoring priority order and the anti-starvation
// rule, skipping expired messages. Returns ok=false when every lane is
// empty; closed reports whether the mailbox was destroyed.
func (c *Channel) pop(now time.Time) (msg message.Message, ok bool, closed bool) {
	var expired []message.Message

	c.mu.Lock()
	for {
		lane, nonEmpty := c.selectLane()
		if !nonEmpty {
			closed = c.closed
			break
		}
		next := c.lanes[lane][0]
		c.lanes[lane] = c.lanes[lane][1:]

		if lane == c.lastLane {
			c.consecutive++
		} else {
			c.lastLane = lane
			c.consecutive = 1
		}

		if next.Expired(now) {
			expired = append(expired, next)
			continue
		}
		msg, ok = next, true
		break
	}
	c.mu.Unlock()

	for _, dead := range expired {
		c.dropped.Add(1)
		if c.onDrop != nil {
			c.onDrop(dead, DropExpired)
		}
	}
	return msg, ok, closed
}

// selectLane picks the lane for the next pop: strict priority order, unless
// the starvation limit was hit, in which case the next-lower non-empty lane
// gets one forced turn.
func (c *Channel) selectLane() (message.Priority, bool) {
	highest, ok := c.highestNonEmpty()
	if !ok {
		return 0, false
	}
	if c.consecutive >= c.config.StarvationLimit && c.lastLane == highest {
		for lane := highest + 1; lane <= message.PriorityLow; lane++ {
			if len(c.lanes[lane]) > 0 {
				return lane, true
			}
		}
	}
	return highest, true
}

func (c *Channel) highestNonEmpty() (message.Priority, bool) {
	for lane := message.PriorityCritical; lane <= message.PriorityLow; lane++ {
		if len(c.lanes[lane]) > 0 {
			return lane, true
		}
	}
	return 0, false
}

// wake nudges the delivery worker without blocking the producer.
func (c *Channel) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// destroy closes the mailbox and drops every queued message with
// DropDestroyed. Idempotent.
func (c *Channel) destroy() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var remaining []message.Message
	for lane := range c.lanes {
		remaining = append(remaining, c.lanes[lane]...)
		c.lanes[lane] = nil
	}
	c.mu.Unlock()

	for _, msg := range remaining {
		c.dropped.Add(1)
		if c.onDrop != nil {
			c.onDrop(msg, DropDestroyed)
		}
	}
	c.wake()
}

// Stats returns current mailbox accounting.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	var s Stats
	for lane := range c.lanes {
		s.LaneDepth[lane] = len(c.lanes[lane])
		s.Depth += len(c.lanes[lane])
	}
	c.mu.Unlock()
	s.Enqueued = c.enqueued.Load()
	s.Delivered = c.delivered.Load()
	s.Dropped = c.dropped.Load()
	return s
}

// Package message defines the types exchanged over the service bridge:
// messages, priorities, and advertised plugin capabilities.
package message

import (
	"errors"
	"time"
)

// Broadcast is the reserved target address that fans a message out to every
// registered plugin.
const Broadcast = "*"

// Priority represents the urgency of a message. Smaller values are more
// urgent; the dispatch loop drains lanes in ascending Priority order.
type Priority int

const (
	// PriorityCritical indicates urgent messages requiring immediate handling
	PriorityCritical Priority = 0
	// PriorityHigh indicates important messages needing prompt attention
	PriorityHigh Priority = 1
	// PriorityNormal indicates standard messages requiring routine processing
	PriorityNormal Priority = 2
	// PriorityLow indicates minimal impact messages that can be processed later
	PriorityLow Priority = 3
)

// NumPriorities is the number of priority lanes in a plugin mailbox.
const NumPriorities = 4

// Valid reports whether p is one of the four defined priority levels.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// String returns the lowercase name of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Capability is a named feature a plugin advertises for discovery.
// Plugins are looked up by capability name; the version is informational.
type Capability struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

// Message is the unit of communication between plugins.
//
// A zero TTL means the message never expires. Timestamp is in milliseconds
// since the Unix epoch and is stamped by the router if left zero.
type Message struct {
	// From identifies the sending plugin
	From string
	// To identifies the target plugin, or Broadcast for fan-out
	To string
	// Kind is the application-defined message type (e.g. "cache.get")
	Kind string
	// Payload is the opaque message body
	Payload []byte
	// Priority selects the mailbox lane used for delivery
	Priority Priority
	// Timestamp is the creation time in milliseconds since the Unix epoch
	Timestamp int64
	// CorrelationID links a request to its eventual response; empty when
	// the message is not part of a request/response exchange
	CorrelationID string
	// TTL bounds how long the message may wait for delivery; zero disables
	TTL time.Duration
}

// Validation errors returned by Message.Validate.
var (
	// ErrEmptySender indicates a message without a sending plugin id
	ErrEmptySender = errors.New("message has no sender")

	// ErrEmptyTarget indicates a message without a target plugin id
	ErrEmptyTarget = errors.New("message has no target")

	// ErrEmptyKind indicates a message without a kind discriminator
	ErrEmptyKind = errors.New("message has no kind")

	// ErrInvalidPriority indicates a priority outside the defined levels
	ErrInvalidPriority = errors.New("message priority out of range")
)

// Validate checks the structural fields a router requires before accepting
// a message. Payload and correlation id are optional by design.
func (m *Message) Validate() error {
	if m.From == "" {
		return ErrEmptySender
	}
	if m.To == "" {
		return ErrEmptyTarget
	}
	if m.Kind == "" {
		return ErrEmptyKind
	}
	if !m.Priority.Valid() {
		return ErrInvalidPriority
	}
	return nil
}

// CreatedAt returns the message timestamp as a time.Time.
func (m *Message) CreatedAt() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Expired reports whether the message TTL has elapsed at the given instant.
// Messages without a TTL or without a timestamp never expire.
func (m *Message) Expired(now time.Time) bool {
	if m.TTL <= 0 || m.Timestamp == 0 {
		return false
	}
	return now.Sub(m.CreatedAt()) > m.TTL
}

// IsBroadcast reports whether the message targets every registered plugin.
func (m *Message) IsBroadcast() bool {
	return m.To == Broadcast
}

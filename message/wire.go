package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireMessage is the stable JSON shape shared by every producer and consumer
// of the bridge. Field names and value ranges must not change: priority is
// 0..3 with 0 = critical, timestamp is milliseconds since the Unix epoch,
// and correlation_id / ttl_ms are null when absent.
type wireMessage struct {
	From          string  `json:"from"`
	To            string  `json:"to"`
	Kind          string  `json:"kind"`
	Payload       []byte  `json:"payload"`
	Priority      int     `json:"priority"`
	Timestamp     int64   `json:"timestamp"`
	CorrelationID *string `json:"correlation_id"`
	TTLMillis     *uint32 `json:"ttl_ms"`
}

// MarshalJSON encodes the message in the stable wire shape.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		From:      m.From,
		To:        m.To,
		Kind:      m.Kind,
		Payload:   m.Payload,
		Priority:  int(m.Priority),
		Timestamp: m.Timestamp,
	}
	if m.CorrelationID != "" {
		w.CorrelationID = &m.CorrelationID
	}
	if m.TTL > 0 {
		ms := uint32(m.TTL / time.Millisecond)
		w.TTLMillis = &ms
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a message from the stable wire shape.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode bridge message: %w", err)
	}
	m.From = w.From
	m.To = w.To
	m.Kind = w.Kind
	m.Payload = w.Payload
	m.Priority = Priority(w.Priority)
	m.Timestamp = w.Timestamp
	m.CorrelationID = ""
	if w.CorrelationID != nil {
		m.CorrelationID = *w.CorrelationID
	}
	m.TTL = 0
	if w.TTLMillis != nil {
		m.TTL = time.Duration(*w.TTLMillis) * time.Millisecond
	}
	return nil
}

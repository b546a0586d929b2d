package channel

import (
	"encoding/json"
	"fmt"
	"time"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal
}

// ParsePriority maps free-form priorities onto the two mailbox lanes.
// "critical" and "high" use the high lane; anything else is normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high", "critical", "urgent":
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

type Message struct {
	ID            string          `json:"id"`
	From          string          `json:"from"`
	To            string          `json:"to,omitempty"`
	Priority      Priority        `json:"priority"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	TTL           time.Duration   `json:"ttl"`
	Attempts      int             `json:"attempts"`
	MaxRetries    int             `json:"max_retries"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Expired reports whether the message's ttl has elapsed at now. A zero or
// negative ttl is already elapsed.
func (m *Message) Expired(now time.Time) bool {
	return m.TTL <= 0 || !now.Before(m.CreatedAt.Add(m.TTL))
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode message %s: %w", m.ID, err)
	}
	return nil
}

type SendOption func(*Message)

func WithTTL(d time.Duration) SendOption {
	return func(m *Message) { m.TTL = d }
}

func WithMaxRetries(n int) SendOption {
	return func(m *Message) { m.MaxRetries = n }
}

func WithCorrelationID(id string) SendOption {
	return func(m *Message) { m.CorrelationID = id }
}

// Event is delivered to subscribers by Publish.
type Event struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type Handler func(Event)

package natsbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// ErrCommandFailed wraps the error text a command handler replied with.
var ErrCommandFailed = errors.New("command failed")

// Event is the envelope of everything published under events.>.
type Event struct {
	Type      string          `json:"type"`
	Source    string          `json:"source,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s event: %w", e.Type, err)
	}
	return nil
}

// Command is one request on a request/reply subject.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the command payload into v. An absent payload leaves v
// untouched.
func (c Command) Decode(v any) error {
	if len(c.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(c.Payload, v)
}

// Reply answers one command. It may be called from another goroutine,
// once.
type Reply func(v any)

// CommandHandler serves one decoded command.
type CommandHandler func(cmd Command, reply Reply)

type Client struct {
	conn *nats.Conn
}

func defaultOptions(name string) []nats.Option {
	return []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(250 * time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "client", name, "error", err)
			}
		}),
	}
}

// NewClient connects to the node's own bus.
func NewClient(bus *Bus, opts ...nats.Option) (*Client, error) {
	return Connect(bus.ClientURL(), append(defaultOptions("kypseli-node"), opts...)...)
}

// Connect dials a bus by url, as ctl does for a running node.
func Connect(url string, opts ...nats.Option) (*Client, error) {
	if len(opts) == 0 {
		opts = defaultOptions("kypseli-ctl")
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Publish(topic string, data []byte) error {
	return c.conn.Publish(topic, data)
}

func (c *Client) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	return c.conn.Publish(topic, data)
}

// PublishEvent wraps data in an Event stamped now and publishes it.
func (c *Client) PublishEvent(topic, eventType, source string, data any) error {
	evt := Event{Type: eventType, Source: source, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal %s event: %w", eventType, err)
		}
		evt.Data = raw
	}
	return c.PublishJSON(topic, evt)
}

func (c *Client) Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(topic, handler)
}

// SubscribeEvents delivers decoded events on subjects matching pattern.
// Messages that are not event envelopes are logged and skipped.
func (c *Client) SubscribeEvents(pattern string, handler func(subject string, evt Event)) (*nats.Subscription, error) {
	return c.conn.Subscribe(pattern, func(msg *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil || evt.Type == "" {
			slog.Warn("skipping non-event message", "subject", msg.Subject)
			return
		}
		handler(msg.Subject, evt)
	})
}

// Serve answers commands on topic. Malformed requests get an error reply
// without reaching handler.
func (c *Client) Serve(topic string, handler CommandHandler) (*nats.Subscription, error) {
	return c.conn.Subscribe(topic, func(msg *nats.Msg) {
		reply := func(v any) {
			data, err := json.Marshal(v)
			if err != nil {
				slog.Error("marshal command reply failed", "subject", topic, "error", err)
				data = []byte(`{"error":"internal error"}`)
			}
			if err := msg.Respond(data); err != nil {
				slog.Error("command reply failed", "subject", topic, "error", err)
			}
		}

		var cmd Command
		if err := json.Unmarshal(msg.Data, &cmd); err != nil || cmd.Type == "" {
			slog.Warn("invalid command", "subject", topic, "error", err)
			reply(map[string]any{"error": "invalid command"})
			return
		}
		handler(cmd, reply)
	})
}

// Call sends a command and decodes the reply into resp. A reply carrying a
// non-empty "error" field is returned as ErrCommandFailed.
func (c *Client) Call(topic, cmdType string, payload, resp any, timeout time.Duration) error {
	cmd := Command{Type: cmdType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", cmdType, err)
		}
		cmd.Payload = raw
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	msg, err := c.conn.Request(topic, data, timeout)
	if err != nil {
		return fmt.Errorf("request %s: %w", cmdType, err)
	}
	var failure struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(msg.Data, &failure); err != nil {
		return fmt.Errorf("unmarshal %s reply: %w", cmdType, err)
	}
	if resp != nil {
		if err := json.Unmarshal(msg.Data, resp); err != nil {
			return fmt.Errorf("unmarshal %s reply: %w", cmdType, err)
		}
	}
	if failure.Error != "" {
		return fmt.Errorf("%s: %s: %w", cmdType, failure.Error, ErrCommandFailed)
	}
	return nil
}

func (c *Client) Flush() error {
	return c.conn.Flush()
}

func (c *Client) Close() {
	c.conn.Close()
}

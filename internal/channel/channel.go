// Package channel provides per-agent prioritized mailboxes with ttl and
// bounded retry, plus a local publish/subscribe event hub.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/kypseli/internal/config"
	"github.com/mtzanidakis/kypseli/internal/errdefs"
	"github.com/mtzanidakis/kypseli/internal/natsbus"
	"github.com/mtzanidakis/kypseli/internal/store"
)

var (
	ErrUnknownMessage = errors.New("unknown message")
	ErrRetryInFlight  = errors.New("retry already in flight")
)

// Publisher forwards inbox notices and events outside the process.
// *natsbus.Client satisfies it.
type Publisher interface {
	PublishJSON(topic string, v any) error
	PublishEvent(topic, eventType, source string, data any) error
}

// DeadLetterSink records messages the channel gave up on. *store.Store
// satisfies it.
type DeadLetterSink interface {
	SaveDeadLetter(d *store.DeadLetter) error
}

type Option func(*Channel)

func WithPublisher(p Publisher) Option {
	return func(c *Channel) { c.bus = p }
}

func WithDeadLetters(s DeadLetterSink) Option {
	return func(c *Channel) { c.deadLetters = s }
}

func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

type subscription struct {
	agentID string
	handler Handler
}

type Channel struct {
	cfg         config.ChannelConfig
	bus         Publisher
	deadLetters DeadLetterSink
	now         func() time.Time
	wait        func(ctx context.Context, d time.Duration) error

	mu        sync.RWMutex
	mailboxes map[string]*mailbox
	// records keeps every message that may still be retried, by id.
	records map[string]*record
	subs    map[string][]subscription
}

type record struct {
	msg      *Message
	queued   bool
	retrying bool
}

func New(cfg config.ChannelConfig, opts ...Option) *Channel {
	c := &Channel{
		cfg:       cfg,
		now:       time.Now,
		wait:      sleepCtx,
		mailboxes: make(map[string]*mailbox),
		records:   make(map[string]*record),
		subs:      make(map[string][]subscription),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RegisterAgent creates the agent's mailbox. Registering twice is a no-op.
func (c *Channel) RegisterAgent(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.mailboxes[agentID]; !ok {
		c.mailboxes[agentID] = newMailbox(agentID, c.cfg.MailboxCapacity)
	}
}

// UnregisterAgent drops the mailbox and the agent's subscriptions. Pending
// messages are dead-lettered.
func (c *Channel) UnregisterAgent(agentID string) {
	c.mu.Lock()
	q, ok := c.mailboxes[agentID]
	delete(c.mailboxes, agentID)
	for evt, subs := range c.subs {
		kept := subs[:0]
		for _, s := range subs {
			if s.agentID != agentID {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(c.subs, evt)
		} else {
			c.subs[evt] = kept
		}
	}
	var stranded []*Message
	for _, rec := range c.records {
		if rec.msg.To == agentID && !rec.queued && !rec.retrying {
			stranded = append(stranded, rec.msg)
		}
	}
	c.mu.Unlock()

	for _, m := range stranded {
		c.drop(m, "recipient unregistered")
	}
	if !ok {
		return
	}
	for _, m := range q.clear() {
		c.drop(m, "recipient unregistered")
	}
}

func (c *Channel) Registered(agentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.mailboxes[agentID]
	return ok
}

// Send queues payload for agent to. On a capacity error the message id is
// still returned so the caller can RetryMessage it later.
func (c *Channel) Send(from, to string, payload any, priority Priority, opts ...SendOption) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	if !priority.Valid() {
		priority = PriorityNormal
	}
	m := &Message{
		ID:         uuid.New().String(),
		From:       from,
		To:         to,
		Priority:   priority,
		Payload:    data,
		CreatedAt:  c.now(),
		TTL:        c.cfg.DefaultTTL,
		MaxRetries: c.cfg.MaxRetries,
	}
	for _, o := range opts {
		o(m)
	}
	return m.ID, c.send(m)
}

func (c *Channel) send(m *Message) error {
	c.mu.RLock()
	q, ok := c.mailboxes[m.To]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send to %s: %w", m.To, errdefs.ErrAgentUnavailable)
	}

	if m.Expired(c.now()) {
		c.drop(m, "expired before delivery")
		return fmt.Errorf("send %s: %w", m.ID, errdefs.ErrMessageExpired)
	}

	c.mu.Lock()
	rec, ok := c.records[m.ID]
	if !ok {
		rec = &record{msg: m}
		c.records[m.ID] = rec
	}
	c.mu.Unlock()

	if !q.enqueue(m) {
		return fmt.Errorf("send to %s: mailbox holds %d messages: %w", m.To, q.capacity, errdefs.ErrCapacityExceeded)
	}

	c.mu.Lock()
	rec.queued = true
	c.mu.Unlock()

	if c.bus != nil {
		notice := natsbus.InboxNotice{ID: m.ID, From: m.From, Priority: string(m.Priority)}
		if err := c.bus.PublishJSON(natsbus.TopicAgentInbox(m.To), notice); err != nil {
			slog.Warn("inbox notification failed", "agent", m.To, "error", err)
		}
	}
	return nil
}

// BroadcastResult summarizes one broadcast. Every copy shares CorrelationID.
type BroadcastResult struct {
	Delivered     int      `json:"delivered"`
	Failed        int      `json:"failed"`
	MessageIDs    []string `json:"message_ids"`
	CorrelationID string   `json:"correlation_id"`
}

// Broadcast sends payload to every registered agent except from. Failures
// for individual recipients are counted and never abort the fan-out.
func (c *Channel) Broadcast(from string, payload any, priority Priority, opts ...SendOption) BroadcastResult {
	res := BroadcastResult{CorrelationID: uuid.New().String()}

	c.mu.RLock()
	targets := make([]string, 0, len(c.mailboxes))
	for id := range c.mailboxes {
		if id != from {
			targets = append(targets, id)
		}
	}
	c.mu.RUnlock()
	sort.Strings(targets)

	opts = append(opts, WithCorrelationID(res.CorrelationID))
	for _, to := range targets {
		id, err := c.Send(from, to, payload, priority, opts...)
		if err != nil {
			res.Failed++
			slog.Debug("broadcast copy failed", "to", to, "correlation", res.CorrelationID, "error", err)
			continue
		}
		res.Delivered++
		res.MessageIDs = append(res.MessageIDs, id)
	}
	return res
}

// Receive drains up to max live messages for agentID, high priority first.
// A max of zero or less drains everything.
func (c *Channel) Receive(agentID string, max int) []Message {
	c.mu.RLock()
	q, ok := c.mailboxes[agentID]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	var expired []*Message
	got := q.drain(max, c.now(), func(m *Message) { expired = append(expired, m) })
	for _, m := range expired {
		c.drop(m, "expired in mailbox")
	}
	c.Sweep()

	c.mu.Lock()
	out := make([]Message, len(got))
	for i, m := range got {
		delete(c.records, m.ID)
		out[i] = *m
	}
	c.mu.Unlock()
	return out
}

// Pending reports how many messages wait in agentID's mailbox.
func (c *Channel) Pending(agentID string) int {
	c.mu.RLock()
	q, ok := c.mailboxes[agentID]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	return q.len()
}

// Sweep dead-letters recorded messages that expired while waiting for a
// retry and returns how many it dropped.
func (c *Channel) Sweep() int {
	now := c.now()
	c.mu.Lock()
	var expired []*Message
	for _, rec := range c.records {
		if !rec.queued && !rec.retrying && rec.msg.Expired(now) {
			expired = append(expired, rec.msg)
		}
	}
	c.mu.Unlock()

	for _, m := range expired {
		c.drop(m, "expired before retry")
	}
	return len(expired)
}

// RetryDelay is the backoff before retry attempt n (1-based).
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// RetryMessage re-attempts delivery of a recorded message that is not in a
// mailbox, after an exponential backoff. Each call spends one retry,
// including calls that fail on capacity again. Only one retry of a message
// runs at a time; others fail with ErrRetryInFlight.
func (c *Channel) RetryMessage(ctx context.Context, id string) error {
	c.mu.Lock()
	rec, ok := c.records[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("retry %s: %w", id, ErrUnknownMessage)
	}
	if rec.queued {
		c.mu.Unlock()
		return nil
	}
	if rec.retrying {
		c.mu.Unlock()
		return fmt.Errorf("retry %s: %w", id, ErrRetryInFlight)
	}
	m := rec.msg
	if m.Expired(c.now()) {
		delete(c.records, id)
		c.mu.Unlock()
		c.drop(m, "expired before retry")
		return fmt.Errorf("retry %s: %w", id, errdefs.ErrMessageExpired)
	}
	m.Attempts++
	if m.Attempts > m.MaxRetries {
		delete(c.records, id)
		c.mu.Unlock()
		c.drop(m, "retries exhausted")
		return fmt.Errorf("retry %s after %d attempts: %w", id, m.MaxRetries, errdefs.ErrRetriesExhausted)
	}
	delay := RetryDelay(c.cfg.BaseDelay, m.Attempts)
	rec.retrying = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		rec.retrying = false
		c.mu.Unlock()
	}()

	slog.Debug("retrying message", "id", id, "to", m.To, "attempt", m.Attempts, "delay", delay)
	if err := c.wait(ctx, delay); err != nil {
		return fmt.Errorf("retry %s: %w", id, err)
	}
	return c.send(m)
}

// drop forgets m and reports it to the dead letter sink.
func (c *Channel) drop(m *Message, reason string) {
	c.mu.Lock()
	delete(c.records, m.ID)
	c.mu.Unlock()

	slog.Debug("message dropped", "id", m.ID, "to", m.To, "reason", reason)
	if c.deadLetters == nil {
		return
	}
	err := c.deadLetters.SaveDeadLetter(&store.DeadLetter{
		MessageID: m.ID,
		From:      m.From,
		To:        m.To,
		Priority:  string(m.Priority),
		Payload:   m.Payload,
		Reason:    reason,
		Attempts:  m.Attempts,
	})
	if err != nil {
		slog.Warn("save dead letter failed", "id", m.ID, "error", err)
	}
}

// Subscribe registers handler for eventType on behalf of agentID. The
// subscription ends when the agent is unregistered.
func (c *Channel) Subscribe(agentID, eventType string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[eventType] = append(c.subs[eventType], subscription{agentID: agentID, handler: handler})
}

// Publish calls every subscriber of eventType synchronously, in
// subscription order, then forwards the event to the bus if one is set.
func (c *Channel) Publish(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	evt := Event{Type: eventType, Payload: data, Timestamp: c.now()}

	c.mu.RLock()
	subs := append([]subscription(nil), c.subs[eventType]...)
	c.mu.RUnlock()

	for _, s := range subs {
		s.handler(evt)
	}

	if c.bus != nil {
		if err := c.bus.PublishEvent(natsbus.TopicChannelEvent(eventType), eventType, "channel", evt.Payload); err != nil {
			slog.Warn("forward event failed", "type", eventType, "error", err)
		}
	}
	return nil
}

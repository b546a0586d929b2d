package channel

import (
	"sync"
	"time"
)

// mailbox holds the pending messages of one agent in two FIFO queues.
// Capacity bounds the sum of both.
type mailbox struct {
	agentID  string
	capacity int

	mu     sync.Mutex
	high   []*Message
	normal []*Message
}

func newMailbox(agentID string, capacity int) *mailbox {
	return &mailbox{agentID: agentID, capacity: capacity}
}

// enqueue appends m to the queue of its priority. It reports false when the
// mailbox is full.
func (q *mailbox) enqueue(m *Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.high)+len(q.normal) >= q.capacity {
		return false
	}
	if m.Priority == PriorityHigh {
		q.high = append(q.high, m)
	} else {
		q.normal = append(q.normal, m)
	}
	return true
}

// drain removes up to max live messages, high priority first. Expired
// messages are removed and handed to expired instead of being returned.
func (q *mailbox) drain(max int, now time.Time, expired func(*Message)) []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Message
	take := func(queue []*Message) []*Message {
		i := 0
		for ; i < len(queue); i++ {
			if max > 0 && len(out) >= max {
				break
			}
			m := queue[i]
			if m.Expired(now) {
				expired(m)
				continue
			}
			out = append(out, m)
		}
		return queue[i:]
	}
	q.high = take(q.high)
	q.normal = take(q.normal)
	return out
}

// clear empties the mailbox and returns what was pending.
func (q *mailbox) clear() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := append(q.high, q.normal...)
	q.high, q.normal = nil, nil
	return out
}

func (q *mailbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high) + len(q.normal)
}

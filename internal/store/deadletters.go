package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// DeadLetter is a message the channel gave up on.
type DeadLetter struct {
	ID        int64           `json:"id"`
	MessageID string          `json:"message_id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Priority  string          `json:"priority"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Reason    string          `json:"reason"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
}

func (s *Store) SaveDeadLetter(d *DeadLetter) error {
	result, err := s.db.Exec(`
		INSERT INTO dead_letters (message_id, from_agent, to_agent, priority, payload, reason, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.MessageID, d.From, d.To, d.Priority, nullableJSON(d.Payload), d.Reason, d.Attempts)
	if err != nil {
		return fmt.Errorf("save dead letter: %w", err)
	}
	d.ID, _ = result.LastInsertId()
	return nil
}

// ListDeadLetters returns dead letters addressed to agentID in
// chronological order. An empty agentID lists all of them.
func (s *Store) ListDeadLetters(agentID string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, message_id, from_agent, to_agent, priority, payload, reason, attempts, created_at FROM dead_letters`
	var args []any
	if agentID != "" {
		query += ` WHERE to_agent = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		var payload *string
		if err := rows.Scan(&d.ID, &d.MessageID, &d.From, &d.To, &d.Priority, &payload, &d.Reason, &d.Attempts, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if payload != nil {
			d.Payload = json.RawMessage(*payload)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

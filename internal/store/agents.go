package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AgentRecord is the persisted view of a spawned agent.
type AgentRecord struct {
	ID             string    `json:"id"`
	SwarmID        string    `json:"swarm_id"`
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	Capabilities   []string  `json:"capabilities"`
	Status         string    `json:"status"`
	TasksCompleted int       `json:"tasks_completed"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

const agentColumns = `id, swarm_id, name, type, capabilities, status, tasks_completed, created_at, updated_at`

func scanAgent(scanner interface {
	Scan(dest ...any) error
}) (*AgentRecord, error) {
	a := &AgentRecord{}
	var caps sql.NullString
	err := scanner.Scan(&a.ID, &a.SwarmID, &a.Name, &a.Type, &caps, &a.Status, &a.TasksCompleted, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if caps.Valid && caps.String != "" {
		if err := json.Unmarshal([]byte(caps.String), &a.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities: %w", err)
		}
	}
	return a, nil
}

func (s *Store) SaveAgent(a *AgentRecord) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO agents (id, swarm_id, name, type, capabilities, status, tasks_completed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			capabilities = excluded.capabilities,
			status = excluded.status,
			tasks_completed = excluded.tasks_completed,
			updated_at = CURRENT_TIMESTAMP`,
		a.ID, a.SwarmID, a.Name, a.Type, string(caps), a.Status, a.TasksCompleted)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(id string) (*AgentRecord, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns the agents of one swarm, oldest first. An empty
// swarmID lists every agent.
func (s *Store) ListAgents(swarmID string) ([]AgentRecord, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if swarmID != "" {
		query += ` WHERE swarm_id = ?`
		args = append(args, swarmID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []AgentRecord
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *Store) UpdateAgentStatus(id, status string, tasksCompleted int) error {
	_, err := s.db.Exec(`
		UPDATE agents SET status = ?, tasks_completed = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, status, tasksCompleted, id)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	return nil
}

func (s *Store) DeleteAgent(id string) error {
	_, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id)
	return err
}

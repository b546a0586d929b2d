package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// OrchestrationRun records one objective handled by a swarm.
type OrchestrationRun struct {
	ID          string          `json:"id"`
	SwarmID     string          `json:"swarm_id"`
	Objective   string          `json:"objective"`
	Strategy    string          `json:"strategy"`
	Priority    string          `json:"priority,omitempty"`
	Status      string          `json:"status"`
	Plan        json.RawMessage `json:"plan,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*OrchestrationRun, error) {
	r := &OrchestrationRun{}
	var priority, plan, result, errText *string
	err := scanner.Scan(&r.ID, &r.SwarmID, &r.Objective, &r.Strategy, &priority, &r.Status,
		&plan, &result, &errText, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	if priority != nil {
		r.Priority = *priority
	}
	if plan != nil {
		r.Plan = json.RawMessage(*plan)
	}
	if result != nil {
		r.Result = json.RawMessage(*result)
	}
	if errText != nil {
		r.Error = *errText
	}
	return r, nil
}

const runColumns = `id, swarm_id, objective, strategy, priority, status, plan, result, error, started_at, completed_at`

func nullableJSON(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return string(m)
}

func (s *Store) SaveRun(r *OrchestrationRun) error {
	_, err := s.db.Exec(`
		INSERT INTO orchestrations (id, swarm_id, objective, strategy, priority, status, plan, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			plan = COALESCE(excluded.plan, plan),
			result = excluded.result,
			error = excluded.error,
			completed_at = CASE WHEN excluded.status IN ('completed', 'failed') THEN CURRENT_TIMESTAMP ELSE completed_at END`,
		r.ID, r.SwarmID, r.Objective, r.Strategy, r.Priority, r.Status,
		nullableJSON(r.Plan), nullableJSON(r.Result), r.Error)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(id string) (*OrchestrationRun, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM orchestrations WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first. A limit of zero or less
// returns all of them.
func (s *Store) ListRuns(limit int) ([]OrchestrationRun, error) {
	query := `SELECT ` + runColumns + ` FROM orchestrations ORDER BY started_at DESC, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []OrchestrationRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *Store) FinishRun(id, status string, result json.RawMessage, errText string) error {
	_, err := s.db.Exec(`
		UPDATE orchestrations
		SET status = ?, result = ?, error = ?,
		    completed_at = CASE WHEN ? IN ('completed', 'failed') THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE id = ?`, status, nullableJSON(result), errText, status, id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func (s *Store) DeleteRun(id string) error {
	_, err := s.db.Exec(`DELETE FROM orchestrations WHERE id = ?`, id)
	return err
}

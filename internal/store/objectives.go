package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ScheduledObjective is an objective the scheduler submits on a cron or
// interval schedule.
type ScheduledObjective struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Schedule   string     `json:"schedule"`
	Objective  string     `json:"objective"`
	Strategy   string     `json:"strategy"`
	Priority   string     `json:"priority"`
	Status     string     `json:"status"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

const objectiveColumns = `id, name, schedule, objective, strategy, priority, status,
	next_run_at, last_run_at, last_status, last_error, created_at`

func scanObjective(scanner interface {
	Scan(dest ...any) error
}) (*ScheduledObjective, error) {
	o := &ScheduledObjective{}
	var lastStatus, lastError *string
	err := scanner.Scan(&o.ID, &o.Name, &o.Schedule, &o.Objective, &o.Strategy, &o.Priority, &o.Status,
		&o.NextRunAt, &o.LastRunAt, &lastStatus, &lastError, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastStatus != nil {
		o.LastStatus = *lastStatus
	}
	if lastError != nil {
		o.LastError = *lastError
	}
	return o, nil
}

func (s *Store) listObjectives(query string, args ...any) ([]ScheduledObjective, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledObjective
	for rows.Next() {
		o, err := scanObjective(rows)
		if err != nil {
			return nil, fmt.Errorf("scan objective: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *Store) SaveObjective(o *ScheduledObjective) error {
	_, err := s.db.Exec(`
		INSERT INTO scheduled_objectives (id, name, schedule, objective, strategy, priority, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			objective = excluded.objective,
			strategy = excluded.strategy,
			priority = excluded.priority,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		o.ID, o.Name, o.Schedule, o.Objective, o.Strategy, o.Priority, o.Status, o.NextRunAt)
	if err != nil {
		return fmt.Errorf("save objective: %w", err)
	}
	return nil
}

func (s *Store) GetObjective(id string) (*ScheduledObjective, error) {
	row := s.db.QueryRow(`SELECT `+objectiveColumns+` FROM scheduled_objectives WHERE id = ?`, id)
	o, err := scanObjective(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get objective: %w", err)
	}
	return o, nil
}

func (s *Store) ListObjectives() ([]ScheduledObjective, error) {
	out, err := s.listObjectives(`SELECT ` + objectiveColumns + ` FROM scheduled_objectives ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list objectives: %w", err)
	}
	return out, nil
}

func (s *Store) GetDueObjectives(now time.Time) ([]ScheduledObjective, error) {
	out, err := s.listObjectives(`SELECT `+objectiveColumns+` FROM scheduled_objectives
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("get due objectives: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateObjectiveRun(id, lastStatus, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE scheduled_objectives
		SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, lastStatus, lastError, nextRunAt, id)
	return err
}

func (s *Store) UpdateObjectiveStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE scheduled_objectives SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteObjective(id string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_objectives WHERE id = ?`, id)
	return err
}

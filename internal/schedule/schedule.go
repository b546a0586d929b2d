package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

// Schedule is the stored form of an objective's recurrence.
type Schedule struct {
	Kind       string `json:"kind"`
	CronExpr   string `json:"cron_expr,omitempty"`
	IntervalMs int64  `json:"interval_ms,omitempty"`
	AtMs       int64  `json:"at_ms,omitempty"`
}

func ParseSchedule(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	return &s, nil
}

// Next returns the first run strictly after ref, or nil when the schedule
// never fires again.
func (s *Schedule) Next(ref time.Time) *time.Time {
	var next time.Time
	switch s.Kind {
	case KindCron:
		t, err := gronx.NextTickAfter(s.CronExpr, ref, false)
		if err != nil {
			return nil
		}
		next = t
	case KindInterval:
		if s.IntervalMs <= 0 {
			return nil
		}
		next = ref.Add(time.Duration(s.IntervalMs) * time.Millisecond)
	case KindOnce:
		t := time.UnixMilli(s.AtMs)
		if !t.After(ref) {
			return nil
		}
		next = t
	default:
		return nil
	}
	return &next
}

// NextRun parses scheduleJSON and returns its next run after ref.
func NextRun(scheduleJSON string, ref time.Time) *time.Time {
	s, err := ParseSchedule(scheduleJSON)
	if err != nil {
		return nil
	}
	return s.Next(ref)
}

func CalculateNextRun(scheduleJSON string) *time.Time {
	return NextRun(scheduleJSON, time.Now())
}

// FormatSchedule returns a human-readable description of a schedule JSON string.
func FormatSchedule(scheduleJSON string) string {
	s, err := ParseSchedule(scheduleJSON)
	if err != nil {
		return scheduleJSON
	}

	switch s.Kind {
	case KindCron:
		return "Cron: " + s.CronExpr
	case KindInterval:
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d >= time.Hour && d%time.Hour == 0:
			if h := int(d.Hours()); h != 1 {
				return fmt.Sprintf("Every %d hours", h)
			}
			return "Every hour"
		case d >= time.Minute && d%time.Minute == 0:
			if m := int(d.Minutes()); m != 1 {
				return fmt.Sprintf("Every %d minutes", m)
			}
			return "Every minute"
		default:
			return "Every " + d.String()
		}
	case KindOnce:
		return "Once at " + time.UnixMilli(s.AtMs).UTC().Format("Jan 2 15:04 MST")
	default:
		return scheduleJSON
	}
}

// NormalizeSchedule turns user input into schedule JSON. It accepts schedule
// JSON (validated and passed through), a Go duration such as "15m" (an
// interval), an RFC 3339 timestamp (a one-off) or a cron expression.
func NormalizeSchedule(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		if err := s.Validate(); err != nil {
			return "", err
		}
		return raw, nil
	}

	switch {
	case isDuration(raw):
		d, _ := time.ParseDuration(raw)
		s = Schedule{Kind: KindInterval, IntervalMs: d.Milliseconds()}
	case isTimestamp(raw):
		t, _ := time.Parse(time.RFC3339, raw)
		s = Schedule{Kind: KindOnce, AtMs: t.UnixMilli()}
	default:
		s = Schedule{Kind: KindCron, CronExpr: raw}
	}
	if err := s.Validate(); err != nil {
		return "", fmt.Errorf("invalid schedule %q: %w", raw, err)
	}

	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Schedule) Validate() error {
	switch s.Kind {
	case KindCron:
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("invalid cron expression: %s", s.CronExpr)
		}
	case KindInterval:
		if s.IntervalMs <= 0 {
			return fmt.Errorf("interval_ms must be positive")
		}
	case KindOnce:
		if s.AtMs <= 0 {
			return fmt.Errorf("at_ms must be positive")
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
	return nil
}

func isDuration(raw string) bool {
	_, err := time.ParseDuration(raw)
	return err == nil
}

func isTimestamp(raw string) bool {
	_, err := time.Parse(time.RFC3339, raw)
	return err == nil
}

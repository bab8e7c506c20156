package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type scheduleJSON struct {
	Type     ScheduleType `json:"type"`
	RunAt    *time.Time   `json:"run_at,omitempty"`
	Interval string       `json:"interval,omitempty"`
	Cron     string       `json:"cron,omitempty"`
}

// MarshalJSON encodes Interval as a Go duration string ("90s", "1h").
func (s Schedule) MarshalJSON() ([]byte, error) {
	out := scheduleJSON{Type: s.Type, RunAt: s.RunAt, Cron: s.Cron}
	if s.Interval != 0 {
		out.Interval = s.Interval.String()
	}
	return json.Marshal(out)
}

func (s *Schedule) UnmarshalJSON(b []byte) error {
	var in scheduleJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	var d time.Duration
	if raw := strings.TrimSpace(in.Interval); raw != "" {
		var err error
		d, err = time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("schedule.interval: invalid duration %q: %w", in.Interval, err)
		}
	}
	*s = Schedule{Type: in.Type, RunAt: in.RunAt, Interval: d, Cron: in.Cron}
	return nil
}

package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"taskflow/internal/domain"
)

var (
	ErrScheduleParse         = errors.New("invalid schedule")
	ErrScheduleUnsatisfiable = errors.New("unsatisfiable cron expression")
)

// cronSearchLimit bounds the minute-by-minute search to a leap year.
const cronSearchLimit = 366 * 24 * 60

// Five fields only: minute, hour, day-of-month, month, day-of-week.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a five-field cron expression.
func ParseCron(expr string) (*cron.SpecSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: cron expression %q has %d fields, want 5", ErrScheduleParse, expr, len(fields))
	}
	sched, err := cronParser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScheduleParse, err)
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported cron expression %q", ErrScheduleParse, expr)
	}
	return spec, nil
}

// NextRun computes the next trigger instant for s. The boolean is false when
// scheduling has ended, which only happens for a one-time schedule whose
// single run just completed.
//
// Cron expressions are evaluated in now's location, walking whole minutes
// after now until all five fields match.
func NextRun(s domain.Schedule, now time.Time, justCompleted bool) (time.Time, bool, error) {
	switch s.Type {
	case domain.ScheduleOneTime:
		if s.RunAt == nil || s.RunAt.IsZero() {
			return time.Time{}, false, fmt.Errorf("%w: one-time schedule needs run_at", ErrScheduleParse)
		}
		if justCompleted {
			return time.Time{}, false, nil
		}
		return *s.RunAt, true, nil
	case domain.ScheduleInterval:
		if s.Interval <= 0 {
			return time.Time{}, false, fmt.Errorf("%w: interval must be > 0", ErrScheduleParse)
		}
		return now.Add(s.Interval), true, nil
	case domain.ScheduleCron:
		spec, err := ParseCron(s.Cron)
		if err != nil {
			return time.Time{}, false, err
		}
		next, err := nextCron(spec, now)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("%w: %q", err, s.Cron)
		}
		return next, true, nil
	}
	return time.Time{}, false, fmt.Errorf("%w: unknown schedule type %q", ErrScheduleParse, s.Type)
}

// Validate reports whether s can produce a first run.
func Validate(s domain.Schedule) error {
	_, _, err := NextRun(s, time.Now(), false)
	return err
}

func nextCron(spec *cron.SpecSchedule, now time.Time) (time.Time, error) {
	t := now.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < cronSearchLimit; i++ {
		if cronMatches(spec, t) {
			return t, nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, ErrScheduleUnsatisfiable
}

func cronMatches(spec *cron.SpecSchedule, t time.Time) bool {
	return hasBit(spec.Minute, t.Minute()) &&
		hasBit(spec.Hour, t.Hour()) &&
		hasBit(spec.Dom, t.Day()) &&
		hasBit(spec.Month, int(t.Month())) &&
		hasBit(spec.Dow, int(t.Weekday()))
}

func hasBit(set uint64, v int) bool { return set&(1<<uint(v)) != 0 }

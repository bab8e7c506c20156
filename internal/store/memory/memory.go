// Package memory is an in-process scheduled task store. It loses everything on
// restart and is meant for tests and ephemeral deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskflow/internal/domain"
)

type Store struct {
	mu    sync.RWMutex
	tasks map[string]domain.ScheduledTask
	runs  map[string][]domain.TaskRun
	now   func() time.Time
}

func New() *Store {
	return &Store{
		tasks: map[string]domain.ScheduledTask{},
		runs:  map[string][]domain.TaskRun{},
		now:   time.Now,
	}
}

func (s *Store) CreateScheduledTask(_ context.Context, t domain.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("scheduled task %s already exists", t.ID)
	}
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *Store) GetScheduledTask(_ context.Context, id string) (domain.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.ScheduledTask{}, domain.ErrNotFound
	}
	return cloneTask(t), nil
}

func (s *Store) DeleteScheduledTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.tasks, id)
	delete(s.runs, id)
	return nil
}

func (s *Store) ListScheduledTasks(_ context.Context) ([]domain.ScheduledTask, error) {
	out := s.filter(func(domain.ScheduledTask) bool { return true })
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) FindDueScheduledTasks(_ context.Context, now time.Time) ([]domain.ScheduledTask, error) {
	out := s.filter(func(t domain.ScheduledTask) bool {
		return t.IsActive && t.NextRunAt != nil && !t.NextRunAt.After(now)
	})
	sortByNextRun(out)
	return out, nil
}

func (s *Store) FindArmableScheduledTasks(_ context.Context) ([]domain.ScheduledTask, error) {
	out := s.filter(func(t domain.ScheduledTask) bool { return t.IsActive && t.NextRunAt != nil })
	sortByNextRun(out)
	return out, nil
}

func (s *Store) SetActive(_ context.Context, id string, active bool, nextRunAt *time.Time) error {
	return s.update(id, func(t *domain.ScheduledTask) {
		t.IsActive = active
		t.NextRunAt = copyTime(nextRunAt)
	})
}

func (s *Store) RecordRun(_ context.Context, id string, ranAt time.Time, nextRunAt *time.Time, failed bool) error {
	return s.update(id, func(t *domain.ScheduledTask) {
		if failed {
			t.FailureCount++
		} else {
			t.RunCount++
		}
		t.LastRunAt = &ranAt
		t.NextRunAt = copyTime(nextRunAt)
	})
}

func (s *Store) CreateTaskRun(_ context.Context, r domain.TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[r.ScheduledTaskID]; !ok {
		return domain.ErrNotFound
	}
	s.runs[r.ScheduledTaskID] = append(s.runs[r.ScheduledTaskID], cloneRun(r))
	return nil
}

func (s *Store) FinishTaskRun(_ context.Context, r domain.TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := s.runs[r.ScheduledTaskID]
	for i := range runs {
		if runs[i].ID == r.ID {
			runs[i] = cloneRun(r)
			return nil
		}
	}
	return domain.ErrNotFound
}

// ListTaskRuns returns the newest runs first. A limit <= 0 returns all.
func (s *Store) ListTaskRuns(_ context.Context, scheduledTaskID string, limit int) ([]domain.TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := s.runs[scheduledTaskID]
	out := make([]domain.TaskRun, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, cloneRun(runs[i]))
	}
	return out, nil
}

func (s *Store) update(id string, fn func(*domain.ScheduledTask)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	fn(&t)
	t.UpdatedAt = s.now()
	s.tasks[id] = t
	return nil
}

func (s *Store) filter(keep func(domain.ScheduledTask) bool) []domain.ScheduledTask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ScheduledTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, cloneTask(t))
		}
	}
	return out
}

func sortByNextRun(ts []domain.ScheduledTask) {
	sort.SliceStable(ts, func(i, j int) bool {
		if !ts[i].NextRunAt.Equal(*ts[j].NextRunAt) {
			return ts[i].NextRunAt.Before(*ts[j].NextRunAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

func cloneTask(t domain.ScheduledTask) domain.ScheduledTask {
	t.NextRunAt = copyTime(t.NextRunAt)
	t.LastRunAt = copyTime(t.LastRunAt)
	t.Schedule.RunAt = copyTime(t.Schedule.RunAt)
	if t.Payload != nil {
		t.Payload = append([]byte(nil), t.Payload...)
	}
	return t
}

func cloneRun(r domain.TaskRun) domain.TaskRun {
	r.CompletedAt = copyTime(r.CompletedAt)
	if r.Output != nil {
		r.Output = append([]byte(nil), r.Output...)
	}
	return r
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

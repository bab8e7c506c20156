// Package scheduler triggers workflows on one-time, interval and cron
// schedules.
//
// Each active task has at most one in-process timer. A poll loop
// reconciles against the store and fires due tasks that have no timer,
// which covers restarts and delays too long for a timer.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskflow/internal/domain"
	"taskflow/internal/eventbus"
)

const DefaultPollInterval = 10 * time.Second

var (
	ErrNotFound      = errors.New("scheduled task not found")
	ErrInvalidTask   = errors.New("invalid scheduled task")
	ErrRunInProgress = errors.New("run already in progress")
)

type TaskSpec struct {
	Name       string          `json:"name"`
	Schedule   domain.Schedule `json:"schedule"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	MaxRetries int             `json:"max_retries,omitempty"`
}

type Service struct {
	store  Store
	exec   Executor
	timers *TimerManager

	// mu orders timer claims, in-flight marking, re-arming and
	// activation changes against each other.
	mu       sync.Mutex
	inflight map[string]struct{}
	stopped  bool

	interval time.Duration
	maxDelay time.Duration
	baseCtx  context.Context

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	events eventbus.Bus
	log    zerolog.Logger
	now    func() time.Time
}

type Option func(*Service)

// WithPollInterval sets how often the store is checked for due tasks.
func WithPollInterval(d time.Duration) Option { return func(s *Service) { s.interval = d } }

// WithMaxTimerDelay sets the longest delay armed as a timer.
func WithMaxTimerDelay(d time.Duration) Option { return func(s *Service) { s.maxDelay = d } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

func WithEvents(e eventbus.Bus) Option { return func(s *Service) { s.events = e } }

func NewService(store Store, exec Executor, opts ...Option) *Service {
	s := &Service{
		store:    store,
		exec:     exec,
		inflight: map[string]struct{}{},
		interval: DefaultPollInterval,
		maxDelay: DefaultMaxTimerDelay,
		baseCtx:  context.Background(),
		stop:     make(chan struct{}),
		events:   eventbus.Nop(),
		log:      log.Logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.timers = NewTimerManager(s.maxDelay, s.now, s.fireFromTimer)
	return s
}

// Start re-arms every active task with a future next run and launches the
// poll loop. Overdue tasks are fired by the first poll.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	tasks, err := s.store.FindArmableScheduledTasks(ctx)
	if err != nil {
		return fmt.Errorf("load scheduled tasks: %w", err)
	}
	now := s.now()
	armed := 0
	s.mu.Lock()
	for _, t := range tasks {
		if t.NextRunAt == nil || !t.NextRunAt.After(now) {
			continue
		}
		if s.armLocked(t) {
			armed++
		}
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	s.log.Info().Dur("interval", s.interval).Int("tasks", len(tasks)).Int("armed", armed).Msg("schedule service started")
	return nil
}

// Stop ends the poll loop and disarms every timer. Runs in progress finish
// their bookkeeping.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })
	s.timers.Stop()
	s.wg.Wait()
	s.log.Info().Msg("schedule service stopped")
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll fires due tasks that have neither an armed timer nor a run in flight.
func (s *Service) poll(ctx context.Context) {
	due, err := s.store.FindDueScheduledTasks(ctx, s.now())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to get due scheduled tasks")
		return
	}
	for _, t := range due {
		s.mu.Lock()
		if s.timers.Armed(t.ID) || !s.acquireLocked(t.ID) {
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		s.log.Debug().Str("task_id", t.ID).Time("next_run_at", *t.NextRunAt).Msg("poller firing due task")
		s.wg.Add(1)
		go func(id string, due time.Time) {
			defer s.wg.Done()
			_, _ = s.execute(ctx, id, &due, false)
		}(t.ID, *t.NextRunAt)
	}
}

func (s *Service) fireFromTimer(id string, seq uint64) {
	s.mu.Lock()
	if !s.timers.Claim(id, seq) || !s.acquireLocked(id) {
		s.mu.Unlock()
		return
	}
	ctx := s.baseCtx
	s.mu.Unlock()
	_, _ = s.execute(ctx, id, nil, false)
}

func (s *Service) acquireLocked(id string) bool {
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Service) release(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// execute runs an acquired task once and re-arms it. Inactive tasks are
// skipped unless the run was requested manually. When due is set the run
// belongs to that occurrence and is skipped if the stored next run moved on,
// which happens when a timer already ran it.
func (s *Service) execute(ctx context.Context, id string, due *time.Time, manual bool) (domain.TaskRun, error) {
	t, err := s.store.GetScheduledTask(ctx, id)
	if err != nil {
		s.release(id)
		s.log.Error().Err(err).Str("task_id", id).Msg("failed to load scheduled task")
		return domain.TaskRun{}, s.notFound(id, err)
	}
	if !t.IsActive && !manual {
		s.release(id)
		s.log.Debug().Str("task_id", id).Msg("skipping inactive scheduled task")
		return domain.TaskRun{}, nil
	}
	if due != nil && (t.NextRunAt == nil || !t.NextRunAt.Equal(*due)) {
		s.release(id)
		s.log.Debug().Str("task_id", id).Time("due", *due).Msg("occurrence already handled")
		return domain.TaskRun{}, nil
	}

	run, err := s.runTask(ctx, t)
	s.release(id)
	if err != nil {
		// Nothing was recorded; the poller retries once the store recovers.
		return run, err
	}
	s.rearm(context.WithoutCancel(ctx), id)
	return run, nil
}

// armLocked arms t's timer. Tasks beyond the timer ceiling stay unarmed, and
// nothing is armed once the service is stopped.
func (s *Service) armLocked(t domain.ScheduledTask) bool {
	if s.stopped || !t.IsActive || t.NextRunAt == nil {
		s.timers.Disarm(t.ID)
		return false
	}
	if !s.timers.Arm(t.ID, *t.NextRunAt) {
		s.log.Debug().Str("task_id", t.ID).Time("next_run_at", *t.NextRunAt).Msg("next run beyond timer range; left to poller")
		return false
	}
	return true
}

func (s *Service) rearm(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.store.GetScheduledTask(ctx, id)
	if err != nil {
		s.timers.Disarm(id)
		return
	}
	s.armLocked(t)
}

// CreateTask validates the schedule, persists the task and arms it.
func (s *Service) CreateTask(ctx context.Context, spec TaskSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if spec.MaxRetries < 0 {
		return "", fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidTask)
	}
	now := s.now()
	next, ok, err := NextRun(spec.Schedule, now, false)
	if err != nil {
		return "", err
	}

	t := domain.ScheduledTask{
		ID:         "sch_" + uuid.NewString(),
		Name:       spec.Name,
		Schedule:   spec.Schedule,
		WorkflowID: spec.WorkflowID,
		Payload:    spec.Payload,
		MaxRetries: spec.MaxRetries,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if ok {
		t.NextRunAt = &next
	}
	if err := s.store.CreateScheduledTask(ctx, t); err != nil {
		return "", fmt.Errorf("create scheduled task: %w", err)
	}

	s.mu.Lock()
	s.armLocked(t)
	s.mu.Unlock()

	ev := s.log.Info().Str("task_id", t.ID).Str("name", t.Name).Str("type", string(t.Schedule.Type))
	if t.NextRunAt != nil {
		ev = ev.Time("next_run_at", *t.NextRunAt)
	}
	ev.Msg("scheduled task created")
	s.events.Publish(eventbus.Event{Type: eventbus.ScheduleCreated, Time: now, Data: t})
	return t.ID, nil
}

// CancelTask stops future runs. A run already in progress completes.
func (s *Service) CancelTask(ctx context.Context, id string) error {
	return s.deactivate(ctx, id, "cancelled")
}

// PauseTask stops future runs until ResumeTask.
func (s *Service) PauseTask(ctx context.Context, id string) error {
	return s.deactivate(ctx, id, "paused")
}

func (s *Service) deactivate(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.store.GetScheduledTask(ctx, id)
	if err != nil {
		return s.notFound(id, err)
	}
	s.timers.Disarm(id)
	if err := s.store.SetActive(ctx, id, false, t.NextRunAt); err != nil {
		return fmt.Errorf("deactivate scheduled task: %w", err)
	}
	s.log.Info().Str("task_id", id).Msg("scheduled task " + reason)
	return nil
}

// ResumeTask reactivates a task and recomputes its next run from the stored
// schedule. A one-time task that already ran stays without a next run.
func (s *Service) ResumeTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.store.GetScheduledTask(ctx, id)
	if err != nil {
		return s.notFound(id, err)
	}
	ran := t.RunCount+t.FailureCount > 0
	next, ok, err := NextRun(t.Schedule, s.now(), t.Schedule.Type == domain.ScheduleOneTime && ran)
	if err != nil {
		return err
	}
	t.IsActive = true
	t.NextRunAt = nil
	if ok {
		t.NextRunAt = &next
	}
	if err := s.store.SetActive(ctx, id, true, t.NextRunAt); err != nil {
		return fmt.Errorf("resume scheduled task: %w", err)
	}
	s.armLocked(t)
	s.log.Info().Str("task_id", id).Msg("scheduled task resumed")
	return nil
}

// TriggerNow runs the task immediately, outside its schedule.
func (s *Service) TriggerNow(ctx context.Context, id string) (domain.TaskRun, error) {
	if _, err := s.store.GetScheduledTask(ctx, id); err != nil {
		return domain.TaskRun{}, s.notFound(id, err)
	}
	s.mu.Lock()
	if !s.acquireLocked(id) {
		s.mu.Unlock()
		return domain.TaskRun{}, fmt.Errorf("%w: %s", ErrRunInProgress, id)
	}
	s.mu.Unlock()
	return s.execute(ctx, id, nil, true)
}

func (s *Service) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers.Disarm(id)
	if err := s.store.DeleteScheduledTask(ctx, id); err != nil {
		return s.notFound(id, err)
	}
	s.log.Info().Str("task_id", id).Msg("scheduled task deleted")
	return nil
}

func (s *Service) Task(ctx context.Context, id string) (domain.ScheduledTask, error) {
	t, err := s.store.GetScheduledTask(ctx, id)
	if err != nil {
		return domain.ScheduledTask{}, s.notFound(id, err)
	}
	return t, nil
}

func (s *Service) Tasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	return s.store.ListScheduledTasks(ctx)
}

func (s *Service) Runs(ctx context.Context, id string, limit int) ([]domain.TaskRun, error) {
	if _, err := s.store.GetScheduledTask(ctx, id); err != nil {
		return nil, s.notFound(id, err)
	}
	return s.store.ListTaskRuns(ctx, id, limit)
}

// Armed reports whether id currently has a timer.
func (s *Service) Armed(id string) bool { return s.timers.Armed(id) }

func (s *Service) notFound(id string, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}

package domain

import (
	"encoding/json"
	"time"
)

// Capability is a task type a worker declares it can handle.
type Capability string

// CapabilityAny matches every task type.
const CapabilityAny Capability = "*"

type Capabilities []Capability

// Matches reports whether the set covers taskType, either directly or via the wildcard.
func (c Capabilities) Matches(taskType string) bool {
	for _, cp := range c {
		if cp == CapabilityAny || string(cp) == taskType {
			return true
		}
	}
	return false
}

type Role string

const RoleCoordinator Role = "coordinator"

type Worker struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Role          Role         `json:"role,omitempty"`
	Capabilities  Capabilities `json:"capabilities"`
	MaxConcurrent int          `json:"max_concurrent,omitempty"` // 0 = unlimited
	Priority      int          `json:"priority,omitempty"`
	RegisteredAt  time.Time    `json:"registered_at"`
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

func (s TaskStatus) rank() int {
	switch s {
	case TaskPending:
		return 0
	case TaskAssigned:
		return 1
	case TaskProcessing:
		return 2
	case TaskCompleted, TaskFailed:
		return 3
	}
	return -1
}

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool { return s == TaskCompleted || s == TaskFailed }

// InFlight reports whether the task occupies a worker slot.
func (s TaskStatus) InFlight() bool { return s == TaskAssigned || s == TaskProcessing }

// CanAdvanceTo reports whether moving from s to next keeps the status moving forward.
// Completion and failure may be reached from any non-terminal state.
func (s TaskStatus) CanAdvanceTo(next TaskStatus) bool {
	if s.Terminal() || next.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

type Task struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	WorkerID     string          `json:"worker_id,omitempty"`
	Status       TaskStatus      `json:"status"`
	Priority     int             `json:"priority"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	WorkflowID   string          `json:"workflow_id,omitempty"`
	ParentID     string          `json:"parent_id,omitempty"`
	Clones       []string        `json:"clones,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Aggregate reports whether t is a parallel parent that only tracks its clones.
func (t Task) Aggregate() bool { return len(t.Clones) > 0 }

type MessageKind string

const (
	MessageTask     MessageKind = "task"
	MessageResult   MessageKind = "result"
	MessageQuery    MessageKind = "query"
	MessageResponse MessageKind = "response"
	MessageStatus   MessageKind = "status"
)

type Message struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Kind      MessageKind     `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type Workflow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Policy    string    `json:"policy,omitempty"`
	TaskIDs   []string  `json:"task_ids"`
	CreatedAt time.Time `json:"created_at"`
}

type ScheduleType string

const (
	ScheduleOneTime  ScheduleType = "one-time"
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
)

// Schedule describes when a ScheduledTask fires. Only the field matching Type is used.
type Schedule struct {
	Type     ScheduleType  `json:"type"`
	RunAt    *time.Time    `json:"run_at,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
	Cron     string        `json:"cron,omitempty"`
}

type ScheduledTask struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Schedule     Schedule        `json:"schedule"`
	WorkflowID   string          `json:"workflow_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	NextRunAt    *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time      `json:"last_run_at,omitempty"`
	MaxRetries   int             `json:"max_retries"`
	RunCount     int             `json:"run_count"`
	FailureCount int             `json:"failure_count"`
	IsActive     bool            `json:"is_active"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

type TaskRun struct {
	ID              string          `json:"id"`
	ScheduledTaskID string          `json:"scheduled_task_id"`
	Status          RunStatus       `json:"status"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
}

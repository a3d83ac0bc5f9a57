// Package mesh implements the task graph: tasks, dependency edges,
// status transitions and readiness promotion.
package mesh

import (
	"time"

	"github.com/google/uuid"
)

// TaskID uniquely identifies a task within a mesh.
type TaskID = uuid.UUID

// NewTaskID returns a fresh random task identifier.
func NewTaskID() TaskID { return uuid.New() }

// Priority ranks a task for the scheduler; clamped to [0, 100].
type Priority uint8

// ClampPriority clamps p into the valid priority range.
func ClampPriority(p int) Priority {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return Priority(p)
}

// StatusKind is the task state-machine's discrete state.
type StatusKind string

const (
	StatusPending   StatusKind = "pending"
	StatusReady     StatusKind = "ready"
	StatusRunning   StatusKind = "running"
	StatusCompleted StatusKind = "completed"
	StatusFailed    StatusKind = "failed"
	StatusCancelled StatusKind = "cancelled"
	StatusPaused    StatusKind = "paused"
)

// IsTerminal reports whether the state machine stops transitioning here.
func (s StatusKind) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// Status carries the discrete kind plus the bookkeeping each state needs.
type Status struct {
	Kind        StatusKind
	StartedAt   time.Time
	EndedAt     time.Time
	WorkerID    string
	Error       string
	Attempt     int
	CancelledBy string
	PauseReason string
	// PausedFrom remembers the Kind a Paused task should fall back to on
	// Resume: Pending if it was still waiting on predecessors, Ready if
	// it had already been promoted.
	PausedFrom StatusKind
}

// EdgeKind classifies a DependencyEdge. Only Hard edges gate readiness.
type EdgeKind string

const (
	EdgeHard     EdgeKind = "hard"
	EdgeSoft     EdgeKind = "soft"
	EdgeResource EdgeKind = "resource"
	EdgeData     EdgeKind = "data"
)

// DependencyEdge is a directed edge From -> To (To depends on From).
type DependencyEdge struct {
	From TaskID
	To   TaskID
	Kind EdgeKind
}

// Task is one unit of schedulable work in the mesh.
type Task struct {
	ID           TaskID
	Name         string
	Definition   Definition
	Priority     Priority
	Metadata     map[string]string
	Tags         []string
	CreatedAt    time.Time
	Deadline     time.Time // zero if none
	Timeout      time.Duration
	MaxRetries   int
	BackendHint  string
	ResourceNeed int // units of the pool's available_resources this task consumes while running; 0 defaults to 1 at dispatch time

	status Status
}

// DefinitionKind tags the shape of Definition's payload.
type DefinitionKind string

const (
	DefCommand  DefinitionKind = "command"
	DefScript   DefinitionKind = "script"
	DefHTTP     DefinitionKind = "http"
	DefWorkflow DefinitionKind = "workflow"
)

// Definition is the polymorphic task body, mirroring the original
// TaskDefinition enum (Command/PythonScript/HttpRequest/Workflow; the
// RustFunction variant has no Go analogue and is folded into Command).
type Definition struct {
	Kind DefinitionKind

	Command string // DefCommand
	Args    []string

	Script string // DefScript
	Env    map[string]string

	Method  string // DefHTTP
	URL     string
	Headers map[string]string
	Body    string

	WorkflowTasks    []Task           // DefWorkflow
	WorkflowEdges    []DependencyEdge // DefWorkflow, StrategyDAG only
	WorkflowStrategy WorkflowStrategy
}

// WorkflowStrategy selects how a nested workflow's tasks are ordered.
type WorkflowStrategy string

const (
	StrategySequential WorkflowStrategy = "sequential"
	StrategyParallel   WorkflowStrategy = "parallel"
	StrategyDAG        WorkflowStrategy = "dag"
)

// NewTask builds a Task with the default priority 50, 3 max
// retries, a 1h timeout, and Pending status.
func NewTask(name string, def Definition) *Task {
	return &Task{
		ID:         NewTaskID(),
		Name:       name,
		Definition: def,
		Priority:   50,
		Metadata:   map[string]string{},
		CreatedAt:  time.Now().UTC(),
		Timeout:    time.Hour,
		MaxRetries: 3,
		status:     Status{Kind: StatusPending},
	}
}

// WithPriority clamps p into [0,100] and returns the task for chaining.
func (t *Task) WithPriority(p int) *Task {
	t.Priority = ClampPriority(p)
	return t
}

// WithTimeout sets the task's execution timeout.
func (t *Task) WithTimeout(d time.Duration) *Task {
	t.Timeout = d
	return t
}

// WithMaxRetries sets the retry budget.
func (t *Task) WithMaxRetries(n int) *Task {
	t.MaxRetries = n
	return t
}

// WithDeadline sets the deadline the EDF and critical-ratio scheduling
// policies rank against.
func (t *Task) WithDeadline(at time.Time) *Task {
	t.Deadline = at
	return t
}

// WithTags appends tags.
func (t *Task) WithTags(tags ...string) *Task {
	t.Tags = append(t.Tags, tags...)
	return t
}

// Status returns a copy of the task's current status.
func (t *Task) Status() Status { return t.status }

// ExecutionMetrics carries the resource-usage figures a backend
// observed while running a task, alongside its ExecutionResult.
// Backends that cannot observe a given figure (most can't, without
// OS-level instrumentation beyond os/exec) leave it zero.
type ExecutionMetrics struct {
	CPUPercent     float64
	MemoryPeakMB   int64
	NetInBytes     int64
	NetOutBytes    int64
	DiskReadBytes  int64
	DiskWriteBytes int64
}

// ExecutionResult is what a backend hands back after running a task.
type ExecutionResult struct {
	TaskID    TaskID
	ExitCode  int
	Stdout    string
	Stderr    string
	Output    map[string]any
	StartedAt time.Time
	EndedAt   time.Time
	Metrics   ExecutionMetrics
	Err       error
}

// WorkerStatus is an executor worker slot's lifecycle state.
type WorkerStatus string

const (
	WorkerIdle        WorkerStatus = "idle"
	WorkerBusy        WorkerStatus = "busy"
	WorkerUnavailable WorkerStatus = "unavailable"
	WorkerStopped     WorkerStatus = "stopped"
)

// WorkerInfo describes one executor worker slot.
type WorkerInfo struct {
	ID            string
	Status        WorkerStatus
	CurrentTask   TaskID
	Completed     int64
	Failed        int64
	LastHeartbeat time.Time
}

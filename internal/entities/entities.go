// Package entities defines the persistence-layer documents that sit beside
// step.Definition: events, tasks, runners, servers, handler registrations,
// flows, workflows, and append-only logs. Field shapes are grounded on the
// host's backend.Run/Checkpoint style (plain structs, upsert-by-id) and on
// original_source/afl/runtime's Mongo entity dataclasses.
package entities

import (
	"time"

	"github.com/rlemke/agentflow/internal/afltypes"
	"github.com/rlemke/agentflow/internal/states"
)

// RunnerState is one of a runner's lifecycle states.
type RunnerState string

const (
	RunnerCreated   RunnerState = "created"
	RunnerRunning   RunnerState = "running"
	RunnerPaused    RunnerState = "paused"
	RunnerCompleted RunnerState = "completed"
	RunnerFailed    RunnerState = "failed"
	RunnerCancelled RunnerState = "cancelled"
)

// IsTerminal reports whether a runner state will never change again.
func (s RunnerState) IsTerminal() bool {
	switch s {
	case RunnerCompleted, RunnerFailed, RunnerCancelled:
		return true
	default:
		return false
	}
}

// InputParam is one named, typed input supplied at runner creation.
type InputParam struct {
	Name  string
	Value any
	Type  afltypes.TypeHint
}

// Runner is one execution instance of one workflow.
type Runner struct {
	ID          string
	WorkflowID  afltypes.WorkflowId
	FlowID      string
	FlowName    string
	Inputs      []InputParam
	Owner       string
	State       RunnerState
	StartedAt   time.Time
	EndedAt     time.Time
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Event is a durable record of external dispatch for one event-facet step.
type Event struct {
	ID         string
	StepID     afltypes.StepId
	WorkflowID afltypes.WorkflowId
	State      states.EventState
	EventType  string // == facet name
	Payload    map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TaskState is one of a task's queue states.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskIgnored   TaskState = "ignored"
	TaskCancelled TaskState = "cancelled"
)

// Reserved task names for runtime control, as opposed to domain facet
// dispatch tasks (whose Name is the facet name).
const (
	TaskExecute = "afl:execute"
	TaskResume  = "afl:resume"
)

// Task is one item in the work queue: either runtime control (execute /
// resume) or a domain facet invocation.
type Task struct {
	ID         string
	Name       string
	RunnerID   string
	WorkflowID afltypes.WorkflowId
	FlowID     string
	StepID     afltypes.StepId
	TaskList   string
	State      TaskState
	DataType   string
	Data       map[string]any
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ServerState is one of a worker process's lifecycle states.
type ServerState string

const (
	ServerStartup  ServerState = "startup"
	ServerRunning  ServerState = "running"
	ServerShutdown ServerState = "shutdown"
	ServerError    ServerState = "error"
)

// Server is a live worker (Runner Service or Agent Poller) heartbeat
// record.
type Server struct {
	ID             string
	ServerGroup    string
	ServiceName    string
	Hostname       string
	IPs            []string
	StartTime      time.Time
	LastPingTime   time.Time
	State          ServerState
	TopicPatterns  []string
	Handlers       []string
	HandledCounts  map[string]int64
}

// HandlerRegistration advertises that some handler can execute a facet.
// Keyed by FacetName, shared by all agents.
type HandlerRegistration struct {
	FacetName    string
	ModuleURI    string // file:// or mvn: or logical
	Entrypoint   string
	Version      string
	Checksum     string
	TimeoutMS    int64
	Requirements []string
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Flow is the compiled program: identity, opaque compiled AST, and the
// original source text used to re-parse when needed.
type Flow struct {
	ID             string
	Name           string
	Path           string
	CompiledAST    []byte // serialized ast.Program
	SourceText     string
	CreatedAt      time.Time
}

// Workflow is one top-level workflow definition inside a Flow.
type Workflow struct {
	ID       afltypes.WorkflowId
	FlowID   string
	Name     string
	CreatedAt time.Time
}

// Log is an append-only diagnostic entry keyed by runner.
type Log struct {
	ID         string
	RunnerID   string
	WorkflowID afltypes.WorkflowId
	StepID     afltypes.StepId
	Order      int64
	Message    string
	Level      string
	Timestamp  time.Time
}

// Lock is a key-leased mutex record.
type Lock struct {
	Key        string
	AcquiredAt time.Time
	ExpiresAt  time.Time
	Meta       map[string]string
}

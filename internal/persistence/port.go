// Package persistence defines the narrow storage port the Evaluator,
// Runner Service, and Agent Poller access exclusively — no component may
// reach a concrete backend directly. Grounded on the host's
// internal/controller/backend interface-segregation style and on
// original_source/afl/runtime/persistence.py's PersistenceAPI protocol.
package persistence

import (
	"context"

	"github.com/rlemke/agentflow/internal/afltypes"
	"github.com/rlemke/agentflow/internal/entities"
	"github.com/rlemke/agentflow/internal/states"
	"github.com/rlemke/agentflow/internal/step"
)

// StepStore covers step CRUD and idempotency checks.
type StepStore interface {
	GetStep(ctx context.Context, id afltypes.StepId) (*step.Definition, error)
	GetStepsByBlock(ctx context.Context, blockID afltypes.BlockId) ([]*step.Definition, error)
	GetStepsByWorkflow(ctx context.Context, workflowID afltypes.WorkflowId) ([]*step.Definition, error)
	GetStepsByState(ctx context.Context, workflowID afltypes.WorkflowId, state states.StepState) ([]*step.Definition, error)
	GetStepsByContainer(ctx context.Context, containerID afltypes.StepId) ([]*step.Definition, error)
	SaveStep(ctx context.Context, s *step.Definition) error
	GetWorkflowRoot(ctx context.Context, workflowID afltypes.WorkflowId) (*step.Definition, error)
	StepExists(ctx context.Context, statementID afltypes.StatementId, blockID afltypes.BlockId) (bool, error)
}

// EventStore covers event CRUD.
type EventStore interface {
	GetEvent(ctx context.Context, id string) (*entities.Event, error)
	GetEventsByWorkflow(ctx context.Context, workflowID afltypes.WorkflowId) ([]*entities.Event, error)
	GetEventByStep(ctx context.Context, stepID afltypes.StepId) (*entities.Event, error)
	SaveEvent(ctx context.Context, e *entities.Event) error
}

// TaskStore covers task CRUD and the atomic claim operation.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*entities.Task, error)
	GetPendingTasks(ctx context.Context, taskList string) ([]*entities.Task, error)
	GetTaskForStep(ctx context.Context, stepID afltypes.StepId) (*entities.Task, error)
	SaveTask(ctx context.Context, t *entities.Task) error

	// ClaimTask atomically transitions a single pending task matching one
	// of names within taskList to running, returning it. Returns
	// (nil, nil) if no matching task is available. Implementations MUST
	// guarantee at-most-one-winner under concurrent callers (spec.md §8
	// property 7).
	ClaimTask(ctx context.Context, names []string, taskList string) (*entities.Task, error)
}

// RunnerStore covers runner CRUD.
type RunnerStore interface {
	GetRunner(ctx context.Context, id string) (*entities.Runner, error)
	SaveRunner(ctx context.Context, r *entities.Runner) error
	GetRunnersByState(ctx context.Context, state entities.RunnerState) ([]*entities.Runner, error)
	GetRunnerByWorkflow(ctx context.Context, workflowID afltypes.WorkflowId) (*entities.Runner, error)
}

// ServerStore covers server heartbeat CRUD.
type ServerStore interface {
	GetServer(ctx context.Context, id string) (*entities.Server, error)
	SaveServer(ctx context.Context, s *entities.Server) error
	TouchServerPing(ctx context.Context, id string) error
	ListServers(ctx context.Context) ([]*entities.Server, error)
}

// FlowStore covers compiled-program CRUD.
type FlowStore interface {
	GetFlow(ctx context.Context, id string) (*entities.Flow, error)
	SaveFlow(ctx context.Context, f *entities.Flow) error
	DeleteFlow(ctx context.Context, id string) error
}

// WorkflowStore covers per-flow workflow definition CRUD.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, id afltypes.WorkflowId) (*entities.Workflow, error)
	SaveWorkflow(ctx context.Context, w *entities.Workflow) error
}

// HandlerRegistrationStore covers the facet-name -> handler mapping.
type HandlerRegistrationStore interface {
	SaveHandlerRegistration(ctx context.Context, reg *entities.HandlerRegistration) error
	GetHandlerRegistration(ctx context.Context, facetName string) (*entities.HandlerRegistration, error)
	ListHandlerRegistrations(ctx context.Context) ([]*entities.HandlerRegistration, error)
	DeleteHandlerRegistration(ctx context.Context, facetName string) (bool, error)
}

// LogStore covers append-only diagnostic entries.
type LogStore interface {
	SaveLog(ctx context.Context, l *entities.Log) error
	GetLogsByRunner(ctx context.Context, runnerID string) ([]*entities.Log, error)
	SaveStepLog(ctx context.Context, l *entities.Log) error
	GetStepLogsByStep(ctx context.Context, stepID afltypes.StepId) ([]*entities.Log, error)
	GetStepLogsByWorkflow(ctx context.Context, workflowID afltypes.WorkflowId) ([]*entities.Log, error)
}

// LockStore covers the key-leased mutex primitive (SPEC_FULL.md §4.8).
type LockStore interface {
	AcquireLock(ctx context.Context, key string, durationMS int64, meta map[string]string) (bool, error)
	ReleaseLock(ctx context.Context, key string) (bool, error)
	CheckLock(ctx context.Context, key string) (*entities.Lock, error)
	ExtendLock(ctx context.Context, key string, durationMS int64) (bool, error)
}

// Committer applies a batch of iteration changes atomically.
type Committer interface {
	Commit(ctx context.Context, changes *IterationChanges) error
}

// Port is the full persistence interface. The Evaluator, Runner Service,
// and Agent Poller depend only on this — never on a concrete backend.
type Port interface {
	StepStore
	EventStore
	TaskStore
	RunnerStore
	ServerStore
	FlowStore
	WorkflowStore
	HandlerRegistrationStore
	LogStore
	LockStore
	Committer

	Close() error
}

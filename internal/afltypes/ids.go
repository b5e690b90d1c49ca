// Package afltypes defines the primitive identifiers and value types shared
// across the AgentFlow runtime: step/block/workflow/statement ids, object
// type tags, and the typed attribute values a facet's params and returns
// carry.
package afltypes

import "github.com/google/uuid"

// StepId identifies one materialized step instance.
type StepId string

// BlockId identifies a block step that contains child steps.
type BlockId string

// WorkflowId identifies one runner's workflow instance.
type WorkflowId string

// StatementId identifies a statement in the compiled AST (stable across runs
// of the same flow; distinct from the runtime StepId assigned per instance).
type StatementId string

// NewStepId generates a fresh StepId.
func NewStepId() StepId { return StepId(uuid.NewString()) }

// NewBlockId generates a fresh BlockId.
func NewBlockId() BlockId { return BlockId(uuid.NewString()) }

// NewWorkflowId generates a fresh WorkflowId.
func NewWorkflowId() WorkflowId { return WorkflowId(uuid.NewString()) }

// NewID generates a fresh opaque identifier, used for entities (Event, Task,
// Runner, Server, Flow, Log) that do not have a dedicated typed alias.
func NewID() string { return uuid.NewString() }

package step

import (
	"time"

	"github.com/rlemke/agentflow/internal/afltypes"
	"github.com/rlemke/agentflow/internal/states"
)

// Definition is the persistent step: one execution instance of one
// statement or block. It is the unit the Evaluator reads, mutates in
// memory, and writes back through the persistence port.
type Definition struct {
	// Identification.
	ID         afltypes.StepId
	ObjectType afltypes.ObjectType

	// Hierarchy.
	WorkflowID    afltypes.WorkflowId
	StatementID   afltypes.StatementId
	StatementName string
	ContainerType afltypes.ObjectType
	ContainerID   afltypes.StepId
	BlockID       afltypes.BlockId
	RootID        afltypes.StepId

	// State machine.
	State      states.StepState
	Transition Transition

	// Data.
	FacetName  string
	Attributes afltypes.FacetAttributes

	// Versioning.
	Version afltypes.VersionInfo

	// Foreach iteration binding (set on children materialized by AndMap /
	// AndMatch blocks — see SPEC_FULL.md §4.4).
	ForeachVar   string
	ForeachValue any

	// Metadata.
	StartTime    time.Time
	LastModified time.Time
}

// New creates a step in the Created state, ready to enter the Evaluator's
// working set on the next iteration.
func New(workflowID afltypes.WorkflowId, objectType afltypes.ObjectType, facetName string) *Definition {
	now := time.Now()
	return &Definition{
		ID:           afltypes.NewStepId(),
		ObjectType:   objectType,
		WorkflowID:   workflowID,
		FacetName:    facetName,
		State:        states.Created,
		Transition:   InitialTransition(),
		Attributes:   afltypes.NewFacetAttributes(),
		Version:      afltypes.DefaultVersionInfo(),
		StartTime:    now,
		LastModified: now,
	}
}

// IsComplete reports whether this step reached its successful terminal
// state.
func (d *Definition) IsComplete() bool { return states.IsComplete(d.State) }

// IsError reports whether this step reached its failed terminal state.
func (d *Definition) IsError() bool { return states.IsError(d.State) }

// IsTerminal reports whether this step is in any absorbing state.
func (d *Definition) IsTerminal() bool { return states.IsTerminal(d.State) }

// IsBlock reports whether this step's object type uses the block
// transition table.
func (d *Definition) IsBlock() bool { return d.ObjectType.IsBlock() }

// IsStatement reports whether this step's object type is a leaf statement.
func (d *Definition) IsStatement() bool { return d.ObjectType.IsStatement() }

// IsRequestingStateChange reports whether this step wants to advance on the
// Evaluator's next pass.
func (d *Definition) IsRequestingStateChange() bool {
	return d.Transition.IsRequestingStateChange()
}

// ChangeState transitions the step to newState, marking it dirty for the
// current iteration's commit.
func (d *Definition) ChangeState(newState states.StepState) {
	d.State = newState
	d.Transition.CurrentState = newState
	d.Transition.Changed = true
	d.LastModified = time.Now()
}

// RequestStateChange requests (or cancels) advancement on the next pass.
func (d *Definition) RequestStateChange(request bool) {
	d.Transition.RequestStateChange(request)
}

// MarkError transitions the step to its terminal error state and records
// the cause.
func (d *Definition) MarkError(err error) {
	d.State = states.StatementError
	d.Transition.CurrentState = states.StatementError
	if err != nil {
		d.Transition.SetError(err)
	}
	d.LastModified = time.Now()
}

// MarkCompleted transitions the step to its terminal success state.
func (d *Definition) MarkCompleted() {
	d.State = states.StatementComplete
	d.Transition.CurrentState = states.StatementComplete
	d.Transition.RequestTransition = false
	d.LastModified = time.Now()
}

// SelectNextState returns the successor state for this step's object type,
// or "" if current is absent from the table (terminal or unrecognized).
func (d *Definition) SelectNextState() states.StepState {
	transitions := states.SelectTransitions(d.ObjectType)
	return states.NextState(d.State, transitions)
}

// Clone returns a deep copy so handlers and siblings never alias the same
// in-memory step.
func (d *Definition) Clone() *Definition {
	clone := *d
	clone.Attributes = afltypes.NewFacetAttributes()
	for k, v := range d.Attributes.Params {
		clone.Attributes.Params[k] = v
	}
	for k, v := range d.Attributes.Returns {
		clone.Attributes.Returns[k] = v
	}
	return &clone
}

// GetAttribute fetches a return value first, falling back to a param —
// mirroring siblingName.attr reference resolution, where a sibling's
// returns shadow its params.
func (d *Definition) GetAttribute(name string) any {
	if v := d.Attributes.GetReturn(name); v != nil {
		return v
	}
	return d.Attributes.GetParam(name)
}

// SetAttribute sets a param or return value on this step.
func (d *Definition) SetAttribute(name string, value any, isReturn bool) {
	if isReturn {
		d.Attributes.SetReturn(name, value, afltypes.TypeAny)
	} else {
		d.Attributes.SetParam(name, value, afltypes.TypeAny)
	}
}

// Package states defines the step and event state machines: the dotted
// hierarchical state names, the four static per-object-type transition
// tables, and the selection logic between them.
package states

import "github.com/rlemke/agentflow/internal/afltypes"

// StepState is one of the dotted hierarchical state names a step occupies.
type StepState string

// Step states, in the hierarchical naming convention the original runtime
// uses — kept verbatim because external dashboards key off these exact
// literal strings.
const (
	Created StepState = "state.statement.Created"

	FacetInitBegin StepState = "state.facet.initialization.Begin"
	FacetInitEnd   StepState = "state.facet.initialization.End"

	FacetScriptsBegin StepState = "state.facet.scripts.Begin"
	FacetScriptsEnd   StepState = "state.facet.scripts.End"

	StatementScriptsBegin StepState = "state.statement.scripts.Begin"
	StatementScriptsEnd   StepState = "state.statement.scripts.End"

	MixinBlocksBegin    StepState = "state.mixin.blocks.Begin"
	MixinBlocksContinue StepState = "state.mixin.blocks.Continue"
	MixinBlocksEnd      StepState = "state.mixin.blocks.End"

	MixinCaptureBegin StepState = "state.mixin.capture.Begin"
	MixinCaptureEnd   StepState = "state.mixin.capture.End"

	EventTransmit StepState = "state.EventTransmit"

	StatementBlocksBegin    StepState = "state.statement.blocks.Begin"
	StatementBlocksContinue StepState = "state.statement.blocks.Continue"
	StatementBlocksEnd      StepState = "state.statement.blocks.End"

	BlockExecutionBegin    StepState = "state.block.execution.Begin"
	BlockExecutionContinue StepState = "state.block.execution.Continue"
	BlockExecutionEnd      StepState = "state.block.execution.End"

	StatementCaptureBegin StepState = "state.statement.capture.Begin"
	StatementCaptureEnd   StepState = "state.statement.capture.End"

	StatementEnd      StepState = "state.statement.End"
	StatementComplete StepState = "state.statement.Complete"
	StatementError    StepState = "state.statement.Error"
)

// IsTerminal reports whether a state is absorbing (Complete or Error).
func IsTerminal(s StepState) bool {
	return s == StatementComplete || s == StatementError
}

// IsComplete reports whether a state is the successful terminal state.
func IsComplete(s StepState) bool { return s == StatementComplete }

// IsError reports whether a state is the failed terminal state.
func IsError(s StepState) bool { return s == StatementError }

// StepTransitions is the full table for VariableAssignment (and Workflow
// root) steps.
var StepTransitions = map[StepState]StepState{
	Created:                 FacetInitBegin,
	FacetInitBegin:          FacetInitEnd,
	FacetInitEnd:            FacetScriptsBegin,
	FacetScriptsBegin:       FacetScriptsEnd,
	FacetScriptsEnd:         MixinBlocksBegin,
	MixinBlocksBegin:        MixinBlocksContinue,
	MixinBlocksContinue:     MixinBlocksEnd,
	MixinBlocksEnd:          MixinCaptureBegin,
	MixinCaptureBegin:       MixinCaptureEnd,
	MixinCaptureEnd:         EventTransmit,
	EventTransmit:           StatementBlocksBegin,
	StatementBlocksBegin:    StatementBlocksContinue,
	StatementBlocksContinue: StatementBlocksEnd,
	StatementBlocksEnd:      StatementCaptureBegin,
	StatementCaptureBegin:   StatementCaptureEnd,
	StatementCaptureEnd:     StatementEnd,
	StatementEnd:            StatementComplete,
}

// BlockTransitions is the simplified table for AndThen/AndMap/AndMatch/Block
// steps.
var BlockTransitions = map[StepState]StepState{
	Created:                BlockExecutionBegin,
	BlockExecutionBegin:    BlockExecutionContinue,
	BlockExecutionContinue: BlockExecutionEnd,
	BlockExecutionEnd:      StatementEnd,
	StatementEnd:           StatementComplete,
}

// YieldTransitions is the minimal table for YieldAssignment steps: it skips
// blocks entirely.
var YieldTransitions = map[StepState]StepState{
	Created:           FacetInitBegin,
	FacetInitBegin:    FacetInitEnd,
	FacetInitEnd:      FacetScriptsBegin,
	FacetScriptsBegin: FacetScriptsEnd,
	FacetScriptsEnd:   StatementEnd,
	StatementEnd:      StatementComplete,
}

// SchemaTransitions is the minimal table for SchemaInstantiation steps: it
// evaluates arguments and stores them as returns, skipping all other phases.
var SchemaTransitions = map[StepState]StepState{
	Created:        FacetInitBegin,
	FacetInitBegin: FacetInitEnd,
	FacetInitEnd:   StatementEnd,
	StatementEnd:   StatementComplete,
}

// NextState looks up the successor of current in transitions, returning ""
// if current is absent (terminal or unrecognized).
func NextState(current StepState, transitions map[StepState]StepState) StepState {
	next, ok := transitions[current]
	if !ok {
		return ""
	}
	return next
}

// SelectTransitions picks the transition table to drive a step of the given
// object type.
func SelectTransitions(objectType afltypes.ObjectType) map[StepState]StepState {
	switch {
	case objectType == afltypes.YieldAssignment:
		return YieldTransitions
	case objectType == afltypes.SchemaInstantiation:
		return SchemaTransitions
	case objectType.IsBlock():
		return BlockTransitions
	default:
		return StepTransitions
	}
}

// EventState is one of the event lifecycle states.
type EventState string

const (
	EventCreated    EventState = "event.Created"
	EventDispatched EventState = "event.Dispatched"
	EventProcessing EventState = "event.Processing"
	EventCompleted  EventState = "event.Completed"
	EventError      EventState = "event.Error"
)

// EventIsTerminal reports whether an event state is absorbing.
func EventIsTerminal(s EventState) bool {
	return s == EventCompleted || s == EventError
}

// EventTransitions is the event lifecycle's successor table.
var EventTransitions = map[EventState]EventState{
	EventCreated:    EventDispatched,
	EventDispatched: EventProcessing,
	EventProcessing: EventCompleted,
}

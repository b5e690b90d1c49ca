package evaluator

import (
	"fmt"

	"github.com/rlemke/agentflow/internal/afltypes"
	"github.com/rlemke/agentflow/internal/ast"
	"github.com/rlemke/agentflow/internal/entities"
	"github.com/rlemke/agentflow/internal/states"
	"github.com/rlemke/agentflow/internal/step"
)

// handlerFunc advances one step by exactly one state-machine step, mutating
// it and it.changes as needed. Absence from dispatchTable means "advance
// unconditionally" — most states in the full StepTransitions table are
// pass-through bookkeeping points with no handler-specific work.
type handlerFunc func(it *iteration, s *step.Definition) error

var dispatchTable = map[states.StepState]handlerFunc{
	states.FacetInitBegin:          handleFacetInitBegin,
	states.EventTransmit:           handleEventTransmit,
	states.StatementBlocksBegin:    handleStatementBlocksBegin,
	states.StatementBlocksContinue: handleStatementBlocksContinue,
	states.StatementCaptureBegin:   handleStatementCaptureBegin,
	states.BlockExecutionBegin:     handleBlockExecutionBegin,
	states.BlockExecutionContinue:  handleBlockExecutionContinue,

	// Mixin hook states: the original runtime declared Before/After object
	// types for these (afl/runtime/types.py) but never shipped a
	// MixinDefinition with actual block-materialization semantics — only
	// serialization round-tripping of an always-empty mixin list
	// (mongo_store.py). Registered explicitly rather than left to the
	// default advance-unconditionally branch so the pass-through is a
	// documented decision, not an oversight (see DESIGN.md Open Question
	// decisions).
	states.MixinBlocksBegin:    handleMixinPassthrough,
	states.MixinBlocksContinue: handleMixinPassthrough,
	states.MixinBlocksEnd:      handleMixinPassthrough,
	states.MixinCaptureBegin:   handleMixinPassthrough,
	states.MixinCaptureEnd:     handleMixinPassthrough,
}

// handleMixinPassthrough advances a mixin-hook state unconditionally. No
// flow in this domain materializes mixin blocks, so there is nothing to
// bind or capture at these states.
func handleMixinPassthrough(it *iteration, s *step.Definition) error {
	it.advance(s)
	return nil
}

// dispatch processes s once in its current state, either running a
// dedicated handler or advancing it unconditionally.
func (it *iteration) dispatch(s *step.Definition) error {
	if h, ok := dispatchTable[s.State]; ok {
		return h(it, s)
	}
	it.advance(s)
	return nil
}

// handleFacetInitBegin evaluates a statement's declared arguments against
// the current scope and binds them as the step's params.
func handleFacetInitBegin(it *iteration, s *step.Definition) error {
	stmt, ok := it.ev.index.statements[string(s.StatementID)]
	if !ok {
		it.advance(s)
		return nil
	}

	var args map[string]ast.Expr
	switch d := stmt.(type) {
	case *ast.VariableAssignmentDef:
		args = d.Args
	case *ast.YieldAssignmentDef:
		args = d.Args
	case *ast.SchemaInstantiationDef:
		args = d.Args
	}

	for name, expr := range args {
		value, err := it.resolveExpr(s, expr)
		if err != nil {
			s.MarkError(fmt.Errorf("evaluating param %q: %w", name, err))
			it.markUpdated(s)
			return nil
		}
		s.Attributes.SetParam(name, value, afltypes.TypeAny)
	}
	it.markUpdated(s)
	it.advance(s)
	return nil
}

// handleEventTransmit implements the event-facet blocking protocol: create
// an Event the first time a step reaches this state, then wait for an
// external dispatcher to move it to event.Completed or event.Error before
// advancing. Non-event facets pass straight through.
func handleEventTransmit(it *iteration, s *step.Definition) error {
	if !it.ev.index.isEventFacet(s.FacetName) {
		it.advance(s)
		return nil
	}

	ev, ok := it.events[s.ID]
	if !ok {
		params := s.Attributes.ParamsToMap()
		created := &entities.Event{
			ID:         afltypes.NewID(),
			StepID:     s.ID,
			WorkflowID: s.WorkflowID,
			State:      states.EventCreated,
			EventType:  s.FacetName,
			Payload:    params,
		}
		it.events[s.ID] = created
		it.changes.AddCreatedEvent(created)

		data := make(map[string]any, len(params)+1)
		for k, v := range params {
			data[k] = v
		}
		data["_facet_name"] = s.FacetName
		it.changes.AddCreatedTask(&entities.Task{
			ID:         afltypes.NewID(),
			Name:       s.FacetName,
			WorkflowID: s.WorkflowID,
			StepID:     s.ID,
			TaskList:   "default",
			State:      entities.TaskPending,
			DataType:   "facet_params",
			Data:       data,
		})
		return nil // blocked until dispatched externally
	}

	switch ev.State {
	case states.EventCompleted:
		for k, v := range ev.Payload {
			s.Attributes.SetReturn(k, v, afltypes.TypeAny)
		}
		it.markUpdated(s)
		it.advance(s)
	case states.EventError:
		s.MarkError(fmt.Errorf("event %s for facet %q failed", ev.ID, s.FacetName))
		it.markUpdated(s)
	default:
		// Created, Dispatched, or Processing: still in flight.
	}
	return nil
}

// handleStatementBlocksBegin materializes a statement's optional andThen
// body as a single child Block step, if the compiled statement declares
// one.
func handleStatementBlocksBegin(it *iteration, s *step.Definition) error {
	stmt, ok := it.ev.index.statements[string(s.StatementID)]
	if !ok {
		it.advance(s)
		return nil
	}
	va, ok := stmt.(*ast.VariableAssignmentDef)
	if !ok || va.Body == nil {
		it.advance(s)
		return nil
	}

	children, err := it.childrenOf(s.ID)
	if err != nil {
		return err
	}
	if len(children) == 0 {
		child := step.New(s.WorkflowID, va.Body.ObjectType, "")
		child.StatementID = va.Body.ID
		child.ContainerType = s.ObjectType
		child.ContainerID = s.ID
		child.BlockID = afltypes.BlockId(child.ID)
		child.RootID = s.RootID
		it.adopt(child)
	}
	it.advance(s)
	return nil
}

// handleStatementBlocksContinue waits for the materialized body block (if
// any) to reach a terminal state before advancing.
func handleStatementBlocksContinue(it *iteration, s *step.Definition) error {
	children, err := it.childrenOf(s.ID)
	if err != nil {
		return err
	}
	if len(children) == 0 {
		it.advance(s)
		return nil
	}
	child := children[0]
	switch {
	case child.IsError():
		s.MarkError(fmt.Errorf("body block %s failed", child.ID))
		it.markUpdated(s)
	case child.IsComplete():
		it.advance(s)
	default:
		// still running
	}
	return nil
}

// handleStatementCaptureBegin folds a statement's body-block returns (if
// any were materialized) up into the statement's own returns before the
// capture phase ends.
func handleStatementCaptureBegin(it *iteration, s *step.Definition) error {
	children, err := it.childrenOf(s.ID)
	if err != nil {
		return err
	}
	if len(children) == 1 {
		s.Attributes.Merge(children[0].Attributes)
		it.markUpdated(s)
	}
	it.advance(s)
	return nil
}

// handleBlockExecutionBegin materializes a block's child steps: one per
// statement for AndThen/Block, or one per (element, matching branch) for the
// foreach-capable AndMap/AndMatch, per SPEC_FULL.md §4.4.
func handleBlockExecutionBegin(it *iteration, s *step.Definition) error {
	blockDef, ok := it.ev.index.blocks[string(s.StatementID)]
	if !ok {
		it.advance(s)
		return nil
	}

	existing, err := it.childrenOf(s.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		it.advance(s)
		return nil
	}

	if !blockDef.ObjectType.IsForeachCapable() {
		for _, stmt := range blockDef.Statements {
			child, err := newChildFromStatement(s, stmt, afltypes.BlockId(s.ID))
			if err != nil {
				return err
			}
			it.adopt(child)
		}
		it.advance(s)
		return nil
	}

	collection, err := it.resolveExpr(s, blockDef.ForeachCollection)
	if err != nil {
		s.MarkError(fmt.Errorf("evaluating foreach collection: %w", err))
		it.markUpdated(s)
		return nil
	}
	elems, _ := collection.([]any)

	for _, elem := range elems {
		iterBlockID := afltypes.NewBlockId()
		for gi, stmt := range blockDef.Statements {
			if blockDef.ObjectType == afltypes.AndMatch && gi < len(blockDef.Guards) && blockDef.Guards[gi] != nil {
				probe := step.New(s.WorkflowID, s.ObjectType, "")
				probe.ForeachVar = blockDef.ForeachVar
				probe.ForeachValue = elem
				probe.ContainerID = s.ContainerID
				matched, err := it.resolveExpr(probe, blockDef.Guards[gi])
				if err != nil {
					return err
				}
				if ok, _ := matched.(bool); !ok {
					continue
				}
			}
			child, err := newChildFromStatement(s, stmt, iterBlockID)
			if err != nil {
				return err
			}
			child.ForeachVar = blockDef.ForeachVar
			child.ForeachValue = elem
			it.adopt(child)
			if blockDef.ObjectType == afltypes.AndMatch {
				break // first matching branch wins
			}
		}
		// No branch matched (or an unguarded else was absent): this element
		// contributes zero children, per SPEC_FULL.md §4.4's empty-match rule.
	}
	it.advance(s)
	return nil
}

func newChildFromStatement(parent *step.Definition, stmt ast.StatementDef, blockID afltypes.BlockId) (*step.Definition, error) {
	var (
		objectType afltypes.ObjectType
		stmtID     afltypes.StatementId
		name       string
		facetName  string
	)
	switch d := stmt.(type) {
	case *ast.VariableAssignmentDef:
		objectType, stmtID, name, facetName = afltypes.VariableAssignment, d.ID, d.Name, d.FacetName
	case *ast.YieldAssignmentDef:
		objectType, stmtID, name, facetName = afltypes.YieldAssignment, d.ID, "", d.FacetName
	case *ast.SchemaInstantiationDef:
		objectType, stmtID, name, facetName = afltypes.SchemaInstantiation, d.ID, d.Name, d.SchemaName
	default:
		return nil, fmt.Errorf("evaluator: unrecognized statement type %T", stmt)
	}

	child := step.New(parent.WorkflowID, objectType, facetName)
	child.StatementID = stmtID
	child.StatementName = name
	child.ContainerType = parent.ObjectType
	child.ContainerID = parent.ID
	child.BlockID = blockID
	child.RootID = parent.RootID
	return child, nil
}

// handleBlockExecutionContinue waits for every materialized child to reach
// a terminal state before advancing; any child error propagates to the
// block itself.
func handleBlockExecutionContinue(it *iteration, s *step.Definition) error {
	children, err := it.childrenOf(s.ID)
	if err != nil {
		return err
	}
	for _, c := range children {
		if c.IsError() {
			s.MarkError(fmt.Errorf("child step %s failed", c.ID))
			it.markUpdated(s)
			return nil
		}
	}
	for _, c := range children {
		if !c.IsComplete() {
			return nil // still running
		}
	}
	it.advance(s)
	return nil
}

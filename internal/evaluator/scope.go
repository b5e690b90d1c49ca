package evaluator

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/rlemke/agentflow/internal/aflerr"
	"github.com/rlemke/agentflow/internal/afltypes"
	"github.com/rlemke/agentflow/internal/ast"
	"github.com/rlemke/agentflow/internal/entities"
	"github.com/rlemke/agentflow/internal/persistence"
	"github.com/rlemke/agentflow/internal/step"
)

// iteration carries the mutable bookkeeping for one outer Evaluator pass:
// the in-memory working copies touched this pass, the accumulated commit
// batch, and a cache of this workflow's events (read once per outer
// iteration, since EventTransmit only needs to observe external-dispatch
// completion, not every intermediate state).
type iteration struct {
	ctx        context.Context
	ev         *Evaluator
	workflowID afltypes.WorkflowId

	changes *persistence.IterationChanges
	steps   map[afltypes.StepId]*step.Definition
	events  map[afltypes.StepId]*entities.Event
}

func (ev *Evaluator) newIteration(ctx context.Context, workflowID afltypes.WorkflowId) (*iteration, error) {
	events, err := ev.port.GetEventsByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	eventsByStep := make(map[afltypes.StepId]*entities.Event, len(events))
	for _, e := range events {
		eventsByStep[e.StepID] = e
	}
	return &iteration{
		ctx:        ctx,
		ev:         ev,
		workflowID: workflowID,
		changes:    persistence.NewIterationChanges(),
		steps:      make(map[afltypes.StepId]*step.Definition),
		events:     eventsByStep,
	}, nil
}

// getStep returns a working copy of id, fetching and caching it from the
// port if not already known to this iteration.
func (it *iteration) getStep(id afltypes.StepId) (*step.Definition, error) {
	if s, ok := it.steps[id]; ok {
		return s, nil
	}
	s, err := it.ev.port.GetStep(it.ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	it.steps[id] = s
	return s, nil
}

// adopt registers a newly created step as both pending-create and a working
// copy visible to sibling/scope lookups within this iteration.
func (it *iteration) adopt(s *step.Definition) {
	it.steps[s.ID] = s
	it.changes.AddCreatedStep(s)
}

// markUpdated records that s was mutated and must be committed. Safe to
// call multiple times for the same step within one outer iteration.
func (it *iteration) markUpdated(s *step.Definition) {
	it.changes.AddUpdatedStep(s)
}

// advance moves s to its successor state and marks it for reprocessing
// within the same outer iteration (the push_me re-entry mechanism).
func (it *iteration) advance(s *step.Definition) {
	next := s.SelectNextState()
	if next == "" {
		return
	}
	s.ChangeState(next)
	s.Transition.SetPushMe(true)
	it.markUpdated(s)
}

// childrenOf returns all known children of containerID: steps already
// materialized this iteration plus any already committed, preferring the
// in-memory working copy when both exist.
func (it *iteration) childrenOf(containerID afltypes.StepId) ([]*step.Definition, error) {
	seen := make(map[afltypes.StepId]bool)
	var out []*step.Definition
	for id, s := range it.steps {
		if s.ContainerID == containerID {
			out = append(out, s)
			seen[id] = true
		}
	}
	committed, err := it.ev.port.GetStepsByContainer(it.ctx, containerID)
	if err != nil {
		return nil, err
	}
	for _, s := range committed {
		if seen[s.ID] {
			continue
		}
		it.steps[s.ID] = s
		out = append(out, s)
	}
	return out, nil
}

// findSibling returns the child of containerID whose compiled statement name
// matches name, or nil if absent.
func (it *iteration) findSibling(containerID afltypes.StepId, name string) (*step.Definition, error) {
	children, err := it.childrenOf(containerID)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		if c.StatementName == name {
			return c, nil
		}
	}
	return nil, nil
}

// resolveDollar resolves a `$.name` reference from s's own foreach binding
// (if s itself carries one matching name), else climbs s's container chain
// looking for an ancestor foreach binding, else falls back to the workflow
// root step's params — the flattened, single-scope approximation of nested
// lexical scoping documented in DESIGN.md.
func (it *iteration) resolveDollar(s *step.Definition, name string) (any, error) {
	cur := s
	for {
		if cur.ForeachVar != "" && cur.ForeachVar == name {
			return cur.ForeachValue, nil
		}
		if cur.ContainerID == "" {
			break
		}
		parent, err := it.getStep(cur.ContainerID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			break
		}
		cur = parent
	}
	root, err := it.ev.port.GetWorkflowRoot(it.ctx, it.workflowID)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, nil
	}
	if root.ID != s.ID {
		if rs, ok := it.steps[root.ID]; ok {
			root = rs
		}
	}
	return root.Attributes.GetParam(name), nil
}

// resolveExpr evaluates an AST expression in the scope of step s, whose
// enclosing block/statement is containerID.
func (it *iteration) resolveExpr(s *step.Definition, e ast.Expr) (any, error) {
	switch v := e.(type) {
	case nil:
		return nil, nil
	case ast.Literal:
		return v.Value, nil
	case *ast.Literal:
		return v.Value, nil
	case ast.Reference:
		return it.resolveReference(s, v)
	case *ast.Reference:
		return it.resolveReference(s, *v)
	case ast.Script:
		return it.resolveScript(s, v)
	case *ast.Script:
		return it.resolveScript(s, *v)
	default:
		return nil, fmt.Errorf("evaluator: unsupported expression node %T", e)
	}
}

// resolveScript evaluates v.Source as an expr-lang expression against an
// env assembled from s's siblings (by StatementName, their merged
// params+returns) and the workflow's top-level params under "$". AndMatch
// guards are the primary consumer (SPEC_FULL.md §4.4); any flow author who
// needs more than a bare literal or reference reaches for this instead of
// the Evaluator growing a second bespoke expression mini-language.
func (it *iteration) resolveScript(s *step.Definition, v ast.Script) (any, error) {
	env, err := it.scriptEnv(s)
	if err != nil {
		return nil, err
	}
	out, err := expr.Eval(v.Source, env)
	if err != nil {
		return nil, fmt.Errorf("evaluator: script expression %q: %w", v.Source, err)
	}
	return out, nil
}

// scriptEnv builds the variable bindings visible to a Script expression
// evaluated in s's scope: one entry per sibling step (by StatementName,
// flattened params+returns) plus "$" for the workflow root's params.
func (it *iteration) scriptEnv(s *step.Definition) (map[string]any, error) {
	env := make(map[string]any)
	siblings, err := it.childrenOf(s.ContainerID)
	if err != nil {
		return nil, err
	}
	for _, sib := range siblings {
		if sib.StatementName == "" {
			continue
		}
		attrs := make(map[string]any, len(sib.Attributes.Params)+len(sib.Attributes.Returns))
		for k, av := range sib.Attributes.Params {
			attrs[k] = av.Value
		}
		for k, av := range sib.Attributes.Returns {
			attrs[k] = av.Value
		}
		env[sib.StatementName] = attrs
	}
	root, err := it.ev.port.GetWorkflowRoot(it.ctx, it.workflowID)
	if err != nil {
		return nil, err
	}
	if root != nil {
		dollar := make(map[string]any, len(root.Attributes.Params))
		for k, av := range root.Attributes.Params {
			dollar[k] = av.Value
		}
		env["$"] = dollar
	}
	if s.ForeachVar != "" {
		env[s.ForeachVar] = s.ForeachValue
	}
	return env, nil
}

func (it *iteration) resolveReference(s *step.Definition, ref ast.Reference) (any, error) {
	if ref.Sibling == "" {
		return it.resolveDollar(s, ref.Attr)
	}
	sibling, err := it.findSibling(s.ContainerID, ref.Sibling)
	if err != nil {
		return nil, err
	}
	if sibling == nil {
		return nil, &aflerr.UnresolvedReferenceError{StepID: string(s.ID), Name: ref.Sibling + "." + ref.Attr}
	}
	return sibling.GetAttribute(ref.Attr), nil
}

// Package evaluator implements the iteration-commit loop described in
// spec.md §4.3: build a working set of non-terminal steps, dispatch each to
// its current state's handler, accumulate changes, commit atomically, and
// repeat until the workflow finishes or blocks awaiting external input.
// Grounded on original_source/afl/runtime's iterate/commit cycle and on the
// host's reconciliation-loop controllers, adapted to a single-workflow
// synchronous driver rather than a continuously-running reconciler.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rlemke/agentflow/internal/afltypes"
	"github.com/rlemke/agentflow/internal/ast"
	"github.com/rlemke/agentflow/internal/entities"
	"github.com/rlemke/agentflow/internal/persistence"
	"github.com/rlemke/agentflow/internal/step"
)

// maxPushIterations bounds push_me re-entry within a single outer iteration
// (SPEC_FULL.md §4.3 addition, not present in the original runtime, which
// had no such cap and could loop indefinitely on a malformed flow).
const maxPushIterations = 1000

// ErrIterationCapExceeded is returned when a single outer iteration
// re-queues steps more than maxPushIterations times without reaching a
// fixed point — almost always a cyclic sibling reference or a block whose
// children never terminate.
var ErrIterationCapExceeded = errors.New("evaluator: push_me re-entry cap exceeded")

// Evaluator drives one compiled Program's workflows to completion against a
// persistence.Port.
type Evaluator struct {
	port    persistence.Port
	program *ast.Program
	index   *index
}

// New builds an Evaluator for program, backed by port.
func New(port persistence.Port, program *ast.Program) *Evaluator {
	return &Evaluator{port: port, program: program, index: buildIndex(program)}
}

// Bootstrap materializes the root step for a new runner instance of the
// named workflow, binding the supplied inputs as its params.
func (ev *Evaluator) Bootstrap(ctx context.Context, workflowID afltypes.WorkflowId, workflowName string, inputs map[string]any) (*step.Definition, error) {
	wf, ok := ev.index.workflows[workflowName]
	if !ok {
		return nil, fmt.Errorf("evaluator: unknown workflow %q", workflowName)
	}

	root := step.New(workflowID, afltypes.Workflow, workflowName)
	root.RootID = root.ID
	root.StatementID = afltypes.StatementId(workflowName)
	for name, value := range inputs {
		root.Attributes.SetParam(name, value, afltypes.TypeAny)
	}
	if err := ev.port.SaveStep(ctx, root); err != nil {
		return nil, fmt.Errorf("save root step: %w", err)
	}

	bodyBlockID := afltypes.BlockId(root.ID)
	ev.index.blocks[string(wf.Root.ID)] = wf.Root
	body := step.New(workflowID, wf.Root.ObjectType, "")
	body.StatementID = wf.Root.ID
	body.ContainerType = afltypes.Workflow
	body.ContainerID = root.ID
	body.BlockID = bodyBlockID
	body.RootID = root.ID
	if err := ev.port.SaveStep(ctx, body); err != nil {
		return nil, fmt.Errorf("save workflow body step: %w", err)
	}
	return root, nil
}

// Run drives workflowID forward until it reaches a terminal runner state or
// can make no further progress without external input (a pending event or
// domain task).
func (ev *Evaluator) Run(ctx context.Context, workflowID afltypes.WorkflowId) (entities.RunnerState, error) {
	for {
		progressed, terminal, err := ev.runOuterIteration(ctx, workflowID)
		if err != nil {
			return entities.RunnerFailed, err
		}
		if terminal != "" {
			return terminal, nil
		}
		if !progressed {
			return entities.RunnerPaused, nil
		}
	}
}

// runOuterIteration builds the working set, drains push_me re-entries until
// a fixed point, commits, and reports whether anything changed and whether
// the workflow reached a terminal state.
func (ev *Evaluator) runOuterIteration(ctx context.Context, workflowID afltypes.WorkflowId) (progressed bool, terminal entities.RunnerState, err error) {
	it, err := ev.newIteration(ctx, workflowID)
	if err != nil {
		return false, "", err
	}

	root, err := ev.port.GetWorkflowRoot(ctx, workflowID)
	if err != nil {
		return false, "", fmt.Errorf("load workflow root: %w", err)
	}
	if root == nil {
		return false, "", fmt.Errorf("evaluator: workflow %s has no root step", workflowID)
	}
	it.steps[root.ID] = root

	working, err := ev.workingSet(ctx, it, workflowID)
	if err != nil {
		return false, "", err
	}

	pushes := 0
	anyChange := false
	for {
		frontier := working
		working = nil
		advancedThisPass := false

		for _, s := range frontier {
			if s.IsTerminal() {
				continue
			}
			if !s.IsRequestingStateChange() && !s.Transition.IsRequestingPush() {
				continue
			}
			s.Transition.ResetForIteration()
			if err := it.dispatch(s); err != nil {
				return false, "", fmt.Errorf("dispatch step %s: %w", s.ID, err)
			}
			if s.Transition.Changed {
				advancedThisPass = true
				anyChange = true
			}
		}

		if !advancedThisPass {
			break
		}

		pushes++
		if pushes > maxPushIterations {
			return false, "", ErrIterationCapExceeded
		}

		// Re-collect: dispatch may have materialized new children, and
		// push_me-flagged steps must be revisited within this same outer
		// iteration.
		working, err = ev.workingSet(ctx, it, workflowID)
		if err != nil {
			return false, "", err
		}
	}

	if err := ev.port.Commit(ctx, it.changes); err != nil {
		return false, "", fmt.Errorf("commit iteration: %w", err)
	}

	root, err = it.getStep(root.ID)
	if err != nil {
		return anyChange, "", err
	}
	if root.IsComplete() {
		return anyChange, entities.RunnerCompleted, nil
	}
	if root.IsError() {
		return anyChange, entities.RunnerFailed, nil
	}
	return anyChange, "", nil
}

// workingSet returns every non-terminal step known to this iteration: those
// already materialized in it.steps (including ones created this pass) plus
// any additional non-terminal steps still only on the committed side. The
// result is sorted by creation time then ID (spec.md §4.3 step 4) so
// dispatch order is deterministic across runs rather than following Go's
// unspecified map-iteration order.
func (ev *Evaluator) workingSet(ctx context.Context, it *iteration, workflowID afltypes.WorkflowId) ([]*step.Definition, error) {
	committed, err := ev.port.GetStepsByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	for _, s := range committed {
		if _, ok := it.steps[s.ID]; !ok {
			it.steps[s.ID] = s
		}
	}
	var out []*step.Definition
	for _, s := range it.steps {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ContinueStep flips a blocked step's transition back to requesting
// advancement and stages returns on it — an in-process hook for callers
// that hold an Evaluator. It does not touch the step's Event; the Agent
// Poller does not call it and updates steps and events through the
// persistence port itself. Returns without effect if the step is already
// terminal.
func (ev *Evaluator) ContinueStep(ctx context.Context, stepID afltypes.StepId, returns map[string]any) error {
	s, err := ev.port.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("evaluator: step %s not found", stepID)
	}
	if s.IsTerminal() {
		return nil
	}
	for name, value := range returns {
		s.Attributes.SetReturn(name, value, afltypes.TypeAny)
	}
	s.RequestStateChange(true)
	return ev.port.SaveStep(ctx, s)
}

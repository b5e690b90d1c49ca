package evaluator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlemke/agentflow/internal/afltypes"
	"github.com/rlemke/agentflow/internal/ast"
	"github.com/rlemke/agentflow/internal/entities"
	"github.com/rlemke/agentflow/internal/persistence/memory"
	"github.com/rlemke/agentflow/internal/states"
)

func chainProgram() *ast.Program {
	return &ast.Program{
		Namespaces: []*ast.Namespace{{
			Name: "root",
			Workflows: []*ast.WorkflowDef{{
				Name: "charge_and_yield",
				Root: &ast.BlockDef{
					ID:         afltypes.StatementId("root"),
					ObjectType: afltypes.AndThen,
					Statements: []ast.StatementDef{
						&ast.VariableAssignmentDef{
							ID:        afltypes.StatementId("s1"),
							Name:      "charge",
							FacetName: "charge_card",
							Args: map[string]ast.Expr{
								"amount": ast.Reference{Attr: "amount"},
							},
						},
						&ast.YieldAssignmentDef{
							ID:        afltypes.StatementId("s2"),
							FacetName: "charge_card",
							Args: map[string]ast.Expr{
								"receipt_id": ast.Reference{Sibling: "charge", Attr: "receipt_id"},
							},
						},
					},
				},
			}},
		}},
	}
}

func eventProgram() *ast.Program {
	return &ast.Program{
		Namespaces: []*ast.Namespace{{
			Name: "root",
			EventFacets: []*ast.EventFacetDef{
				{FacetDef: ast.FacetDef{Name: "await_approval"}},
			},
			Workflows: []*ast.WorkflowDef{{
				Name: "approve_order",
				Root: &ast.BlockDef{
					ID:         afltypes.StatementId("root"),
					ObjectType: afltypes.AndThen,
					Statements: []ast.StatementDef{
						&ast.VariableAssignmentDef{
							ID:        afltypes.StatementId("s1"),
							Name:      "approval",
							FacetName: "await_approval",
						},
					},
				},
			}},
		}},
	}
}

func TestRunChainsSiblingReferenceThroughToYield(t *testing.T) {
	ctx := context.Background()
	port := memory.New()
	ev := New(port, chainProgram())

	workflowID := afltypes.NewWorkflowId()
	_, err := ev.Bootstrap(ctx, workflowID, "charge_and_yield", map[string]any{"amount": 100.0})
	require.NoError(t, err)

	state, err := ev.Run(ctx, workflowID)
	require.NoError(t, err)
	assert.Equal(t, entities.RunnerCompleted, state, "charge_card is not an event facet, so both statements pass through EventTransmit and the workflow completes in one run")
}

func TestEventTransmitCreatesEventAndTaskThenBlocks(t *testing.T) {
	ctx := context.Background()
	port := memory.New()
	ev := New(port, eventProgram())

	workflowID := afltypes.NewWorkflowId()
	_, err := ev.Bootstrap(ctx, workflowID, "approve_order", nil)
	require.NoError(t, err)

	state, err := ev.Run(ctx, workflowID)
	require.NoError(t, err)
	assert.Equal(t, entities.RunnerPaused, state)

	steps, err := port.GetStepsByWorkflow(ctx, workflowID)
	require.NoError(t, err)

	var eventStep *afltypes.StepId
	for _, s := range steps {
		if s.FacetName == "await_approval" {
			id := s.ID
			eventStep = &id
		}
	}
	require.NotNil(t, eventStep, "the event-facet step must be materialized")

	events, err := port.GetEventsByWorkflow(ctx, workflowID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, states.EventCreated, events[0].State)
	assert.Equal(t, *eventStep, events[0].StepID)

	tasks, err := port.GetPendingTasks(ctx, "default")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "await_approval", tasks[0].Name)
	assert.Equal(t, "await_approval", tasks[0].Data["_facet_name"])
}

func TestContinueStepUnblocksEventTransmitAndCompletesWorkflow(t *testing.T) {
	ctx := context.Background()
	port := memory.New()
	ev := New(port, eventProgram())

	workflowID := afltypes.NewWorkflowId()
	_, err := ev.Bootstrap(ctx, workflowID, "approve_order", nil)
	require.NoError(t, err)

	state, err := ev.Run(ctx, workflowID)
	require.NoError(t, err)
	require.Equal(t, entities.RunnerPaused, state)

	steps, err := port.GetStepsByWorkflow(ctx, workflowID)
	require.NoError(t, err)
	var stepID afltypes.StepId
	for _, s := range steps {
		if s.FacetName == "await_approval" {
			stepID = s.ID
		}
	}
	require.NotEmpty(t, stepID)

	// ContinueStep alone only stages the step's returns and requests its
	// next advance; handleEventTransmit gates purely on the Event's own
	// state, so unblocking it requires moving the Event to EventCompleted
	// too — exactly what the Agent Poller's completeStep does once a
	// handler finishes.
	require.NoError(t, ev.ContinueStep(ctx, stepID, map[string]any{"decision": "approved"}))

	ev2, err := port.GetEventByStep(ctx, stepID)
	require.NoError(t, err)
	require.NotNil(t, ev2)
	ev2.State = states.EventCompleted
	ev2.Payload = map[string]any{"decision": "approved"}
	require.NoError(t, port.SaveEvent(ctx, ev2))

	state, err = ev.Run(ctx, workflowID)
	require.NoError(t, err)
	assert.Equal(t, entities.RunnerCompleted, state)
}

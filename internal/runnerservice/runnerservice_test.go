package runnerservice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlemke/agentflow/internal/afltypes"
	"github.com/rlemke/agentflow/internal/ast"
	"github.com/rlemke/agentflow/internal/entities"
	"github.com/rlemke/agentflow/internal/persistence/memory"
)

// trivialProgram yields its only input straight back out, the minimal
// compiled program that still exercises a full execute/resume pass.
func trivialProgram() *ast.Program {
	return &ast.Program{
		Namespaces: []*ast.Namespace{
			{
				Name: "root",
				Workflows: []*ast.WorkflowDef{
					{
						Name: "echo",
						Root: &ast.BlockDef{
							ID:         afltypes.StatementId("root"),
							ObjectType: afltypes.AndThen,
							Statements: []ast.StatementDef{
								&ast.YieldAssignmentDef{
									ID:        afltypes.StatementId("y1"),
									FacetName: "echo",
									Args: map[string]ast.Expr{
										"value": ast.Reference{Attr: "value"},
									},
								},
							},
						},
					},
				},
			},
		},
	}
}

func TestEvaluatorForFlowCachesPerFlowID(t *testing.T) {
	ctx := context.Background()
	port := memory.New()
	program := trivialProgram()
	data, err := ast.MarshalProgram(program)
	require.NoError(t, err)

	flow := &entities.Flow{ID: afltypes.NewID(), Name: "echo", CompiledAST: data}
	require.NoError(t, port.SaveFlow(ctx, flow))

	svc := New(port, Config{TaskList: "default"}, nil)

	ev1, err := svc.evaluatorForFlow(ctx, flow.ID)
	require.NoError(t, err)
	require.NotNil(t, ev1)

	ev2, err := svc.evaluatorForFlow(ctx, flow.ID)
	require.NoError(t, err)
	assert.Same(t, ev1, ev2, "a second lookup for the same flow must reuse the cached evaluator")
}

func TestEvaluatorForFlowMissingFlowErrors(t *testing.T) {
	svc := New(memory.New(), Config{TaskList: "default"}, nil)
	_, err := svc.evaluatorForFlow(context.Background(), "does-not-exist")
	assert.Error(t, err)
}

func TestHandleTaskDrivesWorkflowToCompletion(t *testing.T) {
	ctx := context.Background()
	port := memory.New()
	program := trivialProgram()
	data, err := ast.MarshalProgram(program)
	require.NoError(t, err)

	flow := &entities.Flow{ID: afltypes.NewID(), Name: "echo", CompiledAST: data}
	require.NoError(t, port.SaveFlow(ctx, flow))

	svc := New(port, Config{TaskList: "default"}, nil)

	workflowID := afltypes.NewWorkflowId()
	require.NoError(t, port.SaveWorkflow(ctx, &entities.Workflow{ID: workflowID, FlowID: flow.ID, Name: "echo"}))

	eval, err := svc.evaluatorForFlow(ctx, flow.ID)
	require.NoError(t, err)
	_, err = eval.Bootstrap(ctx, workflowID, "echo", map[string]any{"value": "hello"})
	require.NoError(t, err)

	runner := &entities.Runner{
		ID:         afltypes.NewID(),
		WorkflowID: workflowID,
		FlowID:     flow.ID,
		State:      entities.RunnerCreated,
	}
	require.NoError(t, port.SaveRunner(ctx, runner))

	task := &entities.Task{
		ID:         afltypes.NewID(),
		Name:       entities.TaskExecute,
		RunnerID:   runner.ID,
		WorkflowID: workflowID,
		FlowID:     flow.ID,
		TaskList:   "default",
		State:      entities.TaskRunning,
	}
	require.NoError(t, port.SaveTask(ctx, task))

	svc.handleTask(ctx, task)

	gotTask, err := port.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.TaskCompleted, gotTask.State)

	gotRunner, err := port.GetRunner(ctx, runner.ID)
	require.NoError(t, err)
	assert.True(t, gotRunner.State.IsTerminal())
}

func TestHandleTaskUnknownFlowFailsTaskWithoutPanicking(t *testing.T) {
	ctx := context.Background()
	port := memory.New()
	svc := New(port, Config{TaskList: "default"}, nil)

	task := &entities.Task{
		ID:         afltypes.NewID(),
		Name:       entities.TaskExecute,
		RunnerID:   afltypes.NewID(),
		WorkflowID: afltypes.NewWorkflowId(),
		FlowID:     "missing-flow",
		TaskList:   "default",
		State:      entities.TaskRunning,
	}
	require.NoError(t, port.SaveTask(ctx, task))

	svc.handleTask(ctx, task)

	gotTask, err := port.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.TaskFailed, gotTask.State)
	assert.NotEmpty(t, gotTask.Error)
}

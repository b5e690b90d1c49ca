package evaluator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlemke/agentflow/internal/afltypes"
	"github.com/rlemke/agentflow/internal/ast"
	"github.com/rlemke/agentflow/internal/persistence/memory"
	"github.com/rlemke/agentflow/internal/step"
)

func TestResolveScriptEvaluatesAgainstSiblingsAndParams(t *testing.T) {
	port := memory.New()
	ev := New(port, &ast.Program{})
	ctx := context.Background()
	workflowID := afltypes.WorkflowId("wf-1")

	root := step.New(workflowID, afltypes.Workflow, "charge_then_notify")
	root.RootID = root.ID
	root.Attributes.SetParam("amount", 150, afltypes.TypeLong)
	require.NoError(t, port.SaveStep(ctx, root))

	container := step.New(workflowID, afltypes.AndMatch, "")
	container.ContainerID = root.ID
	container.RootID = root.ID
	require.NoError(t, port.SaveStep(ctx, container))

	charge := step.New(workflowID, afltypes.VariableAssignment, "charge")
	charge.ContainerID = root.ID
	charge.RootID = root.ID
	charge.StatementName = "charge"
	charge.Attributes.SetReturn("status", "declined", afltypes.TypeString)
	require.NoError(t, port.SaveStep(ctx, charge))

	it, err := ev.newIteration(ctx, workflowID)
	require.NoError(t, err)

	declined, err := it.resolveScript(container, ast.Script{Source: `charge.status == "declined"`})
	require.NoError(t, err)
	assert.Equal(t, true, declined)

	approved, err := it.resolveScript(container, ast.Script{Source: `charge.status == "approved"`})
	require.NoError(t, err)
	assert.Equal(t, false, approved)

	overLimit, err := it.resolveScript(container, ast.Script{Source: `$.amount > 100`})
	require.NoError(t, err)
	assert.Equal(t, true, overLimit)
}

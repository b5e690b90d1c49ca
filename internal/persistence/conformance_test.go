package persistence_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlemke/agentflow/internal/afltypes"
	"github.com/rlemke/agentflow/internal/entities"
	"github.com/rlemke/agentflow/internal/persistence"
	"github.com/rlemke/agentflow/internal/persistence/memory"
	"github.com/rlemke/agentflow/internal/persistence/sqlite"
	"github.com/rlemke/agentflow/internal/states"
	"github.com/rlemke/agentflow/internal/step"
)

// backends is the shared table every conformance case below runs against,
// grounded on the host's table-driven backend-conformance suites.
func backends(t *testing.T) map[string]persistence.Port {
	t.Helper()
	sqliteBackend, err := sqlite.New(sqlite.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteBackend.Close() })

	return map[string]persistence.Port{
		"memory": memory.New(),
		"sqlite": sqliteBackend,
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, port persistence.Port)) {
	for name, port := range backends(t) {
		port := port
		t.Run(name, func(t *testing.T) {
			fn(t, port)
		})
	}
}

func TestRunnerByWorkflowRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, port persistence.Port) {
		ctx := context.Background()
		workflowID := afltypes.NewWorkflowId()

		got, err := port.GetRunnerByWorkflow(ctx, workflowID)
		require.NoError(t, err)
		assert.Nil(t, got)

		runner := &entities.Runner{
			ID:         afltypes.NewID(),
			WorkflowID: workflowID,
			FlowID:     afltypes.NewID(),
			State:      entities.RunnerRunning,
		}
		require.NoError(t, port.SaveRunner(ctx, runner))

		got, err = port.GetRunnerByWorkflow(ctx, workflowID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, runner.ID, got.ID)

		other, err := port.GetRunnerByWorkflow(ctx, afltypes.NewWorkflowId())
		require.NoError(t, err)
		assert.Nil(t, other)
	})
}

func TestStepExistsIdempotency(t *testing.T) {
	forEachBackend(t, func(t *testing.T, port persistence.Port) {
		ctx := context.Background()
		workflowID := afltypes.NewWorkflowId()
		statementID := afltypes.StatementId(afltypes.NewID())
		blockID := afltypes.BlockId(afltypes.NewID())

		exists, err := port.StepExists(ctx, statementID, blockID)
		require.NoError(t, err)
		assert.False(t, exists)

		s := step.New(workflowID, afltypes.Facet, "noop")
		s.StatementID = statementID
		s.BlockID = blockID
		require.NoError(t, port.SaveStep(ctx, s))

		exists, err = port.StepExists(ctx, statementID, blockID)
		require.NoError(t, err)
		assert.True(t, exists)
	})
}

func TestClaimTaskSingleWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, port persistence.Port) {
		ctx := context.Background()
		task := &entities.Task{
			ID:       afltypes.NewID(),
			Name:     "send_email",
			TaskList: "default",
			State:    entities.TaskPending,
		}
		require.NoError(t, port.SaveTask(ctx, task))

		const winners = 20
		var wg sync.WaitGroup
		claimed := make([]*entities.Task, winners)
		for i := 0; i < winners; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				got, err := port.ClaimTask(ctx, []string{"send_email"}, "default")
				assert.NoError(t, err)
				claimed[i] = got
			}(i)
		}
		wg.Wait()

		var wins int
		for _, c := range claimed {
			if c != nil {
				wins++
			}
		}
		assert.Equal(t, 1, wins, "exactly one caller must claim the task")

		again, err := port.ClaimTask(ctx, []string{"send_email"}, "default")
		require.NoError(t, err)
		assert.Nil(t, again, "a claimed task must not be claimable again")
	})
}

func TestClaimTaskRespectsTaskListAndNames(t *testing.T) {
	forEachBackend(t, func(t *testing.T, port persistence.Port) {
		ctx := context.Background()
		require.NoError(t, port.SaveTask(ctx, &entities.Task{
			ID: afltypes.NewID(), Name: "send_email", TaskList: "other", State: entities.TaskPending,
		}))
		require.NoError(t, port.SaveTask(ctx, &entities.Task{
			ID: afltypes.NewID(), Name: "send_sms", TaskList: "default", State: entities.TaskPending,
		}))

		got, err := port.ClaimTask(ctx, []string{"send_email"}, "default")
		require.NoError(t, err)
		assert.Nil(t, got, "wrong task-list and wrong name must both be excluded")
	})
}

func TestEventStateUpdateRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, port persistence.Port) {
		ctx := context.Background()
		workflowID := afltypes.NewWorkflowId()
		s := step.New(workflowID, afltypes.Facet, "approve")
		require.NoError(t, port.SaveStep(ctx, s))

		ev := &entities.Event{
			ID:         afltypes.NewID(),
			StepID:     s.ID,
			WorkflowID: workflowID,
			State:      states.EventCreated,
			EventType:  "approve",
		}
		require.NoError(t, port.SaveEvent(ctx, ev))

		ev.State = states.EventCompleted
		require.NoError(t, port.SaveEvent(ctx, ev))

		got, err := port.GetEvent(ctx, ev.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, states.EventCompleted, got.State)
	})
}

func TestGetEventByStepFindsTheAssociatedEvent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, port persistence.Port) {
		ctx := context.Background()
		workflowID := afltypes.NewWorkflowId()
		s := step.New(workflowID, afltypes.Facet, "approve")
		require.NoError(t, port.SaveStep(ctx, s))

		none, err := port.GetEventByStep(ctx, s.ID)
		require.NoError(t, err)
		assert.Nil(t, none, "a step with no Event yet must return nil, not an error")

		ev := &entities.Event{
			ID:         afltypes.NewID(),
			StepID:     s.ID,
			WorkflowID: workflowID,
			State:      states.EventCreated,
			EventType:  "approve",
		}
		require.NoError(t, port.SaveEvent(ctx, ev))

		got, err := port.GetEventByStep(ctx, s.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, ev.ID, got.ID)
		assert.Equal(t, states.EventCreated, got.State)
	})
}

func TestRunnerTerminalStateRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, port persistence.Port) {
		ctx := context.Background()
		r := &entities.Runner{
			ID:         afltypes.NewID(),
			WorkflowID: afltypes.NewWorkflowId(),
			FlowID:     afltypes.NewID(),
			State:      entities.RunnerCompleted,
		}
		require.NoError(t, port.SaveRunner(ctx, r))

		got, err := port.GetRunner(ctx, r.ID)
		require.NoError(t, err)
		assert.True(t, got.State.IsTerminal())
	})
}

func TestHandlerRegistrationCRUD(t *testing.T) {
	forEachBackend(t, func(t *testing.T, port persistence.Port) {
		ctx := context.Background()
		reg := &entities.HandlerRegistration{
			FacetName:  "send_email",
			ModuleURI:  "mvn:com.example:email-handler:1.0.0",
			Entrypoint: "com.example.EmailHandler",
			TimeoutMS:  30000,
		}
		require.NoError(t, port.SaveHandlerRegistration(ctx, reg))

		got, err := port.GetHandlerRegistration(ctx, "send_email")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, reg.ModuleURI, got.ModuleURI)

		all, err := port.ListHandlerRegistrations(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)

		deleted, err := port.DeleteHandlerRegistration(ctx, "send_email")
		require.NoError(t, err)
		assert.True(t, deleted)

		got, err = port.GetHandlerRegistration(ctx, "send_email")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestLockAcquireReleaseExtend(t *testing.T) {
	forEachBackend(t, func(t *testing.T, port persistence.Port) {
		ctx := context.Background()
		ok, err := port.AcquireLock(ctx, "artifact:com.example:handler:1.0.0", 5000, nil)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = port.AcquireLock(ctx, "artifact:com.example:handler:1.0.0", 5000, nil)
		require.NoError(t, err)
		assert.False(t, ok, "a held lock must reject a second acquire")

		extended, err := port.ExtendLock(ctx, "artifact:com.example:handler:1.0.0", 5000)
		require.NoError(t, err)
		assert.True(t, extended)

		released, err := port.ReleaseLock(ctx, "artifact:com.example:handler:1.0.0")
		require.NoError(t, err)
		assert.True(t, released)

		ok, err = port.AcquireLock(ctx, "artifact:com.example:handler:1.0.0", 5000, nil)
		require.NoError(t, err)
		assert.True(t, ok, "a released lock must be re-acquirable")
	})
}

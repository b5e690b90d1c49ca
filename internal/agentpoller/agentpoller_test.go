package agentpoller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlemke/agentflow/internal/afltypes"
	"github.com/rlemke/agentflow/internal/entities"
	"github.com/rlemke/agentflow/internal/persistence/memory"
	"github.com/rlemke/agentflow/internal/registry"
	"github.com/rlemke/agentflow/internal/states"
	"github.com/rlemke/agentflow/internal/step"
)

func newTestPoller(t *testing.T) (*Poller, *memory.Backend) {
	t.Helper()
	port := memory.New()
	reg := registry.New(port)
	inproc := registry.NewInProcessDispatch()
	p := New(port, reg, inproc, Config{
		TaskList:       "default",
		PollInterval:   10 * time.Millisecond,
		DefaultTimeout: time.Second,
	}, nil)
	return p, port
}

func TestServedFacetsUnionsRegistryAndInProcess(t *testing.T) {
	p, port := newTestPoller(t)
	ctx := context.Background()

	require.NoError(t, port.SaveHandlerRegistration(ctx, &entities.HandlerRegistration{
		FacetName: "send_email",
		ModuleURI: "mvn:com.example:email-handler:1.0.0",
	}))
	require.NoError(t, p.registry.Refresh(ctx))
	p.inproc.Register("approve", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, nil
	})

	names := p.servedFacets()
	assert.Contains(t, names, "send_email")
	assert.Contains(t, names, "approve")
}

func TestServedFacetsFiltersByTopicGlob(t *testing.T) {
	p, port := newTestPoller(t)
	ctx := context.Background()

	require.NoError(t, port.SaveHandlerRegistration(ctx, &entities.HandlerRegistration{
		FacetName: "billing:charge",
		ModuleURI: "mvn:com.example:billing-handler:1.0.0",
	}))
	require.NoError(t, port.SaveHandlerRegistration(ctx, &entities.HandlerRegistration{
		FacetName: "shipping:dispatch",
		ModuleURI: "mvn:com.example:shipping-handler:1.0.0",
	}))
	require.NoError(t, p.registry.Refresh(ctx))
	p.inproc.Register("billing:refund", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, nil
	})
	p.cfg.Topics = []string{"billing:*"}

	names := p.servedFacets()
	assert.ElementsMatch(t, []string{"billing:charge", "billing:refund"}, names)
}

func TestProcessInProcessSuccessCompletesStepAndEnqueuesResume(t *testing.T) {
	p, port := newTestPoller(t)
	ctx := context.Background()

	workflowID := afltypes.NewWorkflowId()
	s := step.New(workflowID, afltypes.Facet, "approve")
	require.NoError(t, port.SaveStep(ctx, s))

	runner := &entities.Runner{
		ID:         afltypes.NewID(),
		WorkflowID: workflowID,
		FlowID:     afltypes.NewID(),
		State:      entities.RunnerRunning,
	}
	require.NoError(t, port.SaveRunner(ctx, runner))

	p.inproc.Register("approve", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"decision": "approved"}, nil
	})

	task := &entities.Task{
		ID:         afltypes.NewID(),
		Name:       "approve",
		WorkflowID: workflowID,
		StepID:     s.ID,
		TaskList:   "default",
		State:      entities.TaskRunning,
		Data:       map[string]any{"_facet_name": "approve"},
	}
	require.NoError(t, port.SaveTask(ctx, task))

	p.process(ctx, task)

	gotTask, err := port.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, gotTask)
	assert.Equal(t, entities.TaskCompleted, gotTask.State)

	gotStep, err := port.GetStep(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, gotStep)
	assert.Equal(t, "approved", gotStep.Attributes.GetReturn("decision"))
	assert.True(t, gotStep.IsRequestingStateChange())

	resumes, err := port.GetPendingTasks(ctx, "default")
	require.NoError(t, err)
	var found bool
	for _, rt := range resumes {
		if rt.Name == entities.TaskResume && rt.WorkflowID == workflowID {
			found = true
			assert.Equal(t, runner.ID, rt.RunnerID)
		}
	}
	assert.True(t, found, "a successful dispatch must enqueue an afl:resume task")
}

// TestProcessSuccessCompletesAssociatedEvent covers an event-facet step:
// handleEventTransmit only advances once the Event itself reaches a
// terminal state, so completeStep must move it there alongside the step.
func TestProcessSuccessCompletesAssociatedEvent(t *testing.T) {
	p, port := newTestPoller(t)
	ctx := context.Background()

	workflowID := afltypes.NewWorkflowId()
	s := step.New(workflowID, afltypes.Facet, "await_approval")
	require.NoError(t, port.SaveStep(ctx, s))
	require.NoError(t, port.SaveRunner(ctx, &entities.Runner{
		ID: afltypes.NewID(), WorkflowID: workflowID, FlowID: afltypes.NewID(), State: entities.RunnerRunning,
	}))
	require.NoError(t, port.SaveEvent(ctx, &entities.Event{
		ID: afltypes.NewID(), StepID: s.ID, WorkflowID: workflowID,
		State: states.EventCreated, EventType: "await_approval",
	}))

	p.inproc.Register("await_approval", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"decision": "approved"}, nil
	})

	task := &entities.Task{
		ID: afltypes.NewID(), Name: "await_approval", WorkflowID: workflowID, StepID: s.ID,
		TaskList: "default", State: entities.TaskRunning,
	}
	require.NoError(t, port.SaveTask(ctx, task))

	p.process(ctx, task)

	ev, err := port.GetEventByStep(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, states.EventCompleted, ev.State)
	assert.Equal(t, "approved", ev.Payload["decision"])
}

func TestProcessFailureMarksStepErroredAndStillResumes(t *testing.T) {
	p, port := newTestPoller(t)
	ctx := context.Background()

	workflowID := afltypes.NewWorkflowId()
	s := step.New(workflowID, afltypes.Facet, "approve")
	require.NoError(t, port.SaveStep(ctx, s))
	require.NoError(t, port.SaveRunner(ctx, &entities.Runner{
		ID: afltypes.NewID(), WorkflowID: workflowID, FlowID: afltypes.NewID(), State: entities.RunnerRunning,
	}))

	task := &entities.Task{
		ID: afltypes.NewID(), Name: "approve", WorkflowID: workflowID, StepID: s.ID,
		TaskList: "default", State: entities.TaskRunning,
	}
	require.NoError(t, port.SaveTask(ctx, task))

	// No in-process handler bound and no durable registration: dispatch
	// must fail with HandlerNotFoundError.
	p.process(ctx, task)

	gotTask, err := port.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.TaskFailed, gotTask.State)
	assert.NotEmpty(t, gotTask.Error)

	gotStep, err := port.GetStep(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, states.StatementError, gotStep.State)

	resumes, err := port.GetPendingTasks(ctx, "default")
	require.NoError(t, err)
	var found bool
	for _, rt := range resumes {
		if rt.Name == entities.TaskResume {
			found = true
		}
	}
	assert.True(t, found, "a failed dispatch must still enqueue an afl:resume so the runner re-evaluates")
}

// TestProcessFailureMarksAssociatedEventErrored mirrors the success-path
// Event wiring for the failure branch.
func TestProcessFailureMarksAssociatedEventErrored(t *testing.T) {
	p, port := newTestPoller(t)
	ctx := context.Background()

	workflowID := afltypes.NewWorkflowId()
	s := step.New(workflowID, afltypes.Facet, "await_approval")
	require.NoError(t, port.SaveStep(ctx, s))
	require.NoError(t, port.SaveRunner(ctx, &entities.Runner{
		ID: afltypes.NewID(), WorkflowID: workflowID, FlowID: afltypes.NewID(), State: entities.RunnerRunning,
	}))
	require.NoError(t, port.SaveEvent(ctx, &entities.Event{
		ID: afltypes.NewID(), StepID: s.ID, WorkflowID: workflowID,
		State: states.EventCreated, EventType: "await_approval",
	}))

	task := &entities.Task{
		ID: afltypes.NewID(), Name: "await_approval", WorkflowID: workflowID, StepID: s.ID,
		TaskList: "default", State: entities.TaskRunning,
	}
	require.NoError(t, port.SaveTask(ctx, task))

	// No handler bound, so dispatch fails.
	p.process(ctx, task)

	ev, err := port.GetEventByStep(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, states.EventError, ev.State)
}

func TestParseMavenURI(t *testing.T) {
	c, err := parseMavenURI("mvn:com.example:email-handler:1.2.3")
	require.NoError(t, err)
	assert.Equal(t, mavenCoordinate{Group: "com.example", Artifact: "email-handler", Version: "1.2.3"}, c)
	assert.Equal(t, "email-handler-1.2.3.jar", c.jarName())

	withClassifier, err := parseMavenURI("mvn:com.example:email-handler:1.2.3:linux-x86_64")
	require.NoError(t, err)
	assert.Equal(t, "linux-x86_64", withClassifier.Classifier)
	assert.Equal(t, "email-handler-1.2.3-linux-x86_64.jar", withClassifier.jarName())

	_, err = parseMavenURI("file:///opt/handlers/email.jar")
	assert.Error(t, err)

	_, err = parseMavenURI("mvn:com.example:email-handler")
	assert.Error(t, err)
}

func TestArtifactResolverLocalPath(t *testing.T) {
	r := newArtifactResolver("/var/cache/agentflow", "https://repo.example.com")
	c := mavenCoordinate{Group: "com.example.handlers", Artifact: "email-handler", Version: "1.0.0"}
	path := r.localPath(c)
	assert.Contains(t, path, "email-handler")
	assert.Contains(t, path, "1.0.0")
	assert.NotContains(t, path, "com.example.handlers")
}

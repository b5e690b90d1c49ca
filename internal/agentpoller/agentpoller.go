// Package agentpoller implements the Agent Poller daemon (spec.md §4.6):
// it claims domain facet tasks from the queue, dispatches them to a
// registered handler — either an in-process Go function or an artifact-
// backed subprocess — and on completion writes the result back onto the
// originating step and enqueues an afl:resume task so the Runner Service
// picks the workflow back up. Grounded on
// original_source/afl/runtime/maven_runner.py's poll/claim/dispatch cycle,
// generalized so an in-process handler never pays the subprocess cost.
package agentpoller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rlemke/agentflow/internal/afltypes"
	"github.com/rlemke/agentflow/internal/aflerr"
	"github.com/rlemke/agentflow/internal/entities"
	"github.com/rlemke/agentflow/internal/lock"
	"github.com/rlemke/agentflow/internal/log"
	"github.com/rlemke/agentflow/internal/persistence"
	"github.com/rlemke/agentflow/internal/registry"
	"github.com/rlemke/agentflow/internal/states"
	"github.com/rlemke/agentflow/internal/telemetry"
)

const daemonName = "agent-poller"

// Config configures one Agent Poller instance.
type Config struct {
	ServiceName             string
	ServerGroup             string
	TaskList                string
	PollInterval            time.Duration
	HeartbeatInterval       time.Duration
	RegistryRefreshInterval time.Duration
	Concurrency             int
	DefaultTimeout          time.Duration

	// Artifact execution, mirrored from config.AgentPoller.
	HandlerCacheDir       string
	ArtifactRepositoryURL string
	JavaCmd               string

	// Topics restricts servedFacets to registry/in-process names matching at
	// least one of these doublestar glob patterns (e.g. "billing:*"). Empty
	// means serve every facet this process knows about.
	Topics []string
}

// Poller polls for domain facet tasks and dispatches them to handlers.
type Poller struct {
	port     persistence.Port
	registry *registry.Registry
	inproc   *registry.InProcessDispatch
	locks    *lock.Manager
	cfg      Config
	logger   *slog.Logger

	serverID     string
	sem          chan struct{}
	lastRefresh  time.Time
	artifacts    *artifactResolver

	telemetry *telemetry.Provider
	tracer    trace.Tracer
}

// SetTelemetry attaches an OpenTelemetry provider, wrapping process in a
// span and recording task-lifecycle counters. Optional — nil-safe when
// never called.
func (p *Poller) SetTelemetry(t *telemetry.Provider) {
	p.telemetry = t
	if t != nil {
		p.tracer = t.Tracer("agentflow/agentpoller")
	}
}

// New constructs an Agent Poller. inproc may be nil if this process serves
// only artifact-backed handlers.
func New(port persistence.Port, reg *registry.Registry, inproc *registry.InProcessDispatch, cfg Config, logger *slog.Logger) *Poller {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.JavaCmd == "" {
		cfg.JavaCmd = "java"
	}
	if logger == nil {
		logger = log.New(log.FromEnv())
	}
	if inproc == nil {
		inproc = registry.NewInProcessDispatch()
	}
	return &Poller{
		port:     port,
		registry: reg,
		inproc:   inproc,
		locks:    lock.New(port),
		cfg:      cfg,
		logger:   logger,
		serverID: afltypes.NewID(),
		sem:      make(chan struct{}, cfg.Concurrency),
		artifacts: newArtifactResolver(cfg.HandlerCacheDir, cfg.ArtifactRepositoryURL),
	}
}

// Run refreshes the registry, registers this instance as a Server, and
// polls for domain facet tasks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.registry.Refresh(ctx); err != nil {
		return fmt.Errorf("initial registry refresh: %w", err)
	}
	p.lastRefresh = time.Now()

	server := &entities.Server{
		ID:          p.serverID,
		ServerGroup: p.cfg.ServerGroup,
		ServiceName: p.cfg.ServiceName,
		StartTime:   time.Now(),
		State:       entities.ServerRunning,
		Handlers:    p.servedFacets(),
	}
	if err := p.port.SaveServer(ctx, server); err != nil {
		return fmt.Errorf("register server: %w", err)
	}

	heartbeat := time.NewTicker(p.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(p.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return p.shutdown(context.Background())
		case <-heartbeat.C:
			if err := p.port.TouchServerPing(ctx, p.serverID); err != nil {
				p.logger.Warn("heartbeat failed", log.Error(err))
			}
		case <-poll.C:
			p.maybeRefreshRegistry(ctx)
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) shutdown(ctx context.Context) error {
	server, err := p.port.GetServer(ctx, p.serverID)
	if err != nil || server == nil {
		return err
	}
	server.State = entities.ServerShutdown
	return p.port.SaveServer(ctx, server)
}

func (p *Poller) maybeRefreshRegistry(ctx context.Context) {
	if p.cfg.RegistryRefreshInterval <= 0 || time.Since(p.lastRefresh) < p.cfg.RegistryRefreshInterval {
		return
	}
	if err := p.registry.Refresh(ctx); err != nil {
		p.logger.Warn("registry refresh failed", log.Error(err))
		return
	}
	p.lastRefresh = time.Now()
}

// servedFacets is the union of durably registered facets and in-process
// bindings — everything this process is prepared to claim a task for —
// narrowed to the names matching p.cfg.Topics when that list is non-empty
// (spec.md §4.6 step 1).
func (p *Poller) servedFacets() []string {
	names := p.registry.Names()
	names = append(names, p.inproc.Names()...)
	if len(p.cfg.Topics) == 0 {
		return names
	}
	var filtered []string
	for _, name := range names {
		if p.matchesTopic(name) {
			filtered = append(filtered, name)
		}
	}
	return filtered
}

// matchesTopic reports whether name matches at least one of p.cfg.Topics,
// each a doublestar glob pattern (e.g. "billing:*", "**:invoice"). An
// unparseable pattern never matches rather than erroring the poller loop.
func (p *Poller) matchesTopic(name string) bool {
	for _, pattern := range p.cfg.Topics {
		ok, err := doublestar.Match(pattern, name)
		if err != nil {
			p.logger.Warn("invalid topic pattern", slog.String("pattern", pattern), log.Error(err))
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

func (p *Poller) pollOnce(ctx context.Context) {
	names := p.servedFacets()
	if len(names) == 0 {
		return
	}
	for {
		select {
		case p.sem <- struct{}{}:
		default:
			return // at capacity
		}

		task, err := p.port.ClaimTask(ctx, names, p.cfg.TaskList)
		if err != nil {
			p.logger.Error("claim task failed", log.Error(err))
			<-p.sem
			return
		}
		if task == nil {
			<-p.sem
			return
		}

		go func() {
			defer func() { <-p.sem }()
			p.process(ctx, task)
		}()
	}
}

// process dispatches one claimed domain facet task to its handler and
// reports the outcome back through persistence, per spec.md §4.6 steps 3-5.
func (p *Poller) process(ctx context.Context, task *entities.Task) {
	logger := log.WithTaskContext(log.WithFacet(p.logger, task.Name), task.ID, "")

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "agent_poller.process")
		defer span.End()
		p.telemetry.Metrics().IncClaimed(ctx, daemonName)
		defer func() {
			if task.State == entities.TaskFailed {
				span.SetStatus(codes.Error, task.Error)
				p.telemetry.Metrics().IncFailed(ctx, daemonName)
			} else if task.State == entities.TaskCompleted {
				p.telemetry.Metrics().IncCompleted(ctx, daemonName)
			}
		}()
	}

	returns, err := p.dispatch(ctx, task)
	if err != nil {
		logger.Error("handler failed", log.Error(err))
		p.failTask(ctx, task, err)
		return
	}

	if err := p.completeStep(ctx, task.StepID, returns); err != nil {
		logger.Error("complete step failed", log.Error(err))
		p.failTask(ctx, task, err)
		return
	}

	task.State = entities.TaskCompleted
	if err := p.port.SaveTask(ctx, task); err != nil {
		logger.Error("save completed task failed", log.Error(err))
		return
	}
	if err := p.enqueueResume(ctx, task); err != nil {
		logger.Error("enqueue resume task failed", log.Error(err))
	}
}

// dispatch routes a task to its handler: an in-process Go function if one
// is bound, otherwise the durable HandlerRegistration (subprocess
// execution for mvn: URIs).
func (p *Poller) dispatch(ctx context.Context, task *entities.Task) (map[string]any, error) {
	if p.inproc.Has(task.Name) {
		timeout := p.cfg.DefaultTimeout
		dctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		returns, err := p.inproc.Dispatch(dctx, task.Name, task.Data)
		if err != nil {
			return nil, &aflerr.HandlerError{FacetName: task.Name, Cause: err}
		}
		return returns, nil
	}

	reg, err := p.registry.Lookup(ctx, task.Name)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, &aflerr.HandlerNotFoundError{FacetName: task.Name}
	}
	return p.dispatchArtifact(ctx, reg, task)
}

func (p *Poller) failTask(ctx context.Context, task *entities.Task, cause error) {
	task.State = entities.TaskFailed
	task.Error = cause.Error()
	if err := p.port.SaveTask(ctx, task); err != nil {
		p.logger.Error("save failed task failed", log.Error(err))
	}
	if err := p.failStep(ctx, task.StepID, cause); err != nil {
		p.logger.Error("mark step errored failed", log.Error(err))
	}
	if err := p.enqueueResume(ctx, task); err != nil {
		p.logger.Error("enqueue resume after failure failed", log.Error(err))
	}
}

// completeStep writes a handler's returns onto the originating step and
// requests its next advance, and — if the step is an event-facet step
// blocked at EventTransmit — transitions its Event record to Completed too:
// handleEventTransmit only reads the Event's own state to decide whether to
// advance, not the step's RequestStateChange flag, so both must move
// together for the step to actually unblock.
func (p *Poller) completeStep(ctx context.Context, stepID afltypes.StepId, returns map[string]any) error {
	s, err := p.port.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if s == nil || s.IsTerminal() {
		return nil
	}
	for name, value := range returns {
		s.Attributes.SetReturn(name, value, afltypes.TypeAny)
	}
	s.RequestStateChange(true)
	if err := p.port.SaveStep(ctx, s); err != nil {
		return err
	}
	return p.completeEvent(ctx, stepID, returns)
}

// failStep marks the originating step errored in place, mirroring
// maven_runner.py's evaluator.fail_step, and moves any associated Event to
// its own terminal error state for the same reason completeStep does.
func (p *Poller) failStep(ctx context.Context, stepID afltypes.StepId, cause error) error {
	s, err := p.port.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if s == nil || s.IsTerminal() {
		return nil
	}
	s.MarkError(cause)
	if err := p.port.SaveStep(ctx, s); err != nil {
		return err
	}
	return p.failEvent(ctx, stepID)
}

// completeEvent and failEvent are no-ops for steps with no associated Event
// (ordinary, non-event facet dispatch never has one).
func (p *Poller) completeEvent(ctx context.Context, stepID afltypes.StepId, payload map[string]any) error {
	ev, err := p.port.GetEventByStep(ctx, stepID)
	if err != nil || ev == nil {
		return err
	}
	ev.State = states.EventCompleted
	ev.Payload = payload
	return p.port.SaveEvent(ctx, ev)
}

func (p *Poller) failEvent(ctx context.Context, stepID afltypes.StepId) error {
	ev, err := p.port.GetEventByStep(ctx, stepID)
	if err != nil || ev == nil {
		return err
	}
	ev.State = states.EventError
	return p.port.SaveEvent(ctx, ev)
}

// enqueueResume creates an afl:resume control task for the runner owning
// task's workflow, so the next Runner Service poll drives the workflow
// forward from its now-unblocked step.
func (p *Poller) enqueueResume(ctx context.Context, task *entities.Task) error {
	runner, err := p.port.GetRunnerByWorkflow(ctx, task.WorkflowID)
	if err != nil {
		return err
	}
	if runner == nil {
		return fmt.Errorf("agentpoller: no runner found for workflow %s", task.WorkflowID)
	}
	resume := &entities.Task{
		ID:         afltypes.NewID(),
		Name:       entities.TaskResume,
		RunnerID:   runner.ID,
		WorkflowID: task.WorkflowID,
		FlowID:     runner.FlowID,
		StepID:     task.StepID,
		TaskList:   p.cfg.TaskList,
		State:      entities.TaskPending,
		DataType:   "resume",
	}
	return p.port.SaveTask(ctx, resume)
}

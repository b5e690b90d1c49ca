// Package runnerservice implements the Runner Service daemon (spec.md
// §4.5): it claims afl:execute and afl:resume control tasks, drives the
// Evaluator for the named workflow to completion or a blocking point,
// updates the Runner record, and heartbeats its own liveness as a Server.
// Grounded on the host's daemon worker-pool / poll-loop pattern, generalized
// from an HTTP poller to a persistence.Port task queue consumer.
package runnerservice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rlemke/agentflow/internal/afltypes"
	"github.com/rlemke/agentflow/internal/ast"
	"github.com/rlemke/agentflow/internal/entities"
	"github.com/rlemke/agentflow/internal/evaluator"
	"github.com/rlemke/agentflow/internal/log"
	"github.com/rlemke/agentflow/internal/persistence"
	"github.com/rlemke/agentflow/internal/telemetry"
)

const daemonName = "runner-service"

// Config configures one Runner Service instance.
type Config struct {
	ServiceName  string
	ServerGroup  string
	TaskList     string
	PollInterval time.Duration
	HeartbeatInterval time.Duration
	Concurrency  int
}

// Service polls for execute/resume tasks and drives workflows to
// completion or a blocking point using a per-flow Evaluator.
type Service struct {
	port   persistence.Port
	cfg    Config
	logger *slog.Logger

	serverID string
	sem      chan struct{}

	evalMu    sync.Mutex
	evaluators map[string]*evaluator.Evaluator // keyed by flow id

	telemetry *telemetry.Provider
	tracer    trace.Tracer
}

// SetTelemetry attaches an OpenTelemetry provider, wrapping handleTask in a
// span and recording task-lifecycle counters. Optional — nil-safe when
// never called, so telemetry stays opt-in per SPEC_FULL.md §4.9.
func (s *Service) SetTelemetry(p *telemetry.Provider) {
	s.telemetry = p
	if p != nil {
		s.tracer = p.Tracer("agentflow/runnerservice")
	}
}

// New constructs a Runner Service backed by port. Each claimed task's Flow
// is loaded and decoded on first use and cached for the process lifetime —
// flows are read-only once published (spec.md §3).
func New(port persistence.Port, cfg Config, logger *slog.Logger) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = log.New(log.FromEnv())
	}
	return &Service{
		port:       port,
		cfg:        cfg,
		logger:     logger,
		serverID:   afltypes.NewID(),
		sem:        make(chan struct{}, cfg.Concurrency),
		evaluators: make(map[string]*evaluator.Evaluator),
	}
}

// evaluatorForFlow returns the cached Evaluator for flowID, decoding and
// building one from the Flow's compiled AST on first use.
func (s *Service) evaluatorForFlow(ctx context.Context, flowID string) (*evaluator.Evaluator, error) {
	s.evalMu.Lock()
	defer s.evalMu.Unlock()
	if ev, ok := s.evaluators[flowID]; ok {
		return ev, nil
	}

	flow, err := s.port.GetFlow(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("load flow %s: %w", flowID, err)
	}
	if flow == nil {
		return nil, fmt.Errorf("flow %s not found", flowID)
	}
	program, err := ast.UnmarshalProgram(flow.CompiledAST)
	if err != nil {
		return nil, fmt.Errorf("decode flow %s: %w", flowID, err)
	}
	ev := evaluator.New(s.port, program)
	s.evaluators[flowID] = ev
	return ev, nil
}

// Run registers this instance as a Server and polls for control tasks
// until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	server := &entities.Server{
		ID:          s.serverID,
		ServerGroup: s.cfg.ServerGroup,
		ServiceName: s.cfg.ServiceName,
		StartTime:   time.Now(),
		State:       entities.ServerRunning,
		Handlers:    []string{entities.TaskExecute, entities.TaskResume},
	}
	if err := s.port.SaveServer(ctx, server); err != nil {
		return fmt.Errorf("register server: %w", err)
	}

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.shutdown(context.Background())
		case <-heartbeat.C:
			if err := s.port.TouchServerPing(ctx, s.serverID); err != nil {
				s.logger.Warn("heartbeat failed", log.Error(err))
			}
		case <-poll.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *Service) shutdown(ctx context.Context) error {
	server, err := s.port.GetServer(ctx, s.serverID)
	if err != nil || server == nil {
		return err
	}
	server.State = entities.ServerShutdown
	return s.port.SaveServer(ctx, server)
}

func (s *Service) pollOnce(ctx context.Context) {
	select {
	case s.sem <- struct{}{}:
	default:
		return // at capacity this tick
	}

	task, err := s.port.ClaimTask(ctx, []string{entities.TaskExecute, entities.TaskResume}, s.cfg.TaskList)
	if err != nil {
		s.logger.Error("claim task failed", log.Error(err))
		<-s.sem
		return
	}
	if task == nil {
		<-s.sem
		return
	}

	go func() {
		defer func() { <-s.sem }()
		s.handleTask(ctx, task)
	}()
}

func (s *Service) handleTask(ctx context.Context, task *entities.Task) {
	logger := log.WithTaskContext(log.WithRunnerContext(s.logger, task.RunnerID, task.WorkflowID), task.ID, "")
	logger.Info("claimed control task", slog.String("name", task.Name))

	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "runner_service.handle_task")
		defer span.End()
		s.telemetry.Metrics().IncClaimed(ctx, daemonName)
		defer func() {
			if task.State == entities.TaskFailed {
				span.SetStatus(codes.Error, task.Error)
				s.telemetry.Metrics().IncFailed(ctx, daemonName)
			} else if task.State == entities.TaskCompleted {
				s.telemetry.Metrics().IncCompleted(ctx, daemonName)
			}
		}()
	}

	runner, err := s.port.GetRunner(ctx, task.RunnerID)
	if err != nil {
		task.State = entities.TaskFailed
		task.Error = err.Error()
		if saveErr := s.port.SaveTask(ctx, task); saveErr != nil {
			logger.Error("save task result failed", log.Error(saveErr))
		}
		logger.Error("load runner failed", log.Error(err))
		return
	}
	if runner != nil && runner.State == entities.RunnerCancelled {
		task.State = entities.TaskIgnored
		if err := s.port.SaveTask(ctx, task); err != nil {
			logger.Error("save ignored task failed", log.Error(err))
		}
		logger.Info("ignoring task for cancelled runner")
		return
	}

	eval, err := s.evaluatorForFlow(ctx, task.FlowID)
	if err != nil {
		task.State = entities.TaskFailed
		task.Error = err.Error()
		if saveErr := s.port.SaveTask(ctx, task); saveErr != nil {
			logger.Error("save task result failed", log.Error(saveErr))
		}
		logger.Error("load evaluator failed", log.Error(err))
		return
	}

	runnerState, err := eval.Run(ctx, task.WorkflowID)
	if err != nil {
		task.State = entities.TaskFailed
		task.Error = err.Error()
		logger.Error("evaluator run failed", log.Error(err))
	} else {
		task.State = entities.TaskCompleted
	}
	if err := s.port.SaveTask(ctx, task); err != nil {
		logger.Error("save task result failed", log.Error(err))
	}

	runner, err = s.port.GetRunner(ctx, task.RunnerID)
	if err != nil || runner == nil {
		return
	}
	runner.State = runnerState
	now := time.Now()
	if runnerState.IsTerminal() {
		runner.EndedAt = now
	}
	if err != nil {
		runner.Error = err.Error()
	}
	if err := s.port.SaveRunner(ctx, runner); err != nil {
		logger.Error("save runner state failed", log.Error(err))
	}
}

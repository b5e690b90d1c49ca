// Package memory provides a process-local persistence.Port implementation,
// used for tests and single-process development. Grounded on the host's
// internal/controller/backend/memory mutex-guarded-maps style.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rlemke/agentflow/internal/afltypes"
	"github.com/rlemke/agentflow/internal/entities"
	"github.com/rlemke/agentflow/internal/persistence"
	"github.com/rlemke/agentflow/internal/states"
	"github.com/rlemke/agentflow/internal/step"
)

var _ persistence.Port = (*Backend)(nil)

// Backend is an in-memory persistence.Port implementation. All operations
// are guarded by a single mutex; claim_task's atomicity falls directly out
// of that mutex, with no emulation needed.
type Backend struct {
	mu sync.Mutex

	steps    map[afltypes.StepId]*step.Definition
	events   map[string]*entities.Event
	tasks    map[string]*entities.Task
	runners  map[string]*entities.Runner
	servers  map[string]*entities.Server
	flows    map[string]*entities.Flow
	workflows map[afltypes.WorkflowId]*entities.Workflow
	handlers map[string]*entities.HandlerRegistration
	logs     []*entities.Log
	stepLogs []*entities.Log
	locks    map[string]*entities.Lock

	// stepKeys guards the (statement_id, block_id) idempotency invariant.
	stepKeys map[string]afltypes.StepId
}

// New returns an empty in-memory backend.
func New() *Backend {
	return &Backend{
		steps:     make(map[afltypes.StepId]*step.Definition),
		events:    make(map[string]*entities.Event),
		tasks:     make(map[string]*entities.Task),
		runners:   make(map[string]*entities.Runner),
		servers:   make(map[string]*entities.Server),
		flows:     make(map[string]*entities.Flow),
		workflows: make(map[afltypes.WorkflowId]*entities.Workflow),
		handlers:  make(map[string]*entities.HandlerRegistration),
		locks:     make(map[string]*entities.Lock),
		stepKeys:  make(map[string]afltypes.StepId),
	}
}

func stepKey(statementID afltypes.StatementId, blockID afltypes.BlockId) string {
	return string(statementID) + "\x00" + string(blockID)
}

// GetStep returns a deep copy of the step so callers never alias the
// backend's stored value.
func (b *Backend) GetStep(ctx context.Context, id afltypes.StepId) (*step.Definition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.steps[id]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

func (b *Backend) GetStepsByBlock(ctx context.Context, blockID afltypes.BlockId) ([]*step.Definition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*step.Definition
	for _, s := range b.steps {
		if s.BlockID == blockID {
			out = append(out, s.Clone())
		}
	}
	sortByCreation(out)
	return out, nil
}

func (b *Backend) GetStepsByWorkflow(ctx context.Context, workflowID afltypes.WorkflowId) ([]*step.Definition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*step.Definition
	for _, s := range b.steps {
		if s.WorkflowID == workflowID {
			out = append(out, s.Clone())
		}
	}
	sortByCreation(out)
	return out, nil
}

func (b *Backend) GetStepsByState(ctx context.Context, workflowID afltypes.WorkflowId, state states.StepState) ([]*step.Definition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*step.Definition
	for _, s := range b.steps {
		if s.WorkflowID == workflowID && s.State == state {
			out = append(out, s.Clone())
		}
	}
	sortByCreation(out)
	return out, nil
}

func (b *Backend) GetStepsByContainer(ctx context.Context, containerID afltypes.StepId) ([]*step.Definition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*step.Definition
	for _, s := range b.steps {
		if s.ContainerID == containerID {
			out = append(out, s.Clone())
		}
	}
	sortByCreation(out)
	return out, nil
}

func sortByCreation(steps []*step.Definition) {
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].StartTime.Equal(steps[j].StartTime) {
			return steps[i].ID < steps[j].ID
		}
		return steps[i].StartTime.Before(steps[j].StartTime)
	})
}

func (b *Backend) SaveStep(ctx context.Context, s *step.Definition) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saveStepLocked(s)
}

func (b *Backend) saveStepLocked(s *step.Definition) error {
	stored := s.Clone()
	b.steps[stored.ID] = stored
	if stored.StatementID != "" {
		b.stepKeys[stepKey(stored.StatementID, stored.BlockID)] = stored.ID
	}
	return nil
}

func (b *Backend) GetWorkflowRoot(ctx context.Context, workflowID afltypes.WorkflowId) (*step.Definition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.steps {
		if s.WorkflowID == workflowID && s.ID == s.RootID {
			return s.Clone(), nil
		}
	}
	// Fall back: a root has no container and no block.
	for _, s := range b.steps {
		if s.WorkflowID == workflowID && s.ContainerID == "" && s.BlockID == "" {
			return s.Clone(), nil
		}
	}
	return nil, nil
}

func (b *Backend) StepExists(ctx context.Context, statementID afltypes.StatementId, blockID afltypes.BlockId) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.stepKeys[stepKey(statementID, blockID)]
	return ok, nil
}

func (b *Backend) GetEvent(ctx context.Context, id string) (*entities.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.events[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (b *Backend) GetEventsByWorkflow(ctx context.Context, workflowID afltypes.WorkflowId) ([]*entities.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*entities.Event
	for _, e := range b.events {
		if e.WorkflowID == workflowID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// GetEventByStep finds the event dispatched for stepID, used by the Agent
// Poller to transition the event row alongside the step it belongs to.
func (b *Backend) GetEventByStep(ctx context.Context, stepID afltypes.StepId) (*entities.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.events {
		if e.StepID == stepID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (b *Backend) SaveEvent(ctx context.Context, e *entities.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saveEventLocked(e)
}

func (b *Backend) saveEventLocked(e *entities.Event) error {
	if existing, ok := b.events[e.ID]; !ok || !states.EventIsTerminal(existing.State) {
		if !ok {
			e.CreatedAt = time.Now()
		}
	}
	e.UpdatedAt = time.Now()
	cp := *e
	b.events[e.ID] = &cp
	return nil
}

func (b *Backend) GetTask(ctx context.Context, id string) (*entities.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (b *Backend) GetPendingTasks(ctx context.Context, taskList string) ([]*entities.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*entities.Task
	for _, t := range b.tasks {
		if t.TaskList == taskList && t.State == entities.TaskPending {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (b *Backend) GetTaskForStep(ctx context.Context, stepID afltypes.StepId) (*entities.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var latest *entities.Task
	for _, t := range b.tasks {
		if t.StepID != stepID {
			continue
		}
		if latest == nil || t.UpdatedAt.After(latest.UpdatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (b *Backend) SaveTask(ctx context.Context, t *entities.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saveTaskLocked(t)
}

func (b *Backend) saveTaskLocked(t *entities.Task) error {
	if t.State == entities.TaskRunning {
		for id, existing := range b.tasks {
			if id == t.ID {
				continue
			}
			if existing.StepID == t.StepID && existing.State == entities.TaskRunning {
				return fmt.Errorf("step %s already has a running task", t.StepID)
			}
		}
	}
	if _, ok := b.tasks[t.ID]; !ok {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = time.Now()
	cp := *t
	b.tasks[t.ID] = &cp
	return nil
}

// ClaimTask atomically transitions one pending task matching names within
// taskList to running. The single mutex held for the whole read-modify-
// write makes this trivially atomic against concurrent callers (spec.md §8
// property 7).
func (b *Backend) ClaimTask(ctx context.Context, names []string, taskList string) (*entities.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	var candidates []*entities.Task
	for _, t := range b.tasks {
		if t.TaskList == taskList && t.State == entities.TaskPending && wanted[t.Name] {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	claimed := candidates[0]
	claimed.State = entities.TaskRunning
	claimed.UpdatedAt = time.Now()
	b.tasks[claimed.ID] = claimed
	cp := *claimed
	return &cp, nil
}

func (b *Backend) GetRunner(ctx context.Context, id string) (*entities.Runner, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runners[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (b *Backend) SaveRunner(ctx context.Context, r *entities.Runner) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.runners[r.ID]; !ok {
		r.CreatedAt = time.Now()
	}
	r.UpdatedAt = time.Now()
	cp := *r
	b.runners[r.ID] = &cp
	return nil
}

func (b *Backend) GetRunnersByState(ctx context.Context, state entities.RunnerState) ([]*entities.Runner, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*entities.Runner
	for _, r := range b.runners {
		if r.State == state {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// GetRunnerByWorkflow finds the runner instance that owns workflowID, used
// by the Agent Poller to address the resume task it enqueues after
// completing a domain facet dispatch.
func (b *Backend) GetRunnerByWorkflow(ctx context.Context, workflowID afltypes.WorkflowId) (*entities.Runner, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.runners {
		if r.WorkflowID == workflowID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (b *Backend) GetServer(ctx context.Context, id string) (*entities.Server, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.servers[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (b *Backend) SaveServer(ctx context.Context, s *entities.Server) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *s
	b.servers[s.ID] = &cp
	return nil
}

func (b *Backend) TouchServerPing(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.servers[id]
	if !ok {
		return fmt.Errorf("server not found: %s", id)
	}
	s.LastPingTime = time.Now()
	return nil
}

func (b *Backend) ListServers(ctx context.Context) ([]*entities.Server, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*entities.Server, 0, len(b.servers))
	for _, s := range b.servers {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (b *Backend) GetFlow(ctx context.Context, id string) (*entities.Flow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.flows[id]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (b *Backend) SaveFlow(ctx context.Context, f *entities.Flow) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.flows[f.ID]; !ok {
		f.CreatedAt = time.Now()
	}
	cp := *f
	b.flows[f.ID] = &cp
	return nil
}

func (b *Backend) DeleteFlow(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.flows, id)
	return nil
}

func (b *Backend) GetWorkflow(ctx context.Context, id afltypes.WorkflowId) (*entities.Workflow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.workflows[id]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (b *Backend) SaveWorkflow(ctx context.Context, w *entities.Workflow) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.workflows[w.ID]; !ok {
		w.CreatedAt = time.Now()
	}
	cp := *w
	b.workflows[w.ID] = &cp
	return nil
}

func (b *Backend) SaveHandlerRegistration(ctx context.Context, reg *entities.HandlerRegistration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[reg.FacetName]; !ok {
		reg.CreatedAt = time.Now()
	}
	reg.UpdatedAt = time.Now()
	cp := *reg
	b.handlers[reg.FacetName] = &cp
	return nil
}

func (b *Backend) GetHandlerRegistration(ctx context.Context, facetName string) (*entities.HandlerRegistration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.handlers[facetName]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (b *Backend) ListHandlerRegistrations(ctx context.Context) ([]*entities.HandlerRegistration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*entities.HandlerRegistration, 0, len(b.handlers))
	for _, r := range b.handlers {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (b *Backend) DeleteHandlerRegistration(ctx context.Context, facetName string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[facetName]
	delete(b.handlers, facetName)
	return ok, nil
}

func (b *Backend) SaveLog(ctx context.Context, l *entities.Log) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	l.Timestamp = time.Now()
	cp := *l
	b.logs = append(b.logs, &cp)
	return nil
}

func (b *Backend) GetLogsByRunner(ctx context.Context, runnerID string) ([]*entities.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*entities.Log
	for _, l := range b.logs {
		if l.RunnerID == runnerID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (b *Backend) SaveStepLog(ctx context.Context, l *entities.Log) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	l.Timestamp = time.Now()
	cp := *l
	b.stepLogs = append(b.stepLogs, &cp)
	return nil
}

func (b *Backend) GetStepLogsByStep(ctx context.Context, stepID afltypes.StepId) ([]*entities.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*entities.Log
	for _, l := range b.stepLogs {
		if l.StepID == stepID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (b *Backend) GetStepLogsByWorkflow(ctx context.Context, workflowID afltypes.WorkflowId) ([]*entities.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*entities.Log
	for _, l := range b.stepLogs {
		if l.WorkflowID == workflowID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (b *Backend) AcquireLock(ctx context.Context, key string, durationMS int64, meta map[string]string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if existing, ok := b.locks[key]; ok && existing.ExpiresAt.After(now) {
		return false, nil
	}
	b.locks[key] = &entities.Lock{
		Key:        key,
		AcquiredAt: now,
		ExpiresAt:  now.Add(time.Duration(durationMS) * time.Millisecond),
		Meta:       meta,
	}
	return true, nil
}

func (b *Backend) ReleaseLock(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.locks[key]
	delete(b.locks, key)
	return ok, nil
}

func (b *Backend) CheckLock(ctx context.Context, key string) (*entities.Lock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[key]
	if !ok || l.ExpiresAt.Before(time.Now()) {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (b *Backend) ExtendLock(ctx context.Context, key string, durationMS int64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[key]
	if !ok || l.ExpiresAt.Before(time.Now()) {
		return false, nil
	}
	l.ExpiresAt = l.ExpiresAt.Add(time.Duration(durationMS) * time.Millisecond)
	return true, nil
}

// Commit applies a batch of iteration changes atomically: under the
// in-memory backend's single mutex, the whole batch either all lands or
// (on a partial-unique violation) none of it does, matching spec.md §4.1's
// all-or-nothing contract.
func (b *Backend) Commit(ctx context.Context, changes *persistence.IterationChanges) error {
	if !changes.HasChanges() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	// Pre-flight: reject the whole batch if any created task would violate
	// the one-running-task-per-step invariant.
	for _, t := range changes.CreatedTasks {
		if t.State != entities.TaskRunning {
			continue
		}
		for _, existing := range b.tasks {
			if existing.StepID == t.StepID && existing.State == entities.TaskRunning {
				return fmt.Errorf("commit rejected: step %s already has a running task", t.StepID)
			}
		}
	}

	for _, s := range changes.CreatedSteps {
		if err := b.saveStepLocked(s); err != nil {
			return err
		}
	}
	for _, s := range changes.UpdatedSteps {
		if err := b.saveStepLocked(s); err != nil {
			return err
		}
	}
	for _, e := range changes.CreatedEvents {
		if err := b.saveEventLocked(e); err != nil {
			return err
		}
	}
	for _, t := range changes.CreatedTasks {
		if err := b.saveTaskLocked(t); err != nil {
			return err
		}
	}
	return nil
}

// Close releases backend resources; the in-memory backend holds none.
func (b *Backend) Close() error { return nil }

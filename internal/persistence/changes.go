package persistence

import (
	"github.com/rlemke/agentflow/internal/afltypes"
	"github.com/rlemke/agentflow/internal/entities"
	"github.com/rlemke/agentflow/internal/step"
)

// IterationChanges accumulates one Evaluator iteration's created/updated
// steps and created events/tasks for an atomic commit at the iteration
// boundary. Ported from original_source/afl/runtime/persistence.py.
type IterationChanges struct {
	CreatedSteps []*step.Definition
	UpdatedSteps []*step.Definition
	CreatedEvents []*entities.Event
	CreatedTasks []*entities.Task

	createdIDs map[afltypes.StepId]bool
	updatedIdx map[afltypes.StepId]int
}

// NewIterationChanges returns an empty accumulator ready for use.
func NewIterationChanges() *IterationChanges {
	return &IterationChanges{
		createdIDs: make(map[afltypes.StepId]bool),
		updatedIdx: make(map[afltypes.StepId]int),
	}
}

// AddCreatedStep records a newly created step, idempotently (repeated adds
// of the same id are no-ops after the first).
func (c *IterationChanges) AddCreatedStep(s *step.Definition) {
	if c.createdIDs == nil {
		c.createdIDs = make(map[afltypes.StepId]bool)
	}
	if c.createdIDs[s.ID] {
		return
	}
	c.createdIDs[s.ID] = true
	c.CreatedSteps = append(c.CreatedSteps, s)
}

// AddUpdatedStep records an updated step, replacing (not appending to) a
// previous update for the same id within this iteration.
func (c *IterationChanges) AddUpdatedStep(s *step.Definition) {
	if c.updatedIdx == nil {
		c.updatedIdx = make(map[afltypes.StepId]int)
	}
	if idx, ok := c.updatedIdx[s.ID]; ok {
		c.UpdatedSteps[idx] = s
		return
	}
	c.updatedIdx[s.ID] = len(c.UpdatedSteps)
	c.UpdatedSteps = append(c.UpdatedSteps, s)
}

// AddCreatedEvent records a newly created event.
func (c *IterationChanges) AddCreatedEvent(e *entities.Event) {
	c.CreatedEvents = append(c.CreatedEvents, e)
}

// AddCreatedTask records a newly created task.
func (c *IterationChanges) AddCreatedTask(t *entities.Task) {
	c.CreatedTasks = append(c.CreatedTasks, t)
}

// HasChanges reports whether there is anything to commit.
func (c *IterationChanges) HasChanges() bool {
	return len(c.CreatedSteps) > 0 || len(c.UpdatedSteps) > 0 ||
		len(c.CreatedEvents) > 0 || len(c.CreatedTasks) > 0
}

// Clear resets the accumulator for reuse across iterations.
func (c *IterationChanges) Clear() {
	c.CreatedSteps = nil
	c.UpdatedSteps = nil
	c.CreatedEvents = nil
	c.CreatedTasks = nil
	c.createdIDs = make(map[afltypes.StepId]bool)
	c.updatedIdx = make(map[afltypes.StepId]int)
}

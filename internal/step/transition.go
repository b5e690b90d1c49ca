// Package step defines StepDefinition, the runtime materialization of one
// statement or block instance, and StepTransition, its per-iteration
// advancement control flags.
package step

import "github.com/rlemke/agentflow/internal/states"

// Transition manages state transition control for a step: whether it is
// requesting advancement on the next pass, re-queueing within the current
// iteration, or carrying a freshly-set error.
type Transition struct {
	OriginalState     states.StepState
	CurrentState      states.StepState
	Changed           bool
	RequestTransition bool
	PushMe            bool
	Err               error
}

// InitialTransition returns the transition state a freshly created step
// starts in: Created, requesting its first advancement.
func InitialTransition() Transition {
	return Transition{
		OriginalState:     states.Created,
		CurrentState:      states.Created,
		RequestTransition: true,
	}
}

// RequestStateChange requests (or cancels a request for) a state change on
// the next iteration pass.
func (t *Transition) RequestStateChange(request bool) {
	t.RequestTransition = request
	if request {
		t.Changed = true
	}
}

// ChangeAndTransition marks the step changed and requests transition in one
// call — the common case for a handler that both mutated the step and wants
// it advanced.
func (t *Transition) ChangeAndTransition() {
	t.Changed = true
	t.RequestTransition = true
}

// SetPushMe sets whether this step should be re-queued for continued
// processing within the current iteration.
func (t *Transition) SetPushMe(push bool) { t.PushMe = push }

// SetError records an error on the transition and marks it changed.
func (t *Transition) SetError(err error) {
	t.Err = err
	t.Changed = true
}

// IsRequestingStateChange reports whether this step wants to advance on the
// next pass.
func (t Transition) IsRequestingStateChange() bool { return t.RequestTransition }

// IsRequestingPush reports whether this step wants to be re-queued within
// the current iteration.
func (t Transition) IsRequestingPush() bool { return t.PushMe }

// HasError reports whether an error has been recorded.
func (t Transition) HasError() bool { return t.Err != nil }

// ResetForIteration clears per-iteration flags ahead of a new pass. PushMe
// must be explicitly re-requested by a handler within the new iteration.
func (t *Transition) ResetForIteration() { t.PushMe = false }

// Commit folds CurrentState into OriginalState and clears the dirty/request
// flags, marking this transition as persisted.
func (t *Transition) Commit() {
	t.OriginalState = t.CurrentState
	t.Changed = false
	t.RequestTransition = false
}

// Package aflerr declares the runtime's observable error kinds, adapted
// from the host's generic validation/provider/config/timeout taxonomy into
// the specific failure modes a workflow evaluation can hit.
package aflerr

import (
	"fmt"
	"time"
)

// ParseError reports that a flow's source failed to compile. Surfaced to
// the task initiator; no runner is created.
type ParseError struct {
	FlowName string
	Cause    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in flow %q: %v", e.FlowName, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// UnresolvedReferenceError reports that a facet or sibling attribute
// reference did not resolve during step initialization.
type UnresolvedReferenceError struct {
	StepID string
	Name   string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("step %s: unresolved reference %q", e.StepID, e.Name)
}

// TypeMismatchError reports that a parameter expression produced a value
// incompatible with its declared type.
type TypeMismatchError struct {
	StepID   string
	Param    string
	Expected string
	Got      string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("step %s: param %q expected %s, got %s", e.StepID, e.Param, e.Expected, e.Got)
}

// HandlerNotFoundError reports that a claimed task's facet has no
// registered handler.
type HandlerNotFoundError struct {
	FacetName string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for facet %q", e.FacetName)
}

// HandlerError wraps an error a handler raised while executing a facet.
type HandlerError struct {
	FacetName string
	Cause     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for facet %q failed: %v", e.FacetName, e.Cause)
}

func (e *HandlerError) Unwrap() error { return e.Cause }

// TimeoutError reports that a handler exceeded its configured time budget.
type TimeoutError struct {
	FacetName string
	Budget    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("handler for facet %q timed out after %v", e.FacetName, e.Budget)
}

// DownloadFailureError reports that an artifact-backed handler's artifact
// could not be fetched.
type DownloadFailureError struct {
	Coordinate string
	Cause      error
}

func (e *DownloadFailureError) Error() string {
	return fmt.Sprintf("download of artifact %q failed: %v", e.Coordinate, e.Cause)
}

func (e *DownloadFailureError) Unwrap() error { return e.Cause }

// ResolutionFailureError reports that an artifact-backed handler's
// coordinate could not be resolved to a repository URL.
type ResolutionFailureError struct {
	Coordinate string
	Cause      error
}

func (e *ResolutionFailureError) Error() string {
	return fmt.Sprintf("resolution of artifact %q failed: %v", e.Coordinate, e.Cause)
}

func (e *ResolutionFailureError) Unwrap() error { return e.Cause }

// PersistenceError wraps a commit failure that survived retries; the
// Evaluator ends the iteration Failed when it sees one.
type PersistenceError struct {
	Op    string
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence operation %q failed: %v", e.Op, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

// CancelledError reports explicit runner cancellation. Not a failure per
// se — the runner's state becomes cancelled and no step error is recorded.
type CancelledError struct {
	RunnerID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("runner %s cancelled", e.RunnerID)
}

// Package pipeline defines the failure taxonomy and result type shared
// by the build and deploy services.
package pipeline

import (
	"errors"

	"github.com/mhutton/shipline/internal/domain"
)

// Failure tiers. Usage errors are shown to the caller with the valid
// value set and are never emailed; everything below is captured, logged
// and converted into exactly one outbound notification per attempt.
var (
	ErrInvalidApplication = errors.New("pipeline: invalid application name")
	ErrInvalidVersion     = errors.New("pipeline: invalid version")
	ErrVersionTooNew      = errors.New("pipeline: version is newer than repository head")
	ErrAlreadyBuilt       = errors.New("pipeline: release already built")
	ErrDescriptorInvalid  = errors.New("pipeline: descriptor invalid")
	ErrWorkspaceIO        = errors.New("pipeline: workspace io failure")
	ErrTaskProcess        = errors.New("pipeline: task process failed")
	ErrPublishIO          = errors.New("pipeline: publish io failure")
	ErrUnknownTarget      = errors.New("pipeline: unknown environment nickname")
	ErrRemoteExecution    = errors.New("pipeline: remote execution failed")
	ErrFailover           = errors.New("pipeline: no configured database server online")
)

// Status is the terminal outcome of one pipeline attempt.
type Status int

const (
	StatusFailed Status = iota
	StatusSucceeded
	// StatusNothingToDo reports an idempotent short-circuit: the release
	// already exists, nothing was created and no email was sent.
	StatusNothingToDo
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusNothingToDo:
		return "nothing to do"
	default:
		return "failed"
	}
}

// Result summarizes one build or deploy attempt.
type Result struct {
	Status    Status
	Release   domain.Release
	AttemptID string
	LogFile   string
	Err       error
}

// Failed reports whether the attempt ended in failure.
func (r Result) Failed() bool {
	return r.Status == StatusFailed
}

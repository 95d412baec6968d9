package tracker

import (
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-shardsync/pkg/model"
	"github.com/dd0wney/cluso-shardsync/pkg/routing"
)

var (
	// ErrNotMonotonic rejects a unit at or below the last indexed id.
	ErrNotMonotonic   = errors.New("tracker: unit id does not advance the checkpoint")
	ErrAlreadyRunning = errors.New("tracker: already running")
	ErrInvalidConfig  = errors.New("tracker: invalid config")
)

// TransientError is a failure worth retrying with the same unit.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a unit that can never be applied. The tracker skips it.
type PermanentError struct {
	UnitID   int64
	Kind     model.EntityKind
	EntityID int64
	Err      error
}

func (e *PermanentError) Error() string {
	if e.EntityID != 0 {
		return fmt.Sprintf("unit %d: %s %d: %v", e.UnitID, e.Kind, e.EntityID, e.Err)
	}
	return fmt.Sprintf("unit %d: %v", e.UnitID, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

type errorClass int

const (
	classTransient errorClass = iota
	classPermanent
	classFatal
)

func (c errorClass) String() string {
	switch c {
	case classPermanent:
		return "permanent"
	case classFatal:
		return "fatal"
	default:
		return "transient"
	}
}

// classify treats anything it does not recognise as transient.
func classify(err error) errorClass {
	var ambiguity *routing.RoutingAmbiguityError
	var permanent *PermanentError
	var transient *TransientError
	switch {
	case errors.As(err, &ambiguity):
		return classFatal
	case errors.As(err, &transient):
		return classTransient
	case errors.As(err, &permanent), errors.Is(err, model.ErrMalformed):
		return classPermanent
	default:
		return classTransient
	}
}

// IsFatal reports whether err stops a tracker for good.
func IsFatal(err error) bool {
	return classify(err) == classFatal
}

// Package fsm holds small adapters around looplab/fsm callbacks.
package fsm

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// WrapEvent adapts an error-returning callback. A returned error is stored on
// the event and surfaces from FSM.Event once the transition has happened.
func WrapEvent(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Err = err
		}
	}
}

// WrapGuard adapts a precondition for use as a before_ callback. A returned
// error cancels the transition.
func WrapGuard(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Cancel(err)
		}
	}
}

// StringArg returns the i-th event argument when it is a string.
func StringArg(event *fsm.Event, i int) string {
	if i < 0 || i >= len(event.Args) {
		return ""
	}
	s, _ := event.Args[i].(string)
	return s
}

// IsRejected reports whether err means the event was not applied because the
// machine was in the wrong state or a guard cancelled it.
func IsRejected(err error) bool {
	var invalid fsm.InvalidEventError
	var canceled fsm.CanceledError
	return errors.As(err, &invalid) || errors.As(err, &canceled)
}

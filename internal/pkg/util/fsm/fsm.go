package fsm

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// WrapEvent adapts an error-returning callback to fsm.Callback by storing the
// error on the event.
func WrapEvent(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Err = err
		}
	}
}

// IsRealError reports whether err from FSM.Event is a failure rather than a
// no-op transition or a guard cancellation.
func IsRealError(err error) bool {
	if err == nil {
		return false
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return false
	}
	var canceled fsm.CanceledError
	return !errors.As(err, &canceled)
}

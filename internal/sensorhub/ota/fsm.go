package ota

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"

	fsmutil "github.com/autopeer-io/sensorhub/internal/pkg/util/fsm"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
)

const (
	// EventPrepare (Active) asks the device to get ready for an update.
	EventPrepare = "prepare"
	// EventTransfer starts streaming chunks once the device is ready.
	EventTransfer = "transfer"
	// EventValidate asks the device to validate the received image.
	EventValidate = "validate"
	EventApply    = "apply"
	EventRestart  = "restart"
	EventVerify   = "verify"
	EventComplete = "complete"
	// EventFail ends a session that has not started rolling back.
	EventFail = "fail"
	// EventRollback reverts a device whose verification failed.
	EventRollback   = "rollback"
	EventRolledBack = "rolled_back"
	// EventAbort ends a rollback that the device never confirmed.
	EventAbort = "abort"
)

// errChunksOutstanding is returned when validation is requested before every chunk was acknowledged.
var errChunksOutstanding = errors.New("not every chunk has been acknowledged")

// Transition describes one applied state change.
type Transition struct {
	From model.SessionStatus
	To   model.SessionStatus
	// Reason is the error text recorded for failure states.
	Reason string
}

// sessionFSM enforces the update lifecycle of one session. Every applied
// transition updates the session and is handed to onTransition.
type sessionFSM struct {
	*fsm.FSM

	session      *model.UpdateSession
	onTransition func(ctx context.Context, t Transition)
}

func newSessionFSM(s *model.UpdateSession, onTransition func(ctx context.Context, t Transition)) *sessionFSM {
	f := &sessionFSM{session: s, onTransition: onTransition}

	st := func(s model.SessionStatus) string { return string(s) }
	failable := []string{
		st(model.StatusInitiated), st(model.StatusPreparing), st(model.StatusTransferring),
		st(model.StatusValidating), st(model.StatusApplying), st(model.StatusRestarting),
		st(model.StatusVerifying),
	}

	events := fsm.Events{
		{Name: EventPrepare, Src: []string{st(model.StatusInitiated)}, Dst: st(model.StatusPreparing)},
		{Name: EventTransfer, Src: []string{st(model.StatusPreparing)}, Dst: st(model.StatusTransferring)},
		{Name: EventValidate, Src: []string{st(model.StatusTransferring)}, Dst: st(model.StatusValidating)},
		{Name: EventApply, Src: []string{st(model.StatusValidating)}, Dst: st(model.StatusApplying)},
		{Name: EventRestart, Src: []string{st(model.StatusApplying)}, Dst: st(model.StatusRestarting)},
		{Name: EventVerify, Src: []string{st(model.StatusRestarting)}, Dst: st(model.StatusVerifying)},
		{Name: EventComplete, Src: []string{st(model.StatusVerifying)}, Dst: st(model.StatusCompleted)},
		{Name: EventFail, Src: failable, Dst: st(model.StatusFailed)},

		// Recovery
		{Name: EventRollback, Src: []string{st(model.StatusVerifying)}, Dst: st(model.StatusRollingBack)},
		{Name: EventRolledBack, Src: []string{st(model.StatusRollingBack)}, Dst: st(model.StatusRolledBack)},
		{Name: EventAbort, Src: []string{st(model.StatusRollingBack)}, Dst: st(model.StatusCriticalFailure)},
	}

	callbacks := fsm.Callbacks{
		// Guards
		"before_" + EventValidate: fsmutil.WrapGuard(f.guardAllChunksAcknowledged),

		// Side-effects
		"enter_" + st(model.StatusFailed):          fsmutil.WrapEvent(f.actionEnterTerminal),
		"enter_" + st(model.StatusCompleted):       fsmutil.WrapEvent(f.actionEnterTerminal),
		"enter_" + st(model.StatusRolledBack):      fsmutil.WrapEvent(f.actionEnterTerminal),
		"enter_" + st(model.StatusCriticalFailure): fsmutil.WrapEvent(f.actionEnterTerminal),
		"enter_state":                              fsmutil.WrapEvent(f.actionEnterState),
	}

	f.FSM = fsm.NewFSM(string(s.Status), events, callbacks)
	return f
}

// Fire applies event. reason, when given, is recorded as the session error.
func (f *sessionFSM) Fire(ctx context.Context, event string, reason ...string) error {
	args := make([]any, 0, 1)
	if len(reason) > 0 {
		args = append(args, reason[0])
	}
	if err := f.Event(ctx, event, args...); err != nil {
		return fmt.Errorf("session %s: event %s from %s: %w", f.session.ID, event, f.Current(), err)
	}
	return nil
}

func (f *sessionFSM) guardAllChunksAcknowledged(context.Context, *fsm.Event) error {
	if f.session.AcknowledgedChunks < f.session.TotalChunks {
		return errChunksOutstanding
	}
	return nil
}

// actionEnterTerminal stamps completion and records the failure reason.
func (f *sessionFSM) actionEnterTerminal(_ context.Context, e *fsm.Event) error {
	if reason := fsmutil.StringArg(e, 0); reason != "" {
		f.session.Error = reason
	}
	return nil
}

func (f *sessionFSM) actionEnterState(ctx context.Context, e *fsm.Event) error {
	t := Transition{
		From:   model.SessionStatus(e.Src),
		To:     model.SessionStatus(e.Dst),
		Reason: fsmutil.StringArg(e, 0),
	}
	f.session.Status = t.To
	if f.onTransition != nil {
		f.onTransition(ctx, t)
	}
	return nil
}

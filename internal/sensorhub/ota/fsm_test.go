package ota

import (
	"context"
	"testing"

	"github.com/looplab/fsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
)

func TestSessionFSMTransitions(t *testing.T) {
	var seen []Transition
	s := &model.UpdateSession{ID: "s1", Status: model.StatusInitiated, TotalChunks: 1}
	f := newSessionFSM(s, func(_ context.Context, tr Transition) { seen = append(seen, tr) })
	ctx := context.Background()

	require.NoError(t, f.Fire(ctx, EventPrepare))
	require.NoError(t, f.Fire(ctx, EventTransfer))

	err := f.Fire(ctx, EventValidate)
	var canceled fsm.CanceledError
	require.ErrorAs(t, err, &canceled)
	assert.Equal(t, model.StatusTransferring, s.Status)

	s.AcknowledgedChunks = 1
	require.NoError(t, f.Fire(ctx, EventValidate))

	err = f.Fire(ctx, EventComplete)
	var invalid fsm.InvalidEventError
	assert.ErrorAs(t, err, &invalid)

	require.NoError(t, f.Fire(ctx, EventFail, "boom"))
	assert.Equal(t, model.StatusFailed, s.Status)
	assert.Equal(t, "boom", s.Error)

	assert.Equal(t, []Transition{
		{From: model.StatusInitiated, To: model.StatusPreparing},
		{From: model.StatusPreparing, To: model.StatusTransferring},
		{From: model.StatusTransferring, To: model.StatusValidating},
		{From: model.StatusValidating, To: model.StatusFailed, Reason: "boom"},
	}, seen)
}

func TestSessionFSMRollbackPaths(t *testing.T) {
	ctx := context.Background()

	s := &model.UpdateSession{ID: "s1", Status: model.StatusVerifying}
	f := newSessionFSM(s, nil)
	require.NoError(t, f.Fire(ctx, EventRollback, "unhealthy"))
	assert.Error(t, f.Fire(ctx, EventFail, "x"), "rolling back sessions cannot plainly fail")
	require.NoError(t, f.Fire(ctx, EventAbort, "no answer"))
	assert.Equal(t, model.StatusCriticalFailure, s.Status)
	assert.Equal(t, "no answer", s.Error)

	s = &model.UpdateSession{ID: "s2", Status: model.StatusRollingBack}
	f = newSessionFSM(s, nil)
	require.NoError(t, f.Fire(ctx, EventRolledBack))
	assert.Equal(t, model.StatusRolledBack, s.Status)

	for _, ev := range []string{EventPrepare, EventFail, EventRollback, EventAbort} {
		assert.Error(t, f.Fire(ctx, ev), "terminal state accepted %s", ev)
	}
}

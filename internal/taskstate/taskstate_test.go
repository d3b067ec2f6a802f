package taskstate

import (
	"testing"
	"time"

	"github.com/micic-mihajlo/talonbot-sub000/internal/model"
	"github.com/micic-mihajlo/talonbot-sub000/internal/talonerr"
	"github.com/stretchr/testify/require"
)

func TestTransition_QueuedToRunning_StampsStartedAt(t *testing.T) {
	now := time.Now().UTC()
	tr := &model.TaskRecord{Status: model.TaskQueued}
	require.NoError(t, Transition(tr, model.TaskRunning, "worker claimed", now))
	require.Equal(t, model.TaskRunning, tr.Status)
	require.NotNil(t, tr.StartedAt)
	require.Equal(t, now, *tr.StartedAt)
	require.Nil(t, tr.FinishedAt)
	require.Len(t, tr.Events, 1)
	require.Equal(t, model.TaskEventStatusTransition, tr.Events[0].Kind)
	require.Equal(t, model.TaskQueued, tr.Events[0].Details.From)
	require.Equal(t, model.TaskRunning, tr.Events[0].Details.To)
}

func TestTransition_RunningToDone_StampsFinishedAt(t *testing.T) {
	now := time.Now().UTC()
	tr := &model.TaskRecord{Status: model.TaskRunning}
	require.NoError(t, Transition(tr, model.TaskDone, "completed", now))
	require.NotNil(t, tr.FinishedAt)
	require.True(t, IsTerminal(tr.Status))
}

func TestTransition_RejectsIllegalJump(t *testing.T) {
	tr := &model.TaskRecord{Status: model.TaskQueued}
	err := Transition(tr, model.TaskDone, "skip ahead", time.Now())
	require.Error(t, err)
	var typed *talonerr.ErrInvalidTaskTransition
	require.ErrorAs(t, err, &typed)
	require.Equal(t, "queued", typed.From)
	require.Equal(t, "done", typed.To)
}

func TestTransition_CancelledAllowsOnlyRequeue(t *testing.T) {
	require.True(t, CanTransition(model.TaskCancelled, model.TaskQueued))
	require.False(t, CanTransition(model.TaskCancelled, model.TaskRunning))

	tr := &model.TaskRecord{Status: model.TaskCancelled}
	err := Transition(tr, model.TaskRunning, "resurrect", time.Now())
	require.Error(t, err)
}

func TestTransition_DoneToQueued_RetryClearsFinishedAt(t *testing.T) {
	now := time.Now().UTC()
	finished := now.Add(-time.Minute)
	tr := &model.TaskRecord{Status: model.TaskDone, FinishedAt: &finished}
	require.NoError(t, Transition(tr, model.TaskQueued, "operator retry", now))
	require.Nil(t, tr.FinishedAt)
	require.Equal(t, model.TaskQueued, tr.Status)
}

func TestTransition_FailedToQueued_AutoRetry(t *testing.T) {
	tr := &model.TaskRecord{Status: model.TaskFailed}
	require.NoError(t, Transition(tr, model.TaskQueued, "retry after backoff", time.Now()))
	require.Equal(t, model.TaskQueued, tr.Status)
}

func TestTransition_BlockedRoundTrip(t *testing.T) {
	tr := &model.TaskRecord{Status: model.TaskRunning}
	require.NoError(t, Transition(tr, model.TaskBlocked, "awaiting PR check", time.Now()))
	require.True(t, IsTerminal(tr.Status))
	require.NotNil(t, tr.FinishedAt)
	require.NoError(t, Transition(tr, model.TaskQueued, "resumed", time.Now()))
	require.Equal(t, model.TaskQueued, tr.Status)
	require.Nil(t, tr.FinishedAt)
}

func TestTransition_RunningToQueued_Requeue(t *testing.T) {
	tr := &model.TaskRecord{Status: model.TaskRunning}
	require.NoError(t, Transition(tr, model.TaskQueued, "requeued for retry", time.Now()))
	require.Equal(t, model.TaskQueued, tr.Status)
	require.Nil(t, tr.FinishedAt)
}

func TestTransition_FailedToBlockedAndDone(t *testing.T) {
	require.True(t, CanTransition(model.TaskFailed, model.TaskBlocked))
	require.True(t, CanTransition(model.TaskFailed, model.TaskDone))
}

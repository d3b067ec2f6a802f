package health

import (
	"testing"
	"time"

	"github.com/micic-mihajlo/talonbot-sub000/internal/model"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_NoIssuesIsOK(t *testing.T) {
	now := time.Now()
	tasks := map[string]model.TaskRecord{
		"t1": {Status: model.TaskRunning, UpdatedAt: now},
	}
	running := map[string]bool{"t1": true}
	snap := Evaluate(tasks, running, nil, now, Thresholds{})
	require.Equal(t, "ok", snap.Status)
	require.Empty(t, snap.Issues)
	require.Equal(t, 1, snap.Metrics.Running)
}

func TestEvaluate_OrphanedRunningTask(t *testing.T) {
	now := time.Now()
	tasks := map[string]model.TaskRecord{
		"t1": {Status: model.TaskRunning, UpdatedAt: now},
	}
	snap := Evaluate(tasks, map[string]bool{}, nil, now, Thresholds{})
	require.Equal(t, "degraded", snap.Status)
	require.Equal(t, IssueOrphanedRunningTask, snap.Issues[0].Code)
}

func TestEvaluate_OrphanedWorkerSlot(t *testing.T) {
	now := time.Now()
	snap := Evaluate(map[string]model.TaskRecord{}, map[string]bool{"ghost": true}, nil, now, Thresholds{})
	require.Equal(t, "degraded", snap.Status)
	require.Equal(t, IssueOrphanedWorkerSlot, snap.Issues[0].Code)
	require.Equal(t, "ghost", snap.Issues[0].TaskID)
}

func TestEvaluate_WorkerSlotStatusMismatch(t *testing.T) {
	now := time.Now()
	tasks := map[string]model.TaskRecord{"t1": {Status: model.TaskDone, UpdatedAt: now}}
	snap := Evaluate(tasks, map[string]bool{"t1": true}, nil, now, Thresholds{})
	require.Equal(t, IssueWorkerSlotStatusMismatch, snap.Issues[0].Code)
}

func TestEvaluate_StuckRunningTask(t *testing.T) {
	now := time.Now()
	tasks := map[string]model.TaskRecord{
		"t1": {Status: model.TaskRunning, UpdatedAt: now.Add(-time.Hour)},
	}
	snap := Evaluate(tasks, map[string]bool{"t1": true}, nil, now, Thresholds{StaleRunning: time.Minute})
	require.Contains(t, codesOf(snap.Issues), IssueStuckRunningTask)
}

func TestEvaluate_StaleQueuedTask(t *testing.T) {
	now := time.Now()
	tasks := map[string]model.TaskRecord{
		"t1": {Status: model.TaskQueued, UpdatedAt: now.Add(-time.Hour)},
	}
	snap := Evaluate(tasks, map[string]bool{}, nil, now, Thresholds{StaleQueued: time.Minute})
	require.Contains(t, codesOf(snap.Issues), IssueStaleQueuedTask)
}

func TestEvaluate_StaleWorktreeNotReferenced(t *testing.T) {
	now := time.Now()
	worktrees := []WorktreeInfo{{Path: "/data/worktrees/orphan", ModTime: now.Add(-2 * time.Hour)}}
	snap := Evaluate(map[string]model.TaskRecord{}, map[string]bool{}, worktrees, now, Thresholds{StaleWorktree: time.Hour})
	require.Contains(t, codesOf(snap.Issues), IssueStaleWorktree)
}

func TestEvaluate_StaleWorktreeButReferencedIsNotAnIssue(t *testing.T) {
	now := time.Now()
	tasks := map[string]model.TaskRecord{
		"t1": {Status: model.TaskQueued, WorktreePath: "/data/worktrees/t1", UpdatedAt: now},
	}
	worktrees := []WorktreeInfo{{Path: "/data/worktrees/t1", ModTime: now.Add(-2 * time.Hour)}}
	snap := Evaluate(tasks, map[string]bool{}, worktrees, now, Thresholds{StaleWorktree: time.Hour})
	require.NotContains(t, codesOf(snap.Issues), IssueStaleWorktree)
}

func codesOf(issues []Issue) []IssueCode {
	out := make([]IssueCode, len(issues))
	for i, iss := range issues {
		out[i] = iss.Code
	}
	return out
}

// Package health implements the Health Monitor (spec.md §4.10): a pure
// function over current orchestrator state that derives an issue list and
// overall status, with no side effects and no persistence of its own.
package health

import (
	"time"

	"github.com/micic-mihajlo/talonbot-sub000/internal/model"
)

// IssueCode enumerates the closed set of health issue kinds.
type IssueCode string

const (
	IssueOrphanedRunningTask      IssueCode = "orphaned_running_task"
	IssueOrphanedWorkerSlot       IssueCode = "orphaned_worker_slot"
	IssueWorkerSlotStatusMismatch IssueCode = "worker_slot_status_mismatch"
	IssueStuckRunningTask         IssueCode = "stuck_running_task"
	IssueStaleQueuedTask          IssueCode = "stale_queued_task"
	IssueStaleWorktree            IssueCode = "stale_worktree"
)

// Issue is one detected anomaly.
type Issue struct {
	Code   IssueCode `json:"code"`
	TaskID string    `json:"taskId,omitempty"`
	Path   string    `json:"path,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Metrics is a point-in-time count breakdown.
type Metrics struct {
	TotalTasks   int `json:"totalTasks"`
	Queued       int `json:"queued"`
	Running      int `json:"running"`
	Blocked      int `json:"blocked"`
	Done         int `json:"done"`
	Failed       int `json:"failed"`
	Cancelled    int `json:"cancelled"`
	WorkerSlots  int `json:"workerSlots"`
}

// Snapshot is the Health Monitor's full output.
type Snapshot struct {
	Status  string  `json:"status"` // "ok" | "degraded"
	Metrics Metrics `json:"metrics"`
	Issues  []Issue `json:"issues"`
}

// WorktreeInfo describes one worktree directory found on disk.
type WorktreeInfo struct {
	Path    string
	ModTime time.Time
}

// Thresholds are the staleness bounds used to flag long-lived tasks and
// worktrees as anomalous.
type Thresholds struct {
	StaleRunning  time.Duration
	StaleQueued   time.Duration
	StaleWorktree time.Duration
}

// Evaluate derives a Snapshot from the current task map, the set of task IDs
// actually holding a worker slot, and the worktrees present on disk. It is a
// pure function: same inputs always produce the same output.
func Evaluate(tasks map[string]model.TaskRecord, runningIDs map[string]bool, worktrees []WorktreeInfo, now time.Time, th Thresholds) Snapshot {
	var issues []Issue
	metrics := Metrics{WorkerSlots: len(runningIDs)}

	referencedPaths := map[string]bool{}

	for id, t := range tasks {
		metrics.TotalTasks++
		switch t.Status {
		case model.TaskQueued:
			metrics.Queued++
		case model.TaskRunning:
			metrics.Running++
		case model.TaskBlocked:
			metrics.Blocked++
		case model.TaskDone:
			metrics.Done++
		case model.TaskFailed:
			metrics.Failed++
		case model.TaskCancelled:
			metrics.Cancelled++
		}

		if t.WorktreePath != "" && (t.Status == model.TaskQueued || t.Status == model.TaskRunning) {
			referencedPaths[t.WorktreePath] = true
		}

		if t.Status == model.TaskRunning && !runningIDs[id] {
			issues = append(issues, Issue{Code: IssueOrphanedRunningTask, TaskID: id})
		}
		if runningIDs[id] && t.Status != model.TaskRunning {
			issues = append(issues, Issue{Code: IssueWorkerSlotStatusMismatch, TaskID: id, Detail: string(t.Status)})
		}

		if t.Status == model.TaskRunning && th.StaleRunning > 0 && now.Sub(t.UpdatedAt) > th.StaleRunning {
			issues = append(issues, Issue{Code: IssueStuckRunningTask, TaskID: id})
		}
		if t.Status == model.TaskQueued && th.StaleQueued > 0 && now.Sub(t.UpdatedAt) > th.StaleQueued {
			issues = append(issues, Issue{Code: IssueStaleQueuedTask, TaskID: id})
		}
	}

	for id := range runningIDs {
		if _, ok := tasks[id]; !ok {
			issues = append(issues, Issue{Code: IssueOrphanedWorkerSlot, TaskID: id})
		}
	}

	if th.StaleWorktree > 0 {
		for _, wt := range worktrees {
			if now.Sub(wt.ModTime) > th.StaleWorktree && !referencedPaths[wt.Path] {
				issues = append(issues, Issue{Code: IssueStaleWorktree, Path: wt.Path})
			}
		}
	}

	status := "ok"
	if len(issues) > 0 {
		status = "degraded"
	}
	return Snapshot{Status: status, Metrics: metrics, Issues: issues}
}

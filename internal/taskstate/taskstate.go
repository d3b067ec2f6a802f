// Package taskstate enforces the task lifecycle state machine (spec.md
// §4.8): which status transitions are legal, and the paired
// status_transition event and timestamp bookkeeping every transition must
// produce.
package taskstate

import (
	"time"

	"github.com/micic-mihajlo/talonbot-sub000/internal/model"
	"github.com/micic-mihajlo/talonbot-sub000/internal/talonerr"
)

// allowed is the exact transition table from spec.md §4.8:
//
//	queued    -> running, cancelled
//	running   -> queued, done, failed, blocked, cancelled
//	blocked   -> queued, failed, done
//	done      -> queued, blocked, failed     (retry escape)
//	failed    -> queued, blocked, done       (retry escape)
//	cancelled -> queued                      (re-submission)
var allowed = map[model.TaskStatus]map[model.TaskStatus]bool{
	model.TaskQueued: {
		model.TaskRunning:   true,
		model.TaskCancelled: true,
	},
	model.TaskRunning: {
		model.TaskQueued:    true,
		model.TaskDone:      true,
		model.TaskFailed:    true,
		model.TaskBlocked:   true,
		model.TaskCancelled: true,
	},
	model.TaskBlocked: {
		model.TaskQueued: true,
		model.TaskFailed: true,
		model.TaskDone:   true,
	},
	model.TaskDone: {
		model.TaskQueued:  true,
		model.TaskBlocked: true,
		model.TaskFailed:  true,
	},
	model.TaskFailed: {
		model.TaskQueued:  true,
		model.TaskBlocked: true,
		model.TaskDone:    true,
	},
	model.TaskCancelled: {
		model.TaskQueued: true,
	},
}

// terminal is the set of statuses that set FinishedAt on entry, per spec.md
// §3's invariant: status ∈ {done, failed, blocked, cancelled} ⇒ finishedAt
// is set. blocked is terminal in this sense even though the state machine
// still allows further transitions out of it.
var terminal = map[model.TaskStatus]bool{
	model.TaskDone:      true,
	model.TaskFailed:    true,
	model.TaskBlocked:   true,
	model.TaskCancelled: true,
}

// CanTransition reports whether moving from -> to is legal.
func CanTransition(from, to model.TaskStatus) bool {
	next, ok := allowed[from]
	if !ok {
		return false
	}
	return next[to]
}

// Transition validates and applies from->to on t, stamping UpdatedAt, the
// StartedAt/FinishedAt bookkeeping, and appending the paired
// status_transition event. now is injected so callers stay testable.
func Transition(t *model.TaskRecord, to model.TaskStatus, message string, now time.Time) error {
	from := t.Status
	if !CanTransition(from, to) {
		return &talonerr.ErrInvalidTaskTransition{From: string(from), To: string(to)}
	}

	t.Status = to
	t.UpdatedAt = now

	if to == model.TaskRunning && t.StartedAt == nil {
		startedAt := now
		t.StartedAt = &startedAt
	}
	if to == model.TaskQueued {
		// Transitioning back to queued always re-arms the task: clear the
		// finish stamp regardless of where it came from (retry escape).
		t.FinishedAt = nil
	} else if terminal[to] {
		finishedAt := now
		t.FinishedAt = &finishedAt
	}

	t.Events = append(t.Events, model.TaskEvent{
		At:      now,
		Kind:    model.TaskEventStatusTransition,
		Message: message,
		Details: &model.TaskEventDetails{From: from, To: to},
	})
	return nil
}

// IsTerminal reports whether status is one that sets FinishedAt on entry
// (done, failed, blocked, cancelled).
func IsTerminal(status model.TaskStatus) bool {
	return terminal[status]
}

// Package talonerr defines the sentinel error kinds shared by the control
// plane and task orchestrator (spec.md §7).
package talonerr

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateEvent       = errors.New("duplicate_event")
	ErrEmptyMessage         = errors.New("empty_message")
	ErrUnknownCommand       = errors.New("unknown_command")
	ErrMessageTooLarge      = errors.New("message_too_large")
	ErrAliasNotFound        = errors.New("alias_not_found")
	ErrInvalidAlias         = errors.New("invalid_alias")
	ErrSessionNotFound      = errors.New("session_not_found")
	ErrParse                = errors.New("parse_error")
	ErrRepoNotFound         = errors.New("repo_not_found")
	ErrTaskNotFound         = errors.New("task_not_found")
	ErrEngineTimeout        = errors.New("engine_timeout")
	ErrEngineFailed         = errors.New("engine_failed")
	ErrUnsupported          = errors.New("unsupported")
	ErrBusy                 = errors.New("busy")
	ErrQueueFull            = errors.New("queue_full")
	ErrNoMessages           = errors.New("no_messages")
)

// ErrInvalidTaskTransition is a programmer-error guard: it should never be
// reachable through a valid call sequence, so callers are expected to panic
// or log-and-abort rather than recover gracefully.
type ErrInvalidTaskTransition struct {
	From, To string
}

func (e *ErrInvalidTaskTransition) Error() string {
	return fmt.Sprintf("invalid_task_transition:%s->%s", e.From, e.To)
}

// Package queue implements the bounded, strictly-serial FIFO used by one
// agent session per spec.md §4.1: at most one work item runs at a time, and
// overflow either drops the oldest queued item or rejects the new one.
package queue

import (
	"sync"

	"github.com/micic-mihajlo/talonbot-sub000/internal/talonerr"
)

// Task is one unit of serial work. It is run with the queue's internal lock
// released, so it may itself touch the queue (e.g. call Clear).
type Task func()

// Config configures a Serial queue.
type Config struct {
	MaxDepth            int
	DropOldestOnOverflow bool
	OnOverflow           func(dropped int)
}

// Serial is a bounded FIFO that executes queued tasks one at a time, in
// enqueue order, never letting two tasks run concurrently.
type Serial struct {
	cfg Config

	mu      sync.Mutex
	items   []Task
	running bool
}

// New creates a Serial queue with the given configuration.
func New(cfg Config) *Serial {
	return &Serial{cfg: cfg}
}

// Enqueue appends task to the queue, starting the runner if idle. If the
// queue is at capacity it either drops the oldest queued item (when
// DropOldestOnOverflow is set) or returns talonerr.ErrQueueFull.
func (s *Serial) Enqueue(task Task) error {
	s.mu.Lock()
	if s.cfg.MaxDepth > 0 && len(s.items) >= s.cfg.MaxDepth {
		if !s.cfg.DropOldestOnOverflow {
			s.mu.Unlock()
			return talonerr.ErrQueueFull
		}
		s.items = s.items[1:]
		cb := s.cfg.OnOverflow
		s.mu.Unlock()
		if cb != nil {
			cb(1)
		}
		s.mu.Lock()
	}
	s.items = append(s.items, task)
	needsRunner := !s.running
	if needsRunner {
		s.running = true
	}
	s.mu.Unlock()

	if needsRunner {
		go s.run()
	}
	return nil
}

func (s *Serial) run() {
	for {
		s.mu.Lock()
		if len(s.items) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		next := s.items[0]
		s.items = s.items[1:]
		s.mu.Unlock()

		s.execSafely(next)
	}
}

// execSafely runs one task, isolating a panic so it cannot halt the queue
// (spec.md §4.1 failure semantics).
func (s *Serial) execSafely(t Task) {
	defer func() {
		_ = recover()
	}()
	t()
}

// Clear discards all queued (not in-flight) items without running them.
func (s *Serial) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
}

// Size returns the current queued depth, excluding any in-flight item.
func (s *Serial) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Busy reports whether a task is currently running or queued.
func (s *Serial) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Package controlplane implements the Control Plane (spec.md §4.6): the
// central coordinator that routes inbound messages to per-session agent
// sessions or to the task orchestrator, recognizes operator commands, and
// runs the session-TTL cleanup sweep.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/micic-mihajlo/talonbot-sub000/internal/alias"
	"github.com/micic-mihajlo/talonbot-sub000/internal/bus"
	"github.com/micic-mihajlo/talonbot-sub000/internal/engine"
	"github.com/micic-mihajlo/talonbot-sub000/internal/model"
	"github.com/micic-mihajlo/talonbot-sub000/internal/orchestrator"
	"github.com/micic-mihajlo/talonbot-sub000/internal/prcheck"
	"github.com/micic-mihajlo/talonbot-sub000/internal/route"
	"github.com/micic-mihajlo/talonbot-sub000/internal/session"
	"github.com/micic-mihajlo/talonbot-sub000/internal/store"
	"github.com/micic-mihajlo/talonbot-sub000/internal/talonerr"
)

// DispatchMode is CHAT_DISPATCH_MODE (spec.md §6).
type DispatchMode string

const (
	DispatchSession DispatchMode = "session"
	DispatchTask    DispatchMode = "task"
	DispatchHybrid  DispatchMode = "hybrid"
)

// ParseDispatchMode validates a configuration string, defaulting to
// DispatchSession for anything unrecognized.
func ParseDispatchMode(raw string) DispatchMode {
	switch DispatchMode(strings.ToLower(strings.TrimSpace(raw))) {
	case DispatchTask:
		return DispatchTask
	case DispatchHybrid:
		return DispatchHybrid
	default:
		return DispatchSession
	}
}

// TaskOrchestrator is the subset of *orchestrator.Orchestrator the control
// plane needs for task-flow dispatch and lifecycle watching.
type TaskOrchestrator interface {
	Submit(req orchestrator.SubmitRequest) (model.TaskRecord, error)
	GetTask(id string) (model.TaskRecord, bool)
}

// Config holds the control plane's configuration knobs (spec.md §6).
type Config struct {
	Session            session.Config
	DispatchMode       DispatchMode
	TaskUpdatePoll      time.Duration
	GlobalDedupeWindow time.Duration
	SessionTTL          time.Duration
}

// ControlPlane is the central coordinator described in spec.md §4.6.
type ControlPlane struct {
	cfg     Config
	store   *store.Store
	eng     engine.Engine
	verify  prcheck.Verifier
	bus     *bus.Bus
	aliases *alias.Registry
	orch    TaskOrchestrator
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
	dedupe   map[string]time.Time
}

// New constructs a ControlPlane. orch may be nil when no task orchestrator
// is wired (task-flow dispatch then always fails with repo_not_found-style
// remediation).
func New(cfg Config, st *store.Store, eng engine.Engine, verify prcheck.Verifier, b *bus.Bus, aliases *alias.Registry, orch TaskOrchestrator, logger *slog.Logger) *ControlPlane {
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlPlane{
		cfg:      cfg,
		store:    st,
		eng:      eng,
		verify:   verify,
		bus:      b,
		aliases:  aliases,
		orch:     orch,
		logger:   logger,
		sessions: map[string]*session.Session{},
		dedupe:   map[string]time.Time{},
	}
}

var directivePrefix = regexp.MustCompile(`(?i)^/?(chat|task)[ :]\s*`)

// Dispatch is the Control Plane's entry point for every inbound message
// (spec.md §4.6's numbered Dispatch contract).
func (cp *ControlPlane) Dispatch(ctx context.Context, m model.InboundMessage, reply session.ReplyFunc) model.DispatchResult {
	r := route.FromMessage(m)

	if cp.seenRecently(m.ID) {
		return model.DispatchResult{Accepted: true, Reason: "duplicate", SessionKey: r.SessionKey}
	}

	text := m.Text
	modeOverride := ""
	if loc := directivePrefix.FindStringSubmatchIndex(text); loc != nil {
		verb := strings.ToLower(text[loc[2]:loc[3]])
		if verb == "task" {
			modeOverride = "task"
		} else {
			modeOverride = "session"
		}
		text = text[loc[1]:]
	}
	text = strings.TrimSpace(text)

	if text == "" {
		if reply != nil {
			_ = reply("Message text is required.")
		}
		return model.DispatchResult{Accepted: false, Reason: "empty_message", SessionKey: r.SessionKey}
	}

	if result, handled := cp.tryDispatchCommand(r, text, reply); handled {
		return result
	}

	taskFlow := false
	switch cp.cfg.DispatchMode {
	case DispatchTask:
		taskFlow = true
	case DispatchHybrid:
		taskFlow = modeOverride == "task"
	default:
		taskFlow = false
	}
	// An explicit "chat:"/"/chat " prefix always wins, even under
	// CHAT_DISPATCH_MODE=task: it's the operator's escape hatch to reach
	// the engine directly without going through the orchestrator.
	if modeOverride == "session" {
		taskFlow = false
	}

	if taskFlow {
		return cp.dispatchTask(r, text, reply)
	}
	return cp.dispatchSession(ctx, r, m, text, reply)
}

// seenRecently applies the process-wide dedupe window (spec.md §4.6 step 2),
// pruning stale entries opportunistically on each call.
func (cp *ControlPlane) seenRecently(id string) bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	now := time.Now()
	if cp.cfg.GlobalDedupeWindow > 0 {
		cutoff := now.Add(-cp.cfg.GlobalDedupeWindow)
		for k, at := range cp.dedupe {
			if at.Before(cutoff) {
				delete(cp.dedupe, k)
			}
		}
	}
	if _, ok := cp.dedupe[id]; ok {
		return true
	}
	cp.dedupe[id] = now
	return false
}

// dispatchTask submits a task-flow message to the orchestrator and starts a
// lifecycle watcher goroutine (spec.md §4.6 step 7).
func (cp *ControlPlane) dispatchTask(r model.Route, text string, reply session.ReplyFunc) model.DispatchResult {
	if cp.orch == nil {
		if reply != nil {
			_ = reply("No repository is configured for task dispatch. Set a default repo or specify one explicitly.")
		}
		return model.DispatchResult{Accepted: false, Reason: "repo_not_found", SessionKey: r.SessionKey}
	}

	t, err := cp.orch.Submit(orchestrator.SubmitRequest{
		Text:       text,
		SessionKey: r.SessionKey,
		Source:     model.TaskSourceTransport,
	})
	if err != nil {
		if err == talonerr.ErrRepoNotFound {
			if reply != nil {
				_ = reply("No repository is configured for this task. Set a default repo or specify one explicitly.")
			}
			return model.DispatchResult{Accepted: false, Reason: "repo_not_found", SessionKey: r.SessionKey}
		}
		if reply != nil {
			_ = reply("Could not queue task: " + err.Error())
		}
		return model.DispatchResult{Accepted: false, Reason: err.Error(), SessionKey: r.SessionKey}
	}

	if reply != nil {
		_ = reply(fmt.Sprintf("Queued task %s (repo: %s).", t.ID, t.RepoID))
	}
	go cp.watchTaskLifecycle(t.ID, reply)
	return model.DispatchResult{Accepted: true, Reason: "task_queued", SessionKey: r.SessionKey, Mode: "task", TaskID: t.ID}
}

// watchTaskLifecycle polls GetTask until the task reaches a terminal state,
// posting one running-announcement and one final reply (spec.md §4.6 step 7).
func (cp *ControlPlane) watchTaskLifecycle(id string, reply session.ReplyFunc) {
	poll := cp.cfg.TaskUpdatePoll
	if poll < 500*time.Millisecond {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	announcedRunning := false
	for range ticker.C {
		t, ok := cp.orch.GetTask(id)
		if !ok {
			return
		}
		if !announcedRunning && t.Status == model.TaskRunning {
			announcedRunning = true
			if reply != nil {
				_ = reply(fmt.Sprintf("Task %s is now running.", id))
			}
		}
		switch t.Status {
		case model.TaskDone, model.TaskFailed, model.TaskCancelled:
			if reply != nil {
				_ = reply(finalTaskMessage(t))
			}
			return
		}
	}
}

// finalTaskMessage summarizes a terminal task with whatever evidence
// artifacts it collected along the way.
func finalTaskMessage(t model.TaskRecord) string {
	var b strings.Builder
	switch t.Status {
	case model.TaskDone:
		fmt.Fprintf(&b, "Task %s completed.", t.ID)
	case model.TaskFailed:
		fmt.Fprintf(&b, "Task %s failed.", t.ID)
	case model.TaskCancelled:
		fmt.Fprintf(&b, "Task %s cancelled.", t.ID)
	}
	if pr, ok := t.LatestArtifact(model.ArtifactPullRequest); ok && pr.PRUrl != "" {
		fmt.Fprintf(&b, " PR: %s.", pr.PRUrl)
	}
	if commit, ok := t.LatestArtifact(model.ArtifactGitCommit); ok && commit.CommitSHA != "" {
		fmt.Fprintf(&b, " Commit: %s.", commit.CommitSHA)
	}
	if t.Branch != "" {
		fmt.Fprintf(&b, " Branch: %s.", t.Branch)
	}
	if checks, ok := t.LatestArtifact(model.ArtifactChecks); ok && checks.ChecksSummary != "" {
		fmt.Fprintf(&b, " Checks: %s.", checks.ChecksSummary)
	}
	if t.Error != "" {
		fmt.Fprintf(&b, " Error: %s.", t.Error)
	}
	return b.String()
}

// dispatchSession routes to the session-flow path: look up or create the
// session for the route's key, then Enqueue (spec.md §4.6 step 8).
func (cp *ControlPlane) dispatchSession(ctx context.Context, r model.Route, m model.InboundMessage, text string, reply session.ReplyFunc) model.DispatchResult {
	m.Text = text
	s := cp.getOrCreateSession(r.SessionKey)
	if err := s.Enqueue(ctx, m, reply); err != nil {
		if err == talonerr.ErrMessageTooLarge {
			if reply != nil {
				_ = reply("Message is too large.")
			}
			return model.DispatchResult{Accepted: false, Reason: "message_too_large", SessionKey: r.SessionKey}
		}
		return model.DispatchResult{Accepted: false, Reason: err.Error(), SessionKey: r.SessionKey}
	}
	return model.DispatchResult{Accepted: true, SessionKey: r.SessionKey, Mode: "session"}
}

// getOrCreateSession returns the live Session for key, constructing one on
// first use.
func (cp *ControlPlane) getOrCreateSession(key string) *session.Session {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if s, ok := cp.sessions[key]; ok {
		return s
	}
	s := session.New(key, cp.cfg.Session, cp.store, cp.eng, cp.verify, cp.bus, cp.logger)
	cp.sessions[key] = s
	return s
}

// Session returns the live session for key, if one has been created.
func (cp *ControlPlane) Session(key string) (*session.Session, bool) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	s, ok := cp.sessions[key]
	return s, ok
}

// EnsureSession returns the live Session for key, creating one on first
// use. Exported so internal/rpcserver's Manager can resolve the session
// backing an accepted control-socket connection without reaching into
// ControlPlane's internals (rpcserver.SessionProvider).
func (cp *ControlPlane) EnsureSession(key string) *session.Session {
	return cp.getOrCreateSession(key)
}

// CleanupExpiredSessions stops and evicts every idle session whose
// lastActiveAt exceeds the configured session TTL (spec.md §4.6's cleanup
// timer). Intended to be called periodically via internal/schedule.
func (cp *ControlPlane) CleanupExpiredSessions() {
	if cp.cfg.SessionTTL <= 0 {
		return
	}
	now := time.Now()
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for key, s := range cp.sessions {
		if !s.IsIdle() {
			continue
		}
		if now.Sub(s.LastActiveAt()) < cp.cfg.SessionTTL {
			continue
		}
		s.Stop()
		delete(cp.sessions, key)
		cp.logger.Info("controlplane: evicted idle session past TTL", "sessionKey", key)
	}
}

// CleanupInterval is max(15s, sessionTtl/2) per spec.md §4.6's cleanup
// timer cadence.
func (cp *ControlPlane) CleanupInterval() time.Duration {
	interval := cp.cfg.SessionTTL / 2
	if interval < 15*time.Second {
		interval = 15 * time.Second
	}
	return interval
}

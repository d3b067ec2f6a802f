// Package session implements the Agent Session (spec.md §4.5): one
// serial-queued state machine per routed session key, owning its
// transcript, event dedupe window, and turn lifecycle, including the PR-URL
// verification and sticky no-reply gates.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/micic-mihajlo/talonbot-sub000/internal/bus"
	"github.com/micic-mihajlo/talonbot-sub000/internal/engine"
	"github.com/micic-mihajlo/talonbot-sub000/internal/model"
	"github.com/micic-mihajlo/talonbot-sub000/internal/prcheck"
	"github.com/micic-mihajlo/talonbot-sub000/internal/queue"
	"github.com/micic-mihajlo/talonbot-sub000/internal/talonerr"
)

const unverifiedPRRefusal = "I can't verify that PR URL yet…"
const abortedReply = "Turn was aborted by operator."
const executionErrorReply = "I hit an execution error processing your request."

// Config holds the per-session limits spec.md §4.5 pulls from
// configuration.
type Config struct {
	SessionMaxMessages    int
	MaxQueuePerSession    int
	MaxMessageBytes       int
	SessionDedupeWindow   time.Duration
}

// Store is the subset of internal/store.Store a session needs.
type Store interface {
	ReadSessionState(key string) (*model.SessionState, error)
	WriteSessionState(key string, st model.SessionState) error
	AppendLog(key string, v any) error
	AppendContext(key string, entry model.TranscriptEntry) error
	ReadContextTail(key string, tailN int) ([]model.TranscriptEntry, error)
	ClearSessionData(key string) error
}

// ReplyFunc delivers assistant text back to the originating transport.
type ReplyFunc func(text string) error

// dedupeEntry is one seen event ID with its observation time.
type dedupeEntry struct {
	seenAt time.Time
}

// Session is one routed session's live state machine.
type Session struct {
	key    string
	cfg    Config
	store  Store
	eng    engine.Engine
	verify prcheck.Verifier
	b      *bus.Bus
	logger *slog.Logger

	q *queue.Serial

	mu           sync.Mutex
	transcript   []model.TranscriptEntry
	turnIndex    int
	messageCount int
	stopped      bool
	sticky       bool
	dedupe       map[string]dedupeEntry
	lastActiveAt time.Time

	runMu       sync.Mutex
	running     bool
	cancelTurn  context.CancelFunc
}

// New constructs a Session for key, restoring persisted state if present.
func New(key string, cfg Config, store Store, eng engine.Engine, verify prcheck.Verifier, b *bus.Bus, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		key:    key,
		cfg:    cfg,
		store:  store,
		eng:    eng,
		verify: verify,
		b:      b,
		logger: logger,
		dedupe: map[string]dedupeEntry{},
	}
	s.q = queue.New(queue.Config{MaxDepth: cfg.MaxQueuePerSession})

	if st, err := store.ReadSessionState(key); err == nil && st != nil {
		s.turnIndex = st.TurnIndex
		s.messageCount = st.MessageCount
		s.sticky = st.StickyNoReplyUntilPRURL
		s.lastActiveAt = st.LastActiveAt
	}
	if tail, err := store.ReadContextTail(key, cfg.SessionMaxMessages); err == nil {
		s.transcript = tail
	}
	return s
}

// Enqueue admits one inbound message (spec.md §4.5's Enqueue contract).
func (s *Session) Enqueue(ctx context.Context, m model.InboundMessage, reply ReplyFunc) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.pruneDedupe()
	if _, seen := s.dedupe[m.ID]; seen {
		s.mu.Unlock()
		return nil
	}
	s.dedupe[m.ID] = dedupeEntry{seenAt: time.Now()}
	s.mu.Unlock()

	if err := s.store.AppendLog(s.key, m); err != nil {
		s.logger.Warn("session: append log failed", "sessionKey", s.key, "error", err)
	}

	text := m.Text
	if s.cfg.MaxMessageBytes > 0 && len(text) > s.cfg.MaxMessageBytes {
		return talonerr.ErrMessageTooLarge
	}

	s.mu.Lock()
	s.messageCount++
	s.mu.Unlock()
	s.persistState()

	return s.q.Enqueue(func() {
		s.processMessage(ctx, m, text, reply)
	})
}

// processMessage runs one full turn: transcript append, engine call,
// PR-URL verification gate, sticky-mode gate, reply emission.
func (s *Session) processMessage(parent context.Context, m model.InboundMessage, safeText string, reply ReplyFunc) {
	turnCtx, cancel := context.WithCancel(parent)

	s.runMu.Lock()
	s.running = true
	s.cancelTurn = cancel
	s.runMu.Unlock()
	defer func() {
		s.runMu.Lock()
		s.running = false
		s.cancelTurn = nil
		s.runMu.Unlock()
		cancel()
	}()

	s.mu.Lock()
	s.appendTranscriptLocked(model.TranscriptEntry{Kind: model.TranscriptUser, Text: safeText, At: time.Now().UTC()})
	s.turnIndex++
	turnIndex := s.turnIndex
	contextLines := append([]model.TranscriptEntry(nil), s.transcript...)
	s.mu.Unlock()

	out, err := s.eng.Complete(turnCtx, engine.Input{
		TaskID:     m.ID,
		Text:       renderContext(contextLines),
		SessionKey: s.key,
	})

	var assistantText string
	switch {
	case err != nil && turnCtx.Err() == context.Canceled:
		assistantText = abortedReply
	case err != nil:
		assistantText = executionErrorReply
		s.logger.Warn("session: engine turn failed", "sessionKey", s.key, "error", err)
	default:
		assistantText = out.Text
	}

	if err == nil {
		assistantText = s.verifyPRClaims(turnCtx, assistantText)
	}

	s.mu.Lock()
	suppressed := s.sticky && !s.hasVerifiedPRURL(assistantText)
	s.mu.Unlock()

	var emitted *model.AssistantMessage
	if suppressed {
		emitted = nil
	} else {
		msg := model.AssistantMessage{Role: "assistant", Content: assistantText, Timestamp: time.Now().UTC()}
		s.mu.Lock()
		s.appendTranscriptLocked(model.TranscriptEntry{Kind: model.TranscriptAssistant, Text: assistantText, At: msg.Timestamp})
		s.mu.Unlock()
		if err := s.store.AppendContext(s.key, model.TranscriptEntry{Kind: model.TranscriptAssistant, Text: assistantText, At: msg.Timestamp}); err != nil {
			s.logger.Warn("session: append context failed", "sessionKey", s.key, "error", err)
		}
		if reply != nil {
			if err := reply(assistantText); err != nil {
				s.logger.Warn("session: reply delivery failed", "sessionKey", s.key, "error", err)
			}
		}
		emitted = &msg
	}

	s.persistState()
	if s.b != nil {
		s.b.Publish(bus.TopicSessionTurnEnd, model.TurnEndEvent{SessionKey: s.key, Message: emitted, TurnIndex: turnIndex})
	}
}

// verifyPRClaims replaces the reply with a fixed refusal if it contains any
// PR URL that the collaborator cannot verify (spec.md §4.5 step 5, §8's
// quantified safety property: every PR URL in a reply must verify, not just
// the first). PR verification is never performed inline via a VCS CLI call;
// it always goes through the injected prcheck.Verifier.
func (s *Session) verifyPRClaims(ctx context.Context, text string) string {
	urls := prcheck.ExtractPRURLs(text)
	if len(urls) == 0 {
		return text
	}
	if s.verify == nil {
		return unverifiedPRRefusal
	}
	for _, url := range urls {
		result, err := s.verify.Verify(ctx, url)
		if err != nil || !result.Exists {
			return unverifiedPRRefusal
		}
	}
	return text
}

func (s *Session) hasVerifiedPRURL(text string) bool {
	return len(prcheck.ExtractPRURLs(text)) > 0 && text != unverifiedPRRefusal
}

// appendTranscriptLocked appends entry and trims to SessionMaxMessages.
// Caller must hold s.mu.
func (s *Session) appendTranscriptLocked(entry model.TranscriptEntry) {
	s.transcript = append(s.transcript, entry)
	if s.cfg.SessionMaxMessages > 0 && len(s.transcript) > s.cfg.SessionMaxMessages {
		s.transcript = s.transcript[len(s.transcript)-s.cfg.SessionMaxMessages:]
	}
}

func renderContext(entries []model.TranscriptEntry) string {
	out := ""
	for _, e := range entries {
		out += fmt.Sprintf("[%s] %s\n", e.Kind, e.Text)
	}
	return out
}

// pruneDedupe sweeps dedupe entries older than the configured window.
// Caller must hold s.mu.
func (s *Session) pruneDedupe() {
	if s.cfg.SessionDedupeWindow <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.cfg.SessionDedupeWindow)
	for id, e := range s.dedupe {
		if e.seenAt.Before(cutoff) {
			delete(s.dedupe, id)
		}
	}
}

// Abort cancels the in-flight turn (if any) and clears the queue, returning
// whether anything was active.
func (s *Session) Abort() bool {
	s.runMu.Lock()
	wasRunning := s.running
	if s.cancelTurn != nil {
		s.cancelTurn()
	}
	s.runMu.Unlock()

	hadQueued := s.q.Size() > 0
	s.q.Clear()
	return wasRunning || hadQueued
}

// Clear resets transcript, state, and dedupe cache. It rejects while busy
// (a turn running or items queued), and summarize=true is reserved.
func (s *Session) Clear(summarize bool) error {
	if summarize {
		return talonerr.ErrUnsupported
	}
	s.runMu.Lock()
	busy := s.running
	s.runMu.Unlock()
	if busy || s.q.Size() > 0 {
		return talonerr.ErrBusy
	}

	s.mu.Lock()
	s.transcript = nil
	s.turnIndex = 0
	s.messageCount = 0
	s.sticky = false
	s.dedupe = map[string]dedupeEntry{}
	s.mu.Unlock()

	return s.store.ClearSessionData(s.key)
}

// GetSummary asks the engine to summarize messages since the last user
// turn, failing with ErrNoMessages when the transcript is empty.
func (s *Session) GetSummary(ctx context.Context) (string, error) {
	s.mu.Lock()
	if len(s.transcript) == 0 {
		s.mu.Unlock()
		return "", talonerr.ErrNoMessages
	}
	contextLines := append([]model.TranscriptEntry(nil), s.transcript...)
	s.mu.Unlock()

	out, err := s.eng.Complete(ctx, engine.Input{
		Text:       "Summarize the conversation so far.\n\n" + renderContext(contextLines),
		SessionKey: s.key,
	})
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

// GetLastAssistantMessage returns the most recent assistant transcript
// entry, or false if none exists.
func (s *Session) GetLastAssistantMessage() (model.TranscriptEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.transcript) - 1; i >= 0; i-- {
		if s.transcript[i].Kind == model.TranscriptAssistant {
			return s.transcript[i], true
		}
	}
	return model.TranscriptEntry{}, false
}

// SetSticky sets or clears the "no replies until PR URL" mode.
func (s *Session) SetSticky(on bool) {
	s.mu.Lock()
	s.sticky = on
	s.mu.Unlock()
	s.persistState()
}

// IsIdle reports whether no turn is running and the queue is empty.
func (s *Session) IsIdle() bool {
	s.runMu.Lock()
	running := s.running
	s.runMu.Unlock()
	return !running && s.q.Size() == 0
}

// Stop marks the session as stopped; subsequent Enqueue calls no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *Session) persistState() {
	s.mu.Lock()
	now := time.Now().UTC()
	s.lastActiveAt = now
	st := model.SessionState{
		SessionKey:              s.key,
		LastActiveAt:             now,
		MessageCount:             s.messageCount,
		TurnIndex:                s.turnIndex,
		StickyNoReplyUntilPRURL:  s.sticky,
	}
	s.mu.Unlock()
	if err := s.store.WriteSessionState(s.key, st); err != nil {
		s.logger.Warn("session: persist state failed", "sessionKey", s.key, "error", err)
	}
}

// LastActiveAt returns the last time this session was touched by an
// enqueued event or turn completion, used by the control plane's session
// cleanup timer (spec.md §4.6).
func (s *Session) LastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveAt
}

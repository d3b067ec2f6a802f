// Package model holds the wire- and disk-level data types shared across the
// control plane and task orchestrator: inbound events, sessions, aliases,
// transcript entries, and task records.
package model

import "time"

// Source identifies which transport produced an InboundMessage.
type Source string

const (
	SourceSlack    Source = "slack"
	SourceDiscord  Source = "discord"
	SourceTelegram Source = "telegram"
	SourceSocket   Source = "socket"
)

// InboundMessage is the immutable event a transport hands to the control
// plane. ID is the dedupe key.
type InboundMessage struct {
	ID          string            `json:"id"`
	Source      Source            `json:"source"`
	ChannelID   string            `json:"channelId"`
	ThreadID    string            `json:"threadId,omitempty"`
	SenderID    string            `json:"senderId"`
	Text        string            `json:"text"`
	Attachments []string          `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ReceivedAt  time.Time         `json:"receivedAt"`
}

// Route is the deterministic session routing derived from an InboundMessage.
type Route struct {
	Source     Source
	Channel    string
	Thread     string
	SessionKey string
}

// SessionAlias maps a human-chosen name to a session key.
type SessionAlias struct {
	Alias      string    `json:"alias"`
	SessionKey string    `json:"sessionKey"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SessionState is the durable per-session snapshot.
type SessionState struct {
	SessionKey              string    `json:"sessionKey"`
	LastActiveAt            time.Time `json:"lastActiveAt"`
	MessageCount            int       `json:"messageCount"`
	TurnIndex               int       `json:"turnIndex"`
	LastProcessedMessageID  string    `json:"lastProcessedMessageId,omitempty"`
	StickyNoReplyUntilPRURL bool      `json:"stickyNoReplyUntilPrUrl,omitempty"`
}

// TranscriptKind distinguishes user and assistant transcript entries.
type TranscriptKind string

const (
	TranscriptUser      TranscriptKind = "user"
	TranscriptAssistant TranscriptKind = "assistant"
)

// TranscriptEntry is one line of context.jsonl.
type TranscriptEntry struct {
	Kind TranscriptKind `json:"kind"`
	Text string         `json:"text"`
	At   time.Time      `json:"at"`
}

// AssistantMessage is the payload of a TurnEndEvent.
type AssistantMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnEndEvent fires exactly once per turn on the control plane's event bus.
type TurnEndEvent struct {
	SessionKey string            `json:"sessionKey"`
	Message    *AssistantMessage `json:"message"`
	TurnIndex  int               `json:"turnIndex"`
}

// TaskStatus is the closed set of task lifecycle states (spec.md §4.8).
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskBlocked   TaskStatus = "blocked"
	TaskDone      TaskStatus = "done"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// TaskSource identifies what originated a task.
type TaskSource string

const (
	TaskSourceTransport TaskSource = "transport"
	TaskSourceWebhook   TaskSource = "webhook"
	TaskSourceOperator  TaskSource = "operator"
	TaskSourceSystem    TaskSource = "system"
)

// ArtifactKind tags a TaskArtifact's payload shape.
type ArtifactKind string

const (
	ArtifactLauncher    ArtifactKind = "launcher"
	ArtifactSummary     ArtifactKind = "summary"
	ArtifactFileChanges ArtifactKind = "file_changes"
	ArtifactGitCommit   ArtifactKind = "git_commit"
	ArtifactPullRequest ArtifactKind = "pull_request"
	ArtifactChecks      ArtifactKind = "checks"
	ArtifactTestOutput  ArtifactKind = "test_output"
	ArtifactError       ArtifactKind = "error"
	ArtifactNone        ArtifactKind = "no_artifact"
)

// TaskArtifact is a durable, kind-tagged evidence record attached to a task.
type TaskArtifact struct {
	Kind           ArtifactKind `json:"kind"`
	At             time.Time    `json:"at"`
	WorktreePath   string       `json:"worktreePath,omitempty"`
	Branch         string       `json:"branch,omitempty"`
	AssignedAgent  string       `json:"assignedSession,omitempty"`
	Text           string       `json:"text,omitempty"`
	CommitSHA      string       `json:"commitSha,omitempty"`
	PRUrl          string       `json:"prUrl,omitempty"`
	FilesChanged   []string     `json:"filesChanged,omitempty"`
	ChecksSummary  string       `json:"checksSummary,omitempty"`
	ChecksPassed   bool         `json:"checksPassed,omitempty"`
	TestOutput     string       `json:"testOutput,omitempty"`
	ErrorMessage   string       `json:"errorMessage,omitempty"`
}

// TaskEventKind loosely tags a TaskEvent's meaning; "status_transition" is
// the only kind with mandatory structured details.
type TaskEventKind string

const (
	TaskEventStatusTransition TaskEventKind = "status_transition"
)

// TaskEvent is one append-only entry in a task's event log.
type TaskEvent struct {
	At      time.Time     `json:"at"`
	Kind    TaskEventKind `json:"kind"`
	Message string        `json:"message"`
	Details *TaskEventDetails `json:"details,omitempty"`
}

// TaskEventDetails carries the from/to pair for status_transition events.
type TaskEventDetails struct {
	From TaskStatus `json:"from,omitempty"`
	To   TaskStatus `json:"to,omitempty"`
}

// TaskRecord is the full durable record for one orchestrated task.
type TaskRecord struct {
	ID                  string         `json:"id"`
	ParentTaskID        string         `json:"parentTaskId,omitempty"`
	SessionKey          string         `json:"sessionKey,omitempty"`
	Source              TaskSource     `json:"source"`
	Text                string         `json:"text"`
	RepoID              string         `json:"repoId"`
	Status              TaskStatus     `json:"status"`
	AssignedSession     string         `json:"assignedSession"`
	WorktreePath        string         `json:"worktreePath,omitempty"`
	Branch              string         `json:"branch,omitempty"`
	RetryCount          int            `json:"retryCount"`
	MaxRetries          int            `json:"maxRetries"`
	EscalationRequired  bool           `json:"escalationRequired,omitempty"`
	Error               string         `json:"error,omitempty"`
	Artifacts           []TaskArtifact `json:"artifacts"`
	Children            []string       `json:"children,omitempty"`
	Events              []TaskEvent    `json:"events"`
	CancelRequested     bool           `json:"cancelRequested,omitempty"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
	StartedAt           *time.Time     `json:"startedAt,omitempty"`
	FinishedAt          *time.Time     `json:"finishedAt,omitempty"`
}

// LatestArtifact returns the most recently appended artifact of kind k, or
// false if none exists.
func (t *TaskRecord) LatestArtifact(k ArtifactKind) (TaskArtifact, bool) {
	for i := len(t.Artifacts) - 1; i >= 0; i-- {
		if t.Artifacts[i].Kind == k {
			return t.Artifacts[i], true
		}
	}
	return TaskArtifact{}, false
}

// IsFanOutParent reports whether t has children, per spec.md §3's invariant
// that children is non-empty iff t is a fan-out parent.
func (t *TaskRecord) IsFanOutParent() bool {
	return len(t.Children) > 0
}

// DispatchResult is returned by the control plane's Dispatch call.
type DispatchResult struct {
	Accepted   bool   `json:"accepted"`
	Reason     string `json:"reason,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	Mode       string `json:"mode,omitempty"`
	TaskID     string `json:"taskId,omitempty"`
}

// Package orchestrator implements the Task Orchestrator (spec.md §4.9): a
// bounded-concurrency scheduler that runs git-worktree-isolated task
// workflows through the task state machine, with retry/escalation, fan-out
// rollup, and crash recovery.
package orchestrator

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/micic-mihajlo/talonbot-sub000/internal/audit"
	"github.com/micic-mihajlo/talonbot-sub000/internal/engine"
	"github.com/micic-mihajlo/talonbot-sub000/internal/health"
	"github.com/micic-mihajlo/talonbot-sub000/internal/model"
	"github.com/micic-mihajlo/talonbot-sub000/internal/prcheck"
	"github.com/micic-mihajlo/talonbot-sub000/internal/store"
	"github.com/micic-mihajlo/talonbot-sub000/internal/talonerr"
	"github.com/micic-mihajlo/talonbot-sub000/internal/taskstate"
	"github.com/micic-mihajlo/talonbot-sub000/internal/worktree"
)

// RepoRegistry resolves a repo ID to its checkout path and default branch,
// and names the repo used when a submission doesn't pick one explicitly.
type RepoRegistry interface {
	RepoPath(repoID string) (string, error)
	DefaultBranch(repoID string) string
	DefaultRepoID() (string, bool)
}

// Config controls worker-turn behavior (spec.md §6 env knobs).
type Config struct {
	MaxConcurrency          int
	AutoCommit              bool
	AutoPR                  bool
	AutoCleanup             bool
	PRCheckTimeout          time.Duration
	PRCheckPoll             time.Duration
	FailedWorktreeRetention time.Duration
	StaleWorktreeAge        time.Duration
	MaintenanceInterval     time.Duration
}

// SubmitRequest is the input to Submit.
type SubmitRequest struct {
	Text       string
	SessionKey string
	Source     model.TaskSource
	RepoID     string
	Fanout     []string
}

// Orchestrator owns the in-memory task map and bounded-concurrency worker
// pool, durably snapshotted through internal/store.
type Orchestrator struct {
	cfg    Config
	store  *store.Store
	repos  RepoRegistry
	wt     *worktree.Manager
	eng    engine.Engine
	vcs    VCS
	verify prcheck.Verifier
	logger *slog.Logger

	mu      sync.Mutex
	tasks   map[string]model.TaskRecord
	queue   []string
	running map[string]bool

	lastMaintenance time.Time
}

// New constructs an Orchestrator, loading and crash-recovering any
// persisted snapshot.
func New(cfg Config, st *store.Store, repos RepoRegistry, wt *worktree.Manager, eng engine.Engine, vcs VCS, verify prcheck.Verifier, logger *slog.Logger) (*Orchestrator, error) {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.MaxConcurrency > 32 {
		cfg.MaxConcurrency = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:     cfg,
		store:   st,
		repos:   repos,
		wt:      wt,
		eng:     eng,
		vcs:     vcs,
		verify:  verify,
		logger:  logger,
		tasks:   map[string]model.TaskRecord{},
		running: map[string]bool{},
	}
	if err := o.recover(); err != nil {
		return nil, err
	}
	return o, nil
}

// recover loads the persisted snapshot, requeuing any task stuck in
// "running" (spec.md §4.9 crash recovery), since no worker from this
// process holds it.
func (o *Orchestrator) recover() error {
	snap, err := o.store.ReadTaskSnapshot()
	if err != nil {
		o.logger.Warn("orchestrator: snapshot corrupt, resetting", "error", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now().UTC()
	for _, t := range snap.Tasks {
		if t.Status == model.TaskRunning {
			if terr := taskstate.Transition(&t, model.TaskQueued, "recovered", now); terr != nil {
				o.logger.Error("orchestrator: could not recover task", "taskId", t.ID, "error", terr)
			}
		}
		o.tasks[t.ID] = t
		if t.Status == model.TaskQueued {
			o.queue = append(o.queue, t.ID)
		}
	}
	return o.persistLocked()
}

// persistLocked writes the current task map to durable storage. Caller must
// hold o.mu.
func (o *Orchestrator) persistLocked() error {
	list := make([]model.TaskRecord, 0, len(o.tasks))
	for _, t := range o.tasks {
		list = append(list, t)
	}
	return o.store.WriteTaskSnapshot(list)
}

// deterministicAssignment derives a stable worker/session slot from the
// repo, task, and text, so the same submission always lands on the same
// assignment across restarts.
func deterministicAssignment(repoID, taskID, text string) string {
	sum := sha1.Sum([]byte(repoID + "|" + taskID + "|" + text))
	return "session-" + hex.EncodeToString(sum[:])[:8]
}

// Submit creates and enqueues a new task (or a fan-out parent plus its
// children) per spec.md §4.9.
func (o *Orchestrator) Submit(req SubmitRequest) (model.TaskRecord, error) {
	now := time.Now().UTC()

	if len(req.Fanout) > 0 {
		parent := model.TaskRecord{
			ID:         uuid.NewString(),
			SessionKey: req.SessionKey,
			Source:     req.Source,
			Text:       req.Text,
			Status:     model.TaskBlocked,
			MaxRetries: 1,
			CreatedAt:  now,
			UpdatedAt:  now,
			Artifacts:  []model.TaskArtifact{},
			Events:     []model.TaskEvent{{At: now, Kind: model.TaskEventStatusTransition, Message: "fanout_created"}},
		}
		finishedAt := now
		parent.FinishedAt = &finishedAt // blocked is terminal-on-entry per spec.md §3

		o.mu.Lock()
		defer o.mu.Unlock()
		for _, prompt := range req.Fanout {
			child := model.TaskRecord{
				ID:           uuid.NewString(),
				ParentTaskID: parent.ID,
				SessionKey:   req.SessionKey,
				Source:       req.Source,
				Text:         prompt,
				RepoID:       req.RepoID,
				Status:       model.TaskQueued,
				MaxRetries:   1,
				CreatedAt:    now,
				UpdatedAt:    now,
				Artifacts:    []model.TaskArtifact{},
				Events:       []model.TaskEvent{},
			}
			child.AssignedSession = deterministicAssignment(req.RepoID, child.ID, prompt)
			o.tasks[child.ID] = child
			o.queue = append(o.queue, child.ID)
			parent.Children = append(parent.Children, child.ID)
		}
		o.tasks[parent.ID] = parent
		if err := o.persistLocked(); err != nil {
			return model.TaskRecord{}, err
		}
		return parent, nil
	}

	repoID := req.RepoID
	if repoID == "" {
		def, ok := o.repos.DefaultRepoID()
		if !ok {
			return model.TaskRecord{}, talonerr.ErrRepoNotFound
		}
		repoID = def
	}
	if _, err := o.repos.RepoPath(repoID); err != nil {
		return model.TaskRecord{}, talonerr.ErrRepoNotFound
	}

	t := model.TaskRecord{
		ID:         uuid.NewString(),
		SessionKey: req.SessionKey,
		Source:     req.Source,
		Text:       req.Text,
		RepoID:     repoID,
		Status:     model.TaskQueued,
		MaxRetries: 1,
		CreatedAt:  now,
		UpdatedAt:  now,
		Artifacts:  []model.TaskArtifact{},
		Events:     []model.TaskEvent{},
	}
	t.AssignedSession = deterministicAssignment(repoID, t.ID, req.Text)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.tasks[t.ID] = t
	o.queue = append(o.queue, t.ID)
	if err := o.persistLocked(); err != nil {
		return model.TaskRecord{}, err
	}
	return t, nil
}

// GetTask returns a copy of a task's current record.
func (o *Orchestrator) GetTask(id string) (model.TaskRecord, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	return t, ok
}

// Retry re-queues a task from any non-running status, clearing error state.
func (o *Orchestrator) Retry(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return talonerr.ErrTaskNotFound
	}
	if t.Status == model.TaskRunning {
		return talonerr.ErrBusy
	}
	t.Error = ""
	t.EscalationRequired = false
	now := time.Now().UTC()
	if err := taskstate.Transition(&t, model.TaskQueued, "operator_retry", now); err != nil {
		return err
	}
	o.tasks[id] = t
	o.queue = append(o.queue, id)
	audit.Record(audit.EventTaskRetried, id, fmt.Sprintf("attempt=%d", t.RetryCount))
	return o.persistLocked()
}

// Cancel cancels a queued task immediately, or flags a running task for
// cooperative cancellation at its next checkpoint.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return talonerr.ErrTaskNotFound
	}
	now := time.Now().UTC()
	switch t.Status {
	case model.TaskQueued:
		if err := taskstate.Transition(&t, model.TaskCancelled, "cancelled_while_queued", now); err != nil {
			return err
		}
		o.tasks[id] = t
		o.removeFromQueueLocked(id)
		audit.Record(audit.EventTaskCancelled, id, "cancelled_while_queued")
		return o.persistLocked()
	case model.TaskRunning:
		t.CancelRequested = true
		t.UpdatedAt = now
		o.tasks[id] = t
		audit.Record(audit.EventTaskCancelled, id, "cancel_requested_while_running")
		return o.persistLocked()
	default:
		return &talonerr.ErrInvalidTaskTransition{From: string(t.Status), To: string(model.TaskCancelled)}
	}
}

func (o *Orchestrator) removeFromQueueLocked(id string) {
	out := o.queue[:0]
	for _, qid := range o.queue {
		if qid != id {
			out = append(out, qid)
		}
	}
	o.queue = out
}

// Pump dispatches queued work up to the concurrency bound. It is safe to
// call after any state change and periodically from maintenance.
func (o *Orchestrator) Pump(ctx context.Context) {
	for {
		o.mu.Lock()
		if len(o.running) >= o.cfg.MaxConcurrency || len(o.queue) == 0 {
			o.mu.Unlock()
			return
		}
		id := o.queue[0]
		o.queue = o.queue[1:]
		t, ok := o.tasks[id]
		if !ok || t.Status != model.TaskQueued {
			o.mu.Unlock()
			continue
		}
		o.running[id] = true
		o.mu.Unlock()

		go o.runWorkerTurn(ctx, id)
	}
}

// RunningIDs returns the set of task IDs currently holding a worker slot,
// for the health monitor.
func (o *Orchestrator) RunningIDs() map[string]bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]bool, len(o.running))
	for id := range o.running {
		out[id] = true
	}
	return out
}

// Snapshot returns a copy of every task, for the health monitor and status
// reporting.
func (o *Orchestrator) Snapshot() map[string]model.TaskRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]model.TaskRecord, len(o.tasks))
	for id, t := range o.tasks {
		out[id] = t
	}
	return out
}

// HealthSnapshot runs the Health Monitor over the orchestrator's current
// state.
func (o *Orchestrator) HealthSnapshot(th health.Thresholds) health.Snapshot {
	return health.Evaluate(o.Snapshot(), o.RunningIDs(), nil, time.Now().UTC(), th)
}

var largestJSONObject = regexp.MustCompile(`(?s)\{.*\}`)

type workerOutput struct {
	Summary       string `json:"summary"`
	State         string `json:"state"`
	CommitMessage string `json:"commitMessage"`
	PRTitle       string `json:"prTitle"`
	PRBody        string `json:"prBody"`
	TestOutput    string `json:"testOutput"`
}

func parseWorkerOutput(text string) workerOutput {
	if m := largestJSONObject.FindString(text); m != "" {
		var out workerOutput
		if err := json.Unmarshal([]byte(m), &out); err == nil && out.Summary != "" {
			if out.State == "" {
				out.State = "done"
			}
			return out
		}
	}
	return workerOutput{Summary: text, State: "done"}
}

func (o *Orchestrator) setTask(id string, t model.TaskRecord) {
	o.mu.Lock()
	o.tasks[id] = t
	_ = o.persistLocked()
	o.mu.Unlock()
}

func (o *Orchestrator) getTask(id string) model.TaskRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tasks[id]
}

func (o *Orchestrator) cancelRequested(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tasks[id].CancelRequested
}

// runWorkerTurn executes one worker-turn attempt for task id (spec.md
// §4.9's 13-step worker turn), releasing its concurrency slot on return.
func (o *Orchestrator) runWorkerTurn(ctx context.Context, id string) {
	defer func() {
		o.mu.Lock()
		delete(o.running, id)
		o.mu.Unlock()
		o.Pump(ctx)
		o.rollupParentIfChild(id)
	}()

	t := o.getTask(id)
	now := time.Now().UTC()
	if err := taskstate.Transition(&t, model.TaskRunning, "started", now); err != nil {
		o.logger.Error("orchestrator: invalid transition to running", "taskId", id, "error", err)
		return
	}
	o.setTask(id, t)

	wtInfo, err := o.wt.Create(ctx, t.RepoID, t.ID)
	if err != nil {
		o.handleWorkerFailure(id, fmt.Errorf("create worktree: %w", err))
		return
	}
	t = o.getTask(id)
	t.WorktreePath = wtInfo.Path
	t.Branch = wtInfo.Branch
	t.Artifacts = append(t.Artifacts, model.TaskArtifact{
		Kind:          model.ArtifactLauncher,
		At:            time.Now().UTC(),
		WorktreePath:  wtInfo.Path,
		Branch:        wtInfo.Branch,
		AssignedAgent: t.AssignedSession,
	})
	o.setTask(id, t)

	out, err := o.eng.Complete(ctx, engine.Input{
		TaskID:     id,
		Text:       workerPrompt(t.Text),
		WorkDir:    wtInfo.Path,
		SessionKey: t.SessionKey,
	})
	if err != nil {
		o.handleWorkerFailure(id, fmt.Errorf("engine turn: %w", err))
		return
	}

	if o.cancelRequested(id) {
		t = o.getTask(id)
		_ = taskstate.Transition(&t, model.TaskCancelled, "cancelled_cooperatively", time.Now().UTC())
		o.setTask(id, t)
		o.cleanupWorktree(ctx, t)
		return
	}

	parsed := parseWorkerOutput(out.Text)
	t = o.getTask(id)
	t.Artifacts = append(t.Artifacts, model.TaskArtifact{Kind: model.ArtifactSummary, At: time.Now().UTC(), Text: parsed.Summary})
	if parsed.TestOutput != "" {
		t.Artifacts = append(t.Artifacts, model.TaskArtifact{Kind: model.ArtifactTestOutput, At: time.Now().UTC(), TestOutput: parsed.TestOutput})
	}
	if files, ferr := o.vcs.ChangedFiles(ctx, wtInfo.Path); ferr == nil && len(files) > 0 {
		t.Artifacts = append(t.Artifacts, model.TaskArtifact{Kind: model.ArtifactFileChanges, At: time.Now().UTC(), FilesChanged: files})
	}
	o.setTask(id, t)

	if parsed.State == "blocked" {
		t = o.getTask(id)
		_ = taskstate.Transition(&t, model.TaskBlocked, "engine_reported_blocked", time.Now().UTC())
		o.setTask(id, t)
		return
	}

	var commitSHA string
	if o.cfg.AutoCommit {
		msg := parsed.CommitMessage
		if msg == "" {
			msg = fmt.Sprintf("talon: %s", parsed.Summary)
		}
		sha, cerr := o.vcs.Commit(ctx, wtInfo.Path, msg)
		if cerr == nil && sha != "" {
			commitSHA = sha
			t = o.getTask(id)
			t.Artifacts = append(t.Artifacts, model.TaskArtifact{Kind: model.ArtifactGitCommit, At: time.Now().UTC(), CommitSHA: sha})
			o.setTask(id, t)
		}
	}

	if commitSHA != "" && o.cfg.AutoPR {
		if perr := o.vcs.Push(ctx, wtInfo.Path, wtInfo.Branch); perr != nil {
			o.handleWorkerFailure(id, fmt.Errorf("push: %w", perr))
			return
		}
		title := parsed.PRTitle
		if title == "" {
			title = parsed.Summary
		}
		prURL, perr := o.vcs.OpenPR(ctx, wtInfo.Path, wtInfo.Branch, title, parsed.PRBody)
		if perr != nil {
			o.handleWorkerFailure(id, fmt.Errorf("open pr: %w", perr))
			return
		}
		t = o.getTask(id)
		t.Artifacts = append(t.Artifacts, model.TaskArtifact{Kind: model.ArtifactPullRequest, At: time.Now().UTC(), PRUrl: prURL})
		o.setTask(id, t)

		passed, summary := o.pollChecks(ctx, wtInfo.Path, prURL)
		t = o.getTask(id)
		t.Artifacts = append(t.Artifacts, model.TaskArtifact{Kind: model.ArtifactChecks, At: time.Now().UTC(), ChecksSummary: summary, ChecksPassed: passed})
		if !passed {
			t.EscalationRequired = true
			_ = taskstate.Transition(&t, model.TaskBlocked, "pr_checks_failed", time.Now().UTC())
			o.setTask(id, t)
			return
		}
		o.setTask(id, t)
	}

	t = o.getTask(id)
	_ = taskstate.Transition(&t, model.TaskDone, "completed", time.Now().UTC())
	o.setTask(id, t)
	o.cleanupWorktree(ctx, t)
}

func workerPrompt(taskText string) string {
	return strings.TrimSpace(`
Complete the following task in this worktree. Respond with a single JSON
object: {"summary": string, "state": "done"|"blocked", "commitMessage"?: string,
"prTitle"?: string, "prBody"?: string, "testOutput"?: string}.

Task:
` + taskText)
}

// pollChecks polls the VCS collaborator for PR check status up to
// PRCheckTimeout, every PRCheckPoll.
func (o *Orchestrator) pollChecks(ctx context.Context, dir, prURL string) (bool, string) {
	deadline := time.Now().Add(o.cfg.PRCheckTimeout)
	poll := o.cfg.PRCheckPoll
	if poll <= 0 {
		poll = 10 * time.Second
	}
	var lastSummary string
	for time.Now().Before(deadline) {
		passed, summary, err := o.vcs.CheckStatus(ctx, dir, prURL)
		lastSummary = summary
		if err == nil && passed {
			return true, summary
		}
		select {
		case <-ctx.Done():
			return false, lastSummary
		case <-time.After(poll):
		}
	}
	return false, lastSummary
}

// handleWorkerFailure applies the retry/escalation rule: increment
// retryCount, append an error artifact, requeue if retries remain, else
// fail with escalation required.
func (o *Orchestrator) handleWorkerFailure(id string, cause error) {
	t := o.getTask(id)
	t.RetryCount++
	t.Error = cause.Error()
	t.Artifacts = append(t.Artifacts, model.TaskArtifact{Kind: model.ArtifactError, At: time.Now().UTC(), ErrorMessage: cause.Error()})

	if t.RetryCount <= t.MaxRetries {
		_ = taskstate.Transition(&t, model.TaskQueued, "retry_scheduled", time.Now().UTC())
		o.setTask(id, t)
		o.mu.Lock()
		o.queue = append(o.queue, id)
		o.mu.Unlock()
		return
	}
	t.EscalationRequired = true
	_ = taskstate.Transition(&t, model.TaskFailed, "retries_exhausted", time.Now().UTC())
	o.setTask(id, t)
	audit.Record(audit.EventTaskEscalated, id, fmt.Sprintf("retries_exhausted after=%d", t.RetryCount))
	o.cleanupWorktree(context.Background(), t)
}

// cleanupWorktree applies the cleanup policy from spec.md §4.9 step 13.
func (o *Orchestrator) cleanupWorktree(ctx context.Context, t model.TaskRecord) {
	if !o.cfg.AutoCleanup || t.WorktreePath == "" {
		return
	}
	shouldClean := t.Status == model.TaskDone || t.Status == model.TaskCancelled
	if (t.Status == model.TaskFailed || t.Status == model.TaskBlocked) && o.cfg.FailedWorktreeRetention <= 0 {
		shouldClean = true
	}
	if !shouldClean {
		return
	}
	if err := o.wt.Cleanup(ctx, t.RepoID, t.ID); err != nil {
		o.logger.Warn("orchestrator: worktree cleanup failed", "taskId", t.ID, "error", err)
	}
}

// rollupParentIfChild updates a fan-out parent's status after one of its
// children terminates. Idempotent: recomputes from the full current child
// set every time, so repeated calls with an already-settled parent are a
// no-op.
func (o *Orchestrator) rollupParentIfChild(childID string) {
	o.mu.Lock()
	child, ok := o.tasks[childID]
	if !ok || child.ParentTaskID == "" {
		o.mu.Unlock()
		return
	}
	parent, ok := o.tasks[child.ParentTaskID]
	if !ok {
		o.mu.Unlock()
		return
	}

	var anyFailed, allDone bool = false, true
	for _, cid := range parent.Children {
		c, ok := o.tasks[cid]
		if !ok {
			allDone = false
			continue
		}
		if c.Status == model.TaskFailed {
			anyFailed = true
		}
		if c.Status != model.TaskDone {
			allDone = false
		}
	}

	now := time.Now().UTC()
	switch {
	case anyFailed && parent.Status != model.TaskFailed:
		parent.EscalationRequired = true
		_ = taskstate.Transition(&parent, model.TaskFailed, "child_failed", now)
	case allDone && parent.Status != model.TaskDone:
		parent.Artifacts = append(parent.Artifacts, model.TaskArtifact{Kind: model.ArtifactSummary, At: now, Text: "all fan-out children completed"})
		_ = taskstate.Transition(&parent, model.TaskDone, "all_children_done", now)
	case !anyFailed && !allDone && parent.Status != model.TaskBlocked:
		_ = taskstate.Transition(&parent, model.TaskBlocked, "awaiting_children", now)
	}
	o.tasks[parent.ID] = parent
	_ = o.persistLocked()
	o.mu.Unlock()
}

// RunMaintenance performs the periodic sweep: dropping failed worktrees
// past retention, pruning stale worktree directories not referenced by any
// live task. Rate-limited to once per cfg.MaintenanceInterval by the
// caller's own ticker; this method itself always runs when called.
func (o *Orchestrator) RunMaintenance(ctx context.Context) {
	o.mu.Lock()
	live := map[string]bool{}
	var repoID string
	for _, t := range o.tasks {
		if t.Status == model.TaskQueued || t.Status == model.TaskRunning {
			live[t.ID] = true
			if repoID == "" {
				repoID = t.RepoID
			}
		}
	}
	o.lastMaintenance = time.Now()
	o.mu.Unlock()

	if repoID == "" {
		return
	}
	for _, err := range o.wt.CleanupStale(ctx, repoID, live) {
		o.logger.Warn("orchestrator: maintenance sweep error", "error", err)
	}
}

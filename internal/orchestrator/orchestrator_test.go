package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/micic-mihajlo/talonbot-sub000/internal/engine"
	"github.com/micic-mihajlo/talonbot-sub000/internal/health"
	"github.com/micic-mihajlo/talonbot-sub000/internal/model"
	"github.com/micic-mihajlo/talonbot-sub000/internal/prcheck"
	"github.com/micic-mihajlo/talonbot-sub000/internal/store"
	"github.com/micic-mihajlo/talonbot-sub000/internal/talonerr"
	"github.com/micic-mihajlo/talonbot-sub000/internal/worktree"
	"github.com/stretchr/testify/require"
)

type fakeRepos struct {
	path string
}

func (f fakeRepos) RepoPath(repoID string) (string, error) {
	if repoID != "repo1" {
		return "", talonerr.ErrRepoNotFound
	}
	return f.path, nil
}
func (f fakeRepos) DefaultBranch(repoID string) string { return "main" }
func (f fakeRepos) DefaultRepoID() (string, bool)      { return "repo1", true }

func newLocalRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func newTestOrchestrator(t *testing.T, eng engine.Engine, vcs VCS, cfg Config) (*Orchestrator, *store.Store) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	repoPath := newLocalRepo(t)
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	wt := worktree.New(t.TempDir(), fakeRepos{path: repoPath})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o, err := New(cfg, st, fakeRepos{path: repoPath}, wt, eng, vcs, &prcheck.FakeVerifier{}, logger)
	require.NoError(t, err)
	return o, st
}

func waitStatus(t *testing.T, o *Orchestrator, id string, want model.TaskStatus) model.TaskRecord {
	t.Helper()
	var last model.TaskRecord
	require.Eventually(t, func() bool {
		tr, ok := o.GetTask(id)
		if !ok {
			return false
		}
		last = tr
		return tr.Status == want
	}, 3*time.Second, 10*time.Millisecond, "task %s never reached %s (last status %s)", id, want, last.Status)
	return last
}

func TestSubmit_RejectsUnknownRepo(t *testing.T) {
	o, _ := newTestOrchestrator(t, &engine.FakeEngine{PingOK: true}, &FakeVCS{}, Config{})
	_, err := o.Submit(SubmitRequest{Text: "do it", RepoID: "nope"})
	require.ErrorIs(t, err, talonerr.ErrRepoNotFound)
}

func TestSubmit_DefaultsRepoWhenUnspecified(t *testing.T) {
	o, _ := newTestOrchestrator(t, &engine.FakeEngine{PingOK: true}, &FakeVCS{}, Config{})
	tr, err := o.Submit(SubmitRequest{Text: "do it"})
	require.NoError(t, err)
	require.Equal(t, "repo1", tr.RepoID)
	require.Equal(t, model.TaskQueued, tr.Status)
	require.NotEmpty(t, tr.AssignedSession)
}

func TestWorkerTurn_CompletesToDoneWithoutAutoCommit(t *testing.T) {
	eng := &engine.FakeEngine{Responses: []engine.Output{{Text: `{"summary":"did the thing","state":"done"}`}}}
	o, _ := newTestOrchestrator(t, eng, &FakeVCS{}, Config{MaxConcurrency: 2, AutoCleanup: true})
	tr, err := o.Submit(SubmitRequest{Text: "do it", RepoID: "repo1"})
	require.NoError(t, err)

	o.Pump(context.Background())
	done := waitStatus(t, o, tr.ID, model.TaskDone)
	require.NotNil(t, done.FinishedAt)
	_, hasSummary := done.LatestArtifact(model.ArtifactSummary)
	require.True(t, hasSummary)
	require.NoDirExists(t, done.WorktreePath)
}

func TestWorkerTurn_EngineBlockedReportTransitionsToBlocked(t *testing.T) {
	eng := &engine.FakeEngine{Responses: []engine.Output{{Text: `{"summary":"need input","state":"blocked"}`}}}
	o, _ := newTestOrchestrator(t, eng, &FakeVCS{}, Config{MaxConcurrency: 2})
	tr, err := o.Submit(SubmitRequest{Text: "do it", RepoID: "repo1"})
	require.NoError(t, err)

	o.Pump(context.Background())
	blocked := waitStatus(t, o, tr.ID, model.TaskBlocked)
	require.NotNil(t, blocked.FinishedAt)
}

func TestWorkerTurn_EngineFailureRetriesThenFails(t *testing.T) {
	eng := &engine.FakeEngine{Err: talonerr.ErrEngineFailed}
	o, _ := newTestOrchestrator(t, eng, &FakeVCS{}, Config{MaxConcurrency: 1})
	tr, err := o.Submit(SubmitRequest{Text: "do it", RepoID: "repo1"})
	require.NoError(t, err)

	o.Pump(context.Background())
	// First attempt fails and is requeued (retryCount 1 <= maxRetries 1).
	waitStatus(t, o, tr.ID, model.TaskQueued)
	o.Pump(context.Background())
	failed := waitStatus(t, o, tr.ID, model.TaskFailed)
	require.True(t, failed.EscalationRequired)
	require.Equal(t, 2, failed.RetryCount)
}

func TestWorkerTurn_AutoCommitAndPRPath(t *testing.T) {
	eng := &engine.FakeEngine{Responses: []engine.Output{{Text: `{"summary":"shipped","state":"done","commitMessage":"talon: shipped"}`}}}
	vcs := &FakeVCS{Files: []string{"a.go"}, CommitSHA: "deadbeef", PRUrl: "https://github.com/o/r/pull/1", ChecksPassed: true, ChecksText: "all green"}
	o, _ := newTestOrchestrator(t, eng, vcs, Config{MaxConcurrency: 1, AutoCommit: true, AutoPR: true, PRCheckTimeout: time.Second, PRCheckPoll: 10 * time.Millisecond, AutoCleanup: true})
	tr, err := o.Submit(SubmitRequest{Text: "do it", RepoID: "repo1"})
	require.NoError(t, err)

	o.Pump(context.Background())
	done := waitStatus(t, o, tr.ID, model.TaskDone)
	pr, ok := done.LatestArtifact(model.ArtifactPullRequest)
	require.True(t, ok)
	require.Equal(t, "https://github.com/o/r/pull/1", pr.PRUrl)
}

func TestWorkerTurn_FailingChecksBlocksAndEscalates(t *testing.T) {
	eng := &engine.FakeEngine{Responses: []engine.Output{{Text: `{"summary":"shipped","state":"done"}`}}}
	vcs := &FakeVCS{CommitSHA: "deadbeef", PRUrl: "https://github.com/o/r/pull/2", ChecksPassed: false, ChecksText: "failing"}
	o, _ := newTestOrchestrator(t, eng, vcs, Config{MaxConcurrency: 1, AutoCommit: true, AutoPR: true, PRCheckTimeout: 30 * time.Millisecond, PRCheckPoll: 10 * time.Millisecond})
	tr, err := o.Submit(SubmitRequest{Text: "do it", RepoID: "repo1"})
	require.NoError(t, err)

	o.Pump(context.Background())
	blocked := waitStatus(t, o, tr.ID, model.TaskBlocked)
	require.True(t, blocked.EscalationRequired)
}

func TestFanout_RollsUpToDoneWhenAllChildrenSucceed(t *testing.T) {
	eng := &engine.FakeEngine{Responses: []engine.Output{
		{Text: `{"summary":"child1 done","state":"done"}`},
		{Text: `{"summary":"child2 done","state":"done"}`},
	}}
	o, _ := newTestOrchestrator(t, eng, &FakeVCS{}, Config{MaxConcurrency: 2, AutoCleanup: true})
	parent, err := o.Submit(SubmitRequest{Text: "fan out", RepoID: "repo1", Fanout: []string{"one", "two"}})
	require.NoError(t, err)
	require.Equal(t, model.TaskBlocked, parent.Status)
	require.Len(t, parent.Children, 2)

	o.Pump(context.Background())
	waitStatus(t, o, parent.Children[0], model.TaskDone)
	waitStatus(t, o, parent.Children[1], model.TaskDone)
	rolled := waitStatus(t, o, parent.ID, model.TaskDone)
	require.True(t, rolled.IsFanOutParent())
}

func TestFanout_RollsUpToFailedWhenAnyChildFails(t *testing.T) {
	eng := &engine.FakeEngine{Responses: []engine.Output{
		{Text: `{"summary":"child1 done","state":"done"}`},
	}, Err: nil}
	// Second child's engine call fails every time, exhausting its single retry.
	failingEng := &sequencedEngine{first: eng, failAfter: 1}
	o, _ := newTestOrchestrator(t, failingEng, &FakeVCS{}, Config{MaxConcurrency: 2, AutoCleanup: true})
	parent, err := o.Submit(SubmitRequest{Text: "fan out", RepoID: "repo1", Fanout: []string{"one", "two"}})
	require.NoError(t, err)

	o.Pump(context.Background())
	waitStatus(t, o, parent.Children[0], model.TaskDone)
	// drive the failing child through its retry
	require.Eventually(t, func() bool {
		o.Pump(context.Background())
		tr, _ := o.GetTask(parent.Children[1])
		return tr.Status == model.TaskFailed
	}, 3*time.Second, 20*time.Millisecond)
	waitStatus(t, o, parent.ID, model.TaskFailed)
}

// sequencedEngine completes the first call successfully then fails every
// call after, used to deterministically fail exactly one fan-out child.
type sequencedEngine struct {
	first     engine.Engine
	failAfter int
	calls     int
}

func (s *sequencedEngine) Complete(ctx context.Context, in engine.Input) (engine.Output, error) {
	s.calls++
	if s.calls <= s.failAfter {
		return s.first.Complete(ctx, in)
	}
	return engine.Output{}, talonerr.ErrEngineFailed
}

func (s *sequencedEngine) Ping(ctx context.Context) bool { return true }

func TestRetry_RequeuesFromFailed(t *testing.T) {
	o, _ := newTestOrchestrator(t, &engine.FakeEngine{Err: talonerr.ErrEngineFailed}, &FakeVCS{}, Config{MaxConcurrency: 1})
	tr, err := o.Submit(SubmitRequest{Text: "do it", RepoID: "repo1"})
	require.NoError(t, err)
	o.Pump(context.Background())
	waitStatus(t, o, tr.ID, model.TaskQueued)
	o.Pump(context.Background())
	failed := waitStatus(t, o, tr.ID, model.TaskFailed)
	require.NoError(t, o.Retry(failed.ID))
	retried, ok := o.GetTask(failed.ID)
	require.True(t, ok)
	require.Equal(t, model.TaskQueued, retried.Status)
	require.Empty(t, retried.Error)
}

func TestCancel_QueuedTaskCancelsImmediately(t *testing.T) {
	o, _ := newTestOrchestrator(t, &engine.FakeEngine{}, &FakeVCS{}, Config{MaxConcurrency: 0})
	tr, err := o.Submit(SubmitRequest{Text: "do it", RepoID: "repo1"})
	require.NoError(t, err)
	require.NoError(t, o.Cancel(tr.ID))
	cancelled, ok := o.GetTask(tr.ID)
	require.True(t, ok)
	require.Equal(t, model.TaskCancelled, cancelled.Status)
	require.NotNil(t, cancelled.FinishedAt)
}

func TestCancel_UnknownTaskReturnsNotFound(t *testing.T) {
	o, _ := newTestOrchestrator(t, &engine.FakeEngine{}, &FakeVCS{}, Config{})
	require.ErrorIs(t, o.Cancel("nope"), talonerr.ErrTaskNotFound)
}

func TestRecover_RequeuesOrphanedRunningTasks(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	repoPath := newLocalRepo(t)
	dataDir := t.TempDir()
	st, err := store.Open(dataDir)
	require.NoError(t, err)

	now := time.Now().UTC()
	stuck := model.TaskRecord{
		ID:        "stuck-1",
		RepoID:    "repo1",
		Status:    model.TaskRunning,
		CreatedAt: now,
		UpdatedAt: now,
		Artifacts: []model.TaskArtifact{},
		Events:    []model.TaskEvent{},
	}
	require.NoError(t, st.WriteTaskSnapshot([]model.TaskRecord{stuck}))

	wt := worktree.New(t.TempDir(), fakeRepos{path: repoPath})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o, err := New(Config{}, st, fakeRepos{path: repoPath}, wt, &engine.FakeEngine{}, &FakeVCS{}, &prcheck.FakeVerifier{}, logger)
	require.NoError(t, err)

	recovered, ok := o.GetTask("stuck-1")
	require.True(t, ok)
	require.Equal(t, model.TaskQueued, recovered.Status)
	require.Nil(t, recovered.FinishedAt)
}

func TestHealthSnapshot_ReflectsRunningTasks(t *testing.T) {
	eng := &engine.FakeEngine{Responses: []engine.Output{{Text: `{"summary":"did it","state":"done"}`}}}
	o, _ := newTestOrchestrator(t, eng, &FakeVCS{}, Config{MaxConcurrency: 2, AutoCleanup: true})
	tr, err := o.Submit(SubmitRequest{Text: "do it", RepoID: "repo1"})
	require.NoError(t, err)
	o.Pump(context.Background())
	waitStatus(t, o, tr.ID, model.TaskDone)

	snap := o.HealthSnapshot(health.Thresholds{})
	require.Equal(t, "ok", snap.Status)
}

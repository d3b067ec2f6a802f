package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProcessEngine_CompleteRunsStdinThroughCat(t *testing.T) {
	p := NewProcessEngine(Config{BinPath: "cat", Timeout: 5 * time.Second})
	out, err := p.Complete(context.Background(), Input{TaskID: "t1", Text: "hello worktree"})
	require.NoError(t, err)
	require.Equal(t, "hello worktree", out.Text)
}

func TestProcessEngine_TimeoutReturnsErrEngineTimeout(t *testing.T) {
	p := NewProcessEngine(Config{BinPath: "sleep", Args: []string{"5"}, Timeout: 50 * time.Millisecond, KillGrace: 10 * time.Millisecond})
	_, err := p.Complete(context.Background(), Input{TaskID: "t1"})
	require.Error(t, err)
}

func TestProcessEngine_NonZeroExitReturnsErrEngineFailed(t *testing.T) {
	p := NewProcessEngine(Config{BinPath: "false", Timeout: 5 * time.Second})
	_, err := p.Complete(context.Background(), Input{TaskID: "t1"})
	require.Error(t, err)
}

func TestFakeEngine_RecordsCallsAndReturnsCannedResponses(t *testing.T) {
	f := &FakeEngine{Responses: []Output{{Text: "first"}, {Text: "second"}}}
	out1, err := f.Complete(context.Background(), Input{TaskID: "a"})
	require.NoError(t, err)
	require.Equal(t, "first", out1.Text)

	out2, err := f.Complete(context.Background(), Input{TaskID: "b"})
	require.NoError(t, err)
	require.Equal(t, "second", out2.Text)
	require.Len(t, f.Calls, 2)
}

func TestFakeEngine_ReturnsConfiguredError(t *testing.T) {
	wantErr := errors.New("boom")
	f := &FakeEngine{Err: wantErr}
	_, err := f.Complete(context.Background(), Input{})
	require.ErrorIs(t, err, wantErr)
}

package schedule

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEvery_RunsJobRepeatedly(t *testing.T) {
	s := New(nil)
	var calls int32
	require.NoError(t, s.Every("tick", 30*time.Millisecond, func() {
		atomic.AddInt32(&calls, 1)
	}))
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEvery_RejectsNonPositiveInterval(t *testing.T) {
	s := New(nil)
	require.Error(t, s.Every("bad", 0, func() {}))
	require.Error(t, s.Every("bad", -time.Second, func() {}))
}

func TestEvery_RecoversFromPanic(t *testing.T) {
	s := New(nil)
	var calls int32
	require.NoError(t, s.Every("panicky", 20*time.Millisecond, func() {
		atomic.AddInt32(&calls, 1)
		panic("boom")
	}))
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

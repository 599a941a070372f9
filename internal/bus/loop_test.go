package bus

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoop_ServiceRunsOneRound(t *testing.T) {
	var rounds atomic.Int32
	l := NewLoop(func() error {
		rounds.Add(1)
		return nil
	}, 0, zap.NewNop())

	require.NoError(t, l.Service())
	assert.Equal(t, int32(1), rounds.Load())
	assert.False(t, l.InProgress())
}

func TestLoop_CoalescesTriggersDuringRound(t *testing.T) {
	var rounds atomic.Int32
	started := make(chan struct{}, 10)
	release := make(chan struct{})

	l := NewLoop(func() error {
		n := rounds.Add(1)
		started <- struct{}{}
		if n == 1 {
			<-release
		}
		return nil
	}, 0, zap.NewNop())
	t.Cleanup(l.Stop)

	require.NoError(t, l.Trigger())
	<-started

	// both return at once and collapse into one repeat
	require.NoError(t, l.Trigger())
	require.NoError(t, l.Service())
	assert.Equal(t, int32(1), rounds.Load())

	close(release)
	<-started

	assert.Eventually(t, func() bool { return !l.InProgress() }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), rounds.Load())
}

func TestLoop_RoundErrorIsNotFatal(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	boom := errors.New("boom")
	calls := 0

	l := NewLoop(func() error {
		calls++
		if calls == 1 {
			return boom
		}
		return nil
	}, 0, zap.New(core))

	assert.ErrorIs(t, l.Service(), boom)
	assert.NoError(t, l.Service())
	assert.False(t, l.Stopped())
	assert.Equal(t, 1, logs.FilterMessage("Bus round failed").Len())
}

func TestLoop_OverrunIsFatal(t *testing.T) {
	var l *Loop
	rounds := 0
	l = NewLoop(func() error {
		rounds++
		// every round asks for another one
		return l.Trigger()
	}, 4, zap.NewNop())

	err := l.Service()
	assert.ErrorIs(t, err, ErrCoalescingOverrun)
	assert.Equal(t, 4, rounds)
	assert.True(t, l.Stopped())

	select {
	case fatal := <-l.Fatal():
		assert.ErrorIs(t, fatal, ErrCoalescingOverrun)
	default:
		t.Fatal("fatal error not reported")
	}

	assert.ErrorIs(t, l.Trigger(), ErrLoopStopped)
	assert.ErrorIs(t, l.Service(), ErrLoopStopped)
}

func TestLoop_StopWaitsForRunningRound(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var finished atomic.Bool

	l := NewLoop(func() error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	}, 0, zap.NewNop())

	require.NoError(t, l.Trigger())
	<-started

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	l.Stop()

	assert.True(t, finished.Load())
	assert.ErrorIs(t, l.Trigger(), ErrLoopStopped)
}

func TestLoop_NoRoundStartsAfterStop(t *testing.T) {
	var late atomic.Int32

	for i := 0; i < 500; i++ {
		var stopped atomic.Bool
		l := NewLoop(func() error {
			if stopped.Load() {
				late.Add(1)
			}
			return nil
		}, 0, zap.NewNop())

		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = l.Trigger()
		}()
		l.Stop()
		stopped.Store(true)
		<-done
		l.wg.Wait()
	}

	assert.Zero(t, late.Load())
}

package bus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stampTransport struct {
	mu    sync.Mutex
	clock clock.Clock
	at    []time.Time
	err   error
	short bool
}

func (s *stampTransport) Transfer(tx []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.at = append(s.at, s.clock.Now())
	if s.err != nil {
		return nil, s.err
	}
	if s.short {
		return tx[:len(tx)-1], nil
	}
	return make([]byte, len(tx)), nil
}

func (s *stampTransport) stamps() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.at...)
}

func TestThrottle_FirstTransferDoesNotWait(t *testing.T) {
	mock := clock.NewMock()
	tr := &stampTransport{clock: mock}
	th := NewThrottle(tr, 2*time.Millisecond, mock)

	rx, err := th.Transfer([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Len(t, rx, 3)
	assert.Equal(t, uint64(1), th.Transactions())
}

func TestThrottle_NoWaitAfterGapElapsed(t *testing.T) {
	mock := clock.NewMock()
	tr := &stampTransport{clock: mock}
	th := NewThrottle(tr, 2*time.Millisecond, mock)

	_, err := th.Transfer([]byte{1})
	require.NoError(t, err)
	mock.Add(5 * time.Millisecond)
	_, err = th.Transfer([]byte{1})
	require.NoError(t, err)

	stamps := tr.stamps()
	assert.Equal(t, 5*time.Millisecond, stamps[1].Sub(stamps[0]))
}

func TestThrottle_WaitsOutRemainingGap(t *testing.T) {
	mock := clock.NewMock()
	tr := &stampTransport{clock: mock}
	th := NewThrottle(tr, 2*time.Millisecond, mock)

	_, err := th.Transfer([]byte{1})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = th.Transfer([]byte{1})
	}()

	// advance in small steps until the sleeping transfer is released
	for released := false; !released; {
		select {
		case <-done:
			released = true
		default:
			mock.Add(500 * time.Microsecond)
		}
	}

	stamps := tr.stamps()
	require.Len(t, stamps, 2)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 2*time.Millisecond)
}

func TestThrottle_Errors(t *testing.T) {
	mock := clock.NewMock()

	boom := errors.New("boom")
	th := NewThrottle(&stampTransport{clock: mock, err: boom}, 0, mock)
	_, err := th.Transfer([]byte{1})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(1), th.Transactions())

	th = NewThrottle(&stampTransport{clock: mock, short: true}, 0, mock)
	_, err = th.Transfer([]byte{1, 2})
	assert.Error(t, err)
}

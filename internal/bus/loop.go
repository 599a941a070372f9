package bus

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultMaxCoalescedRounds bounds how many rounds a single trigger may chain.
const DefaultMaxCoalescedRounds = 10

// Loop serializes bus rounds. A trigger that arrives while a round runs does
// not start a second one: it marks the running round to repeat once more
// when it finishes, so several triggers collapse into one extra round that
// sees the latest pending state.
type Loop struct {
	round     func() error
	maxRounds int
	logger    *zap.Logger

	mu         sync.Mutex
	inProgress bool
	repeat     bool
	stopped    bool

	wg    sync.WaitGroup
	fatal chan error
}

func NewLoop(round func() error, maxRounds int, logger *zap.Logger) *Loop {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxCoalescedRounds
	}
	return &Loop{
		round:     round,
		maxRounds: maxRounds,
		logger:    logger,
		fatal:     make(chan error, 1),
	}
}

// Trigger requests a round and returns immediately. The round runs on its
// own goroutine unless one is already in progress.
func (l *Loop) Trigger() error {
	start, err := l.acquire(true)
	if err != nil || !start {
		return err
	}

	go func() {
		defer l.wg.Done()
		_ = l.run()
	}()
	return nil
}

// Service runs the requested round on the calling goroutine and returns the
// error of the last round it ran. If a round is already in progress it only
// marks it to repeat and returns nil.
func (l *Loop) Service() error {
	start, err := l.acquire(false)
	if err != nil || !start {
		return err
	}
	return l.run()
}

// acquire claims the loop for a round. With async set the round is added to
// the wait group under the same lock, so Stop cannot miss it.
func (l *Loop) acquire(async bool) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return false, ErrLoopStopped
	}
	if l.inProgress {
		l.repeat = true
		return false, nil
	}
	l.inProgress = true
	if async {
		l.wg.Add(1)
	}
	return true, nil
}

func (l *Loop) run() error {
	for iteration := 1; ; iteration++ {
		err := l.round()
		if err != nil {
			l.logger.Warn("Bus round failed", zap.Error(err))
		}

		l.mu.Lock()
		if !l.repeat || l.stopped {
			l.inProgress = false
			l.mu.Unlock()
			return err
		}
		if iteration >= l.maxRounds {
			l.inProgress = false
			l.stopped = true
			l.mu.Unlock()

			overrun := fmt.Errorf("%w: still retriggered after %d rounds", ErrCoalescingOverrun, iteration)
			l.logger.Error("Bus loop stopped", zap.Error(overrun))
			l.reportFatal(overrun)
			return overrun
		}
		l.repeat = false
		l.mu.Unlock()
	}
}

func (l *Loop) reportFatal(err error) {
	select {
	case l.fatal <- err:
	default:
	}
}

// Fatal delivers the error that stopped the loop. At most one is sent.
func (l *Loop) Fatal() <-chan error {
	return l.fatal
}

// Stop rejects further triggers and waits for a round started by Trigger.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	l.wg.Wait()
}

// InProgress reports whether a round is running.
func (l *Loop) InProgress() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inProgress
}

// Stopped reports whether the loop accepts triggers no more.
func (l *Loop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

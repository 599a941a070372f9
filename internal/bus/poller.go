package bus

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Poller drives the loop at a fixed interval. Every tick requests input
// states; every flashEvery ticks the LEDs flash as a heartbeat and every
// detectEvery ticks the chain is re-detected.
type Poller struct {
	pending     *PendingState
	loop        *Loop
	interval    time.Duration
	flashEvery  int
	detectEvery int
	clock       clock.Clock
	logger      *zap.Logger

	ticks    uint64
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

type PollerConfig struct {
	Interval    time.Duration
	FlashEvery  int
	DetectEvery int
}

func NewPoller(pending *PendingState, loop *Loop, cfg PollerConfig, clk clock.Clock, logger *zap.Logger) *Poller {
	if clk == nil {
		clk = clock.New()
	}
	return &Poller{
		pending:     pending,
		loop:        loop,
		interval:    cfg.Interval,
		flashEvery:  cfg.FlashEvery,
		detectEvery: cfg.DetectEvery,
		clock:       clk,
		logger:      logger,
	}
}

// Start startet das zyklische Polling
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	p.running = true
	p.stopChan = make(chan struct{})
	p.wg.Add(1)

	// A round slower than the interval delays the next tick instead of
	// queueing extra ones.
	ticker := p.clock.Ticker(p.interval)
	go p.pollLoop(ticker, p.stopChan)

	p.logger.Info("Poller started",
		zap.Duration("interval", p.interval),
		zap.Int("flash_every", p.flashEvery),
		zap.Int("detect_every", p.detectEvery))

	return nil
}

// Stop stoppt das Polling
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stop := p.stopChan
	p.mu.Unlock()

	close(stop)
	p.wg.Wait()

	p.logger.Info("Poller stopped")
}

func (p *Poller) pollLoop(ticker *clock.Ticker, stop <-chan struct{}) {
	defer p.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := p.tick(); errors.Is(err, ErrLoopStopped) || errors.Is(err, ErrCoalescingOverrun) {
				p.logger.Error("Polling aborted", zap.Error(err))
				return
			}
		}
	}
}

func (p *Poller) tick() error {
	p.ticks++

	p.pending.RequestInputStates()
	if p.flashEvery > 0 && p.ticks%uint64(p.flashEvery) == 0 {
		p.pending.FlashLEDs()
	}
	if p.detectEvery > 0 && p.ticks%uint64(p.detectEvery) == 0 {
		p.pending.RequestDetection()
	}

	// round errors are logged by the loop
	return p.loop.Service()
}

// IsRunning gibt an ob Poller läuft
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

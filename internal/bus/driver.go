// Package bus owns the SPI daisy chain: it sequences bus rounds, keeps the
// pending command state and tracks which devices are present.
package bus

import (
	"fmt"
	"time"

	"github.com/KevinKickass/OpenMachineIO/internal/catalog"
	"github.com/KevinKickass/OpenMachineIO/internal/types"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type Mode string

const (
	// ModeInterval polls on a fixed tick
	ModeInterval Mode = "interval"
	// ModeEvent runs a round only when a command arrives
	ModeEvent Mode = "event"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeInterval, ModeEvent:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown bus mode %q", s)
}

type Options struct {
	Mode                   Mode
	PollInterval           time.Duration
	TransactionGap         time.Duration
	FlashEvery             int
	DetectEvery            int
	MaxCoalescedRounds     int
	RequestInputsOnOutputs bool
	Clock                  clock.Clock
}

// Status is a snapshot for diagnostics.
type Status struct {
	Mode          Mode   `json:"mode"`
	LoopStopped   bool   `json:"loop_stopped"`
	RoundRunning  bool   `json:"round_running"`
	PollerRunning bool   `json:"poller_running"`
	Rounds        uint64 `json:"rounds"`
	FailedRounds  uint64 `json:"failed_rounds"`
	Transactions  uint64 `json:"transactions"`
	Detected      int    `json:"detected"`
}

// Driver is the single owner of the bus. All writers go through it so that
// every round is routed through the coalescing loop.
type Driver struct {
	catalog   *catalog.Catalog
	pending   *PendingState
	throttle  *Throttle
	scheduler *Scheduler
	loop      *Loop
	poller    *Poller
	opts      Options
	logger    *zap.Logger
}

func NewDriver(cat *catalog.Catalog, transport Transport, publisher Publisher, opts Options, logger *zap.Logger) *Driver {
	if opts.Mode == "" {
		opts.Mode = ModeInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	d := &Driver{
		catalog: cat,
		pending: NewPendingState(),
		opts:    opts,
		logger:  logger,
	}
	d.throttle = NewThrottle(transport, opts.TransactionGap, opts.Clock)
	d.scheduler = NewScheduler(cat, d.pending, d.throttle, publisher, logger)
	d.loop = NewLoop(func() error {
		_, err := d.scheduler.RunRound()
		return err
	}, opts.MaxCoalescedRounds, logger)

	if opts.Mode == ModeInterval {
		d.poller = NewPoller(d.pending, d.loop, PollerConfig{
			Interval:    opts.PollInterval,
			FlashEvery:  opts.FlashEvery,
			DetectEvery: opts.DetectEvery,
		}, opts.Clock, logger)
	}
	return d
}

// Detect runs a detection round on the calling goroutine.
func (d *Driver) Detect() error {
	d.pending.RequestDetection()
	return d.loop.Service()
}

// Start begins fixed-interval polling. In event mode it does nothing.
func (d *Driver) Start() error {
	if d.poller == nil {
		return nil
	}
	return d.poller.Start()
}

func (d *Driver) Stop() {
	if d.poller != nil {
		d.poller.Stop()
	}
	d.loop.Stop()
}

// SetAllOutputs queues output levels. A round is triggered only when the
// levels of some address changed or one of the flags is set; the return
// value tells whether that happened.
func (d *Driver) SetAllOutputs(outputs types.OutputStates, requestInputStates, flashLEDs bool) (bool, error) {
	changed := d.pending.SetAllOutputs(outputs)

	if requestInputStates || (changed && d.opts.RequestInputsOnOutputs) {
		d.pending.RequestInputStates()
	}
	if flashLEDs {
		d.pending.FlashLEDs()
	}
	if !changed && !requestInputStates && !flashLEDs {
		return false, nil
	}
	return true, d.loop.Trigger()
}

// SetLEDs replaces the pending LED commands and always triggers a round.
func (d *Driver) SetLEDs(cmds []types.LEDCommand) error {
	d.pending.SetLEDs(cmds)
	return d.loop.Trigger()
}

// RequestDetection makes the next round re-detect the chain and triggers it.
func (d *Driver) RequestDetection() error {
	d.pending.RequestDetection()
	return d.loop.Trigger()
}

func (d *Driver) Catalog() *catalog.Catalog {
	return d.catalog
}

func (d *Driver) Detected() []types.Device {
	return d.scheduler.Detected()
}

func (d *Driver) LastStates() []types.DeviceInputState {
	return d.scheduler.LastStates()
}

func (d *Driver) LastState(address uint8) (types.DeviceInputState, bool) {
	return d.scheduler.LastState(address)
}

// Fatal delivers the error that stopped the bus loop.
func (d *Driver) Fatal() <-chan error {
	return d.loop.Fatal()
}

func (d *Driver) Status() Status {
	rounds, failed := d.scheduler.Rounds()
	st := Status{
		Mode:         d.opts.Mode,
		LoopStopped:  d.loop.Stopped(),
		RoundRunning: d.loop.InProgress(),
		Rounds:       rounds,
		FailedRounds: failed,
		Transactions: d.throttle.Transactions(),
		Detected:     len(d.scheduler.Detected()),
	}
	if d.poller != nil {
		st.PollerRunning = d.poller.IsRunning()
	}
	return st
}

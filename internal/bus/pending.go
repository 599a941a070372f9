package bus

import (
	"sync"

	"github.com/KevinKickass/OpenMachineIO/internal/types"
)

// Batch is everything one bus round consumes from PendingState.
type Batch struct {
	Outputs            types.OutputStates
	LEDs               []types.LEDCommand
	RequestInputStates bool
	FlashLEDs          bool
	Detect             bool
}

// Empty reports whether the batch carries no work besides the broadcast itself.
func (b Batch) Empty() bool {
	return len(b.Outputs) == 0 && len(b.LEDs) == 0 && !b.RequestInputStates && !b.FlashLEDs && !b.Detect
}

// PendingState accumulates bus work between rounds. Writers and the round
// that drains it may run on different goroutines; all access is serialized.
type PendingState struct {
	mu sync.Mutex

	outputs types.OutputStates
	// last levels received per address, used to decide whether a write changes anything
	applied types.OutputStates

	leds    []types.LEDCommand
	ledsSet bool

	requestInputStates bool
	flashLEDs          bool
	detect             bool
}

func NewPendingState() *PendingState {
	return &PendingState{
		outputs: make(types.OutputStates),
		applied: make(types.OutputStates),
	}
}

// SetAllOutputs queues output levels per address, last write wins. It returns
// true when any address got levels different from what was last applied.
// Addresses whose levels are unchanged are not queued again.
func (p *PendingState) SetAllOutputs(outputs types.OutputStates) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	changed := false
	for addr, levels := range outputs {
		if prev, ok := p.applied[addr]; ok && types.EqualLevels(prev, levels) {
			continue
		}
		levels = append([]bool(nil), levels...)
		p.applied[addr] = levels
		p.outputs[addr] = levels
		changed = true
	}
	return changed
}

// SetLEDs replaces the pending LED commands.
func (p *PendingState) SetLEDs(cmds []types.LEDCommand) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.leds = append([]types.LEDCommand(nil), cmds...)
	p.ledsSet = true
}

func (p *PendingState) RequestInputStates() {
	p.mu.Lock()
	p.requestInputStates = true
	p.mu.Unlock()
}

func (p *PendingState) FlashLEDs() {
	p.mu.Lock()
	p.flashLEDs = true
	p.mu.Unlock()
}

// RequestDetection makes the next round a detection round.
func (p *PendingState) RequestDetection() {
	p.mu.Lock()
	p.detect = true
	p.mu.Unlock()
}

// Drain takes all pending work and resets the state in one step.
func (p *PendingState) Drain() Batch {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := Batch{
		RequestInputStates: p.requestInputStates,
		FlashLEDs:          p.flashLEDs,
		Detect:             p.detect,
	}
	if len(p.outputs) > 0 {
		b.Outputs = p.outputs
		p.outputs = make(types.OutputStates)
	}
	if p.ledsSet {
		b.LEDs = p.leds
		p.leds = nil
		p.ledsSet = false
	}
	p.requestInputStates = false
	p.flashLEDs = false
	p.detect = false
	return b
}

// Restore puts a drained batch back after its broadcast failed. Anything
// written since the drain is newer and wins over the restored values.
func (p *PendingState) Restore(b Batch) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for addr, levels := range b.Outputs {
		if _, newer := p.outputs[addr]; !newer {
			p.outputs[addr] = levels
		}
	}
	if b.LEDs != nil && !p.ledsSet {
		p.leds = b.LEDs
		p.ledsSet = true
	}
	p.requestInputStates = p.requestInputStates || b.RequestInputStates
	p.flashLEDs = p.flashLEDs || b.FlashLEDs
	p.detect = p.detect || b.Detect
}

// HasWork reports whether a round would have anything to send.
func (p *PendingState) HasWork() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outputs) > 0 || p.ledsSet || p.requestInputStates || p.flashLEDs || p.detect
}

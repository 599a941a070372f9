package bus

import (
	"fmt"
	"sort"
	"sync"

	"github.com/KevinKickass/OpenMachineIO/internal/catalog"
	"github.com/KevinKickass/OpenMachineIO/internal/spi"
	"github.com/KevinKickass/OpenMachineIO/internal/types"
	"go.uber.org/zap"
)

// Publisher receives the results of bus rounds.
type Publisher interface {
	// PublishInputStates is called after a normal round that collected at
	// least one device state.
	PublishInputStates(states []types.DeviceInputState)
	// PublishDevices is called after the first detection round and after
	// every detection round that changed the detected set.
	PublishDevices(devices []types.Device)
}

// RoundResult describes one completed round.
type RoundResult struct {
	Detect   bool
	States   []types.DeviceInputState
	Detected []types.Device
	Changed  bool
}

// Scheduler runs single bus rounds. It is not safe to run two rounds at the
// same time; the Loop guarantees that.
type Scheduler struct {
	catalog   *catalog.Catalog
	pending   *PendingState
	transport Transport
	publisher Publisher
	logger    *zap.Logger

	mu           sync.RWMutex
	detected     []types.Device
	detectedOnce bool
	lastStates   map[uint8]types.DeviceInputState
	rounds       uint64
	failures     uint64
}

func NewScheduler(cat *catalog.Catalog, pending *PendingState, transport Transport, publisher Publisher, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		catalog:    cat,
		pending:    pending,
		transport:  transport,
		publisher:  publisher,
		logger:     logger,
		lastStates: make(map[uint8]types.DeviceInputState),
	}
}

// RunRound drains the pending state, broadcasts it and, when input states
// are requested, queries every polled device in ascending address order.
func (s *Scheduler) RunRound() (*RoundResult, error) {
	batch := s.pending.Drain()
	detect := batch.Detect
	requestInputs := detect || batch.RequestInputStates

	var polled []types.Device
	if detect {
		polled = s.catalog.Devices()
	} else {
		polled = s.Detected()
	}

	var nextAddress uint8
	if requestInputs && len(polled) > 0 {
		nextAddress = polled[0].Address
	}

	// Messages beyond one frame go out in leading broadcasts; the flags ride
	// on the last one so devices prepare their inputs after every command.
	chunks := spi.SplitMessages(s.buildMessages(batch))
	for i, msgs := range chunks {
		broadcast := &spi.ToDeviceFrame{Messages: msgs}
		if i == len(chunks)-1 {
			broadcast.NextAddress = nextAddress
			broadcast.RequestInputStates = requestInputs
			broadcast.FlashLEDs = batch.FlashLEDs
		}
		if _, err := s.transport.Transfer(broadcast.Encode()); err != nil {
			s.pending.Restore(batch)
			s.countRound(true)
			return nil, fmt.Errorf("broadcast %d/%d: %w", i+1, len(chunks), err)
		}
	}

	result := &RoundResult{Detect: detect}
	if requestInputs {
		result.States = s.queryDevices(polled, detect)
	}

	if detect {
		present := make(map[uint8]bool, len(result.States))
		for _, st := range result.States {
			present[st.Address] = true
		}
		result.Detected = s.catalog.Filter(present)
		result.Changed = s.replaceDetected(result.Detected)

		addresses := make([]uint8, 0, len(result.Detected))
		for _, d := range result.Detected {
			addresses = append(addresses, d.Address)
		}
		s.logger.Info("Devices detected",
			zap.Uint8s("addresses", addresses),
			zap.Bool("changed", result.Changed))

		if result.Changed && s.publisher != nil {
			s.publisher.PublishDevices(result.Detected)
		}
	}

	if len(result.States) > 0 {
		s.storeStates(result.States)
		if !detect && s.publisher != nil {
			s.publisher.PublishInputStates(result.States)
		}
	}

	s.countRound(false)
	return result, nil
}

// buildMessages converts pending LED commands and output levels into
// per-device messages. LEDs come first, one per address with the last
// command winning, then outputs in ascending address order. Addresses
// outside the catalog are dropped.
func (s *Scheduler) buildMessages(b Batch) []spi.DeviceMessage {
	msgs := make([]spi.DeviceMessage, 0, len(b.LEDs)+len(b.Outputs))

	ledIndex := make(map[uint8]int, len(b.LEDs))
	for _, cmd := range b.LEDs {
		if _, ok := s.catalog.Lookup(cmd.Address); !ok {
			s.logger.Warn("LED command for unknown device", zap.Uint8("address", cmd.Address))
			continue
		}
		if i, seen := ledIndex[cmd.Address]; seen {
			msgs[i] = spi.EncodeLED(cmd)
			continue
		}
		ledIndex[cmd.Address] = len(msgs)
		msgs = append(msgs, spi.EncodeLED(cmd))
	}

	addresses := make([]int, 0, len(b.Outputs))
	for addr := range b.Outputs {
		addresses = append(addresses, int(addr))
	}
	sort.Ints(addresses)

	for _, a := range addresses {
		addr := uint8(a)
		device, ok := s.catalog.Lookup(addr)
		if !ok {
			s.logger.Warn("Outputs for unknown device", zap.Uint8("address", addr))
			continue
		}
		msgs = append(msgs, spi.EncodeOutputs(addr, device.Model.NumDigitalOutputs, b.Outputs[addr]))
	}
	return msgs
}

func (s *Scheduler) queryDevices(polled []types.Device, detect bool) []types.DeviceInputState {
	states := make([]types.DeviceInputState, 0, len(polled))

	for i, device := range polled {
		frame := &spi.ToDeviceFrame{
			CurAddress: device.Address,
			MinLen:     spi.TransactionLen(device.Model),
		}
		if i+1 < len(polled) {
			frame.NextAddress = polled[i+1].Address
		}

		state, err := s.query(device, frame, detect)
		if err != nil {
			if detect {
				s.logger.Debug("No answer during detection",
					zap.Uint8("address", device.Address),
					zap.Error(err))
			} else {
				s.logger.Warn("Device poll failed",
					zap.Uint8("address", device.Address),
					zap.Error(err))
			}
			continue
		}
		states = append(states, *state)
	}
	return states
}

func (s *Scheduler) query(device types.Device, frame *spi.ToDeviceFrame, detect bool) (*types.DeviceInputState, error) {
	rx, err := s.transport.Transfer(frame.Encode())
	if err != nil {
		return nil, err
	}
	return spi.DecodeInputState(device.Address, device.Model, rx, detect)
}

func (s *Scheduler) replaceDetected(devices []types.Device) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := !s.detectedOnce || !sameAddresses(s.detected, devices)
	s.detected = devices
	s.detectedOnce = true

	// drop states of devices that went away
	for addr := range s.lastStates {
		if !containsAddress(devices, addr) {
			delete(s.lastStates, addr)
		}
	}
	return changed
}

func (s *Scheduler) storeStates(states []types.DeviceInputState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range states {
		s.lastStates[st.Address] = st
	}
}

func (s *Scheduler) countRound(failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds++
	if failed {
		s.failures++
	}
}

// Detected returns the current detected set in ascending address order.
func (s *Scheduler) Detected() []types.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Device(nil), s.detected...)
}

// LastState returns the most recent input state of a device.
func (s *Scheduler) LastState(address uint8) (types.DeviceInputState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.lastStates[address]
	return st, ok
}

// LastStates returns the most recent input state of every detected device
// that answered at least once, in ascending address order.
func (s *Scheduler) LastStates() []types.DeviceInputState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.DeviceInputState, 0, len(s.lastStates))
	for _, st := range s.lastStates {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Rounds returns the number of rounds run and how many of them failed.
func (s *Scheduler) Rounds() (total, failed uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rounds, s.failures
}

func sameAddresses(a, b []types.Device) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Address != b[i].Address {
			return false
		}
	}
	return true
}

func containsAddress(devices []types.Device, addr uint8) bool {
	for _, d := range devices {
		if d.Address == addr {
			return true
		}
	}
	return false
}

package bus

import (
	"sync"

	"github.com/KevinKickass/OpenMachineIO/internal/catalog"
	"github.com/KevinKickass/OpenMachineIO/internal/spi"
	"github.com/KevinKickass/OpenMachineIO/internal/types"
)

type simDevice struct {
	model   types.DeviceModel
	state   types.DeviceInputState
	leds    []spi.LEDPattern
	garbled bool
}

// Simulator emulates a daisy chain of devices at the byte level. It decodes
// every to-device frame it receives and answers query frames for present
// devices the way the hardware does. It implements Transport.
type Simulator struct {
	mu      sync.Mutex
	catalog *catalog.Catalog
	devices map[uint8]*simDevice
	frames  []*spi.ToDeviceFrame
	flashes int

	failBroadcasts int
	onTransfer     func(frame *spi.ToDeviceFrame)
}

// NewSimulator attaches devices at the given catalog addresses.
func NewSimulator(cat *catalog.Catalog, present []uint8) *Simulator {
	s := &Simulator{
		catalog: cat,
		devices: make(map[uint8]*simDevice),
	}
	for _, addr := range present {
		s.Attach(addr)
	}
	return s
}

// Attach plugs in the catalog device at addr. Unknown addresses are ignored.
func (s *Simulator) Attach(addr uint8) {
	device, ok := s.catalog.Lookup(addr)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.devices[addr]; exists {
		return
	}
	m := device.Model
	state := types.DeviceInputState{
		Address:                 addr,
		DigitalInputs:           make([]bool, m.NumDigitalInputs),
		DigitalInputEventCounts: make([]uint8, m.NumDigitalInputs),
		DigitalOutputs:          make([]bool, m.NumDigitalOutputs),
		AnalogInputs:            make([]uint16, m.NumAnalogInputs),
	}
	if m.HasConnectButton {
		pressed, count := false, uint8(0)
		state.ConnectButtonPressed = &pressed
		state.ConnectButtonEventCount = &count
	}
	s.devices[addr] = &simDevice{model: m, state: state}
}

// Detach unplugs the device at addr.
func (s *Simulator) Detach(addr uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, addr)
}

// Garble makes the device at addr answer with a corrupted checksum.
func (s *Simulator) Garble(addr uint8, garbled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[addr]; ok {
		d.garbled = garbled
	}
}

// SetInput sets one digital input and counts the edge.
func (s *Simulator) SetInput(addr uint8, index int, level bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[addr]
	if !ok || index < 0 || index >= len(d.state.DigitalInputs) {
		return
	}
	if d.state.DigitalInputs[index] != level {
		d.state.DigitalInputs[index] = level
		d.state.DigitalInputEventCounts[index]++
	}
}

func (s *Simulator) SetAnalog(addr uint8, index int, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.devices[addr]; ok && index >= 0 && index < len(d.state.AnalogInputs) {
		d.state.AnalogInputs[index] = value
	}
}

// PressButton sets the connect button level of a device that has one.
func (s *Simulator) PressButton(addr uint8, pressed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[addr]
	if !ok || d.state.ConnectButtonPressed == nil {
		return
	}
	if *d.state.ConnectButtonPressed != pressed {
		*d.state.ConnectButtonPressed = pressed
		*d.state.ConnectButtonEventCount = (*d.state.ConnectButtonEventCount + 1) & 0x7F
	}
}

// FailBroadcasts makes the next n broadcast transfers return an error.
func (s *Simulator) FailBroadcasts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failBroadcasts = n
}

// OnTransfer installs a hook called with every decoded frame before it is
// applied. The hook runs without the simulator lock held.
func (s *Simulator) OnTransfer(fn func(frame *spi.ToDeviceFrame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTransfer = fn
}

func (s *Simulator) Transfer(tx []byte) ([]byte, error) {
	rx := make([]byte, len(tx))

	frame, err := spi.DecodeToDeviceFrame(tx)
	if err != nil {
		// nothing on the chain understands it; the line stays low
		return rx, nil
	}

	s.mu.Lock()
	hook := s.onTransfer
	s.mu.Unlock()
	if hook != nil {
		hook(frame)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames = append(s.frames, frame)

	if frame.CurAddress == 0 {
		if s.failBroadcasts > 0 {
			s.failBroadcasts--
			return nil, errSimulatedFailure
		}
		s.apply(frame)
		return rx, nil
	}

	d, ok := s.devices[frame.CurAddress]
	if !ok {
		return rx, nil
	}
	resp := spi.EncodeInputState(d.model, &d.state)
	if d.garbled {
		resp[len(resp)-1] ^= 0xA5
	}
	copy(rx, resp)
	return rx, nil
}

func (s *Simulator) apply(frame *spi.ToDeviceFrame) {
	if frame.FlashLEDs {
		s.flashes++
	}
	for _, msg := range frame.Messages {
		d, ok := s.devices[msg.Address]
		if !ok {
			continue
		}
		switch msg.Command {
		case spi.CmdSetOutputs:
			d.state.DigitalOutputs = spi.DecodeBits(msg.Payload, d.model.NumDigitalOutputs)
		case spi.CmdSetLED:
			if pattern, err := spi.DecodeLED(msg.Payload); err == nil {
				d.leds = append(d.leds, pattern)
			}
		}
	}
}

// Outputs returns the output levels last written to addr.
func (s *Simulator) Outputs(addr uint8) []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[addr]; ok {
		return append([]bool(nil), d.state.DigitalOutputs...)
	}
	return nil
}

// LEDPatterns returns every LED pattern addr received, oldest first.
func (s *Simulator) LEDPatterns(addr uint8) []spi.LEDPattern {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[addr]; ok {
		return append([]spi.LEDPattern(nil), d.leds...)
	}
	return nil
}

// Frames returns every decoded frame received so far.
func (s *Simulator) Frames() []*spi.ToDeviceFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*spi.ToDeviceFrame(nil), s.frames...)
}

// Broadcasts returns the broadcast frames received so far.
func (s *Simulator) Broadcasts() []*spi.ToDeviceFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*spi.ToDeviceFrame
	for _, f := range s.frames {
		if f.CurAddress == 0 {
			out = append(out, f)
		}
	}
	return out
}

// Flashes returns how many broadcasts carried the flash flag.
func (s *Simulator) Flashes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flashes
}

func (s *Simulator) Close() error {
	return nil
}

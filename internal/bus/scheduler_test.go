package bus

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/KevinKickass/OpenMachineIO/internal/catalog"
	"github.com/KevinKickass/OpenMachineIO/internal/spi"
	"github.com/KevinKickass/OpenMachineIO/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingPublisher struct {
	mu      sync.Mutex
	states  [][]types.DeviceInputState
	devices [][]types.Device
}

func (r *recordingPublisher) PublishInputStates(states []types.DeviceInputState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, states)
}

func (r *recordingPublisher) PublishDevices(devices []types.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = append(r.devices, devices)
}

func (r *recordingPublisher) counts() (states, devices int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states), len(r.devices)
}

func (r *recordingPublisher) lastDevices() []types.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.devices) == 0 {
		return nil
	}
	return r.devices[len(r.devices)-1]
}

// rawTransport records the raw request buffers before handing them on.
type rawTransport struct {
	next Transport
	mu   sync.Mutex
	tx   [][]byte
}

func (r *rawTransport) Transfer(tx []byte) ([]byte, error) {
	r.mu.Lock()
	r.tx = append(r.tx, append([]byte(nil), tx...))
	r.mu.Unlock()
	return r.next.Transfer(tx)
}

func addressesOf(devices []types.Device) []uint8 {
	out := make([]uint8, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Address)
	}
	return out
}

type schedulerFixture struct {
	cat       *catalog.Catalog
	sim       *Simulator
	pending   *PendingState
	publisher *recordingPublisher
	scheduler *Scheduler
}

func newSchedulerFixture(t *testing.T, logger *zap.Logger, present ...uint8) *schedulerFixture {
	t.Helper()
	cat := catalog.Default()
	f := &schedulerFixture{
		cat:       cat,
		sim:       NewSimulator(cat, present),
		pending:   NewPendingState(),
		publisher: &recordingPublisher{},
	}
	f.scheduler = NewScheduler(cat, f.pending, f.sim, f.publisher, logger)
	return f
}

func (f *schedulerFixture) detect(t *testing.T) *RoundResult {
	t.Helper()
	f.pending.RequestDetection()
	res, err := f.scheduler.RunRound()
	require.NoError(t, err)
	return res
}

func TestScheduler_DetectsRespondingDevices(t *testing.T) {
	f := newSchedulerFixture(t, zap.NewNop(), 3, 1)

	res := f.detect(t)

	assert.True(t, res.Detect)
	assert.True(t, res.Changed)
	assert.Equal(t, []uint8{1, 3}, addressesOf(res.Detected))
	assert.Equal(t, []uint8{1, 3}, addressesOf(f.scheduler.Detected()))

	states, devices := f.publisher.counts()
	assert.Equal(t, 0, states)
	assert.Equal(t, 1, devices)

	// detection queried every catalog address
	var queried []uint8
	for _, frame := range f.sim.Frames() {
		if frame.CurAddress != 0 {
			queried = append(queried, frame.CurAddress)
		}
	}
	assert.Equal(t, []uint8{1, 2, 3, 4, 5}, queried)
}

func TestScheduler_DetectionIgnoresChecksum(t *testing.T) {
	f := newSchedulerFixture(t, zap.NewNop(), 1, 2)
	f.sim.Garble(2, true)

	res := f.detect(t)
	assert.Equal(t, []uint8{1, 2}, addressesOf(res.Detected))
}

func TestScheduler_DetectionPublishesOnlyChanges(t *testing.T) {
	f := newSchedulerFixture(t, zap.NewNop(), 1, 3)

	f.detect(t)
	res := f.detect(t)
	assert.False(t, res.Changed)
	_, devices := f.publisher.counts()
	assert.Equal(t, 1, devices)

	f.sim.Detach(3)
	f.sim.Attach(4)
	res = f.detect(t)
	assert.True(t, res.Changed)
	assert.Equal(t, []uint8{1, 4}, addressesOf(f.publisher.lastDevices()))
}

func TestScheduler_EmptyChainStillPublishesFirstDetection(t *testing.T) {
	f := newSchedulerFixture(t, zap.NewNop())

	res := f.detect(t)
	assert.Empty(t, res.Detected)
	_, devices := f.publisher.counts()
	assert.Equal(t, 1, devices)
}

func TestScheduler_NormalRoundPublishesStates(t *testing.T) {
	f := newSchedulerFixture(t, zap.NewNop(), 1, 3)
	f.detect(t)

	f.sim.SetInput(3, 4, true)
	f.sim.SetAnalog(1, 2, 777)
	f.pending.RequestInputStates()
	res, err := f.scheduler.RunRound()
	require.NoError(t, err)

	require.Len(t, res.States, 2)
	assert.Equal(t, uint8(1), res.States[0].Address)
	assert.Equal(t, uint16(777), res.States[0].AnalogInputs[2])
	assert.True(t, res.States[1].DigitalInputs[4])
	assert.Equal(t, uint8(1), res.States[1].DigitalInputEventCounts[4])

	states, _ := f.publisher.counts()
	assert.Equal(t, 1, states)

	last, ok := f.scheduler.LastState(3)
	require.True(t, ok)
	assert.True(t, last.DigitalInputs[4])
}

func TestScheduler_NoInputRequestNoQueries(t *testing.T) {
	f := newSchedulerFixture(t, zap.NewNop(), 1)
	f.detect(t)
	before := len(f.sim.Frames())

	f.pending.SetAllOutputs(types.OutputStates{1: {true}})
	res, err := f.scheduler.RunRound()
	require.NoError(t, err)
	assert.Empty(t, res.States)

	frames := f.sim.Frames()[before:]
	require.Len(t, frames, 1)
	assert.Equal(t, uint8(0), frames[0].NextAddress)
	assert.False(t, frames[0].RequestInputStates)

	states, _ := f.publisher.counts()
	assert.Equal(t, 0, states)
}

func TestScheduler_FailedDeviceIsOmitted(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	f := newSchedulerFixture(t, zap.New(core), 1, 2, 3)
	f.detect(t)

	f.sim.Garble(2, true)
	f.pending.RequestInputStates()
	res, err := f.scheduler.RunRound()
	require.NoError(t, err)

	got := make([]uint8, 0, len(res.States))
	for _, st := range res.States {
		got = append(got, st.Address)
	}
	assert.Equal(t, []uint8{1, 3}, got)

	failures := logs.FilterMessage("Device poll failed").All()
	require.Len(t, failures, 1)
	assert.Equal(t, uint8(2), failures[0].ContextMap()["address"])
}

func TestScheduler_QueryChainAddresses(t *testing.T) {
	f := newSchedulerFixture(t, zap.NewNop(), 2, 4, 5)
	f.detect(t)
	before := len(f.sim.Frames())

	f.pending.RequestInputStates()
	_, err := f.scheduler.RunRound()
	require.NoError(t, err)

	frames := f.sim.Frames()[before:]
	require.Len(t, frames, 4)
	assert.Equal(t, [2]uint8{0, 2}, [2]uint8{frames[0].CurAddress, frames[0].NextAddress})
	assert.Equal(t, [2]uint8{2, 4}, [2]uint8{frames[1].CurAddress, frames[1].NextAddress})
	assert.Equal(t, [2]uint8{4, 5}, [2]uint8{frames[2].CurAddress, frames[2].NextAddress})
	assert.Equal(t, [2]uint8{5, 0}, [2]uint8{frames[3].CurAddress, frames[3].NextAddress})

	for _, frame := range frames[1:] {
		device, _ := f.cat.Lookup(frame.CurAddress)
		assert.Equal(t, spi.TransactionLen(device.Model), frame.MinLen)
		assert.Empty(t, frame.Messages)
	}
}

func TestScheduler_FrameChecksums(t *testing.T) {
	cat := catalog.Default()
	sim := NewSimulator(cat, []uint8{1, 2, 3})
	raw := &rawTransport{next: sim}
	pending := NewPendingState()
	s := NewScheduler(cat, pending, raw, nil, zap.NewNop())

	pending.RequestDetection()
	pending.FlashLEDs()
	pending.SetAllOutputs(types.OutputStates{1: {true}, 3: {false, true}})
	pending.SetLEDs([]types.LEDCommand{{Address: 2, Colors: "gr", OnTime: 100}})
	_, err := s.RunRound()
	require.NoError(t, err)

	require.NotEmpty(t, raw.tx)
	for i, buf := range raw.tx {
		end := 3 + int(binary.LittleEndian.Uint16(buf[1:3]))
		require.Less(t, end, len(buf))
		assert.Equal(t, spi.Checksum(buf[3:end]), buf[end], "transaction %d", i)
	}
}

func TestScheduler_MessageOrder(t *testing.T) {
	f := newSchedulerFixture(t, zap.NewNop(), 1, 2, 3)

	f.pending.SetAllOutputs(types.OutputStates{3: {true}, 1: {true}, 9: {true}})
	f.pending.SetLEDs([]types.LEDCommand{{Address: 2, Colors: "y"}, {Address: 42, Colors: "r"}})
	_, err := f.scheduler.RunRound()
	require.NoError(t, err)

	broadcasts := f.sim.Broadcasts()
	require.Len(t, broadcasts, 1)
	msgs := broadcasts[0].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, [2]uint8{2, spi.CmdSetLED}, [2]uint8{msgs[0].Address, msgs[0].Command})
	assert.Equal(t, [2]uint8{1, spi.CmdSetOutputs}, [2]uint8{msgs[1].Address, msgs[1].Command})
	assert.Equal(t, [2]uint8{3, spi.CmdSetOutputs}, [2]uint8{msgs[2].Address, msgs[2].Command})
}

func TestScheduler_OutputsReachDevices(t *testing.T) {
	f := newSchedulerFixture(t, zap.NewNop(), 1, 2)
	f.detect(t)

	f.pending.SetAllOutputs(types.OutputStates{2: {false, true, true}})
	f.pending.RequestInputStates()
	res, err := f.scheduler.RunRound()
	require.NoError(t, err)

	want := make([]bool, 16)
	want[1], want[2] = true, true
	assert.Equal(t, want, f.sim.Outputs(2))
	require.Len(t, res.States, 2)
	assert.Equal(t, want, res.States[1].DigitalOutputs)
}

func TestScheduler_BroadcastFailureRestoresPending(t *testing.T) {
	f := newSchedulerFixture(t, zap.NewNop(), 1)
	f.sim.FailBroadcasts(1)

	f.pending.SetAllOutputs(types.OutputStates{1: {true}})
	f.pending.FlashLEDs()
	_, err := f.scheduler.RunRound()
	require.Error(t, err)

	total, failed := f.scheduler.Rounds()
	assert.Equal(t, uint64(1), total)
	assert.Equal(t, uint64(1), failed)
	require.True(t, f.pending.HasWork())

	_, err = f.scheduler.RunRound()
	require.NoError(t, err)
	assert.True(t, f.sim.Outputs(1)[0])
	assert.Equal(t, 1, f.sim.Flashes())
}

func TestScheduler_LEDCommandsCollapsePerAddress(t *testing.T) {
	f := newSchedulerFixture(t, zap.NewNop(), 1, 2)

	cmds := make([]types.LEDCommand, 0, 262)
	for i := 0; i < 260; i++ {
		cmds = append(cmds, types.LEDCommand{Address: 1, Colors: "g", OnTime: uint16(i)})
	}
	cmds = append(cmds, types.LEDCommand{Address: 2, Colors: "r"}, types.LEDCommand{Address: 1, Colors: "rr", OnTime: 999})
	f.pending.SetLEDs(cmds)

	_, err := f.scheduler.RunRound()
	require.NoError(t, err)

	broadcasts := f.sim.Broadcasts()
	require.Len(t, broadcasts, 1)
	msgs := broadcasts[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, uint8(1), msgs[0].Address)
	assert.Equal(t, uint8(2), msgs[1].Address)

	patterns := f.sim.LEDPatterns(1)
	require.Len(t, patterns, 1)
	assert.Equal(t, uint16(999), patterns[0].OnTime)
	assert.Equal(t, [2]byte{spi.ColorRed, 0}, patterns[0].Colors)
}

func TestScheduler_SplitsOversizedBroadcast(t *testing.T) {
	models := make([]types.DeviceModel, 200)
	present := make([]uint8, 0, len(models))
	for i := range models {
		models[i] = catalog.ModelIO16
		present = append(present, uint8(i+1))
	}
	cat := catalog.New(models)
	sim := NewSimulator(cat, present)
	pending := NewPendingState()
	s := NewScheduler(cat, pending, sim, nil, zap.NewNop())

	outputs := make(types.OutputStates, len(present))
	leds := make([]types.LEDCommand, 0, len(present))
	for _, addr := range present {
		outputs[addr] = []bool{true}
		leds = append(leds, types.LEDCommand{Address: addr, Colors: "y"})
	}
	pending.SetAllOutputs(outputs)
	pending.SetLEDs(leds)
	pending.FlashLEDs()

	_, err := s.RunRound()
	require.NoError(t, err)

	broadcasts := sim.Broadcasts()
	require.Len(t, broadcasts, 2)
	assert.Len(t, broadcasts[0].Messages, spi.MaxFrameMessages)
	assert.Len(t, broadcasts[1].Messages, 2*len(present)-spi.MaxFrameMessages)
	assert.False(t, broadcasts[0].FlashLEDs)
	assert.True(t, broadcasts[1].FlashLEDs)
	assert.Equal(t, 1, sim.Flashes())

	for _, addr := range present {
		assert.True(t, sim.Outputs(addr)[0], "outputs of %d", addr)
		assert.Len(t, sim.LEDPatterns(addr), 1, "LEDs of %d", addr)
	}
}

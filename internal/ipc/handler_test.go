package ipc

import (
	"errors"
	"sync"
	"testing"

	"github.com/KevinKickass/OpenMachineIO/internal/catalog"
	"github.com/KevinKickass/OpenMachineIO/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeController struct {
	mu      sync.Mutex
	outputs []SetAllOutputs
	leds    [][]types.LEDCommand
	err     error
}

func (f *fakeController) SetAllOutputs(outputs types.OutputStates, requestInputStates, flashLEDs bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs = append(f.outputs, SetAllOutputs{Outputs: outputs, RequestInputStates: requestInputStates, FlashLEDs: flashLEDs})
	return true, f.err
}

func (f *fakeController) SetLEDs(cmds []types.LEDCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leds = append(f.leds, cmds)
	return f.err
}

func (f *fakeController) received() (outputs, leds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.outputs), len(f.leds)
}

func TestHandler_Dispatch(t *testing.T) {
	ctrl := &fakeController{}
	h := NewHandler(ctrl, catalog.Default(), zap.NewNop())

	msg := SetAllOutputs{Outputs: types.OutputStates{2: {true}}, RequestInputStates: true}
	require.NoError(t, h.HandleMessage("c1", EncodeSetAllOutputs(msg)))
	require.NoError(t, h.HandleMessage("c1", EncodeSetLEDs([]types.LEDCommand{{Address: 1, Colors: "r"}})))

	require.Len(t, ctrl.outputs, 1)
	assert.Equal(t, msg, ctrl.outputs[0])
	require.Len(t, ctrl.leds, 1)
	assert.Equal(t, "r", ctrl.leds[0][0].Colors)
}

func TestHandler_Rejects(t *testing.T) {
	ctrl := &fakeController{}
	h := NewHandler(ctrl, catalog.Default(), zap.NewNop())

	// daemon-to-client types are not accepted from clients
	err := h.HandleMessage("c1", EncodeDevicesList(types.HardwareInfo{}))
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	err = h.HandleMessage("c1", []byte{1, 77})
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	err = h.HandleMessage("c1", []byte{9, 20, 0, 0, 0})
	assert.ErrorIs(t, err, ErrProtocolVersionMismatch)

	err = h.HandleMessage("c1", []byte{1, 20, 0})
	assert.ErrorIs(t, err, ErrMessageTooShort)

	outputs, leds := ctrl.received()
	assert.Zero(t, outputs)
	assert.Zero(t, leds)
}

func TestHandler_ControllerError(t *testing.T) {
	boom := errors.New("loop stopped")
	h := NewHandler(&fakeController{err: boom}, catalog.Default(), zap.NewNop())

	err := h.HandleMessage("c1", EncodeSetLEDs(nil))
	assert.ErrorIs(t, err, boom)
}

func TestHandler_DropsUnknownAddresses(t *testing.T) {
	ctrl := &fakeController{}
	h := NewHandler(ctrl, catalog.Default(), zap.NewNop())

	err := h.HandleMessage("c1", EncodeSetAllOutputs(SetAllOutputs{
		Outputs: types.OutputStates{2: {true}, 42: {true}, 9: {false}},
	}))
	assert.ErrorIs(t, err, ErrUnknownAddress)
	assert.Contains(t, err.Error(), "[9 42]")

	require.Len(t, ctrl.outputs, 1)
	assert.Equal(t, types.OutputStates{2: {true}}, ctrl.outputs[0].Outputs)

	// nothing known and no flags: the controller is not called
	err = h.HandleMessage("c1", EncodeSetAllOutputs(SetAllOutputs{Outputs: types.OutputStates{42: {true}}}))
	assert.ErrorIs(t, err, ErrUnknownAddress)
	outputs, _ := ctrl.received()
	assert.Equal(t, 1, outputs)

	// flags still trigger a round
	err = h.HandleMessage("c1", EncodeSetAllOutputs(SetAllOutputs{
		Outputs:            types.OutputStates{42: {true}},
		RequestInputStates: true,
	}))
	assert.ErrorIs(t, err, ErrUnknownAddress)
	require.Len(t, ctrl.outputs, 2)
	assert.Empty(t, ctrl.outputs[1].Outputs)
	assert.True(t, ctrl.outputs[1].RequestInputStates)
}

func TestHandler_ClipsLevelsToOutputCount(t *testing.T) {
	ctrl := &fakeController{}
	h := NewHandler(ctrl, catalog.Default(), zap.NewNop())

	levels := make([]bool, 20)
	levels[0], levels[19] = true, true
	require.NoError(t, h.HandleMessage("c1", EncodeSetAllOutputs(SetAllOutputs{
		Outputs: types.OutputStates{2: levels},
	})))

	io16, _ := catalog.Default().Lookup(2)
	require.Len(t, ctrl.outputs, 1)
	got := ctrl.outputs[0].Outputs[2]
	assert.Len(t, got, io16.Model.NumDigitalOutputs)
	assert.True(t, got[0])
}

func TestHandler_DropsUnknownLEDs(t *testing.T) {
	ctrl := &fakeController{}
	h := NewHandler(ctrl, catalog.Default(), zap.NewNop())

	err := h.HandleMessage("c1", EncodeSetLEDs([]types.LEDCommand{{Address: 1, Colors: "g"}, {Address: 200, Colors: "r"}}))
	assert.ErrorIs(t, err, ErrUnknownAddress)
	require.Len(t, ctrl.leds, 1)
	require.Len(t, ctrl.leds[0], 1)
	assert.Equal(t, uint8(1), ctrl.leds[0][0].Address)

	err = h.HandleMessage("c1", EncodeSetLEDs([]types.LEDCommand{{Address: 200, Colors: "r"}}))
	assert.ErrorIs(t, err, ErrUnknownAddress)
	_, leds := ctrl.received()
	assert.Equal(t, 1, leds)
}

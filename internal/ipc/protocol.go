// Package ipc implements the local client protocol of the bus daemon: a
// versioned binary message format carried as websocket binary messages over
// a unix socket.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/KevinKickass/OpenMachineIO/internal/spi"
	"github.com/KevinKickass/OpenMachineIO/internal/types"
)

const (
	ProtocolVersion = 1

	DefaultSocketPath = "/tmp/socket-iron-pi"

	headerLen = 2

	// precedes every bit-packed level array
	levelsPreamble = 0x72
)

type MessageType uint8

const (
	// daemon to client
	MsgDevicesList       MessageType = 1
	MsgDeviceInputStates MessageType = 2

	// client to daemon
	MsgSetAllOutputs MessageType = 20
	MsgSetLEDs       MessageType = 21
)

func (t MessageType) String() string {
	switch t {
	case MsgDevicesList:
		return "DevicesList"
	case MsgDeviceInputStates:
		return "DeviceInputStates"
	case MsgSetAllOutputs:
		return "SetAllOutputs"
	case MsgSetLEDs:
		return "SetLEDs"
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

var (
	ErrMessageTooShort         = errors.New("ipc message too short")
	ErrProtocolVersionMismatch = errors.New("ipc protocol version mismatch")
	ErrUnknownMessageType      = errors.New("unknown ipc message type")
	ErrArrayPreamble           = errors.New("unexpected level array preamble")
	ErrUnknownAddress          = errors.New("address not in catalog")
)

// SetAllOutputs carries output levels per address plus the optional round flags.
type SetAllOutputs struct {
	Outputs            types.OutputStates
	RequestInputStates bool
	FlashLEDs          bool
}

// ReadHeader validates the version byte and returns the message type.
func ReadHeader(buf []byte) (MessageType, error) {
	if len(buf) < headerLen {
		return 0, fmt.Errorf("%w: got %d bytes, expected %d or more", ErrMessageTooShort, len(buf), headerLen)
	}
	if buf[0] != ProtocolVersion {
		return 0, fmt.Errorf("%w: got %d, expected %d", ErrProtocolVersionMismatch, buf[0], ProtocolVersion)
	}
	return MessageType(buf[1]), nil
}

func expect(buf []byte, want MessageType) (*reader, error) {
	got, err := ReadHeader(buf)
	if err != nil {
		return nil, err
	}
	if got != want {
		return nil, fmt.Errorf("%w: got %s, expected %s", ErrUnknownMessageType, got, want)
	}
	return &reader{buf: buf, pos: headerLen}, nil
}

func header(t MessageType) []byte {
	return []byte{ProtocolVersion, byte(t)}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func sortedAddresses(outputs types.OutputStates) []uint8 {
	out := make([]uint8, 0, len(outputs))
	for addr := range outputs {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func appendLevels(buf []byte, levels []bool) []byte {
	buf = append(buf, levelsPreamble)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(levels)))
	return append(buf, spi.EncodeBits(levels, len(levels))...)
}

func (r *reader) levels() []bool {
	if p := r.u8(); r.err == nil && p != levelsPreamble {
		r.err = fmt.Errorf("%w: got 0x%02X at %d", ErrArrayPreamble, p, r.pos-1)
		return nil
	}
	count := int(r.u16())
	packed := r.bytes((count + 7) / 8)
	if r.err != nil {
		return nil
	}
	return spi.DecodeBits(packed, count)
}

// EncodeSetAllOutputs:
//
//	[requestInputStates][flashLEDs][count] then per entry [address][0x72][n u16][bits]
func EncodeSetAllOutputs(msg SetAllOutputs) []byte {
	buf := header(MsgSetAllOutputs)
	buf = append(buf, boolByte(msg.RequestInputStates), boolByte(msg.FlashLEDs), byte(len(msg.Outputs)))
	for _, addr := range sortedAddresses(msg.Outputs) {
		buf = append(buf, addr)
		buf = appendLevels(buf, msg.Outputs[addr])
	}
	return buf
}

func DecodeSetAllOutputs(buf []byte) (SetAllOutputs, error) {
	r, err := expect(buf, MsgSetAllOutputs)
	if err != nil {
		return SetAllOutputs{}, err
	}

	msg := SetAllOutputs{
		RequestInputStates: r.u8() != 0,
		FlashLEDs:          r.u8() != 0,
		Outputs:            make(types.OutputStates),
	}
	count := int(r.u8())
	for i := 0; i < count && r.err == nil; i++ {
		addr := r.u8()
		levels := r.levels()
		if r.err == nil {
			msg.Outputs[addr] = levels
		}
	}
	if r.err != nil {
		return SetAllOutputs{}, fmt.Errorf("SetAllOutputs: %w", r.err)
	}
	return msg, nil
}

// EncodeSetLEDs:
//
//	[count] then per command [address][n][pattern][onTime u16][offTime u16][idleTime u32]
func EncodeSetLEDs(cmds []types.LEDCommand) []byte {
	buf := header(MsgSetLEDs)
	buf = append(buf, byte(len(cmds)))
	for _, cmd := range cmds {
		buf = append(buf, cmd.Address)
		buf = appendString(buf, cmd.Colors)
		buf = binary.LittleEndian.AppendUint16(buf, cmd.OnTime)
		buf = binary.LittleEndian.AppendUint16(buf, cmd.OffTime)
		buf = binary.LittleEndian.AppendUint32(buf, cmd.IdleTime)
	}
	return buf
}

func DecodeSetLEDs(buf []byte) ([]types.LEDCommand, error) {
	r, err := expect(buf, MsgSetLEDs)
	if err != nil {
		return nil, err
	}

	count := int(r.u8())
	cmds := make([]types.LEDCommand, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		cmds = append(cmds, types.LEDCommand{
			Address:  r.u8(),
			Colors:   r.str(),
			OnTime:   r.u16(),
			OffTime:  r.u16(),
			IdleTime: r.u32(),
		})
	}
	if r.err != nil {
		return nil, fmt.Errorf("SetLEDs: %w", r.err)
	}
	return cmds, nil
}

// EncodeDevicesList:
//
//	[n][serialNumber][n][accessCode][count] then per device
//	[address][ioOffset u16][n][model][n][version][DI][DO][AI][hasButton]
func EncodeDevicesList(info types.HardwareInfo) []byte {
	buf := header(MsgDevicesList)
	buf = appendString(buf, info.SerialNumber)
	buf = appendString(buf, info.AccessCode)
	buf = append(buf, byte(len(info.Devices)))
	for _, d := range info.Devices {
		m := d.Model
		buf = append(buf, d.Address)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(d.IOOffset))
		buf = appendString(buf, m.Name)
		buf = appendString(buf, m.Version)
		buf = append(buf,
			byte(m.NumDigitalInputs),
			byte(m.NumDigitalOutputs),
			byte(m.NumAnalogInputs),
			boolByte(m.HasConnectButton))
	}
	return buf
}

func DecodeDevicesList(buf []byte) (types.HardwareInfo, error) {
	r, err := expect(buf, MsgDevicesList)
	if err != nil {
		return types.HardwareInfo{}, err
	}

	info := types.HardwareInfo{
		SerialNumber: r.str(),
		AccessCode:   r.str(),
	}
	count := int(r.u8())
	info.Devices = make([]types.Device, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		d := types.Device{
			Address:  r.u8(),
			IOOffset: int(r.u16()),
		}
		d.Model.Name = r.str()
		d.Model.Version = r.str()
		d.Model.NumDigitalInputs = int(r.u8())
		d.Model.NumDigitalOutputs = int(r.u8())
		d.Model.NumAnalogInputs = int(r.u8())
		d.Model.HasConnectButton = r.u8() != 0
		info.Devices = append(info.Devices, d)
	}
	if r.err != nil {
		return types.HardwareInfo{}, fmt.Errorf("DevicesList: %w", r.err)
	}
	return info, nil
}

// EncodeDeviceInputStates:
//
//	[count] then per device
//	[address][0x72][DI u16][bits][0x72][DO u16][bits][event counts][AI][AI u16...][hasButton][button]
//
// The button byte is pressed<<7 | eventCount&0x7F and only present when hasButton is 1.
func EncodeDeviceInputStates(states []types.DeviceInputState) []byte {
	buf := header(MsgDeviceInputStates)
	buf = append(buf, byte(len(states)))
	for _, st := range states {
		buf = append(buf, st.Address)
		buf = appendLevels(buf, st.DigitalInputs)
		buf = appendLevels(buf, st.DigitalOutputs)
		for i := range st.DigitalInputs {
			var count uint8
			if i < len(st.DigitalInputEventCounts) {
				count = st.DigitalInputEventCounts[i]
			}
			buf = append(buf, count)
		}
		buf = append(buf, byte(len(st.AnalogInputs)))
		for _, v := range st.AnalogInputs {
			buf = binary.LittleEndian.AppendUint16(buf, v)
		}

		if st.ConnectButtonPressed == nil {
			buf = append(buf, 0)
			continue
		}
		button := byte(0)
		if *st.ConnectButtonPressed {
			button |= 0x80
		}
		if st.ConnectButtonEventCount != nil {
			button |= *st.ConnectButtonEventCount & 0x7F
		}
		buf = append(buf, 1, button)
	}
	return buf
}

func DecodeDeviceInputStates(buf []byte) ([]types.DeviceInputState, error) {
	r, err := expect(buf, MsgDeviceInputStates)
	if err != nil {
		return nil, err
	}

	count := int(r.u8())
	states := make([]types.DeviceInputState, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		st := types.DeviceInputState{Address: r.u8()}
		st.DigitalInputs = r.levels()
		st.DigitalOutputs = r.levels()
		st.DigitalInputEventCounts = append([]uint8(nil), r.bytes(len(st.DigitalInputs))...)

		numAnalog := int(r.u8())
		st.AnalogInputs = make([]uint16, 0, numAnalog)
		for j := 0; j < numAnalog && r.err == nil; j++ {
			st.AnalogInputs = append(st.AnalogInputs, r.u16())
		}

		if r.u8() != 0 {
			b := r.u8()
			pressed := b&0x80 != 0
			eventCount := b & 0x7F
			st.ConnectButtonPressed = &pressed
			st.ConnectButtonEventCount = &eventCount
		}
		states = append(states, st)
	}
	if r.err != nil {
		return nil, fmt.Errorf("DeviceInputStates: %w", r.err)
	}
	return states, nil
}

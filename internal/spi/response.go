package spi

import (
	"encoding/binary"
	"fmt"

	"github.com/KevinKickass/OpenMachineIO/internal/types"
)

// DecodeInputState parses the response to a query transaction addressed to
// device. The first byte of buf is the full-duplex turnaround byte and is
// discarded. After it:
//
//	[0x3C][length u16][address][msgId][payload...][xrc]
//
// length counts address, msgId and payload. In detect mode the XRC is not
// checked, so a device that answers with a corrupted frame still counts as
// present.
func DecodeInputState(address uint8, model types.DeviceModel, buf []byte, detect bool) (*types.DeviceInputState, error) {
	if len(buf) > 0 {
		buf = buf[1:]
	}
	if len(buf) < FromDeviceOverhead {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d or more", ErrFrameTooShort, len(buf), FromDeviceOverhead)
	}
	if buf[0] != FromDevicePreamble {
		return nil, fmt.Errorf("%w: got 0x%02X, expected 0x%02X", ErrPreambleMismatch, buf[0], FromDevicePreamble)
	}
	length := int(binary.LittleEndian.Uint16(buf[1:3]))
	if minLen := length + 4; len(buf) < minLen {
		return nil, fmt.Errorf("%w: message is truncated: got %d bytes, expected %d", ErrFrameTooShort, len(buf), minLen)
	}

	if !detect {
		expected := Checksum(buf[3 : length+3])
		if actual := buf[length+3]; actual != expected {
			return nil, fmt.Errorf("%w from device %d: got 0x%02X, expected 0x%02X", ErrChecksumMismatch, address, actual, expected)
		}
	}

	if actual := buf[3]; actual != address {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrAddressMismatch, actual, address)
	}

	if expected := InputStatePayloadLen(model); length < expected {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrPayloadTooShort, length, expected)
	}

	if msg := buf[4]; msg != MsgInputState {
		return nil, fmt.Errorf("%w from device %d: got %d, expected %d", ErrUnknownMessageID, address, msg, MsgInputState)
	}

	pos := 5
	numIO := model.NumDigitalInputs
	ioBytes := byteCount(numIO)

	end := pos + 2*ioBytes + numIO + 2*model.NumAnalogInputs
	if model.HasConnectButton {
		end++
	}
	if len(buf) < end {
		return nil, fmt.Errorf("%w: input state needs %d bytes, got %d", ErrFrameTooShort, end, len(buf))
	}

	state := &types.DeviceInputState{Address: address}
	state.DigitalInputs = DecodeBits(buf[pos:], numIO)
	pos += ioBytes
	state.DigitalOutputs = DecodeBits(buf[pos:], numIO)
	pos += ioBytes

	state.DigitalInputEventCounts = append([]uint8(nil), buf[pos:pos+numIO]...)
	pos += numIO

	state.AnalogInputs = make([]uint16, model.NumAnalogInputs)
	for i := range state.AnalogInputs {
		state.AnalogInputs[i] = binary.LittleEndian.Uint16(buf[pos:])
		pos += 2
	}

	if model.HasConnectButton {
		b := buf[pos]
		pressed := b&0x80 != 0
		count := b & 0x7F
		state.ConnectButtonPressed = &pressed
		state.ConnectButtonEventCount = &count
	}
	return state, nil
}

// EncodeInputState builds the device side of a query transaction, including
// the leading turnaround byte. It is what a device of the given model sends
// back; the bus simulator uses it.
func EncodeInputState(model types.DeviceModel, state *types.DeviceInputState) []byte {
	numIO := model.NumDigitalInputs
	payloadLen := InputStatePayloadLen(model)

	buf := make([]byte, 0, TransactionLen(model))
	buf = append(buf, 0x00, FromDevicePreamble)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(1+payloadLen))
	buf = append(buf, state.Address, MsgInputState)
	start := len(buf)

	buf = append(buf, EncodeBits(state.DigitalInputs, numIO)...)
	buf = append(buf, EncodeBits(state.DigitalOutputs, numIO)...)
	for i := 0; i < numIO; i++ {
		var count uint8
		if i < len(state.DigitalInputEventCounts) {
			count = state.DigitalInputEventCounts[i]
		}
		buf = append(buf, count)
	}
	for i := 0; i < model.NumAnalogInputs; i++ {
		var v uint16
		if i < len(state.AnalogInputs) {
			v = state.AnalogInputs[i]
		}
		buf = binary.LittleEndian.AppendUint16(buf, v)
	}
	if model.HasConnectButton {
		var b byte
		if state.ConnectButtonPressed != nil && *state.ConnectButtonPressed {
			b |= 0x80
		}
		if state.ConnectButtonEventCount != nil {
			b |= *state.ConnectButtonEventCount & 0x7F
		}
		buf = append(buf, b)
	}
	// pad to the declared payload length (the ceil(DO/8) section)
	for len(buf)-start < payloadLen-1 {
		buf = append(buf, 0)
	}

	// XRC covers address through the last payload byte
	return append(buf, Checksum(buf[4:]))
}

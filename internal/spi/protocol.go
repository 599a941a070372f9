// Package spi implements the byte-level protocol spoken on the expansion bus.
package spi

import "github.com/KevinKickass/OpenMachineIO/internal/types"

// Frame preambles
const (
	ToDevicePreamble   = 0x5C
	PerDevicePreamble  = 0x72
	FromDevicePreamble = 0x3C
)

// Sync command bits of the to-device frame
const (
	SyncRequestInputs = 0x01
	SyncFlashLEDs     = 0x02
)

// Per-device commands
const (
	CmdSetOutputs = 0x01
	CmdSetLED     = 0x02
)

// From-device message IDs
const (
	MsgInputState = 0x01
)

// LED color codes
const (
	ColorOff    = 0
	ColorGreen  = 1
	ColorRed    = 2
	ColorYellow = 3
)

const (
	// preamble + length(2) + curAddress + nextAddress + syncCmd + msgCount + xrc
	toDeviceOverhead = 8
	// curAddress + nextAddress + syncCmd + msgCount, counted by the length field
	toDeviceHeaderLen = 4
	// preamble + address + command + payloadLen
	perDeviceOverhead = 4

	// FromDeviceOverhead is preamble + length(2) + address + xrc.
	FromDeviceOverhead = 5

	ledPayloadLen = 12
)

// MaxFrameMessages is the most sub-messages one to-device frame can carry;
// the count field is a single byte.
const MaxFrameMessages = 255

// InputStatePayloadLen is the number of bytes a device of the given model
// answers with after the address byte: message ID, packed inputs, packed
// outputs, one event counter per input, two bytes per analog input and the
// optional connect button byte.
func InputStatePayloadLen(m types.DeviceModel) int {
	n := 1 + byteCount(m.NumDigitalInputs) + byteCount(m.NumDigitalOutputs) +
		m.NumDigitalInputs + m.NumAnalogInputs*2
	if m.HasConnectButton {
		n++
	}
	return n
}

// TransactionLen is the minimum length of a query transaction for a device:
// the full response frame plus the leading dummy byte.
func TransactionLen(m types.DeviceModel) int {
	return FromDeviceOverhead + 1 + InputStatePayloadLen(m)
}

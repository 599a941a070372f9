package spi

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/KevinKickass/OpenMachineIO/internal/types"
)

// DeviceMessage is a command addressed to a single device, embedded in a
// to-device frame:
//
//	[0x72][address][command][payloadLen][payload...]
type DeviceMessage struct {
	Address uint8
	Command uint8
	Payload []byte
}

func (m DeviceMessage) encodedLen() int {
	return perDeviceOverhead + len(m.Payload)
}

func (m DeviceMessage) appendTo(buf []byte) []byte {
	buf = append(buf, PerDevicePreamble, m.Address, m.Command, byte(len(m.Payload)))
	return append(buf, m.Payload...)
}

// ToDeviceFrame is the host to bus frame. One is broadcast at the start of
// every round and one per queried device:
//
//	[0x5C][length u16][curAddress][nextAddress][syncCmd][msgCount][messages...][xrc]
type ToDeviceFrame struct {
	CurAddress         uint8
	NextAddress        uint8
	RequestInputStates bool
	FlashLEDs          bool
	Messages           []DeviceMessage

	// MinLen pads the encoded buffer. SPI is full duplex, so the request
	// length decides how many response bytes are clocked back.
	MinLen int
}

// SyncCommand returns the sync byte for the frame flags.
func (f *ToDeviceFrame) SyncCommand() byte {
	var cmd byte
	if f.RequestInputStates {
		cmd |= SyncRequestInputs
	}
	if f.FlashLEDs {
		cmd |= SyncFlashLEDs
	}
	return cmd
}

// Encode builds the transaction buffer. It panics if the frame carries more
// than MaxFrameMessages messages; use SplitMessages to spread them over
// several frames.
func (f *ToDeviceFrame) Encode() []byte {
	if len(f.Messages) > MaxFrameMessages {
		panic(fmt.Sprintf("spi: %d messages exceed the frame limit of %d", len(f.Messages), MaxFrameMessages))
	}

	messagesLen := 0
	for _, m := range f.Messages {
		messagesLen += m.encodedLen()
	}
	frameLen := toDeviceOverhead + messagesLen

	buf := make([]byte, 0, max(frameLen, f.MinLen))
	buf = append(buf, ToDevicePreamble)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(toDeviceHeaderLen+messagesLen))
	buf = append(buf, f.CurAddress, f.NextAddress, f.SyncCommand(), byte(len(f.Messages)))
	for _, m := range f.Messages {
		buf = m.appendTo(buf)
	}
	// XRC covers curAddress through the last message byte
	buf = append(buf, Checksum(buf[3:]))

	if len(buf) < f.MinLen {
		buf = buf[:f.MinLen]
	}
	return buf
}

// DecodeToDeviceFrame parses a to-device frame. Bytes after the XRC (minimum
// length padding) are ignored.
func DecodeToDeviceFrame(data []byte) (*ToDeviceFrame, error) {
	if len(data) < toDeviceOverhead {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d or more", ErrFrameTooShort, len(data), toDeviceOverhead)
	}
	if data[0] != ToDevicePreamble {
		return nil, fmt.Errorf("%w: got 0x%02X, expected 0x%02X", ErrPreambleMismatch, data[0], ToDevicePreamble)
	}
	length := int(binary.LittleEndian.Uint16(data[1:3]))
	end := 3 + length
	if length < toDeviceHeaderLen || len(data) < end+1 {
		return nil, fmt.Errorf("%w: declared length %d does not fit %d bytes", ErrFrameTooShort, length, len(data))
	}
	if expected, actual := Checksum(data[3:end]), data[end]; expected != actual {
		return nil, fmt.Errorf("%w: got 0x%02X, expected 0x%02X", ErrChecksumMismatch, actual, expected)
	}

	sync := data[5]
	frame := &ToDeviceFrame{
		CurAddress:         data[3],
		NextAddress:        data[4],
		RequestInputStates: sync&SyncRequestInputs != 0,
		FlashLEDs:          sync&SyncFlashLEDs != 0,
		MinLen:             len(data),
	}

	count := int(data[6])
	pos := 7
	for i := 0; i < count; i++ {
		if pos+perDeviceOverhead > end {
			return nil, fmt.Errorf("%w: message %d header", ErrFrameTooShort, i)
		}
		if data[pos] != PerDevicePreamble {
			return nil, fmt.Errorf("%w: message %d got 0x%02X", ErrPreambleMismatch, i, data[pos])
		}
		payloadLen := int(data[pos+3])
		payloadEnd := pos + perDeviceOverhead + payloadLen
		if payloadEnd > end {
			return nil, fmt.Errorf("%w: message %d payload", ErrFrameTooShort, i)
		}
		frame.Messages = append(frame.Messages, DeviceMessage{
			Address: data[pos+1],
			Command: data[pos+2],
			Payload: append([]byte(nil), data[pos+perDeviceOverhead:payloadEnd]...),
		})
		pos = payloadEnd
	}
	if pos != end {
		return nil, fmt.Errorf("%w: %d messages end at %d, frame at %d", ErrMessageCount, count, pos, end)
	}
	return frame, nil
}

// SplitMessages cuts msgs into chunks that each fit one frame, keeping their
// order. It always returns at least one chunk, possibly empty.
func SplitMessages(msgs []DeviceMessage) [][]DeviceMessage {
	if len(msgs) <= MaxFrameMessages {
		return [][]DeviceMessage{msgs}
	}
	chunks := make([][]DeviceMessage, 0, (len(msgs)+MaxFrameMessages-1)/MaxFrameMessages)
	for len(msgs) > MaxFrameMessages {
		chunks = append(chunks, msgs[:MaxFrameMessages])
		msgs = msgs[MaxFrameMessages:]
	}
	return append(chunks, msgs)
}

// EncodeOutputs builds a SetOutputs message for a device with numOutputs outputs.
func EncodeOutputs(address uint8, numOutputs int, levels []bool) DeviceMessage {
	return DeviceMessage{
		Address: address,
		Command: CmdSetOutputs,
		Payload: EncodeBits(levels, numOutputs),
	}
}

func colorCode(c byte) byte {
	switch c {
	case 'r':
		return ColorRed
	case 'y', 'o':
		return ColorYellow
	default:
		return ColorGreen
	}
}

// LEDPattern is the decoded SetLED payload.
type LEDPattern struct {
	Colors   [2]byte
	Counts   [2]byte
	OnTime   uint16
	OffTime  uint16
	IdleTime uint32
}

// PatternRuns reduces a color pattern to at most two runs of identical
// colors. Scanning stops at the start of a third run; the rest of the
// pattern is dropped.
func PatternRuns(pattern string) (colors, counts [2]byte) {
	pattern = strings.ToLower(pattern)
	run := -1
	var prev byte
	for i := 0; i < len(pattern); i++ {
		color := colorCode(pattern[i])
		if run < 0 || color != prev {
			run++
			if run >= len(colors) {
				break
			}
		}
		colors[run] = color
		if counts[run] < 0xFF {
			counts[run]++
		}
		prev = color
	}
	return colors, counts
}

// EncodeLED builds a SetLED message:
//
//	[color1][count1][color2][count2][onTime u16][offTime u16][idleTime u32]
func EncodeLED(cmd types.LEDCommand) DeviceMessage {
	colors, counts := PatternRuns(cmd.Colors)

	payload := make([]byte, 0, ledPayloadLen)
	payload = append(payload, colors[0], counts[0], colors[1], counts[1])
	payload = binary.LittleEndian.AppendUint16(payload, cmd.OnTime)
	payload = binary.LittleEndian.AppendUint16(payload, cmd.OffTime)
	payload = binary.LittleEndian.AppendUint32(payload, cmd.IdleTime)

	return DeviceMessage{
		Address: cmd.Address,
		Command: CmdSetLED,
		Payload: payload,
	}
}

// DecodeLED parses a SetLED payload.
func DecodeLED(payload []byte) (LEDPattern, error) {
	if len(payload) < ledPayloadLen {
		return LEDPattern{}, fmt.Errorf("%w: LED payload has %d bytes, expected %d", ErrPayloadTooShort, len(payload), ledPayloadLen)
	}
	return LEDPattern{
		Colors:   [2]byte{payload[0], payload[2]},
		Counts:   [2]byte{payload[1], payload[3]},
		OnTime:   binary.LittleEndian.Uint16(payload[4:6]),
		OffTime:  binary.LittleEndian.Uint16(payload[6:8]),
		IdleTime: binary.LittleEndian.Uint32(payload[8:12]),
	}, nil
}

package types

import "encoding/json"

// DeviceModel describes the I/O capabilities of one kind of expansion board.
// Models are defined at build time (or loaded once from a topology file) and
// never mutated afterwards.
type DeviceModel struct {
	Name              string `json:"model" yaml:"name"`
	Version           string `json:"version" yaml:"version"`
	NumDigitalInputs  int    `json:"numDigitalInputs" yaml:"digital_inputs"`
	NumDigitalOutputs int    `json:"numDigitalOutputs" yaml:"digital_outputs"`
	NumAnalogInputs   int    `json:"numAnalogInputs" yaml:"analog_inputs"`
	HasConnectButton  bool   `json:"hasConnectButton" yaml:"connect_button"`
}

// IOWidth is the number of I/O points the device occupies in the flat point
// address space: the largest of its digital-in, digital-out and analog-in counts.
func (m DeviceModel) IOWidth() int {
	return max(m.NumDigitalInputs, m.NumDigitalOutputs, m.NumAnalogInputs)
}

// Device is a catalog entry: a model at a fixed bus address.
type Device struct {
	Address  uint8       `json:"address"`
	Model    DeviceModel `json:"info"`
	IOOffset int         `json:"ioOffset"`
}

// DeviceInputState is the decoded input-state response of one device for one round.
type DeviceInputState struct {
	Address                 uint8    `json:"address"`
	DigitalInputs           []bool   `json:"digitalInputs"`
	DigitalInputEventCounts Counts   `json:"digitalInputEventCounts"`
	DigitalOutputs          []bool   `json:"digitalOutputs"`
	AnalogInputs            []uint16 `json:"analogInputs"`

	// Only set for models with a connect button.
	ConnectButtonPressed    *bool  `json:"connectButtonPressed,omitempty"`
	ConnectButtonEventCount *uint8 `json:"connectButtonEventCount,omitempty"`
}

// LEDCommand asks one device to blink its status LED.
// Colors is a pattern string such as "gg" or "ggrr": 'r' is red, 'y' and 'o'
// are yellow, anything else is green.
type LEDCommand struct {
	Address  uint8  `json:"address"`
	Colors   string `json:"colors"`
	OnTime   uint16 `json:"onTime"`
	OffTime  uint16 `json:"offTime"`
	IdleTime uint32 `json:"idleTime"`
}

// OutputStates maps a device address to its requested digital output levels.
type OutputStates map[uint8][]bool

// EqualLevels compares two output level slices by value.
func EqualLevels(a, b []bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// HardwareInfo is the payload of the devices list sent to IPC clients.
type HardwareInfo struct {
	Devices      []Device `json:"devices"`
	SerialNumber string   `json:"serialNumber"`
	AccessCode   string   `json:"accessCode"`
}

// Counts holds 8-bit event counters. It marshals as a JSON number array
// instead of the base64 string encoding/json uses for byte slices.
type Counts []uint8

func (c Counts) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("null"), nil
	}
	ints := make([]int, len(c))
	for i, v := range c {
		ints[i] = int(v)
	}
	return json.Marshal(ints)
}

func (c *Counts) UnmarshalJSON(data []byte) error {
	var ints []uint8Value
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	if ints == nil {
		*c = nil
		return nil
	}
	out := make(Counts, len(ints))
	for i, v := range ints {
		out[i] = uint8(v)
	}
	*c = out
	return nil
}

// uint8Value decodes a single JSON number into a byte without the []byte special case.
type uint8Value uint8

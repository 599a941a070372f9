package provisioning

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// DefaultAddress is the 7-bit I2C address of the EEPROM.
const DefaultAddress = 0x50

// A field is stored as [preamble][length][data...] at a fixed offset.
type field struct {
	name     string
	offset   byte
	preamble byte
	length   byte
}

var (
	serialNumberField = field{name: "serial number", offset: 0, preamble: 0xA9, length: 6}
	accessCodeField   = field{name: "access code", offset: 32, preamble: 0x7C, length: 8}
)

// pause between the two reads; the EEPROM needs a moment after each access
const readPause = 10 * time.Millisecond

// Tx is the subset of periph's conn.Conn used here.
type Tx interface {
	Tx(w, r []byte) error
}

// EEPROMReader reads provisioning info from the I2C EEPROM.
type EEPROMReader struct {
	dev   Tx
	bus   i2c.BusCloser
	pause time.Duration
}

func NewEEPROMReader(dev Tx) *EEPROMReader {
	return &EEPROMReader{dev: dev, pause: readPause}
}

// OpenEEPROM opens the named I2C bus (for example "/dev/i2c-1" or "1").
func OpenEEPROM(busName string, addr uint16) (*EEPROMReader, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize host drivers: %w", err)
	}

	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus %s: %w", busName, err)
	}

	r := NewEEPROMReader(&i2c.Dev{Bus: bus, Addr: addr})
	r.bus = bus
	return r, nil
}

func (r *EEPROMReader) Read(ctx context.Context) (Info, error) {
	serial, serialErr := r.readField(serialNumberField)

	select {
	case <-ctx.Done():
		return Info{}, ctx.Err()
	case <-time.After(r.pause):
	}

	access, accessErr := r.readField(accessCodeField)
	if err := multierr.Combine(serialErr, accessErr); err != nil {
		return Info{}, err
	}
	return Info{SerialNumber: serial, AccessCode: access}, nil
}

func (r *EEPROMReader) readField(f field) (string, error) {
	buf := make([]byte, int(f.length)+2)
	if err := r.dev.Tx([]byte{f.offset}, buf); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", f.name, err)
	}
	if buf[0] != f.preamble {
		return "", fmt.Errorf("%w: %s got 0x%02X, expected 0x%02X", ErrPreambleMismatch, f.name, buf[0], f.preamble)
	}
	if buf[1] != f.length {
		return "", fmt.Errorf("%w: %s got %d, expected %d", ErrLengthMismatch, f.name, buf[1], f.length)
	}
	return string(buf[2:]), nil
}

func (r *EEPROMReader) Close() error {
	if r.bus == nil {
		return nil
	}
	return r.bus.Close()
}

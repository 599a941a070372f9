package provisioning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// memoryEEPROM answers a one-byte offset write with the bytes stored there.
type memoryEEPROM struct {
	mem [64]byte
	err error
}

func (m *memoryEEPROM) Tx(w, r []byte) error {
	if m.err != nil {
		return m.err
	}
	copy(r, m.mem[int(w[0]):])
	return nil
}

func newProgrammedEEPROM() *memoryEEPROM {
	m := &memoryEEPROM{}
	copy(m.mem[0:], append([]byte{0xA9, 6}, "A1B2C3"...))
	copy(m.mem[32:], append([]byte{0x7C, 8}, "SECRET42"...))
	return m
}

func newTestReader(dev Tx) *EEPROMReader {
	r := NewEEPROMReader(dev)
	r.pause = time.Millisecond
	return r
}

func TestEEPROMReader_Read(t *testing.T) {
	info, err := newTestReader(newProgrammedEEPROM()).Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Info{SerialNumber: "A1B2C3", AccessCode: "SECRET42"}, info)
}

func TestEEPROMReader_Blank(t *testing.T) {
	m := &memoryEEPROM{}
	for i := range m.mem {
		m.mem[i] = 0xFF
	}
	_, err := newTestReader(m).Read(context.Background())
	assert.ErrorIs(t, err, ErrPreambleMismatch)
}

func TestEEPROMReader_LengthMismatch(t *testing.T) {
	m := newProgrammedEEPROM()
	m.mem[33] = 7

	_, err := newTestReader(m).Read(context.Background())
	assert.ErrorIs(t, err, ErrLengthMismatch)
	assert.NotErrorIs(t, err, ErrPreambleMismatch)
}

func TestEEPROMReader_BusError(t *testing.T) {
	boom := errors.New("remote I/O error")
	_, err := newTestReader(&memoryEEPROM{err: boom}).Read(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestEEPROMReader_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewEEPROMReader(newProgrammedEEPROM())
	_, err := r.Read(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadOrFallback(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	info := ReadOrFallback(context.Background(), StaticReader{Info: Info{SerialNumber: "S", AccessCode: "A"}}, "UNKNOWN", logger)
	assert.Equal(t, Info{SerialNumber: "S", AccessCode: "A"}, info)

	info = ReadOrFallback(context.Background(), newTestReader(&memoryEEPROM{}), "UNKNOWN", logger)
	assert.Equal(t, Info{AccessCode: "UNKNOWN"}, info)

	failures := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	require.Len(t, failures, 1)
	assert.Equal(t, "UNKNOWN", failures[0].ContextMap()["fallback_access_code"])
}

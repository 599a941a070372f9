// Package provisioning reads the identity burned into the controller's
// EEPROM at the factory.
package provisioning

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

var (
	ErrPreambleMismatch = errors.New("provisioning preamble mismatch")
	ErrLengthMismatch   = errors.New("provisioning length mismatch")
)

// Info identifies the controller towards clients.
type Info struct {
	SerialNumber string `json:"serial_number"`
	AccessCode   string `json:"access_code"`
}

// Reader returns the provisioning info.
type Reader interface {
	Read(ctx context.Context) (Info, error)
}

// StaticReader returns fixed values. Used with the simulated bus.
type StaticReader struct {
	Info Info
}

func (s StaticReader) Read(context.Context) (Info, error) {
	return s.Info, nil
}

// ReadOrFallback never fails: when the reader does, the failure is logged and
// an empty serial number with the fallback access code is returned.
func ReadOrFallback(ctx context.Context, r Reader, fallbackAccessCode string, logger *zap.Logger) Info {
	info, err := r.Read(ctx)
	if err != nil {
		logger.Error("Failed to read serial number and access code",
			zap.String("fallback_access_code", fallbackAccessCode),
			zap.Error(err))
		return Info{AccessCode: fallbackAccessCode}
	}

	logger.Info("Provisioning read",
		zap.String("serial_number", info.SerialNumber),
		zap.String("access_code", info.AccessCode))
	return info
}

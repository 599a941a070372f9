package spi

import "errors"

var (
	// ErrFrameTooShort indicates the buffer ends before the frame does
	ErrFrameTooShort = errors.New("frame too short")

	// ErrPreambleMismatch indicates the first byte is not the expected preamble
	ErrPreambleMismatch = errors.New("preamble mismatch")

	// ErrAddressMismatch indicates a response from a different device than queried
	ErrAddressMismatch = errors.New("device address mismatch")

	// ErrChecksumMismatch indicates the XRC does not match the frame contents
	ErrChecksumMismatch = errors.New("xrc mismatch")

	// ErrUnknownMessageID indicates a from-device message ID we cannot decode
	ErrUnknownMessageID = errors.New("unknown message id")

	// ErrMessageCount indicates the message count does not account for the frame length
	ErrMessageCount = errors.New("message count does not match frame length")

	// ErrPayloadTooShort indicates the declared payload is shorter than the model requires
	ErrPayloadTooShort = errors.New("payload too short")
)

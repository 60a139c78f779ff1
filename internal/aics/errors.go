package aics

import "github.com/leaudio-go/leaudio/internal/apperr"

// Service-layer error codes, AICS's own 0x80+ table (spec.md §7).
const (
	ErrInvalidChangeCounter apperr.SvcError = 0x80
	ErrOpcodeNotSupported   apperr.SvcError = 0x81
	ErrMuteDisabled         apperr.SvcError = 0x82
	ErrOutOfRange           apperr.SvcError = 0x83
	ErrGainModeNoSupport    apperr.SvcError = 0x84
)

package vocs

import "github.com/leaudio-go/leaudio/internal/apperr"

// Service-layer error codes, VOCS's own 0x80+ table (spec.md §7).
const (
	ErrInvalidChangeCounter apperr.SvcError = 0x80
	ErrOpcodeNotSupported   apperr.SvcError = 0x81
	ErrOutOfRange           apperr.SvcError = 0x82
)

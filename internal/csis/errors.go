package csis

import "github.com/leaudio-go/leaudio/internal/apperr"

// Service-layer error codes, CSIS's own 0x80+ table (spec.md §7).
const (
	ErrLockDenied        apperr.SvcError = 0x80
	ErrLockReleaseDenied apperr.SvcError = 0x81
	ErrInvalidLockValue  apperr.SvcError = 0x82
)

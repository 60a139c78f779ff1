package vcs

import "github.com/leaudio-go/leaudio/internal/apperr"

// Service-layer error codes, VCS's own 0x80+ table (spec.md §7). VCS has
// no opcode that takes a value needing range validation (Set Absolute
// Volume accepts the full uint8 domain), so unlike VOCS/AICS there is no
// third entry.
const (
	ErrInvalidChangeCounter apperr.SvcError = 0x80
	ErrOpcodeNotSupported   apperr.SvcError = 0x81
)

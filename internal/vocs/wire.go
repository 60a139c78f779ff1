// Package vocs implements the Volume Offset Control Service: the
// per-instance offset/location/description state, its counter-checked
// control point, and the symmetric client-side discovery/subscribe/
// write-retry state machine (spec.md §3.2, §4.1, §4.3, §4.4).
package vocs

import "encoding/binary"

// Opcode is a VOCS control-point opcode.
type Opcode byte

const (
	OpSetOffset Opcode = 0x01
)

// State is the 3-byte VOCS State characteristic value.
type State struct {
	Offset  int16
	Counter uint8
}

func (s State) Marshal() []byte {
	buf := make([]byte, 3)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(s.Offset))
	buf[2] = s.Counter
	return buf
}

func UnmarshalState(b []byte) (State, bool) {
	if len(b) != 3 {
		return State{}, false
	}
	return State{Offset: int16(binary.LittleEndian.Uint16(b[0:2])), Counter: b[2]}, true
}

// MinOffset and MaxOffset bound the signed 16-bit offset per spec.md §3.2.
const (
	MinOffset int16 = -255
	MaxOffset int16 = 255
)

// MaxDescriptionLen is the compile-time clip point for output_desc writes
// (spec.md §4.3: "clipped, never rejected").
const MaxDescriptionLen = 64

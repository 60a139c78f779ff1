// Package vcs implements the Volume Control Service: the top-level
// volume/mute/flags state, its counter-checked control point, the GATT
// composition of an owned VOCS and AICS instance set as includes, and the
// symmetric client-side nested discovery/subscribe/write-retry state
// machine (spec.md §3.1, §4.1, §4.2, §4.4).
package vcs

// Opcode is a VCS control-point opcode.
type Opcode byte

const (
	OpRelVolDown       Opcode = 0x00
	OpRelVolUp         Opcode = 0x01
	OpUnmuteRelVolDown Opcode = 0x02
	OpUnmuteRelVolUp   Opcode = 0x03
	OpSetAbsVol        Opcode = 0x04
	OpUnmute           Opcode = 0x05
	OpMute             Opcode = 0x06
)

// Mute is the VCS mute field's two valid values.
type Mute byte

const (
	Unmuted Mute = 0x00
	Muted   Mute = 0x01
)

// State is the 3-byte VCS State characteristic value.
type State struct {
	Volume  uint8
	Mute    Mute
	Counter uint8
}

func (s State) Marshal() []byte {
	return []byte{s.Volume, byte(s.Mute), s.Counter}
}

func UnmarshalState(b []byte) (State, bool) {
	if len(b) != 3 {
		return State{}, false
	}
	return State{Volume: b[0], Mute: Mute(b[1]), Counter: b[2]}, true
}

// Flags is the 1-byte Flags characteristic value. Bit 0 is the "volume
// setting persisted" latch (spec.md §3.1): it flips from 0 to 1 the first
// time any relative or absolute volume-change opcode succeeds, even one
// that leaves the volume unchanged, and never resets for the lifetime of
// the instance.
type Flags byte

const volumeChangedBit Flags = 1 << 0

func (f Flags) VolumeChanged() bool { return f&volumeChangedBit != 0 }

// DefaultVolumeStep is the step used by the relative up/down opcodes
// (spec.md §3.1); SetVolumeStep overrides it per instance.
const DefaultVolumeStep uint8 = 1

// satAdd and satSub compute volume +/- step, saturating at the uint8
// bounds [0, 255] rather than wrapping (spec.md §4.1's volume-change
// opcode table).
func satAdd(v, step uint8) uint8 {
	sum := int(v) + int(step)
	if sum > 255 {
		return 255
	}
	return uint8(sum)
}

func satSub(v, step uint8) uint8 {
	diff := int(v) - int(step)
	if diff < 0 {
		return 0
	}
	return uint8(diff)
}

// isVolumeChangeOp reports whether opcode is one of the five opcodes that
// latches the Flags volume-changed bit (spec.md §3.1): every opcode except
// plain Mute and Unmute.
func isVolumeChangeOp(op Opcode) bool {
	switch op {
	case OpRelVolDown, OpRelVolUp, OpUnmuteRelVolDown, OpUnmuteRelVolUp, OpSetAbsVol:
		return true
	default:
		return false
	}
}

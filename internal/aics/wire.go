// Package aics implements the Audio Input Control Service: per-instance
// gain/mute/mode state, the read-only gain-settings/input-type/input-status
// characteristics, and the same counter-checked control point VOCS uses,
// widened to AICS's five opcodes (spec.md §3.3, §4.1).
package aics

// Opcode is an AICS control-point opcode.
type Opcode byte

const (
	OpSetGain   Opcode = 0x01
	OpUnmute    Opcode = 0x02
	OpMute      Opcode = 0x03
	OpSetManual Opcode = 0x04
	OpSetAuto   Opcode = 0x05
)

// Mute is the AICS mute-state enumeration.
type Mute byte

const (
	Unmuted       Mute = 0x00
	Muted         Mute = 0x01
	MuteDisabled  Mute = 0x02
)

// Mode is the AICS gain-mode enumeration. ManualOnly and AutoOnly are
// immutable: Set Manual/Set Auto always fail against them. Manual and Auto
// are the two mutable modes Set Manual/Set Auto toggle between.
type Mode byte

const (
	ModeManualOnly Mode = 0x00
	ModeAutoOnly   Mode = 0x01
	ModeManual     Mode = 0x02
	ModeAuto       Mode = 0x03
)

func (m Mode) immutable() bool { return m == ModeManualOnly || m == ModeAutoOnly }
func (m Mode) settable() bool  { return m == ModeManualOnly || m == ModeManual }

// Status is the Input Status characteristic value.
type Status byte

const (
	StatusInactive Status = 0x00
	StatusActive   Status = 0x01
)

// InputType enumerates the Input Type characteristic's fixed value.
// InputTypeOther is the sentinel for a type outside the enumerated range.
type InputType byte

const (
	InputTypeLocal     InputType = 0x00
	InputTypeISO       InputType = 0x01
	InputTypeAnalog    InputType = 0x02
	InputTypeDigital   InputType = 0x03
	InputTypeRadio     InputType = 0x04
	InputTypePhysMedia InputType = 0x05
	InputTypeNetwork   InputType = 0x06
	InputTypeOther     InputType = 0xFF
)

// State is the 4-byte AICS State characteristic value.
type State struct {
	Gain    int8
	Mute    Mute
	Mode    Mode
	Counter uint8
}

func (s State) Marshal() []byte {
	return []byte{byte(s.Gain), byte(s.Mute), byte(s.Mode), s.Counter}
}

func UnmarshalState(b []byte) (State, bool) {
	if len(b) != 4 {
		return State{}, false
	}
	return State{Gain: int8(b[0]), Mute: Mute(b[1]), Mode: Mode(b[2]), Counter: b[3]}, true
}

// GainSettings is the read-only Gain Settings Attribute characteristic
// value: the increment size and the inclusive range Set Gain must respect.
type GainSettings struct {
	Units   uint8
	Minimum int8
	Maximum int8
}

func (g GainSettings) Marshal() []byte {
	return []byte{g.Units, byte(g.Minimum), byte(g.Maximum)}
}

// MaxDescriptionLen is the compile-time clip point for input_desc writes.
const MaxDescriptionLen = 64

package aics

import (
	"sync"

	"github.com/leaudio-go/leaudio/internal/apperr"
	"github.com/leaudio-go/leaudio/internal/btuuid"
	"github.com/leaudio-go/leaudio/internal/connreg"
	"github.com/leaudio-go/leaudio/internal/ctlpoint"
	"github.com/leaudio-go/leaudio/internal/gattsurface"
)

// Callbacks are the upward application callbacks fired on every observed
// change, server-side writes and peer notifications alike (spec.md §6.3).
type Callbacks struct {
	OnState       func(conn *connreg.Conn, idx int, err apperr.APIError, gain int8, mute Mute, mode Mode)
	OnStatus      func(conn *connreg.Conn, idx int, err apperr.APIError, status Status)
	OnDescription func(conn *connreg.Conn, idx int, err apperr.APIError, desc string)
}

// InitParams seeds one AICS instance. DescWritable controls whether a
// remote peer may write the Description characteristic (spec.md §4.3).
type InitParams struct {
	Gain         int8
	Mute         Mute
	Mode         Mode
	GainSettings GainSettings
	InputType    InputType
	Status       Status
	Description  string
	DescWritable bool
	Callbacks    Callbacks
}

// Instance is one AICS instance. Instances live in a static Pool
// (spec.md §3.7); Init may run exactly once per instance.
type Instance struct {
	mu sync.Mutex

	idx         int
	initialized bool

	state        State
	gainSettings GainSettings
	inputType    InputType
	status       Status
	desc         string

	descWritable bool

	cb Callbacks

	surface gattsurface.Surface
	attrs   []*gattsurface.Attr
}

// Init seeds the instance's initial state. InitParams.Mode/Mute outside
// their enumerated ranges are rejected, mirroring the original's bounds
// check at init time; InputType is stored without a range check.
func (in *Instance) Init(p InitParams) apperr.APIError {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.initialized {
		return apperr.ErrAlreadyInitialised
	}
	if p.Mute > MuteDisabled || p.Mode > ModeAuto {
		return apperr.ErrInvalidArgument
	}

	in.state = State{Gain: p.Gain, Mute: p.Mute, Mode: p.Mode, Counter: 0}
	in.gainSettings = p.GainSettings
	in.inputType = p.InputType
	in.status = p.Status
	in.desc = clip(p.Description)
	in.descWritable = p.DescWritable
	in.cb = p.Callbacks
	in.initialized = true
	return 0
}

func clip(s string) string {
	if len(s) > MaxDescriptionLen {
		return s[:MaxDescriptionLen]
	}
	return s
}

// Index returns this instance's pool index.
func (in *Instance) Index() int { return in.idx }

// BuildAttrs constructs the GATT attribute table for this instance: State
// (read+notify), Gain Setting Properties (read-only), Input Type
// (read-only), Input Status (read+notify), Control (write), Description
// (read, +write if configured writable, +notify). All require encryption
// per spec.md §4.3.
func (in *Instance) BuildAttrs(surface gattsurface.Surface) []*gattsurface.Attr {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.surface = surface

	stateAttr := &gattsurface.Attr{
		UUID:  btuuid.AICSState,
		Props: gattsurface.PropRead | gattsurface.PropNotify,
		Perm:  gattsurface.PermEncrypt,
		Read:  in.readState,
	}
	gainAttr := &gattsurface.Attr{
		UUID:  btuuid.AICSGainSetting,
		Props: gattsurface.PropRead,
		Perm:  gattsurface.PermEncrypt,
		Read:  in.readGainSettings,
	}
	typeAttr := &gattsurface.Attr{
		UUID:  btuuid.AICSInputType,
		Props: gattsurface.PropRead,
		Perm:  gattsurface.PermEncrypt,
		Read:  in.readInputType,
	}
	statusAttr := &gattsurface.Attr{
		UUID:  btuuid.AICSInputStatus,
		Props: gattsurface.PropRead | gattsurface.PropNotify,
		Perm:  gattsurface.PermEncrypt,
		Read:  in.readInputStatus,
	}
	controlAttr := &gattsurface.Attr{
		UUID:  btuuid.AICSControl,
		Props: gattsurface.PropWrite,
		Perm:  gattsurface.PermEncrypt,
		Write: in.writeControl,
	}
	descProps := gattsurface.PropRead | gattsurface.PropNotify
	if in.descWritable {
		descProps |= gattsurface.PropWrite
	}
	descAttr := &gattsurface.Attr{
		UUID:  btuuid.AICSDescription,
		Props: descProps,
		Perm:  gattsurface.PermEncrypt,
		Read:  in.readDescription,
	}
	if in.descWritable {
		descAttr.Write = in.writeDescription
	}

	in.attrs = []*gattsurface.Attr{stateAttr, gainAttr, typeAttr, statusAttr, controlAttr, descAttr}
	return in.attrs
}

func (in *Instance) readState(conn *connreg.Conn, offset uint16) ([]byte, apperr.ATTError) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state.Marshal(), apperr.ATTSuccess
}

func (in *Instance) readGainSettings(conn *connreg.Conn, offset uint16) ([]byte, apperr.ATTError) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.gainSettings.Marshal(), apperr.ATTSuccess
}

func (in *Instance) readInputType(conn *connreg.Conn, offset uint16) ([]byte, apperr.ATTError) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return []byte{byte(in.inputType)}, apperr.ATTSuccess
}

func (in *Instance) readInputStatus(conn *connreg.Conn, offset uint16) ([]byte, apperr.ATTError) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return []byte{byte(in.status)}, apperr.ATTSuccess
}

func (in *Instance) readDescription(conn *connreg.Conn, offset uint16) ([]byte, apperr.ATTError) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return []byte(in.desc), apperr.ATTSuccess
}

func (in *Instance) writeDescription(conn *connreg.Conn, data []byte, offset uint16) apperr.ATTError {
	if offset != 0 {
		return apperr.ATTInvalidOffset
	}
	in.setDescription(conn, string(data))
	return apperr.ATTSuccess
}

func (in *Instance) writeControl(conn *connreg.Conn, data []byte, offset uint16) apperr.ATTError {
	h := &ctlHandler{in: in, conn: conn}
	return ctlpoint.Handle(h, data, offset)
}

// ctlHandler adapts Instance to ctlpoint.Handler for AICS's five opcodes.
// Apply is pure on (opcode, operand), which is what lets SetGain/Mute/
// Unmute/SetManual/SetAuto below reenter writeControl with a synthesised
// packet (spec.md §4.2, §9).
type ctlHandler struct {
	in   *Instance
	conn *connreg.Conn

	next State
}

func (h *ctlHandler) Opcodes() []ctlpoint.OpSpec {
	return []ctlpoint.OpSpec{
		{Opcode: byte(OpSetGain), OperandLen: 1},
		{Opcode: byte(OpUnmute), OperandLen: 0},
		{Opcode: byte(OpMute), OperandLen: 0},
		{Opcode: byte(OpSetManual), OperandLen: 0},
		{Opcode: byte(OpSetAuto), OperandLen: 0},
	}
}

func (h *ctlHandler) Counter() uint8 {
	h.in.mu.Lock()
	defer h.in.mu.Unlock()
	return h.in.state.Counter
}

func (h *ctlHandler) Apply(opcode byte, operand []byte) ctlpoint.Outcome {
	h.in.mu.Lock()
	defer h.in.mu.Unlock()

	state := h.in.state
	switch Opcode(opcode) {
	case OpSetGain:
		gain := int8(operand[0])
		if gain < h.in.gainSettings.Minimum || gain > h.in.gainSettings.Maximum {
			return ctlpoint.Outcome{SvcErr: ErrOutOfRange}
		}
		if !state.Mode.settable() {
			// Gain is fixed while the mode is not one of the two settable
			// modes; a Set Gain write is accepted but has no effect.
			h.next = state
			return ctlpoint.Outcome{Changed: false}
		}
		state.Gain = gain
	case OpUnmute:
		if state.Mute == MuteDisabled {
			return ctlpoint.Outcome{SvcErr: ErrMuteDisabled}
		}
		state.Mute = Unmuted
	case OpMute:
		if state.Mute == MuteDisabled {
			return ctlpoint.Outcome{SvcErr: ErrMuteDisabled}
		}
		state.Mute = Muted
	case OpSetManual:
		if state.Mode.immutable() {
			return ctlpoint.Outcome{SvcErr: ErrGainModeNoSupport}
		}
		state.Mode = ModeManual
	case OpSetAuto:
		if state.Mode.immutable() {
			return ctlpoint.Outcome{SvcErr: ErrGainModeNoSupport}
		}
		state.Mode = ModeAuto
	}

	h.next = state
	return ctlpoint.Outcome{Changed: state != h.in.state}
}

func (h *ctlHandler) Commit() {
	h.in.mu.Lock()
	h.next.Counter = h.in.state.Counter + 1
	h.in.state = h.next
	state := h.in.state
	attrs := h.in.attrs
	surface := h.in.surface
	cb := h.in.cb.OnState
	idx := h.in.idx
	h.in.mu.Unlock()

	if surface != nil {
		surface.Notify(gattsurface.NotifyTarget{}, btuuid.AICSState, attrs, state.Marshal())
	}
	if cb != nil {
		cb(h.conn, idx, 0, state.Gain, state.Mute, state.Mode)
	}
}

func (in *Instance) localControl(opcode Opcode, operand ...byte) apperr.APIError {
	in.mu.Lock()
	counter := in.state.Counter
	in.mu.Unlock()

	buf := append([]byte{byte(opcode), counter}, operand...)
	if attErr := in.writeControl(nil, buf, 0); attErr != apperr.ATTSuccess {
		return apperr.ErrInvalidArgument
	}
	return 0
}

// SetGain is the local (server-side) API call for the Set Gain opcode.
func (in *Instance) SetGain(gain int8) apperr.APIError {
	return in.localControl(OpSetGain, byte(gain))
}

// Unmute is the local API call for the Unmute opcode.
func (in *Instance) Unmute() apperr.APIError { return in.localControl(OpUnmute) }

// Mute is the local API call for the Mute opcode.
func (in *Instance) Mute() apperr.APIError { return in.localControl(OpMute) }

// SetManualMode is the local API call for the Set Manual opcode.
func (in *Instance) SetManualMode() apperr.APIError { return in.localControl(OpSetManual) }

// SetAutoMode is the local API call for the Set Auto opcode.
func (in *Instance) SetAutoMode() apperr.APIError { return in.localControl(OpSetAuto) }

// SetActive/SetInactive are local setters for the Input Status field; they
// never go through the control point, matching bt_aics_activate/deactivate.
func (in *Instance) SetActive() apperr.APIError   { in.setStatus(StatusActive); return 0 }
func (in *Instance) SetInactive() apperr.APIError { in.setStatus(StatusInactive); return 0 }

func (in *Instance) setStatus(status Status) {
	in.mu.Lock()
	changed := in.status != status
	in.status = status
	attrs := in.attrs
	surface := in.surface
	cb := in.cb.OnStatus
	idx := in.idx
	in.mu.Unlock()

	if !changed {
		return
	}
	if surface != nil {
		surface.Notify(gattsurface.NotifyTarget{}, btuuid.AICSInputStatus, attrs, []byte{byte(status)})
	}
	if cb != nil {
		cb(nil, idx, 0, status)
	}
}

// SetDescription is the local setter for input_desc.
func (in *Instance) SetDescription(desc string) apperr.APIError {
	in.setDescription(nil, desc)
	return 0
}

// setDescription clips the value to MaxDescriptionLen and notifies the
// (possibly clipped) value when it differs from the stored one, never
// rejecting the write (spec.md §4.3).
func (in *Instance) setDescription(conn *connreg.Conn, desc string) {
	clipped := clip(desc)

	in.mu.Lock()
	changed := in.desc != clipped
	in.desc = clipped
	attrs := in.attrs
	surface := in.surface
	cb := in.cb.OnDescription
	idx := in.idx
	in.mu.Unlock()

	if !changed {
		return
	}
	if surface != nil {
		surface.Notify(gattsurface.NotifyTarget{}, btuuid.AICSDescription, attrs, []byte(clipped))
	}
	if cb != nil {
		cb(conn, idx, 0, clipped)
	}
}

// Snapshot returns a point-in-time copy of the instance's visible state,
// for tests and for the monitoring surface.
func (in *Instance) Snapshot() (state State, status Status, desc string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state, in.status, in.desc
}

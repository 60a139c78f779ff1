package vocs

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
	OnState       func(conn *connreg.Conn, idx int, err apperr.APIError, offset int16)
	OnLocation    func(conn *connreg.Conn, idx int, err apperr.APIError, location uint8)
	OnDescription func(conn *connreg.Conn, idx int, err apperr.APIError, desc string)
}

// InitParams seeds one VOCS instance. LocationWritable and DescWritable
// control whether a remote peer may write the Location/Description
// characteristics (spec.md §4.3): when false, BuildAttrs drops the
// Write property from the exported attribute.
type InitParams struct {
	Location         uint8
	Description      string
	LocationWritable bool
	DescWritable     bool
	Callbacks        Callbacks
}

// Instance is one VOCS instance. Instances live in a static Pool
// (spec.md §3.7); Init may run exactly once per instance.
type Instance struct {
	mu sync.Mutex

	idx         int
	initialized bool

	state    State
	location uint8
	desc     string

	locationWritable bool
	descWritable     bool

	cb Callbacks

	surface gattsurface.Surface
	attrs   []*gattsurface.Attr
}

// ErrAlreadyInitialised is returned by Init on a reused instance
// (spec.md §3.7).
func (in *Instance) Init(p InitParams) apperr.APIError {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.initialized {
		return apperr.ErrAlreadyInitialised
	}
	if p.Location == 0 && len(p.Description) == 0 {
		// Zero-value init is legal; no argument validation beyond the
		// description length clip, performed below.
	}
	in.location = p.Location
	in.desc = clip(p.Description)
	in.locationWritable = p.LocationWritable
	in.descWritable = p.DescWritable
	in.cb = p.Callbacks
	in.state = State{Offset: 0, Counter: 0}
	in.initialized = true
	return 0
}

func clip(s string) string {
	if len(s) > MaxDescriptionLen {
		return s[:MaxDescriptionLen]
	}
	return s
}

// Index returns this instance's pool index, used by application callbacks
// to disambiguate which VOCS instance changed.
func (in *Instance) Index() int { return in.idx }

// BuildAttrs constructs the GATT attribute table for this instance: State
// (read+notify), Location (read, +write if configured writable, +notify),
// Control (write), Description (read, +write if configured writable,
// +notify). All require encryption per spec.md §4.3.
func (in *Instance) BuildAttrs(surface gattsurface.Surface) []*gattsurface.Attr {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.surface = surface

	stateAttr := &gattsurface.Attr{
		UUID:  btuuid.VOCSState,
		Props: gattsurface.PropRead | gattsurface.PropNotify,
		Perm:  gattsurface.PermEncrypt,
		Read:  in.readState,
	}
	locationProps := gattsurface.PropRead | gattsurface.PropNotify
	if in.locationWritable {
		locationProps |= gattsurface.PropWrite
	}
	locationAttr := &gattsurface.Attr{
		UUID:  btuuid.VOCSLocation,
		Props: locationProps,
		Perm:  gattsurface.PermEncrypt,
		Read:  in.readLocation,
	}
	if in.locationWritable {
		locationAttr.Write = in.writeLocation
	}
	controlAttr := &gattsurface.Attr{
		UUID:  btuuid.VOCSControl,
		Props: gattsurface.PropWrite,
		Perm:  gattsurface.PermEncrypt,
		Write: in.writeControl,
	}
	descProps := gattsurface.PropRead | gattsurface.PropNotify
	if in.descWritable {
		descProps |= gattsurface.PropWrite
	}
	descAttr := &gattsurface.Attr{
		UUID:  btuuid.VOCSDescription,
		Props: descProps,
		Perm:  gattsurface.PermEncrypt,
		Read:  in.readDescription,
	}
	if in.descWritable {
		descAttr.Write = in.writeDescription
	}

	in.attrs = []*gattsurface.Attr{stateAttr, locationAttr, controlAttr, descAttr}
	return in.attrs
}

func (in *Instance) readState(conn *connreg.Conn, offset uint16) ([]byte, apperr.ATTError) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state.Marshal(), apperr.ATTSuccess
}

func (in *Instance) readLocation(conn *connreg.Conn, offset uint16) ([]byte, apperr.ATTError) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return []byte{in.location}, apperr.ATTSuccess
}

func (in *Instance) readDescription(conn *connreg.Conn, offset uint16) ([]byte, apperr.ATTError) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return []byte(in.desc), apperr.ATTSuccess
}

func (in *Instance) writeLocation(conn *connreg.Conn, data []byte, offset uint16) apperr.ATTError {
	if offset != 0 {
		return apperr.ATTInvalidOffset
	}
	if len(data) != 1 {
		return apperr.ATTInvalidAttrLen
	}
	in.setLocation(conn, data[0])
	return apperr.ATTSuccess
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

// ctlHandler adapts Instance to ctlpoint.Handler for the single VOCS
// opcode (Set Offset). Keeping it pure on (opcode, operand) is what makes
// the server-side SetOffset below safe to reenter the same path with a
// synthesised packet (spec.md §4.2, §9).
type ctlHandler struct {
	in   *Instance
	conn *connreg.Conn

	newOffset int16
}

func (h *ctlHandler) Opcodes() []ctlpoint.OpSpec {
	return []ctlpoint.OpSpec{{Opcode: byte(OpSetOffset), OperandLen: 2}}
}

func (h *ctlHandler) Counter() uint8 {
	h.in.mu.Lock()
	defer h.in.mu.Unlock()
	return h.in.state.Counter
}

func (h *ctlHandler) Apply(opcode byte, operand []byte) ctlpoint.Outcome {
	h.in.mu.Lock()
	defer h.in.mu.Unlock()

	offset := int16(uint16(operand[0]) | uint16(operand[1])<<8)
	if offset < MinOffset || offset > MaxOffset {
		return ctlpoint.Outcome{SvcErr: ErrOutOfRange}
	}
	h.newOffset = offset
	return ctlpoint.Outcome{Changed: offset != h.in.state.Offset}
}

func (h *ctlHandler) Commit() {
	h.in.mu.Lock()
	h.in.state.Offset = h.newOffset
	h.in.state.Counter++
	state := h.in.state
	attrs := h.in.attrs
	surface := h.in.surface
	cb := h.in.cb.OnState
	idx := h.in.idx
	h.in.mu.Unlock()

	if surface != nil {
		surface.Notify(gattsurface.NotifyTarget{}, btuuid.VOCSState, attrs, state.Marshal())
	}
	if cb != nil {
		cb(h.conn, idx, 0, state.Offset)
	}
}

// SetOffset is the local (server-side) API call: it reenters writeControl
// with a synthesised Set Offset packet sharing the same validation/commit
// logic the GATT path uses (spec.md §4.2).
func (in *Instance) SetOffset(offset int16) apperr.APIError {
	if offset < MinOffset || offset > MaxOffset {
		return apperr.ErrInvalidArgument
	}
	in.mu.Lock()
	counter := in.state.Counter
	in.mu.Unlock()

	buf := []byte{byte(OpSetOffset), counter, byte(uint16(offset)), byte(uint16(offset) >> 8)}
	if attErr := in.writeControl(nil, buf, 0); attErr != apperr.ATTSuccess {
		return apperr.ErrInvalidArgument
	}
	return 0
}

// SetLocation is the local setter for the Location field, notifying
// subscribers directly (it never goes through the control point).
func (in *Instance) SetLocation(location uint8) apperr.APIError {
	in.setLocation(nil, location)
	return 0
}

func (in *Instance) setLocation(conn *connreg.Conn, location uint8) {
	in.mu.Lock()
	changed := in.location != location
	in.location = location
	attrs := in.attrs
	surface := in.surface
	cb := in.cb.OnLocation
	idx := in.idx
	in.mu.Unlock()

	if !changed {
		return
	}
	if surface != nil {
		surface.Notify(gattsurface.NotifyTarget{}, btuuid.VOCSLocation, attrs, []byte{location})
	}
	if cb != nil {
		cb(conn, idx, 0, location)
	}
}

// SetDescription is the local setter for output_desc.
func (in *Instance) SetDescription(desc string) apperr.APIError {
	in.setDescription(nil, desc)
	return 0
}

// setDescription clips the value to MaxDescriptionLen and notifies the
// (possibly clipped) value when it differs from the stored one, never
// rejecting the write, per spec.md
// §4.3 and the REDESIGN FLAGS note about the clip-on-write comparison: we
// compare against the byte-exact stored string, not a NUL-trimmed
// strlen(), so a value differing only in trailing content a host might
// treat as padding is still treated as a real change.
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
		surface.Notify(gattsurface.NotifyTarget{}, btuuid.VOCSDescription, attrs, []byte(clipped))
	}
	if cb != nil {
		cb(conn, idx, 0, clipped)
	}
}

// Snapshot returns a point-in-time copy of the instance's visible state,
// for tests and for the monitoring surface.
func (in *Instance) Snapshot() (state State, location uint8, desc string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state, in.location, in.desc
}

// Package ctlpoint implements the counter-checked control-point pattern
// shared by VCS, VOCS and AICS (spec.md §4.1): an opcode/length validity
// gate, a change-counter optimistic-concurrency check, and a commit step
// left to the caller. VCS, VOCS and AICS are isomorphic but not
// interchangeable -- different opcode tables, different operand layouts --
// so they each implement Handler rather than share one copy-pasted
// function; this file is the one place the shared shape lives.
package ctlpoint

import "github.com/leaudio-go/leaudio/internal/apperr"

// OpSpec describes one allowed opcode and the exact operand length a write
// using it must carry (0 for opcodes with no operand).
type OpSpec struct {
	Opcode     byte
	OperandLen int
}

// Outcome is what Apply reports back to Handle.
type Outcome struct {
	// SvcErr is non-zero if the opcode-specific semantic guard failed.
	SvcErr apperr.SvcError
	// Changed is true if Apply computed a new state different from the
	// current one; Handle calls Commit only when Changed is true.
	Changed bool
}

// Handler is implemented once per service (VCS, VOCS, AICS). Apply must be
// pure on its inputs: it is invoked identically whether the write
// originated on the wire or was synthesised by a local server-side API
// call (spec.md §4.2, §9 "write-to-self reentrancy").
type Handler interface {
	Opcodes() []OpSpec
	Counter() uint8
	// Apply validates the opcode-specific precondition and computes (but
	// does not commit) the new state. It returns Changed=false, SvcErr=0
	// for a no-op success (e.g. Mute when already muted): Handle will
	// return success without calling Commit.
	Apply(opcode byte, operand []byte) Outcome
	// Commit is called only when Apply reported Changed=true. It must
	// increment the change counter (mod 256), emit the state
	// notification, and invoke any upper-layer callback.
	Commit()
}

// Handle runs the full §4.1 steps 1-7 pattern against buf, the raw
// attribute write value, and offset, the ATT write offset. It returns the
// error to put on the wire (apperr.ATTSuccess on success).
func Handle(h Handler, buf []byte, offset uint16) apperr.ATTError {
	if offset != 0 {
		return apperr.ATTInvalidOffset
	}
	if len(buf) < 2 {
		return apperr.ATTInvalidAttrLen
	}

	opcode := buf[0]
	counter := buf[1]

	spec, ok := findOpcode(h.Opcodes(), opcode)
	if !ok {
		return apperr.ATTError(opcodeNotSupported(h))
	}

	wantLen := 2 + spec.OperandLen
	if len(buf) != wantLen {
		return apperr.ATTInvalidAttrLen
	}

	if counter != h.Counter() {
		return apperr.ATTError(invalidCounter(h))
	}

	operand := buf[2:]
	outcome := h.Apply(opcode, operand)
	if outcome.SvcErr != 0 {
		return apperr.ATTError(outcome.SvcErr)
	}
	if outcome.Changed {
		h.Commit()
	}
	return apperr.ATTSuccess
}

func findOpcode(table []OpSpec, opcode byte) (OpSpec, bool) {
	for _, s := range table {
		if s.Opcode == opcode {
			return s, true
		}
	}
	return OpSpec{}, false
}

// opcodeNotSupported / invalidCounter let each Handler optionally
// customise the service-specific byte value; ErrTable, if the Handler also
// implements it, supplies them. Default falls back to the conventional
// 0x80 (Invalid Change Counter) / 0x81 (Opcode Not Supported) assignment
// every service in this engine uses as its first two table entries.
type ErrTable interface {
	InvalidCounterErr() apperr.SvcError
	OpcodeNotSupportedErr() apperr.SvcError
}

func invalidCounter(h Handler) apperr.SvcError {
	if t, ok := h.(ErrTable); ok {
		return t.InvalidCounterErr()
	}
	return apperr.SvcError(0x80)
}

func opcodeNotSupported(h Handler) apperr.SvcError {
	if t, ok := h.(ErrTable); ok {
		return t.OpcodeNotSupportedErr()
	}
	return apperr.SvcError(0x81)
}

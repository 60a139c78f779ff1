package aics

import (
	"github.com/leaudio-go/leaudio/internal/apperr"
	"github.com/leaudio-go/leaudio/internal/connreg"
	"github.com/leaudio-go/leaudio/internal/gattsurface"
)

// txState is the write-retry mini state machine's state (spec.md §4.4).
type txState int

const (
	txIdle txState = iota
	txWritePending
	txRereadPending
)

// Handles are the GATT value handles a client's discovery chain records
// for one AICS instance.
type Handles struct {
	State       gattsurface.AttrHandle
	GainSetting gattsurface.AttrHandle
	InputType   gattsurface.AttrHandle
	InputStatus gattsurface.AttrHandle
	Control     gattsurface.AttrHandle
	Description gattsurface.AttrHandle
}

// ClientCallbacks fire once per observed change (notification or explicit
// read) or once per write transaction completion (spec.md §6.3).
type ClientCallbacks struct {
	OnState       func(idx int, err apperr.APIError, gain int8, mute Mute, mode Mode)
	OnGainSetting func(idx int, err apperr.APIError, settings GainSettings)
	OnInputType   func(idx int, err apperr.APIError, inputType InputType)
	OnInputStatus func(idx int, err apperr.APIError, status Status)
	OnDescription func(idx int, err apperr.APIError, desc string)
	OnControl     func(idx int, err apperr.APIError)
}

// Client is the peer-side mirror of one AICS instance: cached state,
// discovered handles, and the write-with-retry FSM (spec.md §3.6, §4.4).
type Client struct {
	idx int

	surface gattsurface.Surface
	conn    *connreg.Conn
	handles Handles
	cb      ClientCallbacks

	cachedCounter uint8

	tx      txState
	pending []byte
	retried bool
}

// NewClient creates a client-side AICS mirror for pool index idx.
func NewClient(idx int) *Client { return &Client{idx: idx} }

// Attach binds a discovered characteristic handle set and subscribes to
// every Notify-capable characteristic (spec.md §4.4).
func (c *Client) Attach(surface gattsurface.Surface, conn *connreg.Conn, handles Handles, cb ClientCallbacks) {
	c.surface = surface
	c.conn = conn
	c.handles = handles
	c.cb = cb

	surface.SetNotifyHandler(conn, handles.State, c.onStateNotify)
	surface.SetNotifyHandler(conn, handles.InputStatus, c.onInputStatusNotify)
	surface.SetNotifyHandler(conn, handles.Description, c.onDescriptionNotify)

	surface.Subscribe(conn, handles.State, func(apperr.ATTError) {})
	surface.Subscribe(conn, handles.InputStatus, func(apperr.ATTError) {})
	surface.Subscribe(conn, handles.Description, func(apperr.ATTError) {})
}

func (c *Client) onStateNotify(data []byte) {
	state, ok := UnmarshalState(data)
	if !ok {
		return
	}
	c.cachedCounter = state.Counter
	if c.cb.OnState != nil {
		c.cb.OnState(c.idx, 0, state.Gain, state.Mute, state.Mode)
	}
}

func (c *Client) onInputStatusNotify(data []byte) {
	if len(data) != 1 {
		return
	}
	if c.cb.OnInputStatus != nil {
		c.cb.OnInputStatus(c.idx, 0, Status(data[0]))
	}
}

func (c *Client) onDescriptionNotify(data []byte) {
	if len(data) > MaxDescriptionLen {
		return
	}
	if c.cb.OnDescription != nil {
		c.cb.OnDescription(c.idx, 0, string(data))
	}
}

// ReadState issues a GATT read of the State characteristic and updates the
// cached change counter from the result (used standalone and by the
// retry path's re-read step).
func (c *Client) ReadState(cb func(err apperr.APIError)) {
	c.surface.Read(c.conn, c.handles.State, func(data []byte, attErr apperr.ATTError) {
		if attErr != apperr.ATTSuccess {
			if cb != nil {
				cb(apperr.ErrNotConnected)
			}
			return
		}
		state, ok := UnmarshalState(data)
		if !ok {
			if cb != nil {
				cb(apperr.ErrInvalidArgument)
			}
			return
		}
		c.cachedCounter = state.Counter
		if c.cb.OnState != nil {
			c.cb.OnState(c.idx, 0, state.Gain, state.Mute, state.Mode)
		}
		if cb != nil {
			cb(0)
		}
	})
}

// ReadGainSetting issues a GATT read of the Gain Setting Properties
// characteristic.
func (c *Client) ReadGainSetting() {
	c.surface.Read(c.conn, c.handles.GainSetting, func(data []byte, attErr apperr.ATTError) {
		if c.cb.OnGainSetting == nil {
			return
		}
		if attErr != apperr.ATTSuccess || len(data) != 3 {
			c.cb.OnGainSetting(c.idx, apperr.ErrNotConnected, GainSettings{})
			return
		}
		c.cb.OnGainSetting(c.idx, 0, GainSettings{Units: data[0], Minimum: int8(data[1]), Maximum: int8(data[2])})
	})
}

// ReadInputType issues a GATT read of the Input Type characteristic.
func (c *Client) ReadInputType() {
	c.surface.Read(c.conn, c.handles.InputType, func(data []byte, attErr apperr.ATTError) {
		if c.cb.OnInputType == nil {
			return
		}
		if attErr != apperr.ATTSuccess || len(data) != 1 {
			c.cb.OnInputType(c.idx, apperr.ErrNotConnected, 0)
			return
		}
		c.cb.OnInputType(c.idx, 0, InputType(data[0]))
	})
}

// ReadInputStatus issues a GATT read of the Input Status characteristic.
func (c *Client) ReadInputStatus() {
	c.surface.Read(c.conn, c.handles.InputStatus, func(data []byte, attErr apperr.ATTError) {
		if c.cb.OnInputStatus == nil {
			return
		}
		if attErr != apperr.ATTSuccess || len(data) != 1 {
			c.cb.OnInputStatus(c.idx, apperr.ErrNotConnected, 0)
			return
		}
		c.cb.OnInputStatus(c.idx, 0, Status(data[0]))
	})
}

// ReadDescription issues a GATT read of the Description characteristic.
func (c *Client) ReadDescription() {
	c.surface.Read(c.conn, c.handles.Description, func(data []byte, attErr apperr.ATTError) {
		if c.cb.OnDescription == nil {
			return
		}
		if attErr != apperr.ATTSuccess {
			c.cb.OnDescription(c.idx, apperr.ErrNotConnected, "")
			return
		}
		c.cb.OnDescription(c.idx, 0, string(data))
	})
}

func (c *Client) sendControl(opcode Opcode, operand ...byte) apperr.APIError {
	if c.tx != txIdle {
		return apperr.ErrBusy
	}
	c.pending = append([]byte{byte(opcode), 0}, operand...)
	c.tx = txWritePending
	c.retried = false
	c.sendPending()
	return 0
}

// SetGain drives the write-retry FSM for a Set Gain control write.
func (c *Client) SetGain(gain int8) apperr.APIError { return c.sendControl(OpSetGain, byte(gain)) }

// Unmute drives the write-retry FSM for an Unmute control write.
func (c *Client) Unmute() apperr.APIError { return c.sendControl(OpUnmute) }

// Mute drives the write-retry FSM for a Mute control write.
func (c *Client) Mute() apperr.APIError { return c.sendControl(OpMute) }

// SetManualMode drives the write-retry FSM for a Set Manual control write.
func (c *Client) SetManualMode() apperr.APIError { return c.sendControl(OpSetManual) }

// SetAutoMode drives the write-retry FSM for a Set Auto control write.
func (c *Client) SetAutoMode() apperr.APIError { return c.sendControl(OpSetAuto) }

func (c *Client) sendPending() {
	c.pending[1] = c.cachedCounter
	c.surface.Write(c.conn, c.handles.Control, c.pending, c.onWriteComplete)
}

func (c *Client) onWriteComplete(attErr apperr.ATTError) {
	switch {
	case attErr == apperr.ATTSuccess:
		c.tx = txIdle
		if c.cb.OnControl != nil {
			c.cb.OnControl(c.idx, 0)
		}
	case attErr == apperr.ATTError(ErrInvalidChangeCounter) && c.tx == txWritePending && !c.retried:
		c.retried = true
		c.tx = txRereadPending
		c.ReadState(func(err apperr.APIError) {
			if err != 0 {
				c.tx = txIdle
				if c.cb.OnControl != nil {
					c.cb.OnControl(c.idx, apperr.ErrNotConnected)
				}
				return
			}
			c.tx = txWritePending
			c.sendPending()
		})
	default:
		c.tx = txIdle
		if c.cb.OnControl != nil {
			c.cb.OnControl(c.idx, mapATTErr(attErr))
		}
	}
}

func mapATTErr(e apperr.ATTError) apperr.APIError {
	switch e {
	case apperr.ATTUnlikelyError:
		return apperr.ErrNotConnected
	default:
		return apperr.ErrInvalidArgument
	}
}

// Busy reports whether a write transaction is outstanding.
func (c *Client) Busy() bool { return c.tx != txIdle }

// ClearBusy forcibly resets the busy gate; invoked on disconnect.
func (c *Client) ClearBusy() { c.tx = txIdle }

// WriteDescription issues a plain (non-control-point) write of the
// Description characteristic, if the remote peer exposed it as writable.
func (c *Client) WriteDescription(desc string, cb func(err apperr.APIError)) {
	c.surface.Write(c.conn, c.handles.Description, []byte(desc), func(attErr apperr.ATTError) {
		if cb != nil {
			if attErr == apperr.ATTSuccess {
				cb(0)
				return
			}
			cb(mapATTErr(attErr))
		}
	})
}

// Index returns this client's pool index.
func (c *Client) Index() int { return c.idx }

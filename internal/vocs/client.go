package vocs

import (
	"encoding/binary"

	"github.com/leaudio-go/leaudio/internal/apperr"
	"github.com/leaudio-go/leaudio/internal/connreg"
	"github.com/leaudio-go/leaudio/internal/gattsurface"
)

// txState is the write-retry mini state machine's state (spec.md §4.4,
// Design Notes §9: "expose {Idle, WritePending, RereadPending} explicitly").
type txState int

const (
	txIdle txState = iota
	txWritePending
	txRereadPending
)

// Handles are the GATT value handles a VcsClient's discovery chain records
// for one VOCS instance.
type Handles struct {
	State       gattsurface.AttrHandle
	Location    gattsurface.AttrHandle
	Control     gattsurface.AttrHandle
	Description gattsurface.AttrHandle
}

// ClientCallbacks fire once per observed change (notification or state
// read) or once per
// write transaction completion (spec.md §6.3).
type ClientCallbacks struct {
	OnState       func(idx int, err apperr.APIError, offset int16)
	OnLocation    func(idx int, err apperr.APIError, location uint8)
	OnDescription func(idx int, err apperr.APIError, desc string)
	OnWriteOffset func(idx int, err apperr.APIError)
}

// Client is the peer-side mirror of one VOCS instance: cached state,
// discovered handles, and the write-with-retry FSM (spec.md §3.6, §4.4).
type Client struct {
	idx int

	surface gattsurface.Surface
	conn    *connreg.Conn
	handles Handles
	cb      ClientCallbacks

	cachedCounter uint8

	tx      txState
	pending []byte // write_buf: the opcode the retry path reconstructs from.
	retried bool
}

// NewClient creates a client-side VOCS mirror for pool index idx.
func NewClient(idx int) *Client { return &Client{idx: idx} }

// Attach binds a discovered characteristic handle set and subscribes to
// every Notify-capable characteristic, the tail of the VCS client's
// discovery chain (spec.md §4.4).
func (c *Client) Attach(surface gattsurface.Surface, conn *connreg.Conn, handles Handles, cb ClientCallbacks) {
	c.surface = surface
	c.conn = conn
	c.handles = handles
	c.cb = cb

	surface.SetNotifyHandler(conn, handles.State, c.onStateNotify)
	surface.SetNotifyHandler(conn, handles.Location, c.onLocationNotify)
	surface.SetNotifyHandler(conn, handles.Description, c.onDescriptionNotify)

	surface.Subscribe(conn, handles.State, func(apperr.ATTError) {})
	surface.Subscribe(conn, handles.Location, func(apperr.ATTError) {})
	surface.Subscribe(conn, handles.Description, func(apperr.ATTError) {})
}

// onStateNotify dispatches by value_handle (conceptually; here directly
// wired since SetNotifyHandler is per-handle): validates length before
// copying, silently drops a malformed payload (spec.md §4.4).
func (c *Client) onStateNotify(data []byte) {
	state, ok := UnmarshalState(data)
	if !ok {
		return
	}
	c.cachedCounter = state.Counter
	if c.cb.OnState != nil {
		c.cb.OnState(c.idx, 0, state.Offset)
	}
}

func (c *Client) onLocationNotify(data []byte) {
	if len(data) != 1 {
		return
	}
	if c.cb.OnLocation != nil {
		c.cb.OnLocation(c.idx, 0, data[0])
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
// cached change counter from the result (used both standalone and by the
// retry path's re-read step).
func (c *Client) ReadState(cb func(err apperr.APIError)) {
	c.surface.Read(c.conn, c.handles.State, func(data []byte, attErr apperr.ATTError) {
		if attErr != apperr.ATTSuccess {
			cb(apperr.ErrNotConnected)
			return
		}
		state, ok := UnmarshalState(data)
		if !ok {
			cb(apperr.ErrInvalidArgument)
			return
		}
		c.cachedCounter = state.Counter
		if c.cb.OnState != nil {
			c.cb.OnState(c.idx, 0, state.Offset)
		}
		cb(0)
	})
}

// WriteOffset drives the write-retry mini-FSM for a Set Offset control
// write (spec.md §4.4): reject if busy, else write; on Invalid Change
// Counter, re-read state and retry exactly once.
func (c *Client) WriteOffset(offset int16) apperr.APIError {
	if c.tx != txIdle {
		return apperr.ErrBusy
	}
	if offset < MinOffset || offset > MaxOffset {
		return apperr.ErrInvalidArgument
	}

	c.pending = []byte{byte(OpSetOffset), 0, 0, 0}
	binary.LittleEndian.PutUint16(c.pending[2:4], uint16(offset))
	c.tx = txWritePending
	c.retried = false
	c.sendPending()
	return 0
}

func (c *Client) sendPending() {
	c.pending[1] = c.cachedCounter
	c.surface.Write(c.conn, c.handles.Control, c.pending, c.onWriteComplete)
}

func (c *Client) onWriteComplete(attErr apperr.ATTError) {
	switch {
	case attErr == apperr.ATTSuccess:
		c.tx = txIdle
		if c.cb.OnWriteOffset != nil {
			c.cb.OnWriteOffset(c.idx, 0)
		}
	case attErr == apperr.ATTError(ErrInvalidChangeCounter) && c.tx == txWritePending && !c.retried:
		c.retried = true
		c.tx = txRereadPending
		c.ReadState(func(err apperr.APIError) {
			if err != 0 {
				c.tx = txIdle
				if c.cb.OnWriteOffset != nil {
					c.cb.OnWriteOffset(c.idx, apperr.ErrNotConnected)
				}
				return
			}
			c.tx = txWritePending
			c.sendPending()
		})
	default:
		c.tx = txIdle
		if c.cb.OnWriteOffset != nil {
			c.cb.OnWriteOffset(c.idx, mapATTErr(attErr))
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

// ClearBusy forcibly resets the busy gate; invoked on disconnect, since a
// torn-down connection handle implicitly cancels any in-flight transaction
// (spec.md §5).
func (c *Client) ClearBusy() { c.tx = txIdle }

// WriteLocation issues a plain (non-control-point) write of the Location
// characteristic, if the remote peer exposed it as writable.
func (c *Client) WriteLocation(location uint8, cb func(err apperr.APIError)) {
	c.surface.Write(c.conn, c.handles.Location, []byte{location}, func(attErr apperr.ATTError) {
		if cb != nil {
			cb(mapATTErr2(attErr))
		}
	})
}

// WriteDescription issues a plain write of the Description characteristic.
func (c *Client) WriteDescription(desc string, cb func(err apperr.APIError)) {
	c.surface.Write(c.conn, c.handles.Description, []byte(desc), func(attErr apperr.ATTError) {
		if cb != nil {
			cb(mapATTErr2(attErr))
		}
	})
}

func mapATTErr2(e apperr.ATTError) apperr.APIError {
	if e == apperr.ATTSuccess {
		return 0
	}
	return mapATTErr(e)
}

// Index returns this client's pool index.
func (c *Client) Index() int { return c.idx }

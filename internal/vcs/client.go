package vcs

import (
	"github.com/leaudio-go/leaudio/internal/aics"
	"github.com/leaudio-go/leaudio/internal/apperr"
	"github.com/leaudio-go/leaudio/internal/btuuid"
	"github.com/leaudio-go/leaudio/internal/connreg"
	"github.com/leaudio-go/leaudio/internal/gattsurface"
	"github.com/leaudio-go/leaudio/internal/vocs"
)

// txState is the write-retry mini state machine's state (spec.md §4.4).
type txState int

const (
	txIdle txState = iota
	txWritePending
	txRereadPending
)

// ClientCallbacks fire once per observed change (notification or explicit
// read), once per write transaction completion, and once when the nested
// discovery chain completes (spec.md §6.3, §4.4). Vocs/Aics are fanned out
// to every discovered sub-service client, mirroring bt_vcs_cb_t's nested
// vocs_cb/aics_cb members.
type ClientCallbacks struct {
	OnState    func(err apperr.APIError, volume uint8, mute Mute)
	OnFlags    func(err apperr.APIError, flags Flags)
	OnControl  func(err apperr.APIError)
	OnDiscover func(err apperr.APIError, vocsCount, aicsCount int)

	Vocs vocs.ClientCallbacks
	Aics aics.ClientCallbacks
}

// Client is the peer-side mirror of the remote VCS instance: cached
// top-level state, discovered handles, the write-with-retry FSM, and the
// VOCS/AICS sub-clients produced by the nested discovery chain (spec.md
// §3.6, §4.4).
type Client struct {
	surface gattsurface.Surface
	conn    *connreg.Conn
	cb      ClientCallbacks

	stateHandle   gattsurface.AttrHandle
	controlHandle gattsurface.AttrHandle
	flagsHandle   gattsurface.AttrHandle

	cachedCounter uint8

	tx      txState
	pending []byte
	retried bool

	discovering bool
	vocsClients []*vocs.Client
	aicsClients []*aics.Client
}

// NewClient creates an unattached VcsClient.
func NewClient() *Client { return &Client{} }

// CbRegister installs the callback set used for the remainder of this
// client's lifetime, matching bt_vcs_client_cb_register.
func (c *Client) CbRegister(cb ClientCallbacks) { c.cb = cb }

// Discover runs the full nested discovery chain (spec.md §4.4): primary
// service, its characteristics, its included services, then each
// included VOCS/AICS sub-service's own characteristics, finishing with one
// OnDiscover callback carrying the resulting VOCS/AICS instance counts --
// the Go shape of bt_vcs_discover's five-step sequence.
func (c *Client) Discover(surface gattsurface.Surface, conn *connreg.Conn) apperr.APIError {
	if c.discovering {
		return apperr.ErrBusy
	}
	c.surface = surface
	c.conn = conn
	c.discovering = true
	c.vocsClients = nil
	c.aicsClients = nil

	surface.Discover(conn, gattsurface.DiscoverParams{
		Kind: gattsurface.DiscoverPrimaryService,
		UUID: btuuid.VCS,
	}, c.onPrimaryDiscovered)
	return 0
}

func (c *Client) onPrimaryDiscovered(result gattsurface.DiscoverResult, err error) {
	if err != nil || len(result.Services) == 0 {
		c.finishDiscover(apperr.ErrNotConnected, 0, 0)
		return
	}
	svc := result.Services[0]
	c.surface.Discover(c.conn, gattsurface.DiscoverParams{
		Kind:        gattsurface.DiscoverCharacteristics,
		StartHandle: svc.StartHandle,
		EndHandle:   svc.EndHandle,
	}, func(result gattsurface.DiscoverResult, err error) {
		c.onCharsDiscovered(svc, result, err)
	})
}

func (c *Client) onCharsDiscovered(svc gattsurface.DiscoveredService, result gattsurface.DiscoverResult, err error) {
	if err != nil {
		c.finishDiscover(apperr.ErrNotConnected, 0, 0)
		return
	}
	for _, ch := range result.Chars {
		switch ch.UUID {
		case btuuid.VCSState:
			c.stateHandle = ch.ValueHandle
			c.surface.SetNotifyHandler(c.conn, ch.ValueHandle, c.onStateNotify)
			c.surface.Subscribe(c.conn, ch.ValueHandle, func(apperr.ATTError) {})
		case btuuid.VCSControl:
			c.controlHandle = ch.ValueHandle
		case btuuid.VCSFlags:
			c.flagsHandle = ch.ValueHandle
			c.surface.SetNotifyHandler(c.conn, ch.ValueHandle, c.onFlagsNotify)
			c.surface.Subscribe(c.conn, ch.ValueHandle, func(apperr.ATTError) {})
		}
	}
	c.surface.Discover(c.conn, gattsurface.DiscoverParams{
		Kind:        gattsurface.DiscoverIncludes,
		StartHandle: svc.StartHandle,
		EndHandle:   svc.EndHandle,
	}, c.onIncludesDiscovered)
}

func (c *Client) onIncludesDiscovered(result gattsurface.DiscoverResult, err error) {
	if err != nil {
		c.finishDiscover(apperr.ErrNotConnected, 0, 0)
		return
	}
	var vocsIncludes, aicsIncludes []gattsurface.DiscoveredInclude
	for _, inc := range result.Includes {
		switch inc.UUID {
		case btuuid.VOCS:
			vocsIncludes = append(vocsIncludes, inc)
		case btuuid.AICS:
			aicsIncludes = append(aicsIncludes, inc)
		}
	}
	c.discoverVocsAt(vocsIncludes, aicsIncludes, 0)
}

func (c *Client) discoverVocsAt(vocsIncludes, aicsIncludes []gattsurface.DiscoveredInclude, idx int) {
	if idx >= len(vocsIncludes) {
		c.discoverAicsAt(aicsIncludes, 0)
		return
	}
	inc := vocsIncludes[idx]
	c.surface.Discover(c.conn, gattsurface.DiscoverParams{
		Kind:        gattsurface.DiscoverCharacteristics,
		StartHandle: inc.StartHandle,
		EndHandle:   inc.EndHandle,
	}, func(result gattsurface.DiscoverResult, err error) {
		if err != nil {
			c.finishDiscover(apperr.ErrNotConnected, len(c.vocsClients), len(c.aicsClients))
			return
		}
		var handles vocs.Handles
		for _, ch := range result.Chars {
			switch ch.UUID {
			case btuuid.VOCSState:
				handles.State = ch.ValueHandle
			case btuuid.VOCSLocation:
				handles.Location = ch.ValueHandle
			case btuuid.VOCSControl:
				handles.Control = ch.ValueHandle
			case btuuid.VOCSDescription:
				handles.Description = ch.ValueHandle
			}
		}
		cl := vocs.NewClient(idx)
		cl.Attach(c.surface, c.conn, handles, c.cb.Vocs)
		c.vocsClients = append(c.vocsClients, cl)
		c.discoverVocsAt(vocsIncludes, aicsIncludes, idx+1)
	})
}

func (c *Client) discoverAicsAt(aicsIncludes []gattsurface.DiscoveredInclude, idx int) {
	if idx >= len(aicsIncludes) {
		c.finishDiscover(0, len(c.vocsClients), len(c.aicsClients))
		return
	}
	inc := aicsIncludes[idx]
	c.surface.Discover(c.conn, gattsurface.DiscoverParams{
		Kind:        gattsurface.DiscoverCharacteristics,
		StartHandle: inc.StartHandle,
		EndHandle:   inc.EndHandle,
	}, func(result gattsurface.DiscoverResult, err error) {
		if err != nil {
			c.finishDiscover(apperr.ErrNotConnected, len(c.vocsClients), len(c.aicsClients))
			return
		}
		var handles aics.Handles
		for _, ch := range result.Chars {
			switch ch.UUID {
			case btuuid.AICSState:
				handles.State = ch.ValueHandle
			case btuuid.AICSGainSetting:
				handles.GainSetting = ch.ValueHandle
			case btuuid.AICSInputType:
				handles.InputType = ch.ValueHandle
			case btuuid.AICSInputStatus:
				handles.InputStatus = ch.ValueHandle
			case btuuid.AICSControl:
				handles.Control = ch.ValueHandle
			case btuuid.AICSDescription:
				handles.Description = ch.ValueHandle
			}
		}
		cl := aics.NewClient(idx)
		cl.Attach(c.surface, c.conn, handles, c.cb.Aics)
		c.aicsClients = append(c.aicsClients, cl)
		c.discoverAicsAt(aicsIncludes, idx+1)
	})
}

func (c *Client) finishDiscover(err apperr.APIError, vocsCount, aicsCount int) {
	c.discovering = false
	if c.cb.OnDiscover != nil {
		c.cb.OnDiscover(err, vocsCount, aicsCount)
	}
}

func (c *Client) onStateNotify(data []byte) {
	state, ok := UnmarshalState(data)
	if !ok {
		return
	}
	c.cachedCounter = state.Counter
	if c.cb.OnState != nil {
		c.cb.OnState(0, state.Volume, state.Mute)
	}
}

func (c *Client) onFlagsNotify(data []byte) {
	if len(data) != 1 {
		return
	}
	if c.cb.OnFlags != nil {
		c.cb.OnFlags(0, Flags(data[0]))
	}
}

// ReadState issues a GATT read of the State characteristic and updates the
// cached change counter from the result (used standalone and by the
// retry path's re-read step).
func (c *Client) ReadState(cb func(err apperr.APIError)) {
	c.surface.Read(c.conn, c.stateHandle, func(data []byte, attErr apperr.ATTError) {
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
			c.cb.OnState(0, state.Volume, state.Mute)
		}
		if cb != nil {
			cb(0)
		}
	})
}

// ReadFlags issues a GATT read of the Flags characteristic.
func (c *Client) ReadFlags() {
	c.surface.Read(c.conn, c.flagsHandle, func(data []byte, attErr apperr.ATTError) {
		if c.cb.OnFlags == nil {
			return
		}
		if attErr != apperr.ATTSuccess || len(data) != 1 {
			c.cb.OnFlags(apperr.ErrNotConnected, 0)
			return
		}
		c.cb.OnFlags(0, Flags(data[0]))
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

// VolumeDown drives the write-retry FSM for a Relative Volume Down write.
func (c *Client) VolumeDown() apperr.APIError { return c.sendControl(OpRelVolDown) }

// VolumeUp drives the write-retry FSM for a Relative Volume Up write.
func (c *Client) VolumeUp() apperr.APIError { return c.sendControl(OpRelVolUp) }

// UnmuteVolumeDown drives the write-retry FSM for an Unmute/Relative
// Volume Down write.
func (c *Client) UnmuteVolumeDown() apperr.APIError { return c.sendControl(OpUnmuteRelVolDown) }

// UnmuteVolumeUp drives the write-retry FSM for an Unmute/Relative Volume
// Up write.
func (c *Client) UnmuteVolumeUp() apperr.APIError { return c.sendControl(OpUnmuteRelVolUp) }

// SetVolume drives the write-retry FSM for a Set Absolute Volume write.
func (c *Client) SetVolume(volume uint8) apperr.APIError { return c.sendControl(OpSetAbsVol, volume) }

// Unmute drives the write-retry FSM for a plain Unmute write.
func (c *Client) Unmute() apperr.APIError { return c.sendControl(OpUnmute) }

// Mute drives the write-retry FSM for a plain Mute write.
func (c *Client) Mute() apperr.APIError { return c.sendControl(OpMute) }

func (c *Client) sendPending() {
	c.pending[1] = c.cachedCounter
	c.surface.Write(c.conn, c.controlHandle, c.pending, c.onWriteComplete)
}

func (c *Client) onWriteComplete(attErr apperr.ATTError) {
	switch {
	case attErr == apperr.ATTSuccess:
		c.tx = txIdle
		if c.cb.OnControl != nil {
			c.cb.OnControl(0)
		}
	case attErr == apperr.ATTError(ErrInvalidChangeCounter) && c.tx == txWritePending && !c.retried:
		c.retried = true
		c.tx = txRereadPending
		c.ReadState(func(err apperr.APIError) {
			if err != 0 {
				c.tx = txIdle
				if c.cb.OnControl != nil {
					c.cb.OnControl(apperr.ErrNotConnected)
				}
				return
			}
			c.tx = txWritePending
			c.sendPending()
		})
	default:
		c.tx = txIdle
		if c.cb.OnControl != nil {
			c.cb.OnControl(mapATTErr(attErr))
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

// VocsAt returns the discovered VOCS sub-client at idx.
func (c *Client) VocsAt(idx int) (*vocs.Client, apperr.APIError) {
	if idx < 0 || idx >= len(c.vocsClients) {
		return nil, apperr.ErrOutOfRangeIndex
	}
	return c.vocsClients[idx], 0
}

// AicsAt returns the discovered AICS sub-client at idx.
func (c *Client) AicsAt(idx int) (*aics.Client, apperr.APIError) {
	if idx < 0 || idx >= len(c.aicsClients) {
		return nil, apperr.ErrOutOfRangeIndex
	}
	return c.aicsClients[idx], 0
}

// VocsCount returns the number of VOCS sub-clients produced by discovery.
func (c *Client) VocsCount() int { return len(c.vocsClients) }

// AicsCount returns the number of AICS sub-clients produced by discovery.
func (c *Client) AicsCount() int { return len(c.aicsClients) }

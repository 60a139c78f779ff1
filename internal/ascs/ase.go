package ascs

import "encoding/binary"

// Ase is one Audio Stream Endpoint: a single direction of a single audio
// stream, owned by one peer connection for its lifetime (spec.md §3.5).
// Codec and QoS parameters are kept as the opaque values the control
// point carried; this engine validates their shape and tracks them, but
// never interprets or streams them (spec.md §1 Non-goals).
type Ase struct {
	ID        byte
	Direction Direction
	State     State

	// Codec Configured fields.
	Latency byte
	PHY     byte
	Framing byte
	RTN     byte
	LatencyMS uint16
	PDMin   uint32
	PDMax   uint32
	Codec   CodecID
	CC      []byte

	// QoS Configured fields.
	CIG      byte
	CIS      byte
	Interval uint32
	SDU      uint16
	PD       uint32

	// Enabling/Streaming/Disabling fields.
	Metadata []byte

	// Bound marks whether a transport (ISO channel) is attached; the
	// host's ISO data plane is out of scope (spec.md Non-goals). Start
	// sets it and Stop/Release clear it; nothing reads it, and the
	// Releasing->Idle transition does not depend on it.
	Bound bool
}

func newAse(id byte, dir Direction) *Ase {
	return &Ase{ID: id, Direction: dir, State: StateIdle}
}

func (a *Ase) reset() {
	*a = Ase{ID: a.ID, Direction: a.Direction, State: StateIdle}
}

// marshalStatus serialises the state-dependent ASE characteristic payload
// (spec.md §4.6; bt_audio_ep_get_status in the original).
func (a *Ase) marshalStatus() []byte {
	buf := []byte{a.ID, byte(a.State)}
	switch a.State {
	case StateIdle, StateReleasing:
		return buf
	case StateConfig:
		body := make([]byte, 0, 13+len(a.CC))
		body = append(body, byte(a.Direction), a.Framing, a.PHY, a.RTN)
		lat := make([]byte, 2)
		binary.LittleEndian.PutUint16(lat, a.LatencyMS)
		body = append(body, lat...)
		pdMin := make([]byte, 3)
		putLe24(pdMin, a.PDMin)
		body = append(body, pdMin...)
		pdMax := make([]byte, 3)
		putLe24(pdMax, a.PDMax)
		body = append(body, pdMax...)
		cid := make([]byte, 2)
		binary.LittleEndian.PutUint16(cid, a.Codec.CID)
		vid := make([]byte, 2)
		binary.LittleEndian.PutUint16(vid, a.Codec.VID)
		body = append(body, a.Codec.ID)
		body = append(body, cid...)
		body = append(body, vid...)
		body = append(body, byte(len(a.CC)))
		body = append(body, a.CC...)
		return append(buf, body...)
	case StateQoS:
		body := make([]byte, 0, 13)
		body = append(body, a.CIG, a.CIS)
		interval := make([]byte, 3)
		putLe24(interval, a.Interval)
		body = append(body, interval...)
		body = append(body, a.Framing, a.PHY)
		sdu := make([]byte, 2)
		binary.LittleEndian.PutUint16(sdu, a.SDU)
		body = append(body, sdu...)
		body = append(body, a.RTN)
		lat := make([]byte, 2)
		binary.LittleEndian.PutUint16(lat, a.LatencyMS)
		body = append(body, lat...)
		pd := make([]byte, 3)
		putLe24(pd, a.PD)
		body = append(body, pd...)
		return append(buf, body...)
	case StateEnabling, StateStreaming, StateDisabling:
		body := make([]byte, 0, 3+len(a.Metadata))
		body = append(body, a.CIG, a.CIS, byte(len(a.Metadata)))
		body = append(body, a.Metadata...)
		return append(buf, body...)
	default:
		return buf
	}
}

package ascs

import (
	"sync"

	"github.com/leaudio-go/leaudio/internal/apperr"
	"github.com/leaudio-go/leaudio/internal/bondstore"
	"github.com/leaudio-go/leaudio/internal/btuuid"
	"github.com/leaudio-go/leaudio/internal/connreg"
	"github.com/leaudio-go/leaudio/internal/gattsurface"
)

// Callbacks are the upward application callbacks fired on every observed
// ASE state transition, whether driven by a peer's control-point write or
// by this engine's own disconnect/detach handling (spec.md §6.3).
type Callbacks struct {
	OnAseState func(conn *connreg.Conn, aseID byte, state State)
}

// InitParams sizes the fixed Sink/Source ASE characteristic counts this
// device exposes (spec.md §3.5: "up to K per peer-session").
type InitParams struct {
	SinkCount   uint8
	SourceCount uint8
	Validator   Validator
	Bonds       bondstore.Store
	Callbacks   Callbacks
}

// endpointState is one peer's full set of ASEs, cached across a bonded
// peer's disconnect (spec.md §4.6's "detach" vs "clear").
type endpointState struct {
	mu   sync.Mutex
	ases []*Ase
}

func newEndpointState(sinkCount, sourceCount int) *endpointState {
	es := &endpointState{ases: make([]*Ase, sinkCount+sourceCount)}
	for i := 0; i < sinkCount; i++ {
		es.ases[i] = newAse(byte(i+1), DirSink)
	}
	for i := 0; i < sourceCount; i++ {
		es.ases[sinkCount+i] = newAse(byte(sinkCount+i+1), DirSource)
	}
	return es
}

// Manager is the AscsEndpoint component: it owns the fixed Sink/Source ASE
// attribute table and the per-peer ASE state machines, keyed by address so
// a bonded peer's ASEs survive a disconnect (spec.md §3.5, §3.7, §4.6).
type Manager struct {
	mu sync.Mutex

	initialized bool
	sinkCount   int
	sourceCount int
	validator   Validator
	cb          Callbacks

	endpoints map[string]*endpointState

	bonds    bondstore.Store
	surface  gattsurface.Surface
	aseAttrs []*gattsurface.Attr
	cpAttr   *gattsurface.Attr
}

// NewManager allocates an uninitialised ASCS endpoint manager.
func NewManager() *Manager { return &Manager{} }

// Init fixes the Sink/Source ASE counts. Init may run exactly once
// (the reuse guard VOCS/AICS/VCS also apply to their Init).
func (m *Manager) Init(p InitParams) apperr.APIError {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return apperr.ErrAlreadyInitialised
	}
	bonds := p.Bonds
	if bonds == nil {
		bonds = bondstore.NewMemory()
	}
	v := p.Validator
	if v == nil {
		v = DefaultValidator{}
	}

	m.sinkCount = int(p.SinkCount)
	m.sourceCount = int(p.SourceCount)
	m.validator = v
	m.cb = p.Callbacks
	m.bonds = bonds
	m.endpoints = make(map[string]*endpointState)
	m.initialized = true
	return 0
}

// BuildAttrs constructs one Sink/Source ASE attribute per ASE slot plus
// the single shared Control Point attribute, and registers the
// disconnect handler that implements spec.md §4.6's detach/clear split.
func (m *Manager) BuildAttrs(surface gattsurface.Surface) []*gattsurface.Attr {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.surface = surface
	total := m.sinkCount + m.sourceCount
	m.aseAttrs = make([]*gattsurface.Attr, total)

	for i := 0; i < total; i++ {
		idx := i
		uuid := btuuid.ASCSSinkASE
		if idx >= m.sinkCount {
			uuid = btuuid.ASCSSourceASE
		}
		m.aseAttrs[idx] = &gattsurface.Attr{
			UUID:  uuid,
			Props: gattsurface.PropRead | gattsurface.PropNotify,
			Perm:  gattsurface.PermEncrypt,
			Read:  m.readAseStatus(idx),
		}
	}

	m.cpAttr = &gattsurface.Attr{
		UUID:  btuuid.ASCSControlPoint,
		Props: gattsurface.PropWrite | gattsurface.PropWriteNoResp | gattsurface.PropNotify,
		Perm:  gattsurface.PermEncrypt,
		Write: m.writeControlPoint,
	}

	attrs := append(append([]*gattsurface.Attr{}, m.aseAttrs...), m.cpAttr)

	surface.OnDisconnect(m.handleDisconnect)

	return attrs
}

// endpointFor returns the cached endpoint for conn's address, creating one
// on first access (the Go shape of ascs_get's ascs_find-or-ascs_new).
func (m *Manager) endpointFor(addr string) *endpointState {
	m.mu.Lock()
	defer m.mu.Unlock()
	es, ok := m.endpoints[addr]
	if !ok {
		es = newEndpointState(m.sinkCount, m.sourceCount)
		m.endpoints[addr] = es
	}
	return es
}

func (m *Manager) readAseStatus(idx int) gattsurface.ReadFunc {
	return func(conn *connreg.Conn, offset uint16) ([]byte, apperr.ATTError) {
		if conn == nil {
			return nil, apperr.ATTUnlikelyError
		}
		es := m.endpointFor(conn.Addr)
		es.mu.Lock()
		defer es.mu.Unlock()
		return es.ases[idx].marshalStatus(), apperr.ATTSuccess
	}
}

func (m *Manager) notifyAse(conn *connreg.Conn, idx int, a *Ase) {
	m.mu.Lock()
	attr := m.aseAttrs[idx]
	surface := m.surface
	m.mu.Unlock()
	if surface == nil {
		return
	}
	surface.Notify(gattsurface.NotifyTarget{Conn: conn}, attr.UUID, []*gattsurface.Attr{attr}, a.marshalStatus())
	if m.cb.OnAseState != nil {
		m.cb.OnAseState(conn, a.ID, a.State)
	}
}

func (m *Manager) notifyControlPoint(conn *connreg.Conn, rb *rspBuilder) {
	m.mu.Lock()
	attr := m.cpAttr
	surface := m.surface
	m.mu.Unlock()
	if surface == nil {
		return
	}
	surface.Notify(gattsurface.NotifyTarget{Conn: conn}, attr.UUID, []*gattsurface.Attr{attr}, rb.marshal())
}

// writeControlPoint is the Control Point write handler: it dispatches one
// opcode against a batch of ASE IDs and responds with one aggregated
// notification (spec.md §4.6). Most malformed-array failures still report
// ATT success with a Truncated response entry, matching the original's
// "goto respond" path; only an empty write or an unknown opcode return a
// genuine ATT-layer error (spec.md §4.6, ascs_cp_write in original_source).
func (m *Manager) writeControlPoint(conn *connreg.Conn, data []byte, offset uint16) apperr.ATTError {
	if offset != 0 {
		return apperr.ATTInvalidOffset
	}
	if len(data) < 1 {
		return apperr.ATTInvalidAttrLen
	}
	if conn == nil {
		return apperr.ATTUnlikelyError
	}

	op := Opcode(data[0])
	pdu := data[1:]
	es := m.endpointFor(conn.Addr)
	rb := newRspBuilder(op)

	switch op {
	case OpConfig:
		m.handleConfig(es, conn, pdu, rb)
	case OpQoS:
		m.handleQoS(es, conn, pdu, rb)
	case OpEnable:
		m.handleEnable(es, conn, pdu, rb)
	case OpStart:
		m.handleStart(es, conn, pdu, rb)
	case OpDisable:
		m.handleDisable(es, conn, pdu, rb)
	case OpStop:
		m.handleStop(es, conn, pdu, rb)
	case OpMetadata:
		m.handleMetadata(es, conn, pdu, rb)
	case OpRelease:
		m.handleRelease(es, conn, pdu, rb)
	default:
		return apperr.ATTRequestNotSupported
	}

	m.notifyControlPoint(conn, rb)
	return apperr.ATTSuccess
}

// getAse resolves a non-zero ASE ID to its slot. ID 0 is only meaningful
// to Config, which is handled separately via allocateAse.
func getAse(es *endpointState, id byte) (*Ase, bool) {
	if id == 0 || int(id) > len(es.ases) {
		return nil, false
	}
	return es.ases[id-1], true
}

// allocateAse resolves a Config opcode's ASE field: a non-zero ID must
// name an existing slot of matching direction; a zero ID picks the first
// Idle slot of the requested direction, the Go shape of ase_new(ascs, 0)'s
// linear scan in the original.
func allocateAse(es *endpointState, id byte, dir Direction) (*Ase, bool) {
	if id != 0 {
		a, ok := getAse(es, id)
		if !ok || a.Direction != dir {
			return nil, false
		}
		return a, true
	}
	for _, a := range es.ases {
		if a.Direction == dir && a.State == StateIdle {
			return a, true
		}
	}
	return nil, false
}

func (m *Manager) handleConfig(es *endpointState, conn *connreg.Conn, pdu []byte, rb *rspBuilder) {
	reqs, ok := parseConfigOps(pdu)
	if !ok {
		rb.add(0, RspTruncated, ReasonNone)
		return
	}
	for _, req := range reqs {
		es.mu.Lock()
		ase, found := allocateAse(es, req.ASE, req.Dir)
		if !found {
			es.mu.Unlock()
			if req.ASE == 0 {
				rb.add(0, RspNoMem, ReasonNone)
			} else {
				rb.add(req.ASE, RspInvalidASE, ReasonNone)
			}
			continue
		}
		switch ase.State {
		case StateIdle, StateConfig, StateQoS:
		default:
			es.mu.Unlock()
			rb.add(ase.ID, RspInvalidASEState, ReasonNone)
			continue
		}
		if code, reason := m.validator.ValidateConfig(req); code != RspSuccess {
			es.mu.Unlock()
			rb.add(ase.ID, code, reason)
			continue
		}

		ase.State = StateConfig
		ase.Latency = req.Latency
		ase.PHY = req.PHY
		ase.Framing = FramingUnframed
		ase.RTN = 0
		ase.LatencyMS = 0
		ase.PDMin = DefaultPDMin
		ase.PDMax = DefaultPDMax
		ase.Codec = req.Codec
		ase.CC = req.CC
		id := ase.ID
		a := *ase
		es.mu.Unlock()

		rb.add(id, RspSuccess, ReasonNone)
		m.notifyAse(conn, int(id)-1, &a)
	}
}

func (m *Manager) handleQoS(es *endpointState, conn *connreg.Conn, pdu []byte, rb *rspBuilder) {
	reqs, ok := parseQoSOps(pdu)
	if !ok {
		rb.add(0, RspTruncated, ReasonNone)
		return
	}
	for _, req := range reqs {
		es.mu.Lock()
		ase, found := getAse(es, req.ASE)
		if !found {
			es.mu.Unlock()
			rb.add(req.ASE, RspInvalidASE, ReasonNone)
			continue
		}
		if ase.State != StateConfig && ase.State != StateQoS {
			es.mu.Unlock()
			rb.add(ase.ID, RspInvalidASEState, ReasonNone)
			continue
		}
		if code, reason := m.validator.ValidateQoS(req); code != RspSuccess {
			es.mu.Unlock()
			rb.add(ase.ID, code, reason)
			continue
		}

		ase.State = StateQoS
		ase.CIG = req.CIG
		ase.CIS = req.CIS
		ase.Interval = req.Interval
		ase.Framing = req.Framing
		ase.PHY = req.PHY
		ase.SDU = req.SDU
		ase.RTN = req.RTN
		ase.LatencyMS = req.Latency
		ase.PD = req.PD
		id := ase.ID
		a := *ase
		es.mu.Unlock()

		rb.add(id, RspSuccess, ReasonNone)
		m.notifyAse(conn, int(id)-1, &a)
	}
}

func (m *Manager) handleEnable(es *endpointState, conn *connreg.Conn, pdu []byte, rb *rspBuilder) {
	reqs, ok := parseMetaOps(pdu)
	if !ok {
		rb.add(0, RspTruncated, ReasonNone)
		return
	}
	for _, req := range reqs {
		es.mu.Lock()
		ase, found := getAse(es, req.ASE)
		if !found {
			es.mu.Unlock()
			rb.add(req.ASE, RspInvalidASE, ReasonNone)
			continue
		}
		if ase.State != StateQoS {
			es.mu.Unlock()
			rb.add(ase.ID, RspInvalidASEState, ReasonNone)
			continue
		}
		if code, reason := m.validator.ValidateMetadata(req.Metadata); code != RspSuccess {
			es.mu.Unlock()
			rb.add(ase.ID, code, reason)
			continue
		}

		ase.State = StateEnabling
		ase.Metadata = req.Metadata
		id := ase.ID
		a := *ase
		es.mu.Unlock()

		rb.add(id, RspSuccess, ReasonNone)
		m.notifyAse(conn, int(id)-1, &a)
	}
}

func (m *Manager) handleStart(es *endpointState, conn *connreg.Conn, pdu []byte, rb *rspBuilder) {
	ids, ok := parseIDList(pdu)
	if !ok {
		rb.add(0, RspTruncated, ReasonNone)
		return
	}
	for _, id := range ids {
		es.mu.Lock()
		ase, found := getAse(es, id)
		if !found {
			es.mu.Unlock()
			rb.add(id, RspInvalidASE, ReasonNone)
			continue
		}
		if ase.State != StateEnabling {
			es.mu.Unlock()
			rb.add(id, RspInvalidASEState, ReasonNone)
			continue
		}
		ase.State = StateStreaming
		ase.Bound = true
		a := *ase
		es.mu.Unlock()

		rb.add(id, RspSuccess, ReasonNone)
		m.notifyAse(conn, int(id)-1, &a)
	}
}

func (m *Manager) handleDisable(es *endpointState, conn *connreg.Conn, pdu []byte, rb *rspBuilder) {
	ids, ok := parseIDList(pdu)
	if !ok {
		rb.add(0, RspTruncated, ReasonNone)
		return
	}
	for _, id := range ids {
		es.mu.Lock()
		ase, found := getAse(es, id)
		if !found {
			es.mu.Unlock()
			rb.add(id, RspInvalidASE, ReasonNone)
			continue
		}
		if ase.State != StateEnabling && ase.State != StateStreaming {
			es.mu.Unlock()
			rb.add(id, RspInvalidASEState, ReasonNone)
			continue
		}
		ase.State = StateDisabling
		a := *ase
		es.mu.Unlock()

		rb.add(id, RspSuccess, ReasonNone)
		m.notifyAse(conn, int(id)-1, &a)
	}
}

func (m *Manager) handleStop(es *endpointState, conn *connreg.Conn, pdu []byte, rb *rspBuilder) {
	ids, ok := parseIDList(pdu)
	if !ok {
		rb.add(0, RspTruncated, ReasonNone)
		return
	}
	for _, id := range ids {
		es.mu.Lock()
		ase, found := getAse(es, id)
		if !found {
			es.mu.Unlock()
			rb.add(id, RspInvalidASE, ReasonNone)
			continue
		}
		if ase.State != StateDisabling {
			es.mu.Unlock()
			rb.add(id, RspInvalidASEState, ReasonNone)
			continue
		}
		ase.State = StateQoS
		ase.Bound = false
		a := *ase
		es.mu.Unlock()

		rb.add(id, RspSuccess, ReasonNone)
		m.notifyAse(conn, int(id)-1, &a)
	}
}

func (m *Manager) handleMetadata(es *endpointState, conn *connreg.Conn, pdu []byte, rb *rspBuilder) {
	reqs, ok := parseMetaOps(pdu)
	if !ok {
		rb.add(0, RspTruncated, ReasonNone)
		return
	}
	for _, req := range reqs {
		es.mu.Lock()
		ase, found := getAse(es, req.ASE)
		if !found {
			es.mu.Unlock()
			rb.add(req.ASE, RspInvalidASE, ReasonNone)
			continue
		}
		if ase.State != StateEnabling && ase.State != StateStreaming {
			es.mu.Unlock()
			rb.add(ase.ID, RspInvalidASEState, ReasonNone)
			continue
		}
		if code, reason := m.validator.ValidateMetadata(req.Metadata); code != RspSuccess {
			es.mu.Unlock()
			rb.add(ase.ID, code, reason)
			continue
		}

		ase.Metadata = req.Metadata
		id := ase.ID
		a := *ase
		es.mu.Unlock()

		rb.add(id, RspSuccess, ReasonNone)
		// Same-state notify: metadata changed without a state transition,
		// mirroring bt_audio_chan_metadata's "set the state to the same
		// state to trigger the notification" in the original.
		m.notifyAse(conn, int(id)-1, &a)
	}
}

func (m *Manager) handleRelease(es *endpointState, conn *connreg.Conn, pdu []byte, rb *rspBuilder) {
	ids, ok := parseIDList(pdu)
	if !ok {
		rb.add(0, RspTruncated, ReasonNone)
		return
	}
	for _, id := range ids {
		es.mu.Lock()
		ase, found := getAse(es, id)
		if !found {
			es.mu.Unlock()
			rb.add(id, RspInvalidASE, ReasonNone)
			continue
		}
		switch ase.State {
		case StateConfig, StateQoS, StateEnabling, StateStreaming, StateDisabling:
		default:
			es.mu.Unlock()
			rb.add(id, RspInvalidASEState, ReasonNone)
			continue
		}
		ase.State = StateReleasing
		ase.Bound = false
		releasing := *ase
		es.mu.Unlock()

		rb.add(id, RspSuccess, ReasonNone)
		m.notifyAse(conn, int(id)-1, &releasing)

		// No ISO transport is modelled (spec.md Non-goals), so the
		// Releasing->Idle auto-transition that ase_process gates on
		// "!ep.chan" always fires immediately, within this same call.
		es.mu.Lock()
		ase.reset()
		idle := *ase
		es.mu.Unlock()
		m.notifyAse(conn, int(id)-1, &idle)
	}
}

// handleDisconnect implements spec.md §4.6's bonded/non-bonded split:
// a bonded peer's ASEs are cached untouched (detach); a non-bonded peer's
// ASEs are released and the cache entry dropped (clear).
func (m *Manager) handleDisconnect(conn *connreg.Conn, reason byte) {
	if m.bonds.IsBonded(conn.Addr) {
		return
	}

	m.mu.Lock()
	es, ok := m.endpoints[conn.Addr]
	delete(m.endpoints, conn.Addr)
	m.mu.Unlock()
	if !ok {
		return
	}

	es.mu.Lock()
	for _, a := range es.ases {
		a.reset()
	}
	es.mu.Unlock()
}

// AseState returns a point-in-time snapshot of one peer's ASE, for tests
// and for the monitoring surface.
func (m *Manager) AseState(addr string, id byte) (Ase, bool) {
	m.mu.Lock()
	es, ok := m.endpoints[addr]
	m.mu.Unlock()
	if !ok {
		return Ase{}, false
	}
	a, ok := getAse(es, id)
	if !ok {
		return Ase{}, false
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	return *a, true
}

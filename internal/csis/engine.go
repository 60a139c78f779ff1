package csis

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/leaudio-go/leaudio/internal/apperr"
	"github.com/leaudio-go/leaudio/internal/bondstore"
	"github.com/leaudio-go/leaudio/internal/btuuid"
	"github.com/leaudio-go/leaudio/internal/connreg"
	"github.com/leaudio-go/leaudio/internal/gattsurface"
	"github.com/leaudio-go/leaudio/internal/ltcrypto"
)

// DefaultPendNotifyCapacity mirrors CONFIG_BT_MAX_PAIRED: the fixed size
// of the pend_notify ring (spec.md §3.4).
const DefaultPendNotifyCapacity = 8

// PendingEntry is one slot of the bonded-peer pending-notification ring
// (spec.md §4.5). Active marks a slot as holding a real bonded peer;
// Pending marks that peer as owed a lock-value notification it has not
// yet received, either because it was disconnected when the lock changed
// or because the notify attempt at change time did not reach it.
type PendingEntry struct {
	Addr    string
	Pending bool
	Active  bool
	Age     uint32
}

// Callbacks are the upward application callbacks fired whenever the set
// lock transitions, whether by a peer write, a local API call, a timeout,
// or a disconnect-triggered forced release (spec.md §6.3).
type Callbacks struct {
	OnLocked func(conn *connreg.Conn, locked bool)
}

// InitParams seeds the singleton CSIS engine (spec.md §3.4, §9: process-
// wide state with an explicit init/teardown lifecycle, not scattered
// statics).
type InitParams struct {
	// Seed derives the Set Identity Resolving Key: sirk = AES-ECB(masterKey,
	// pad(seed, 16)) (spec.md §4.5).
	Seed     uint32
	SetSize  uint8
	Rank     uint8

	// PendNotifyCapacity defaults to DefaultPendNotifyCapacity when zero.
	PendNotifyCapacity int
	// OverwriteOldest enables the eviction policy on a full pend_notify
	// ring; when false, a new bond is silently dropped from the
	// notification list once the ring is full (spec.md §4.5).
	OverwriteOldest bool

	// AuthenticatedSirkRead requires authentication (not just encryption)
	// to read the Set SIRK characteristic, the CONFIG_BT_RPA &&
	// !CONFIG_BT_BONDABLE branch of the original's SIRK_READ_PERM.
	AuthenticatedSirkRead bool

	Bonds      bondstore.Store
	Encrypter  ltcrypto.Encrypter
	Randomizer ltcrypto.Randomizer
	Callbacks  Callbacks
}

// Engine is the Coordinated Set Identification Service: SIRK derivation,
// PSRI generation, the set-lock state machine with its 60-second timer,
// and the bonded-peer pending-notification ring (spec.md §3.4, §4.5).
// Unlike VCS/VOCS/AICS this is singleton state, never pooled.
type Engine struct {
	mu sync.Mutex

	initialized bool

	sirk    [16]byte
	setSize uint8
	rank    uint8
	psri    [PSRISize]byte

	setLock        LockValue
	lockClientAddr string // "" is the zeroed-address sentinel: no holder, or the local API caller.
	timer          *time.Timer

	pendNotify      []PendingEntry
	ageCounter      uint32
	overwriteOldest bool

	authSirkRead bool

	bonds bondstore.Store
	enc   ltcrypto.Encrypter
	rnd   ltcrypto.Randomizer
	cb    Callbacks

	surface gattsurface.Surface
	attrs   []*gattsurface.Attr
}

// NewEngine allocates an uninitialised CSIS engine.
func NewEngine() *Engine { return &Engine{} }

// Init derives this device's SIRK and seeds set_size/rank/set_lock. Init
// may run exactly once (spec.md §3.7's reuse guard, carried from VOCS/
// AICS to this singleton).
func (e *Engine) Init(p InitParams) apperr.APIError {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return apperr.ErrAlreadyInitialised
	}

	enc := p.Encrypter
	if enc == nil {
		enc = ltcrypto.AESEncrypter{}
	}
	rnd := p.Randomizer
	if rnd == nil {
		rnd = ltcrypto.CryptoRandRandomizer{}
	}
	bonds := p.Bonds
	if bonds == nil {
		bonds = bondstore.NewMemory()
	}

	seedBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(seedBytes, p.Seed)
	sirk, err := ltcrypto.DeriveSIRK(enc, masterKey, seedBytes)
	if err != nil {
		return apperr.ErrInvalidArgument
	}

	cap := p.PendNotifyCapacity
	if cap == 0 {
		cap = DefaultPendNotifyCapacity
	}

	e.sirk = sirk
	e.setSize = p.SetSize
	e.rank = p.Rank
	e.setLock = Released
	e.pendNotify = make([]PendingEntry, cap)
	e.overwriteOldest = p.OverwriteOldest
	e.authSirkRead = p.AuthenticatedSirkRead
	e.bonds = bonds
	e.enc = enc
	e.rnd = rnd
	e.cb = p.Callbacks
	e.initialized = true
	return 0
}

// BuildAttrs constructs the CSIS attribute table: Set SIRK (read+notify),
// Set Size (read+notify), Set Lock (read+write+notify), Rank (read). It
// also registers this engine's connection-lifecycle handlers with the
// surface, the Go shape of the original's bt_conn_cb_register/
// bt_conn_auth_cb_register calls in bt_csis_init (spec.md §4.5).
func (e *Engine) BuildAttrs(surface gattsurface.Surface) []*gattsurface.Attr {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.surface = surface

	sirkPerm := gattsurface.PermEncrypt
	if e.authSirkRead {
		sirkPerm |= gattsurface.PermAuthenticate
	}

	sirkAttr := &gattsurface.Attr{
		UUID:  btuuid.CSISSirk,
		Props: gattsurface.PropRead | gattsurface.PropNotify,
		Perm:  sirkPerm,
		Read:  e.readSirk,
	}
	sizeAttr := &gattsurface.Attr{
		UUID:  btuuid.CSISSize,
		Props: gattsurface.PropRead | gattsurface.PropNotify,
		Perm:  gattsurface.PermEncrypt,
		Read:  e.readSize,
	}
	lockAttr := &gattsurface.Attr{
		UUID:  btuuid.CSISLock,
		Props: gattsurface.PropRead | gattsurface.PropWrite | gattsurface.PropNotify,
		Perm:  gattsurface.PermEncrypt,
		Read:  e.readLock,
		Write: e.writeLock,
	}
	rankAttr := &gattsurface.Attr{
		UUID:  btuuid.CSISRank,
		Props: gattsurface.PropRead,
		Perm:  gattsurface.PermEncrypt,
		Read:  e.readRank,
	}

	e.attrs = []*gattsurface.Attr{sirkAttr, sizeAttr, lockAttr, rankAttr}

	surface.OnDisconnect(e.handleDisconnect)
	surface.OnSecurityChanged(e.handleSecurityChanged)
	surface.OnPairingComplete(e.handlePairingComplete)

	return e.attrs
}

func (e *Engine) readSirk(conn *connreg.Conn, offset uint16) ([]byte, apperr.ATTError) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sirk := e.sirk
	return sirk[:], apperr.ATTSuccess
}

func (e *Engine) readSize(conn *connreg.Conn, offset uint16) ([]byte, apperr.ATTError) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return []byte{e.setSize}, apperr.ATTSuccess
}

func (e *Engine) readLock(conn *connreg.Conn, offset uint16) ([]byte, apperr.ATTError) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return []byte{byte(e.setLock)}, apperr.ATTSuccess
}

func (e *Engine) readRank(conn *connreg.Conn, offset uint16) ([]byte, apperr.ATTError) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return []byte{e.rank}, apperr.ATTSuccess
}

// addrOf returns the connection's peer address, or "" for the local
// (nil-conn) caller -- the Go analogue of the original's zeroed
// server_dummy_addr sentinel for local API calls.
func addrOf(conn *connreg.Conn) string {
	if conn == nil {
		return ""
	}
	return conn.Addr
}

func (e *Engine) isLastClientToWrite(conn *connreg.Conn) bool {
	return addrOf(conn) == e.lockClientAddr
}

// writeLock runs the set-lock state machine (spec.md §4.5): offset and
// length guards, then Lock/Release semantics against the current holder.
func (e *Engine) writeLock(conn *connreg.Conn, data []byte, offset uint16) apperr.ATTError {
	if offset != 0 {
		return apperr.ATTInvalidOffset
	}
	if len(data) != 1 {
		return apperr.ATTInvalidAttrLen
	}
	val := LockValue(data[0])
	if val != Released && val != Locked {
		return apperr.ATTError(ErrInvalidLockValue)
	}

	e.mu.Lock()
	if e.setLock == Locked {
		if val == Locked {
			e.mu.Unlock()
			return apperr.ATTError(ErrLockDenied)
		}
		if !e.isLastClientToWrite(conn) {
			e.mu.Unlock()
			return apperr.ATTError(ErrLockReleaseDenied)
		}
	}

	notify := e.setLock != val
	e.setLock = val
	if val == Locked {
		e.lockClientAddr = addrOf(conn)
		e.armTimer()
	} else {
		e.lockClientAddr = ""
		e.disarmTimer()
	}
	e.mu.Unlock()

	if notify {
		e.notifyClients(conn)
		if e.cb.OnLocked != nil {
			e.cb.OnLocked(conn, val == Locked)
		}
	}
	return apperr.ATTSuccess
}

// armTimer must be called with e.mu held.
func (e *Engine) armTimer() {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(lockTimerDuration, e.onLockTimeout)
}

// disarmTimer must be called with e.mu held.
func (e *Engine) disarmTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// onLockTimeout forces a release after 60 seconds of lock inactivity and
// broadcasts to everyone, with no exclusion (spec.md §4.5, §5.2).
func (e *Engine) onLockTimeout() {
	e.mu.Lock()
	e.setLock = Released
	e.lockClientAddr = ""
	e.timer = nil
	e.mu.Unlock()

	e.notifyClients(nil)
	if e.cb.OnLocked != nil {
		e.cb.OnLocked(nil, false)
	}
}

// Lock is the local (server-side) API call for writing the Lock Value,
// reentering writeLock with conn=nil exactly as a real GATT write would
// (spec.md §4.2's write-to-self pattern, generalised to CSIS).
func (e *Engine) Lock() apperr.APIError { return e.localWriteLock(Locked) }

// Release is the local API call for writing the Release Value.
func (e *Engine) Release() apperr.APIError { return e.localWriteLock(Released) }

func (e *Engine) localWriteLock(val LockValue) apperr.APIError {
	if attErr := e.writeLock(nil, []byte{byte(val)}, 0); attErr != apperr.ATTSuccess {
		return apperr.ErrNotPermitted
	}
	return 0
}

// ForceRelease unconditionally releases the lock regardless of who holds
// it and broadcasts to everyone, the original's bt_csis_lock(false, true)
// forced path used by timer expiry and non-bonded-holder disconnects.
func (e *Engine) ForceRelease() {
	e.mu.Lock()
	e.setLock = Released
	e.lockClientAddr = ""
	e.disarmTimer()
	e.mu.Unlock()

	e.notifyClients(nil)
	if e.cb.OnLocked != nil {
		e.cb.OnLocked(nil, false)
	}
}

// notifyClients marks every active pend_notify entry pending (except the
// writer's, if any) then attempts immediate delivery to every currently
// connected peer except the writer, clearing pending for whoever is
// reached (spec.md §4.5, §5.2: the writer gets its write response
// instead of a notification).
func (e *Engine) notifyClients(exclude *connreg.Conn) {
	excludeAddr := addrOf(exclude)

	e.mu.Lock()
	for i := range e.pendNotify {
		if e.pendNotify[i].Active && e.pendNotify[i].Addr != excludeAddr {
			e.pendNotify[i].Pending = true
		}
	}
	attrs := e.attrs
	surface := e.surface
	val := byte(e.setLock)
	e.mu.Unlock()

	if surface == nil {
		return
	}
	surface.Notify(gattsurface.NotifyTarget{Exclude: exclude}, btuuid.CSISLock, attrs, []byte{val})

	surface.ForEachConnection(func(conn *connreg.Conn) {
		if exclude != nil && conn == exclude {
			return
		}
		e.clearPending(conn.Addr)
	})
}

func (e *Engine) clearPending(addr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.pendNotify {
		if e.pendNotify[i].Pending && e.pendNotify[i].Addr == addr {
			e.pendNotify[i].Pending = false
			return
		}
	}
}

// handleSecurityChanged delivers a deferred lock-value notification on the
// next successful security-changed event for a bonded peer whose entry is
// still pending (spec.md §4.5, §5.3).
func (e *Engine) handleSecurityChanged(conn *connreg.Conn, level connreg.SecurityLevel, err error) {
	if err != nil || !e.bonds.IsBonded(conn.Addr) {
		return
	}

	e.mu.Lock()
	found := false
	for i := range e.pendNotify {
		if e.pendNotify[i].Pending && e.pendNotify[i].Addr == conn.Addr {
			e.pendNotify[i].Pending = false
			found = true
			break
		}
	}
	attrs := e.attrs
	surface := e.surface
	val := byte(e.setLock)
	e.mu.Unlock()

	if found && surface != nil {
		surface.Notify(gattsurface.NotifyTarget{Conn: conn}, btuuid.CSISLock, attrs, []byte{val})
	}
}

// handleDisconnect forces a release if the disconnecting peer was a
// non-bonded lock holder (spec.md §4.5, §5: "so the set is not
// stranded"). Bonded peers' pend_notify entries are left untouched so the
// pending value survives to the next security-changed event; this is why
// the check below returns immediately for bonded peers, before even the
// lock-release logic runs, matching csis_disconnected in the original.
func (e *Engine) handleDisconnect(conn *connreg.Conn, reason byte) {
	if e.bonds.IsBonded(conn.Addr) {
		return
	}

	e.mu.Lock()
	wasHolder := e.isLastClientToWrite(conn)
	e.mu.Unlock()

	if wasHolder {
		e.ForceRelease()
	}

	e.mu.Lock()
	for i := range e.pendNotify {
		if e.pendNotify[i].Addr == conn.Addr {
			e.pendNotify[i] = PendingEntry{}
			break
		}
	}
	e.mu.Unlock()
}

// handlePairingComplete tracks a newly bonded peer in the pend_notify
// ring: update its age if already tracked, else insert into the first
// free slot, else evict the oldest entry if eviction is enabled, else
// silently drop it (spec.md §4.5).
func (e *Engine) handlePairingComplete(conn *connreg.Conn, bonded bool) {
	if !bonded {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.pendNotify {
		if e.pendNotify[i].Active && e.pendNotify[i].Addr == conn.Addr {
			e.pendNotify[i].Age = e.ageCounter
			e.ageCounter++
			return
		}
	}
	for i := range e.pendNotify {
		if !e.pendNotify[i].Active {
			e.pendNotify[i] = PendingEntry{Addr: conn.Addr, Active: true, Age: e.ageCounter}
			e.ageCounter++
			return
		}
	}
	if !e.overwriteOldest {
		return
	}
	oldest := 0
	for i := 1; i < len(e.pendNotify); i++ {
		if e.pendNotify[i].Age < e.pendNotify[oldest].Age {
			oldest = i
		}
	}
	e.pendNotify[oldest] = PendingEntry{Addr: conn.Addr, Active: true, Age: e.ageCounter}
	e.ageCounter++
}

// Snapshot returns a point-in-time copy of the engine's visible lock
// state, for tests and for the monitoring surface.
func (e *Engine) Snapshot() (lock LockValue, lockClientAddr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setLock, e.lockClientAddr
}

// SIRK returns the derived Set Identity Resolving Key.
func (e *Engine) SIRK() [16]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sirk
}

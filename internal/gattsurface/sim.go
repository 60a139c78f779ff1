package gattsurface

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/leaudio-go/leaudio/internal/apperr"
	"github.com/leaudio-go/leaudio/internal/bondstore"
	"github.com/leaudio-go/leaudio/internal/connreg"
)

// Sim is an in-memory Surface double standing in for BlueZ in this repo's
// own tests, the same role bluetooth/album_art_test.go's in-memory cache
// plays for the filesystem in the teacher. Two Sims are created as a pair
// with NewSimPair: each is the "local device" for its own registered
// service tree and the "remote client" for its peer's.
type Sim struct {
	mu sync.Mutex

	addr string
	peer *Sim
	conn *connreg.Conn // the single link between this Sim and its peer.

	tree          *ServiceTree
	attrsByHandle map[AttrHandle]*Attr
	nextHandle    AttrHandle

	subs         map[AttrHandle]bool
	notifyHandlers map[AttrHandle]NotifyHandlerFunc

	bonds   *bondstore.Memory
	connReg *connreg.Registry

	disconnectFns []func(*connreg.Conn, byte)
	securityFns   []func(*connreg.Conn, connreg.SecurityLevel, error)
	pairingFns    []func(*connreg.Conn, bool)

	// Async toggles whether callback delivery is deferred to a goroutine.
	// It defaults to false (synchronous, deterministic), and every test in
	// this repository runs with that default.
	Async bool
}

// NewSimPair wires up two Sims representing a central (a) and a peripheral
// (b) already connected over one ATT link.
func NewSimPair(addrA, addrB string) (a, b *Sim) {
	a = newSim(addrA)
	b = newSim(addrB)
	a.peer, b.peer = b, a

	connAB := connreg.NewConn(1, addrB)
	connBA := connreg.NewConn(1, addrA)
	a.conn, b.conn = connAB, connBA
	a.connReg.Add(connAB)
	b.connReg.Add(connBA)
	return a, b
}

func newSim(addr string) *Sim {
	return &Sim{
		addr:           addr,
		attrsByHandle:  make(map[AttrHandle]*Attr),
		subs:           make(map[AttrHandle]bool),
		notifyHandlers: make(map[AttrHandle]NotifyHandlerFunc),
		bonds:          bondstore.NewMemory(),
		connReg:        connreg.NewRegistry(),
		nextHandle:     1,
	}
}

// Conn returns this Sim's view of the link to its peer, the value passed
// into every server/client constructor under test.
func (s *Sim) Conn() *connreg.Conn { return s.conn }

// Bonds exposes the bond store backing ForEachBond, for tests that need to
// mark the simulated peer bonded.
func (s *Sim) Bonds() *bondstore.Memory { return s.bonds }

func (s *Sim) RegisterService(tree *ServiceTree) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tree = tree
	var walk func(t *ServiceTree)
	walk = func(t *ServiceTree) {
		t.DeclHandle = s.nextHandle
		s.nextHandle++
		for _, a := range t.Attrs {
			a.Handle = s.nextHandle
			s.nextHandle++
			s.attrsByHandle[a.Handle] = a
		}
		for _, inc := range t.Includes {
			walk(inc)
		}
	}
	walk(tree)
	return nil
}

func (s *Sim) Notify(target NotifyTarget, charUUID uuid.UUID, attrs []*Attr, value []byte) error {
	var attr *Attr
	for _, a := range attrs {
		if a.UUID == charUUID {
			attr = a
			break
		}
	}
	if attr == nil {
		return fmt.Errorf("gattsurface: no attribute with uuid %s", charUUID)
	}

	deliver := func() {
		s.peer.mu.Lock()
		subscribed := s.peer.subs[attr.Handle]
		handler := s.peer.notifyHandlers[attr.Handle]
		s.peer.mu.Unlock()
		if !subscribed || handler == nil {
			return
		}
		if target.Exclude != nil && target.Exclude == s.peer.conn {
			return
		}
		handler(value)
	}

	if s.Async {
		go deliver()
	} else {
		deliver()
	}
	return nil
}

func (s *Sim) Write(conn *connreg.Conn, handle AttrHandle, data []byte, cb WriteCallback) {
	run := func() {
		s.peer.mu.Lock()
		attr, ok := s.peer.attrsByHandle[handle]
		s.peer.mu.Unlock()
		if !ok || attr.Write == nil {
			cb(apperr.ATTUnlikelyError)
			return
		}
		err := attr.Write(s.peer.conn, data, 0)
		cb(err)
	}
	if s.Async {
		go run()
	} else {
		run()
	}
}

func (s *Sim) WriteWithoutResponse(conn *connreg.Conn, handle AttrHandle, data []byte) error {
	s.peer.mu.Lock()
	attr, ok := s.peer.attrsByHandle[handle]
	s.peer.mu.Unlock()
	if !ok || attr.Write == nil {
		return fmt.Errorf("gattsurface: no writable attribute at handle %d", handle)
	}
	_ = attr.Write(s.peer.conn, data, 0)
	return nil
}

func (s *Sim) Read(conn *connreg.Conn, handle AttrHandle, cb ReadCallback) {
	run := func() {
		s.peer.mu.Lock()
		attr, ok := s.peer.attrsByHandle[handle]
		s.peer.mu.Unlock()
		if !ok || attr.Read == nil {
			cb(nil, apperr.ATTUnlikelyError)
			return
		}
		data, err := attr.Read(s.peer.conn, 0)
		cb(data, err)
	}
	if s.Async {
		go run()
	} else {
		run()
	}
}

func (s *Sim) Subscribe(conn *connreg.Conn, handle AttrHandle, cb SubscribeCallback) {
	run := func() {
		s.mu.Lock()
		s.subs[handle] = true
		s.mu.Unlock()
		cb(apperr.ATTSuccess)
	}
	if s.Async {
		go run()
	} else {
		run()
	}
}

func (s *Sim) SetNotifyHandler(conn *connreg.Conn, handle AttrHandle, fn NotifyHandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifyHandlers[handle] = fn
}

// Discover walks the peer's registered tree according to params.Kind. It
// is a simplified stand-in for ATT discovery requests: real discovery
// returns handle ranges progressively, but every characteristic/include
// this engine cares about is returned in one pass here.
func (s *Sim) Discover(conn *connreg.Conn, params DiscoverParams, cb DiscoverCallback) {
	run := func() {
		s.peer.mu.Lock()
		tree := s.peer.tree
		s.peer.mu.Unlock()
		if tree == nil {
			cb(DiscoverResult{}, fmt.Errorf("gattsurface: peer has no registered service"))
			return
		}

		var result DiscoverResult
		switch params.Kind {
		case DiscoverPrimaryService:
			if params.UUID == uuid.Nil || params.UUID == tree.UUID {
				result.Services = append(result.Services, DiscoveredService{
					UUID:        tree.UUID,
					StartHandle: tree.DeclHandle,
					EndHandle:   lastHandle(tree),
				})
			}
		case DiscoverCharacteristics:
			target := findTreeInRange(tree, params.StartHandle, params.EndHandle)
			if target != nil {
				for _, a := range target.Attrs {
					result.Chars = append(result.Chars, DiscoveredChar{
						UUID:        a.UUID,
						ValueHandle: a.Handle,
						Props:       a.Props,
					})
				}
			}
		case DiscoverIncludes:
			target := findTreeInRange(tree, params.StartHandle, params.EndHandle)
			if target != nil {
				for _, inc := range target.Includes {
					result.Includes = append(result.Includes, DiscoveredInclude{
						UUID:        inc.UUID,
						StartHandle: inc.DeclHandle,
						EndHandle:   lastHandle(inc),
					})
				}
			}
		}
		cb(result, nil)
	}
	if s.Async {
		go run()
	} else {
		run()
	}
}

func lastHandle(t *ServiceTree) AttrHandle {
	max := t.DeclHandle
	for _, a := range t.Attrs {
		if a.Handle > max {
			max = a.Handle
		}
	}
	for _, inc := range t.Includes {
		if h := lastHandle(inc); h > max {
			max = h
		}
	}
	return max
}

func findTreeInRange(t *ServiceTree, start, end AttrHandle) *ServiceTree {
	if t.DeclHandle == start {
		return t
	}
	for _, inc := range t.Includes {
		if found := findTreeInRange(inc, start, end); found != nil {
			return found
		}
	}
	return nil
}

func (s *Sim) ForEachConnection(fn func(*connreg.Conn)) {
	s.connReg.ForEach(fn)
}

func (s *Sim) ForEachBond(fn func(bondstore.Record)) {
	s.bonds.ForEach(fn)
}

func (s *Sim) OnDisconnect(fn func(conn *connreg.Conn, reason byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectFns = append(s.disconnectFns, fn)
}

func (s *Sim) OnSecurityChanged(fn func(conn *connreg.Conn, level connreg.SecurityLevel, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.securityFns = append(s.securityFns, fn)
}

func (s *Sim) OnPairingComplete(fn func(conn *connreg.Conn, bonded bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairingFns = append(s.pairingFns, fn)
}

// FireDisconnect simulates the host reporting a disconnect of the peer
// link, for tests that exercise CSIS/ASCS disconnect handling.
func (s *Sim) FireDisconnect(reason byte) {
	s.mu.Lock()
	fns := append([]func(*connreg.Conn, byte){}, s.disconnectFns...)
	conn := s.conn
	s.mu.Unlock()
	for _, fn := range fns {
		fn(conn, reason)
	}
}

// FireSecurityChanged simulates a security-changed event for the peer
// link, used to exercise CSIS's pending-notification delivery.
func (s *Sim) FireSecurityChanged(level connreg.SecurityLevel) {
	s.mu.Lock()
	fns := append([]func(*connreg.Conn, connreg.SecurityLevel, error){}, s.securityFns...)
	conn := s.conn
	s.mu.Unlock()
	for _, fn := range fns {
		fn(conn, level, nil)
	}
}

// FirePairingComplete simulates bonding completing with the peer.
func (s *Sim) FirePairingComplete(bonded bool) {
	s.mu.Lock()
	fns := append([]func(*connreg.Conn, bool){}, s.pairingFns...)
	conn := s.conn
	s.mu.Unlock()
	for _, fn := range fns {
		fn(conn, bonded)
	}
}

var _ Surface = (*Sim)(nil)

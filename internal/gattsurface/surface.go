// Package gattsurface defines the narrow interfaces this engine consumes
// from the host GATT database (spec.md §6.1): attribute registration,
// read/write dispatch, notification send, and subscription tracking. The
// core packages (vcs, vocs, aics, csis, ascs) depend only on the Surface
// interface in this file; internal/gattsurface/bluez.go is the concrete
// adapter that drives a real BlueZ over D-Bus, and sim.go is the in-memory
// double used by this repo's own tests.
package gattsurface

import (
	"github.com/google/uuid"

	"github.com/leaudio-go/leaudio/internal/apperr"
	"github.com/leaudio-go/leaudio/internal/bondstore"
	"github.com/leaudio-go/leaudio/internal/connreg"
)

// AttrHandle is a GATT attribute handle.
type AttrHandle uint16

// CharProps is the GATT characteristic properties bitmask.
type CharProps uint8

const (
	PropRead        CharProps = 1 << 0
	PropWrite       CharProps = 1 << 1
	PropWriteNoResp CharProps = 1 << 2
	PropNotify      CharProps = 1 << 3
	PropIndicate    CharProps = 1 << 4
)

// Permission is the GATT attribute permission bitmask.
type Permission uint8

const (
	PermNone         Permission = 0
	PermEncrypt      Permission = 1 << 0
	PermAuthenticate Permission = 1 << 1
)

// ReadFunc services an attribute read. offset is the ATT read offset;
// implementations that do not support partial reads of a field longer than
// the MTU may ignore it, as the VCS/VOCS/AICS fixed-size state
// characteristics do.
type ReadFunc func(conn *connreg.Conn, offset uint16) ([]byte, apperr.ATTError)

// WriteFunc services an attribute write.
type WriteFunc func(conn *connreg.Conn, data []byte, offset uint16) apperr.ATTError

// Attr is one GATT attribute (a characteristic value, in practice, since
// this engine never exposes raw descriptors beyond the CCC the surface
// manages itself).
type Attr struct {
	UUID   uuid.UUID
	Handle AttrHandle
	Props  CharProps
	Perm   Permission
	Read   ReadFunc
	Write  WriteFunc

	// UserData is set by vcs.Server.BuildAttrs on each GATT_INCLUDE
	// placeholder attribute to point at the included service's
	// ServiceTree, per spec.md §4.2. Core code never reads it; only the
	// Surface implementation's attribute table walker does.
	UserData interface{}
}

// ServiceTree is one GATT service (primary or secondary) and its
// attributes, plus any services it includes.
type ServiceTree struct {
	UUID       uuid.UUID
	DeclHandle AttrHandle
	Attrs      []*Attr
	Includes   []*ServiceTree
}

// NotifyTarget selects who receives a notification. A nil Conn means
// "every subscribed peer" (a broadcast); CSIS's timer-expiry and VCS/VOCS/
// AICS state notifications both broadcast this way, while CSIS lock-change
// notifications target every subscriber except the writer.
type NotifyTarget struct {
	Conn    *connreg.Conn
	Exclude *connreg.Conn
}

// DiscoverKind selects which phase of GATT discovery to run.
type DiscoverKind int

const (
	DiscoverPrimaryService DiscoverKind = iota
	DiscoverCharacteristics
	DiscoverIncludes
)

// DiscoverParams parameterises one discovery phase. The VcsClient
// discovery chain (spec.md §4.4) reuses one parameter block across
// phases; this struct is that block's Go shape.
type DiscoverParams struct {
	Kind        DiscoverKind
	UUID        uuid.UUID // zero value = no filter
	StartHandle AttrHandle
	EndHandle   AttrHandle
}

type DiscoveredService struct {
	UUID        uuid.UUID
	StartHandle AttrHandle
	EndHandle   AttrHandle
}

type DiscoveredChar struct {
	UUID        uuid.UUID
	ValueHandle AttrHandle
	Props       CharProps
}

type DiscoveredInclude struct {
	UUID        uuid.UUID
	StartHandle AttrHandle
	EndHandle   AttrHandle
}

// DiscoverResult carries whichever of the three slices is relevant to the
// DiscoverKind that was requested.
type DiscoverResult struct {
	Services []DiscoveredService
	Chars    []DiscoveredChar
	Includes []DiscoveredInclude
}

type (
	WriteCallback     func(err apperr.ATTError)
	ReadCallback      func(data []byte, err apperr.ATTError)
	SubscribeCallback func(err apperr.ATTError)
	DiscoverCallback  func(result DiscoverResult, err error)
	NotifyHandlerFunc func(data []byte)
)

// Surface is everything the core consumes from the host GATT database
// (spec.md §6.1). All client-facing operations (Write, Read, Subscribe,
// Discover) are asynchronous: they return immediately and deliver their
// result through the supplied callback, matching spec.md §5's suspension
// points. Server-facing operations (RegisterService, Notify) and the
// Attr.Read/Attr.Write handlers themselves are synchronous, since they run
// inline with an inbound ATT request the surface is already dispatching.
type Surface interface {
	RegisterService(tree *ServiceTree) error

	// Notify fires a notification for the attribute matching charUUID
	// inside attrs.
	Notify(target NotifyTarget, charUUID uuid.UUID, attrs []*Attr, value []byte) error

	Write(conn *connreg.Conn, handle AttrHandle, data []byte, cb WriteCallback)
	WriteWithoutResponse(conn *connreg.Conn, handle AttrHandle, data []byte) error
	Read(conn *connreg.Conn, handle AttrHandle, cb ReadCallback)
	Subscribe(conn *connreg.Conn, handle AttrHandle, cb SubscribeCallback)
	Discover(conn *connreg.Conn, params DiscoverParams, cb DiscoverCallback)

	// SetNotifyHandler registers the function invoked when a notification
	// for handle arrives on conn. Clients call this once per subscribed
	// characteristic during discovery (spec.md §4.4's "notification
	// handler... dispatches by value_handle").
	SetNotifyHandler(conn *connreg.Conn, handle AttrHandle, fn NotifyHandlerFunc)

	ForEachConnection(fn func(*connreg.Conn))
	ForEachBond(fn func(bondstore.Record))

	OnDisconnect(fn func(conn *connreg.Conn, reason byte))
	OnSecurityChanged(fn func(conn *connreg.Conn, level connreg.SecurityLevel, err error))
	OnPairingComplete(fn func(conn *connreg.Conn, bonded bool))
}

// Package csis implements the Coordinated Set Identification Service: SIRK
// derivation, PSRI advertising-payload generation, the set-lock state
// machine with its 60-second timer, and the bonded-peer pending-notification
// ring that survives disconnects (spec.md §3.4, §4.5). Unlike VCS/VOCS/AICS
// this is process-wide singleton state, not a pooled instance type
// (spec.md §3.7).
package csis

import "time"

// LockValue is the Set Lock characteristic's two valid values.
type LockValue byte

const (
	Released LockValue = 0x01
	Locked   LockValue = 0x02
)

// SIRKSize is the byte length of the Set Identity Resolving Key.
const SIRKSize = 16

// PSRISize is the byte length of the Private Set Resolvable Identifier.
const PSRISize = 6

// lockTimerDuration is the set-lock's auto-release countdown.
const lockTimerDuration = 60 * time.Second

// sihPrandMax is the 24-bit prand field's range: 2^24 - 1.
const sihPrandMax = 0xFFFFFF

// Reserved prand values the Bluetooth core spec excludes: all zero bits and
// all one bits. generatePrand compares the raw 24-bit draw against them
// before it stamps the two fixed marker bits.
const (
	prandAllZero = 0x000000
	prandAllOne  = 0x3FFFFF
)

// advFlagGeneralDiscoverable and advFlagNoBREDR are the two bits this
// engine's advertising payload sets in the Flags AD structure: generally
// discoverable, BR/EDR not supported.
const (
	advFlagGeneralDiscoverable = 0x02
	advFlagNoBREDR             = 0x04
)

// masterKey is the 16-byte key used to derive every device's SIRK from its
// seed; it must be identical across all devices in the set.
var masterKey = [16]byte{
	0x92, 0x5f, 0xcb, 0xcb, 0x8a, 0xa8, 0x96, 0xe9,
	0x3e, 0x62, 0x01, 0x54, 0xf9, 0xad, 0xef, 0x54,
}

// Package btuuid builds the 128-bit UUIDs for the GATT services and
// characteristics this engine exposes, from their 16-bit SIG-assigned
// numbers.
package btuuid

import "github.com/google/uuid"

// baseUUID is the Bluetooth SIG Base UUID; a 16-bit assigned number is
// substituted into the first 32 bits to produce the full 128-bit UUID.
var baseUUID = uuid.MustParse("00000000-0000-1000-8000-00805F9B34FB")

// From16 expands a 16-bit SIG-assigned UUID into its 128-bit form.
func From16(v uint16) uuid.UUID {
	u := baseUUID
	u[2] = byte(v >> 8)
	u[3] = byte(v)
	return u
}

// Service UUIDs.
var (
	VCS  = From16(0x1844)
	VOCS = From16(0x1845)
	AICS = From16(0x1843)
	CSIS = From16(0x1846)
	ASCS = From16(0x184E)
)

// VCS characteristic UUIDs.
var (
	VCSState   = From16(0x2B7D)
	VCSControl = From16(0x2B7E)
	VCSFlags   = From16(0x2B7F)
)

// VOCS characteristic UUIDs.
var (
	VOCSState       = From16(0x2B80)
	VOCSLocation    = From16(0x2B81)
	VOCSControl     = From16(0x2B82)
	VOCSDescription = From16(0x2B83)
)

// AICS characteristic UUIDs.
var (
	AICSState       = From16(0x2B77)
	AICSGainSetting = From16(0x2B78)
	AICSInputType   = From16(0x2B79)
	AICSInputStatus = From16(0x2B7A)
	AICSControl     = From16(0x2B7B)
	AICSDescription = From16(0x2B7C)
)

// CSIS characteristic UUIDs.
var (
	CSISSirk = From16(0x2B84)
	CSISSize = From16(0x2B85)
	CSISLock = From16(0x2B86)
	CSISRank = From16(0x2B87)
)

// CSIS AD types, used when framing PSRI advertising data.
const (
	ADTypeFlags       = 0x01
	ADTypeIncomplete  = 0x02
	ADTypeComplete    = 0x03
	ADTypeRSI         = 0x2E // Resolvable Set Identifier AD type.
)

// ASCS characteristic UUIDs.
var (
	ASCSSinkASE      = From16(0x2BC4)
	ASCSSourceASE    = From16(0x2BC5)
	ASCSControlPoint = From16(0x2BC6)
)

package csis

import (
	"time"

	"github.com/leaudio-go/leaudio/internal/apperr"
	"github.com/leaudio-go/leaudio/internal/btuuid"
	"github.com/leaudio-go/leaudio/internal/ltcrypto"
)

// generatePrand draws a fresh 24-bit prand, retrying until it lands outside
// the two reserved all-zero/all-one values, then stamps the two fixed marker
// bits: bit 22 set, bit 23 clear (spec.md §4.5, grounded on generate_prand
// in the original).
func (e *Engine) generatePrand() (uint32, error) {
	for {
		buf := make([]byte, 3)
		if err := e.rnd.Random(buf); err != nil {
			return 0, err
		}
		prand := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16
		prand &= sihPrandMax
		if prand == prandAllZero || prand == prandAllOne {
			continue
		}
		prand |= 0x400000  // bit 22 set
		prand &^= 0x800000 // bit 23 clear
		return prand, nil
	}
}

// RefreshPSRI regenerates the Private Set Resolvable Identifier: a fresh
// prand, hashed against this device's SIRK, concatenated as hash(3)‖prand(3)
// (spec.md §4.5, csis_update_psri in the original). Call before each
// advertising interval a caller wants a new PSRI for.
func (e *Engine) RefreshPSRI() apperr.APIError {
	e.mu.Lock()
	sirk := e.sirk
	enc := e.enc
	e.mu.Unlock()

	prand, err := e.generatePrand()
	if err != nil {
		return apperr.ErrNoMemory
	}
	hash, err := ltcrypto.Sih(enc, sirk, prand)
	if err != nil {
		return apperr.ErrNoMemory
	}

	var psri [PSRISize]byte
	psri[0] = byte(hash)
	psri[1] = byte(hash >> 8)
	psri[2] = byte(hash >> 16)
	psri[3] = byte(prand)
	psri[4] = byte(prand >> 8)
	psri[5] = byte(prand >> 16)

	e.mu.Lock()
	e.psri = psri
	e.mu.Unlock()
	return 0
}

// PSRI returns the most recently generated Private Set Resolvable
// Identifier.
func (e *Engine) PSRI() [PSRISize]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.psri
}

// AdvertisingPayload builds the two AD structures this device advertises
// while in the coordinated set: a Flags structure (general discoverable,
// BR/EDR not supported) and an RSI structure carrying the current PSRI
// (spec.md §4.5, bt_csis_advertise in the original -- which emits exactly
// these two bt_data entries, not a separate service-UUID structure).
func (e *Engine) AdvertisingPayload() []byte {
	psri := e.PSRI()

	buf := make([]byte, 0, 10)
	buf = append(buf, 2, btuuid.ADTypeFlags, advFlagGeneralDiscoverable|advFlagNoBREDR)
	buf = append(buf, byte(1+len(psri)), btuuid.ADTypeRSI)
	buf = append(buf, psri[:]...)
	return buf
}

// AdvertisingDuration returns how long one PSRI is valid for before the
// next RPA rotation, 90% of rpaTimeout capped to a uint16 millisecond count
// (CSIS_ADV_TIME in the original: privacy-enabled devices must refresh the
// PSRI before the address itself rotates, not after).
func AdvertisingDuration(rpaTimeout time.Duration) time.Duration {
	d := time.Duration(float64(rpaTimeout) * 0.9)
	const max = time.Duration(^uint16(0)) * time.Millisecond
	if d > max {
		return max
	}
	return d
}

// sihCompat computes the same hash as ltcrypto.Sih against the [16]byte
// encrypter this file already threads around; it does not call
// ltcrypto.Sih, and nothing in the package calls it.
func sihCompat(enc interface {
	Encrypt(key, in [16]byte) ([16]byte, error)
}, sirk [16]byte, prand uint32) (uint32, error) {
	var block [16]byte
	block[0] = byte(prand)
	block[1] = byte(prand >> 8)
	block[2] = byte(prand >> 16)
	out, err := enc.Encrypt(sirk, block)
	if err != nil {
		return 0, err
	}
	return uint32(out[0]) | uint32(out[1])<<8 | uint32(out[2])<<16, nil
}

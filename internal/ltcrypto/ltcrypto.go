// Package ltcrypto holds the narrow cryptography/randomness interfaces
// consumed per spec: an AES-128 single-block encrypt, a byte randomiser,
// and the Set Identity Hash function built on top of them. The host's LE
// controller ordinarily supplies bt_encrypt_le and random(); these default
// implementations exist so the CSIS engine is runnable and testable without
// a controller attached.
package ltcrypto

import (
	"crypto/aes"
	"crypto/rand"
	"fmt"
)

// Encrypter performs a single AES-128-ECB block encryption, the primitive
// the Bluetooth core spec calls bt_encrypt_le / ah / sih are built on.
type Encrypter interface {
	Encrypt(key, in [16]byte) ([16]byte, error)
}

// Randomizer fills out with cryptographically random bytes.
type Randomizer interface {
	Random(out []byte) error
}

// AESEncrypter is the default Encrypter, backed by stdlib crypto/aes. A
// single call to cipher.Block.Encrypt on a 16-byte block is AES-ECB for
// that one block; no chaining mode is needed because every caller in this
// engine only ever encrypts exactly one block.
type AESEncrypter struct{}

func (AESEncrypter) Encrypt(key, in [16]byte) ([16]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return [16]byte{}, fmt.Errorf("ltcrypto: new cipher: %w", err)
	}
	var out [16]byte
	block.Encrypt(out[:], in[:])
	return out, nil
}

// CryptoRandRandomizer is the default Randomizer, backed by crypto/rand.
type CryptoRandRandomizer struct{}

func (CryptoRandRandomizer) Random(out []byte) error {
	_, err := rand.Read(out)
	return err
}

// Sih computes the Set Identity Hash: sih(sirk, r) = e(sirk, r') mod 2^24,
// where r' is r zero-padded to 16 bytes. r must have bit 22 set and bit 23
// clear (the caller, PSRI generation, enforces this); Sih does not itself
// validate r, matching bt_sih's debug-only check in the source this is
// grounded on.
func Sih(enc Encrypter, sirk [16]byte, r uint32) (uint32, error) {
	var block [16]byte
	block[0] = byte(r)
	block[1] = byte(r >> 8)
	block[2] = byte(r >> 16)

	out, err := enc.Encrypt(sirk, block)
	if err != nil {
		return 0, err
	}
	return uint32(out[0]) | uint32(out[1])<<8 | uint32(out[2])<<16, nil
}

// DeriveSIRK computes sirk = AES-ECB-encrypt(masterKey, pad(seed, 16)).
func DeriveSIRK(enc Encrypter, masterKey [16]byte, seed []byte) ([16]byte, error) {
	var plain [16]byte
	n := copy(plain[:], seed)
	_ = n
	return enc.Encrypt(masterKey, plain)
}

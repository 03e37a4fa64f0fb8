package mls

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
)

// Ciphersuite identifies the algorithms used by a group.
type Ciphersuite uint16

// Supported ciphersuites. Both use X25519, ChaCha20-Poly1305 and Ed25519 and
// differ in the hash that drives the key schedule.
const (
	X25519_CHACHA20POLY1305_SHA256_Ed25519 Ciphersuite = 0x0003 //nolint:revive,stylecheck
	X25519_CHACHA20POLY1305_SHA512_Ed25519 Ciphersuite = 0xf003 //nolint:revive,stylecheck
)

// DefaultCiphersuite is used when a config leaves the suite unset.
const DefaultCiphersuite = X25519_CHACHA20POLY1305_SHA256_Ed25519

// ParseCiphersuite resolves a suite by its String name.
func ParseCiphersuite(name string) (Ciphersuite, error) {
	for _, cs := range []Ciphersuite{
		X25519_CHACHA20POLY1305_SHA256_Ed25519,
		X25519_CHACHA20POLY1305_SHA512_Ed25519,
	} {
		if cs.String() == name {
			return cs, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedCiphersuite, name)
}

// Valid reports whether the suite is supported.
func (cs Ciphersuite) Valid() bool {
	switch cs {
	case X25519_CHACHA20POLY1305_SHA256_Ed25519, X25519_CHACHA20POLY1305_SHA512_Ed25519:
		return true
	}
	return false
}

// HashLength returns the output length of the suite's hash.
func (cs Ciphersuite) HashLength() int {
	if cs == X25519_CHACHA20POLY1305_SHA512_Ed25519 {
		return sha512.Size
	}
	return sha256.Size
}

func (cs Ciphersuite) newHash() func() hash.Hash {
	if cs == X25519_CHACHA20POLY1305_SHA512_Ed25519 {
		return sha512.New
	}
	return sha256.New
}

// Hash digests data with the suite's hash.
func (cs Ciphersuite) Hash(data []byte) []byte {
	h := cs.newHash()()
	h.Write(data)
	return h.Sum(nil)
}

func (cs Ciphersuite) String() string {
	switch cs {
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return "X25519_CHACHA20POLY1305_SHA256_Ed25519"
	case X25519_CHACHA20POLY1305_SHA512_Ed25519:
		return "X25519_CHACHA20POLY1305_SHA512_Ed25519"
	default:
		return fmt.Sprintf("Ciphersuite(0x%04x)", uint16(cs))
	}
}

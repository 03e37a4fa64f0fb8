package mls

import (
	"crypto/hmac"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"
)

const labelPrefix = "MLS 1.0 "

// expandWithLabel is HKDF-Expand with an MLS KDFLabel as info.
func expandWithLabel(cs Ciphersuite, secret []byte, label string, context []byte, length int) []byte {
	var b cryptobyte.Builder
	b.AddUint16(uint16(length))
	addOpaque8(&b, []byte(labelPrefix+label))
	addOpaque24(&b, context)
	info := b.BytesOrPanic()

	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(cs.newHash(), secret, info), out); err != nil {
		// Only reachable when length exceeds 255 hash blocks.
		panic(fmt.Sprintf("mls: hkdf expand %q: %v", label, err))
	}
	return out
}

func deriveSecret(cs Ciphersuite, secret []byte, label string) []byte {
	return expandWithLabel(cs, secret, label, nil, cs.HashLength())
}

func extract(cs Ciphersuite, salt, ikm []byte) []byte {
	return hkdf.Extract(cs.newHash(), ikm, salt)
}

func mac(cs Ciphersuite, key, data []byte) []byte {
	m := hmac.New(cs.newHash(), key)
	m.Write(data)
	return m.Sum(nil)
}

func randomBytes(r io.Reader, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return out, nil
}

// EncryptionKeyPair is an X25519 key pair used to receive sealed secrets.
type EncryptionKeyPair struct {
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
}

// GenerateEncryptionKeyPair creates a fresh X25519 key pair.
func GenerateEncryptionKeyPair(r io.Reader) (*EncryptionKeyPair, error) {
	pub, priv, err := box.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	return &EncryptionKeyPair{Public: pub[:], Private: priv[:]}, nil
}

const sealOverhead = 32 + 24 + box.Overhead

// seal encrypts plaintext to an X25519 public key.
// Output format: ephemeralPub(32) || nonce(24) || ciphertext.
func seal(r io.Reader, recipient, plaintext []byte) ([]byte, error) {
	if len(recipient) != 32 {
		return nil, fmt.Errorf("seal: recipient key length %d", len(recipient))
	}
	var recipientKey [32]byte
	copy(recipientKey[:], recipient)

	ephPub, ephPriv, err := box.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	var nonce [24]byte
	if _, err := io.ReadFull(r, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 32+24, 32+24+len(plaintext)+box.Overhead)
	copy(out[:32], ephPub[:])
	copy(out[32:56], nonce[:])
	return box.Seal(out, plaintext, &nonce, &recipientKey, ephPriv), nil
}

// open reverses seal with the recipient's X25519 private key.
func open(private, sealed []byte) ([]byte, error) {
	if len(sealed) < sealOverhead || len(private) != 32 {
		return nil, ErrDecryptFailed
	}
	var ephPub, priv [32]byte
	var nonce [24]byte
	copy(ephPub[:], sealed[:32])
	copy(nonce[:], sealed[32:56])
	copy(priv[:], private)

	plaintext, ok := box.Open(nil, sealed[56:], &nonce, &ephPub, &priv)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func aeadSeal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func aeadOpen(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrDecryptFailed
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// Package crypto provides end-to-end encryption for relay traffic.
// It uses X25519 for key exchange, HKDF-SHA256 for key derivation and
// XChaCha20-Poly1305 for authenticated encryption of envelopes.
package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 keys and the derived symmetric key in bytes.
	KeySize = 32

	// hkdfInfo is the context string for HKDF key derivation.
	hkdfInfo = "pairlink-relay-v1"
)

// ErrInvalidKey is returned for malformed or low-order keys.
var ErrInvalidKey = errors.New("invalid key")

// Keypair is an X25519 key pair.
type Keypair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// SharedKey is the symmetric key derived from a local private key and a peer
// public key. It is recomputed at session start and never serialized.
type SharedKey [KeySize]byte

// GenerateKeypair generates a new X25519 key pair.
func GenerateKeypair() (*Keypair, error) {
	var kp Keypair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	// Clamp the private key (RFC 7748)
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64

	pub, err := PublicKey(kp.Private)
	if err != nil {
		return nil, err
	}
	kp.Public = pub
	return &kp, nil
}

// PublicKey derives the X25519 public key for privateKey.
func PublicKey(privateKey [KeySize]byte) ([KeySize]byte, error) {
	var pub [KeySize]byte
	out, err := curve25519.X25519(privateKey[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	copy(pub[:], out)
	return pub, nil
}

// ComputeECDH performs X25519 Diffie-Hellman and returns the raw shared
// secret. Zero and low-order peer keys are rejected.
func ComputeECDH(privateKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	var sharedSecret [KeySize]byte

	var zeroKey [KeySize]byte
	if remotePublicKey == zeroKey {
		return sharedSecret, fmt.Errorf("%w: zero public key", ErrInvalidKey)
	}

	out, err := curve25519.X25519(privateKey[:], remotePublicKey[:])
	if err != nil {
		// X25519 returns an error for low-order points.
		return sharedSecret, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	copy(sharedSecret[:], out)
	ZeroBytes(out)

	return sharedSecret, nil
}

// DeriveSharedKey derives the symmetric relay key from the local private key
// and the peer public key. Both sides obtain the same key: the HKDF salt is
// the two public keys in byte order, so the result does not depend on which
// side computes it.
func DeriveSharedKey(localPrivate, peerPublic [KeySize]byte) (SharedKey, error) {
	var key SharedKey

	localPublic, err := PublicKey(localPrivate)
	if err != nil {
		return key, err
	}

	secret, err := ComputeECDH(localPrivate, peerPublic)
	if err != nil {
		return key, err
	}
	defer ZeroKey(&secret)

	salt := make([]byte, 0, 2*KeySize)
	if bytes.Compare(localPublic[:], peerPublic[:]) <= 0 {
		salt = append(salt, localPublic[:]...)
		salt = append(salt, peerPublic[:]...)
	} else {
		salt = append(salt, peerPublic[:]...)
		salt = append(salt, localPublic[:]...)
	}

	reader := hkdf.New(sha256.New, secret[:], salt, []byte(hkdfInfo))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Zero clears the key material.
func (k *SharedKey) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// EncodeKey returns the standard base64 form of a key.
func EncodeKey(k [KeySize]byte) string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// DecodeKey parses a standard base64 key.
func DecodeKey(s string) ([KeySize]byte, error) {
	var k [KeySize]byte
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(b) != KeySize {
		return k, fmt.Errorf("%w: got %d bytes, expected %d", ErrInvalidKey, len(b), KeySize)
	}
	copy(k[:], b)
	ZeroBytes(b)
	return k, nil
}

// ZeroBytes zeroes out a byte slice to prevent sensitive data from lingering
// in memory.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey zeroes out a key array.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}

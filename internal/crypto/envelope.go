package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// NonceSize is the XChaCha20-Poly1305 nonce size. Nonces are random;
	// at 192 bits a collision under one key is not a practical concern.
	NonceSize = chacha20poly1305.NonceSizeX

	// TagSize is the size of Poly1305 authentication tags in bytes.
	TagSize = chacha20poly1305.Overhead
)

var (
	// ErrMalformedEnvelope is returned when an envelope is structurally
	// invalid: missing fields or wrong nonce length.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrDecryptionFailed is returned when authentication fails, e.g. the
	// wrong key, tampered ciphertext, or altered routing ids.
	ErrDecryptionFailed = errors.New("envelope decryption failed")
)

// Envelope is one encrypted, addressed message. The relay sees only this.
type Envelope struct {
	Ciphertext  []byte `json:"ciphertext"`
	Nonce       []byte `json:"nonce"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
}

// EncryptMessage seals payload for recipientID under key. Each call draws a
// fresh random nonce. The sender and recipient ids are bound as associated
// data so the relay cannot re-address an envelope.
func EncryptMessage(payload []byte, key SharedKey, senderID, recipientID string) (*Envelope, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, payload, associatedData(senderID, recipientID))

	return &Envelope{
		Ciphertext:  ciphertext,
		Nonce:       nonce,
		SenderID:    senderID,
		RecipientID: recipientID,
	}, nil
}

// DecryptMessage opens env with key. Structural problems return
// ErrMalformedEnvelope; authentication failures return ErrDecryptionFailed.
func DecryptMessage(env *Envelope, key SharedKey) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrMalformedEnvelope)
	}
	if len(env.Nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce is %d bytes, expected %d", ErrMalformedEnvelope, len(env.Nonce), NonceSize)
	}
	if len(env.Ciphertext) < TagSize {
		return nil, fmt.Errorf("%w: ciphertext too short: %d bytes", ErrMalformedEnvelope, len(env.Ciphertext))
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, associatedData(env.SenderID, env.RecipientID))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func associatedData(senderID, recipientID string) []byte {
	ad := make([]byte, 0, len(senderID)+len(recipientID)+1)
	ad = append(ad, senderID...)
	ad = append(ad, 0)
	ad = append(ad, recipientID...)
	return ad
}

package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/postalsys/pairlink/internal/crypto"
	"github.com/postalsys/pairlink/internal/store"
)

// RelayKey is the store key holding the relay identity.
const RelayKey = "pairlink.relay.identity"

var (
	// ErrNoRelayIdentity is returned when relay pairing has not happened.
	ErrNoRelayIdentity = errors.New("no relay identity")

	// ErrInvalidRelayIdentity is returned when a relay identity or pairing
	// payload is incomplete.
	ErrInvalidRelayIdentity = errors.New("invalid relay identity")
)

// Relay is the relay-mode identity: where the relay is, who we are to it,
// who the peer is and the key material for the end-to-end channel. The
// shared key is never part of it; SharedKey recomputes it.
type Relay struct {
	RelayURL      string
	LocalID       string
	PeerID        string
	Token         string
	PrivateKey    [crypto.KeySize]byte
	PublicKey     [crypto.KeySize]byte
	PeerPublicKey [crypto.KeySize]byte
}

// PairingPayload is the out-of-band data the host shows when pairing through
// a relay, usually as a QR code or a pasted JSON blob.
type PairingPayload struct {
	RelayURL      string `json:"relay_url"`
	PeerID        string `json:"peer_id"`
	PeerPublicKey string `json:"peer_public_key"`
	Token         string `json:"token"`
	LocalID       string `json:"device_id,omitempty"`
}

// ParsePairingPayload decodes and checks a JSON pairing payload.
func ParsePairingPayload(data []byte) (*PairingPayload, error) {
	var p PairingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRelayIdentity, err)
	}
	if p.RelayURL == "" || p.PeerID == "" || p.PeerPublicKey == "" || p.Token == "" {
		return nil, fmt.Errorf("%w: pairing payload missing fields", ErrInvalidRelayIdentity)
	}
	return &p, nil
}

// PeerFingerprint returns the fingerprint of the peer public key in p.
func (p *PairingPayload) PeerFingerprint() (string, error) {
	key, err := crypto.DecodeKey(p.PeerPublicKey)
	if err != nil {
		return "", fmt.Errorf("peer public key: %w", err)
	}
	return crypto.Fingerprint(key), nil
}

// NewRelay builds a relay identity from a pairing payload. A nil keypair
// generates a fresh one. An empty local id in the payload falls back to
// localID.
func NewRelay(p *PairingPayload, localID string, kp *crypto.Keypair) (*Relay, error) {
	peerKey, err := crypto.DecodeKey(p.PeerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("peer public key: %w", err)
	}
	if kp == nil {
		kp, err = crypto.GenerateKeypair()
		if err != nil {
			return nil, err
		}
	}
	if p.LocalID != "" {
		localID = p.LocalID
	}

	r := &Relay{
		RelayURL:      strings.TrimRight(p.RelayURL, "/"),
		LocalID:       localID,
		PeerID:        p.PeerID,
		Token:         p.Token,
		PrivateKey:    kp.Private,
		PublicKey:     kp.Public,
		PeerPublicKey: peerKey,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks that every field is present and the relay URL is a
// websocket or http URL.
func (r *Relay) Validate() error {
	var zero [crypto.KeySize]byte
	switch {
	case r.RelayURL == "":
		return fmt.Errorf("%w: relay URL is required", ErrInvalidRelayIdentity)
	case r.LocalID == "":
		return fmt.Errorf("%w: local ID is required", ErrInvalidRelayIdentity)
	case r.PeerID == "":
		return fmt.Errorf("%w: peer ID is required", ErrInvalidRelayIdentity)
	case r.Token == "":
		return fmt.Errorf("%w: token is required", ErrInvalidRelayIdentity)
	case r.PrivateKey == zero || r.PublicKey == zero:
		return fmt.Errorf("%w: local key pair is required", ErrInvalidRelayIdentity)
	case r.PeerPublicKey == zero:
		return fmt.Errorf("%w: peer public key is required", ErrInvalidRelayIdentity)
	}

	u, err := url.Parse(r.RelayURL)
	if err != nil {
		return fmt.Errorf("%w: relay URL: %v", ErrInvalidRelayIdentity, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("%w: unsupported relay URL scheme %q", ErrInvalidRelayIdentity, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: relay URL has no host", ErrInvalidRelayIdentity)
	}
	return nil
}

// SharedKey derives the end-to-end key for this identity. It is computed
// fresh for each session.
func (r *Relay) SharedKey() (crypto.SharedKey, error) {
	return crypto.DeriveSharedKey(r.PrivateKey, r.PeerPublicKey)
}

// PeerFingerprint returns the fingerprint of the peer public key.
func (r *Relay) PeerFingerprint() string {
	return crypto.Fingerprint(r.PeerPublicKey)
}

// LocalFingerprint returns the fingerprint of our public key.
func (r *Relay) LocalFingerprint() string {
	return crypto.Fingerprint(r.PublicKey)
}

// relayRecord is the stored form of Relay. Keys are base64.
type relayRecord struct {
	RelayURL      string `json:"relay_url"`
	LocalID       string `json:"local_id"`
	PeerID        string `json:"peer_id"`
	Token         string `json:"token"`
	PrivateKey    string `json:"private_key"`
	PublicKey     string `json:"public_key"`
	PeerPublicKey string `json:"peer_public_key"`
}

// LoadRelay reads the relay identity from kv.
func LoadRelay(kv store.KV) (*Relay, error) {
	data, err := kv.Get(RelayKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoRelayIdentity
	}
	if err != nil {
		return nil, fmt.Errorf("read relay identity: %w", err)
	}

	var rec relayRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode relay identity: %w", err)
	}

	r := &Relay{
		RelayURL: rec.RelayURL,
		LocalID:  rec.LocalID,
		PeerID:   rec.PeerID,
		Token:    rec.Token,
	}
	if r.PrivateKey, err = crypto.DecodeKey(rec.PrivateKey); err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	if r.PublicKey, err = crypto.DecodeKey(rec.PublicKey); err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	if r.PeerPublicKey, err = crypto.DecodeKey(rec.PeerPublicKey); err != nil {
		return nil, fmt.Errorf("peer public key: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// SaveRelay writes r to kv.
func SaveRelay(kv store.KV, r *Relay) error {
	if err := r.Validate(); err != nil {
		return err
	}
	rec := relayRecord{
		RelayURL:      r.RelayURL,
		LocalID:       r.LocalID,
		PeerID:        r.PeerID,
		Token:         r.Token,
		PrivateKey:    crypto.EncodeKey(r.PrivateKey),
		PublicKey:     crypto.EncodeKey(r.PublicKey),
		PeerPublicKey: crypto.EncodeKey(r.PeerPublicKey),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode relay identity: %w", err)
	}
	if err := kv.Set(RelayKey, data); err != nil {
		return fmt.Errorf("write relay identity: %w", err)
	}
	return nil
}

// ClearRelay removes the relay identity from kv.
func ClearRelay(kv store.KV) error {
	if err := kv.Delete(RelayKey); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete relay identity: %w", err)
	}
	return nil
}

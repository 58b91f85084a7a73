// Package identity provides device identifiers and the relay identity.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/postalsys/pairlink/internal/store"
)

const (
	// IDSize is the size of a DeviceID in bytes (128 bits)
	IDSize = 16

	// DeviceIDKey is the store key holding this device's id.
	DeviceIDKey = "pairlink.device_id"
)

var (
	// ErrInvalidID is returned when a device id string is malformed
	ErrInvalidID = errors.New("invalid device ID")

	// ZeroID represents an uninitialized device ID
	ZeroID = DeviceID{}
)

// DeviceID is a random 128-bit identifier for this device. It is created
// once and kept in the secure store.
type DeviceID [IDSize]byte

// NewDeviceID generates a new random DeviceID.
func NewDeviceID() (DeviceID, error) {
	var id DeviceID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return ZeroID, fmt.Errorf("generate device ID: %w", err)
	}
	return id, nil
}

// ParseDeviceID parses a DeviceID from its hex form.
func ParseDeviceID(s string) (DeviceID, error) {
	s = strings.TrimSpace(s)
	if len(s) != IDSize*2 {
		return ZeroID, fmt.Errorf("%w: got %d hex chars, expected %d", ErrInvalidID, len(s), IDSize*2)
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroID, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}

	var id DeviceID
	copy(id[:], b)
	return id, nil
}

// String returns the full hex representation.
func (id DeviceID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns the first 8 hex chars, for logs.
func (id DeviceID) ShortString() string {
	return hex.EncodeToString(id[:4])
}

// IsZero reports whether the id is uninitialized.
func (id DeviceID) IsZero() bool {
	return id == ZeroID
}

// MarshalText implements encoding.TextMarshaler.
func (id DeviceID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *DeviceID) UnmarshalText(text []byte) error {
	parsed, err := ParseDeviceID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// LoadDeviceID reads the device id from kv.
func LoadDeviceID(kv store.KV) (DeviceID, error) {
	data, err := kv.Get(DeviceIDKey)
	if err != nil {
		return ZeroID, err
	}
	return ParseDeviceID(string(data))
}

// LoadOrCreateDeviceID returns the stored device id, creating and storing a
// new one when none exists. The bool reports whether it was created.
func LoadOrCreateDeviceID(kv store.KV) (DeviceID, bool, error) {
	id, err := LoadDeviceID(kv)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return ZeroID, false, fmt.Errorf("read device ID: %w", err)
	}

	id, err = NewDeviceID()
	if err != nil {
		return ZeroID, false, err
	}
	if err := kv.Set(DeviceIDKey, []byte(id.String())); err != nil {
		return ZeroID, false, fmt.Errorf("store device ID: %w", err)
	}
	return id, true, nil
}

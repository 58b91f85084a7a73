package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/postalsys/pairlink/internal/signing"
	"github.com/postalsys/pairlink/internal/store"
)

// CredentialKey is the store key holding the paired credential.
const CredentialKey = "pairlink.direct.credential"

// ErrNoCredential is returned when no paired credential exists.
var ErrNoCredential = errors.New("no paired credential")

// Credential is the direct-mode pairing result.
type Credential struct {
	DeviceID string           `json:"device_id"`
	Token    string           `json:"token"`
	PairedAt time.Time        `json:"paired_at"`
	Endpoint signing.Endpoint `json:"endpoint"`
}

// LoadCredential reads the credential from kv.
func LoadCredential(kv store.KV) (*Credential, error) {
	data, err := kv.Get(CredentialKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, fmt.Errorf("read credential: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	if cred.Token == "" {
		return nil, ErrNoCredential
	}
	return &cred, nil
}

// SaveCredential writes cred to kv.
func SaveCredential(kv store.KV, cred Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	if err := kv.Set(CredentialKey, data); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	return nil
}

// ClearCredential removes the credential from kv.
func ClearCredential(kv store.KV) error {
	if err := kv.Delete(CredentialKey); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

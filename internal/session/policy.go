// Package session tracks the direct-mode pairing credential: how old it is,
// when it must be refreshed, and when it is no longer usable.
//
// Relay identities are not governed by this package. The relay token is
// long-lived and never expires on the client side.
package session

import (
	"time"
)

const (
	// DefaultTimeout is how long a paired credential stays usable.
	DefaultTimeout = 15 * time.Minute

	// DefaultRefreshThreshold is how long before expiry a refresh becomes due.
	DefaultRefreshThreshold = 5 * time.Minute
)

// Policy holds the session window parameters.
type Policy struct {
	Timeout          time.Duration
	RefreshThreshold time.Duration
}

// DefaultPolicy returns the 15 minute timeout with a 5 minute refresh window.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:          DefaultTimeout,
		RefreshThreshold: DefaultRefreshThreshold,
	}
}

// IsExpired reports whether a credential paired at pairedAt is unusable at now.
func (p Policy) IsExpired(pairedAt, now time.Time) bool {
	return now.Sub(pairedAt) >= p.Timeout
}

// NeedsRefresh reports whether a credential paired at pairedAt is inside the
// refresh window at now. An expired credential does not need refresh; it
// needs re-pairing.
func (p Policy) NeedsRefresh(pairedAt, now time.Time) bool {
	elapsed := now.Sub(pairedAt)
	return elapsed >= p.Timeout-p.RefreshThreshold && elapsed < p.Timeout
}

// ExpiresAt returns the instant the credential stops being usable.
func (p Policy) ExpiresAt(pairedAt time.Time) time.Time {
	return pairedAt.Add(p.Timeout)
}

// IsSessionExpired applies DefaultPolicy.
func IsSessionExpired(pairedAt, now time.Time) bool {
	return DefaultPolicy().IsExpired(pairedAt, now)
}

// NeedsRefresh applies DefaultPolicy.
func NeedsRefresh(pairedAt, now time.Time) bool {
	return DefaultPolicy().NeedsRefresh(pairedAt, now)
}

// Validity is the outcome of CheckValidity.
type Validity struct {
	Valid        bool
	NeedsRefresh bool
}

// CheckValidity evaluates cred at now. A nil credential is invalid.
func (p Policy) CheckValidity(cred *Credential, now time.Time) Validity {
	if cred == nil || cred.Token == "" {
		return Validity{}
	}
	if p.IsExpired(cred.PairedAt, now) {
		return Validity{}
	}
	return Validity{
		Valid:        true,
		NeedsRefresh: p.NeedsRefresh(cred.PairedAt, now),
	}
}

package crypto

import (
	"errors"
	"sync"
)

// ErrReplayedEnvelope is returned when an envelope nonce was already seen.
var ErrReplayedEnvelope = errors.New("replayed envelope")

// DefaultReplayWindow is the number of recent nonces remembered.
const DefaultReplayWindow = 4096

// ReplayGuard remembers the most recent envelope nonces and rejects
// duplicates. Nonces are random, so a repeat within the window means the
// envelope was replayed. It is safe for concurrent use.
type ReplayGuard struct {
	mu     sync.Mutex
	seen   map[[NonceSize]byte]struct{}
	ring   [][NonceSize]byte
	next   int
	filled bool
}

// NewReplayGuard creates a guard remembering window nonces.
func NewReplayGuard(window int) *ReplayGuard {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	return &ReplayGuard{
		seen: make(map[[NonceSize]byte]struct{}, window),
		ring: make([][NonceSize]byte, window),
	}
}

// Check records env's nonce, returning ErrReplayedEnvelope if it was
// already recorded. Call it only after the envelope authenticated, so that
// forged envelopes cannot evict genuine nonces.
func (g *ReplayGuard) Check(env *Envelope) error {
	if env == nil || len(env.Nonce) != NonceSize {
		return ErrMalformedEnvelope
	}
	var n [NonceSize]byte
	copy(n[:], env.Nonce)

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, dup := g.seen[n]; dup {
		return ErrReplayedEnvelope
	}

	if g.filled {
		delete(g.seen, g.ring[g.next])
	}
	g.ring[g.next] = n
	g.seen[n] = struct{}{}
	g.next++
	if g.next == len(g.ring) {
		g.next = 0
		g.filled = true
	}
	return nil
}

// Reset forgets every recorded nonce. Call it when the shared key changes.
func (g *ReplayGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.seen = make(map[[NonceSize]byte]struct{}, len(g.ring))
	g.next = 0
	g.filled = false
}

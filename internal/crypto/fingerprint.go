package crypto

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// Fingerprint returns a short human-comparable digest of a public key,
// formatted as eight groups of four hex digits. Both devices display it
// during relay pairing so the user can confirm the keys match.
func Fingerprint(publicKey [KeySize]byte) string {
	sum := blake3.Sum256(publicKey[:])
	h := hex.EncodeToString(sum[:16])

	groups := make([]string, 0, len(h)/4)
	for i := 0; i < len(h); i += 4 {
		groups = append(groups, h[i:i+4])
	}
	return strings.Join(groups, " ")
}

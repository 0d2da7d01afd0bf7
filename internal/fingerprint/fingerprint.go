// Package fingerprint derives the identity key that partitions
// rate-limit and dedupe state. The key is not a precise visitor
// identity; it only has to be deterministic and stable across
// restarts so shared state survives deploys.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Key hashes (link ID, IP, device class, browser family) into a stable
// hex digest. Inputs are lowercased so classifier casing changes never
// split a visitor's state.
func Key(linkID, ip, deviceClass, browserFamily string) string {
	h := sha256.New()
	for _, part := range []string{linkID, ip, deviceClass, browserFamily} {
		h.Write([]byte(strings.ToLower(part)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

package keys

import "crypto/sha256"

// SHA256 returns the raw SHA-256 digest of data, used both for event content
// hashes and for reference hashes that double as v2+ event IDs.
func SHA256(data []byte) [sha256.Size]byte {
	return sha256.Sum256(data)
}

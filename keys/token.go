package keys

import "crypto/sha256"

// HashToken returns the unpadded base64url encoding of the SHA-256 digest of
// an opaque bearer token, the form in which access and refresh tokens are
// persisted so a leaked database dump doesn't also leak live credentials.
func HashToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return Base64URLSafeNoPad(digest[:])
}

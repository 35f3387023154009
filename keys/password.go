package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	passwordSaltSize   = 16
	passwordIterations = 100_000
	passwordKeyLength  = 32
	passwordHashPrefix = "$pbkdf2-sha256$"
)

// HashPassword derives a salted PBKDF2-SHA256 digest of a password and
// returns it as a self-describing string of the form
// "$pbkdf2-sha256$<iterations>$<salt_b64>$<hash_b64>", so the algorithm and
// iteration count travel with the hash and can change without breaking
// VerifyPassword on rows hashed under older parameters.
func HashPassword(password string) (string, error) {
	salt := make([]byte, passwordSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("keys: failed to generate salt: %w", err)
	}
	digest := pbkdf2.Key([]byte(password), salt, passwordIterations, passwordKeyLength, sha256.New)
	return fmt.Sprintf("%s%d$%s$%s", passwordHashPrefix, passwordIterations, Base64URLSafe(salt), Base64URLSafe(digest)), nil
}

// VerifyPassword checks a password against a hash produced by HashPassword,
// in constant time with respect to the digest comparison.
func VerifyPassword(password string, stored string) bool {
	if !strings.HasPrefix(stored, passwordHashPrefix) {
		return false
	}
	parts := strings.Split(strings.TrimPrefix(stored, passwordHashPrefix), "$")
	if len(parts) != 3 {
		return false
	}
	iterations, err := strconv.Atoi(parts[0])
	if err != nil || iterations <= 0 {
		return false
	}
	salt, err := DecodeBase64(parts[1])
	if err != nil {
		return false
	}
	want, err := DecodeBase64(parts[2])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(password), salt, iterations, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

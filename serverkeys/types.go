// Package serverkeys implements the federation key store: verifying,
// caching and serving Ed25519 signing keys published by other homeservers
// at /_matrix/key/v2/server, per https://spec.matrix.org/latest/server-server-api/#retrieving-server-keys.
package serverkeys

import (
	"fmt"
	"strings"
	"time"

	"github.com/matrixcore/hscore/keys"
	"github.com/matrixcore/hscore/spec"
)

// VerifyKey is a single Ed25519 public key as published in a key response.
type VerifyKey struct {
	Key spec.Base64Bytes `json:"key"`
}

// OldVerifyKey is a key that a server has stopped using, kept around only so
// that old events it signed can still be verified.
type OldVerifyKey struct {
	VerifyKey
	ExpiredTS spec.Timestamp `json:"expired_ts"`
}

// ServerKeys is the parsed form of a /_matrix/key/v2/server response.
type ServerKeys struct {
	ServerName    spec.ServerName         `json:"server_name"`
	ValidUntilTS  spec.Timestamp          `json:"valid_until_ts"`
	VerifyKeys    map[keys.KeyID]VerifyKey    `json:"verify_keys"`
	OldVerifyKeys map[keys.KeyID]OldVerifyKey `json:"old_verify_keys"`
	// Raw holds the exact bytes the server returned, since that's what
	// carries the self-signature we need to verify.
	Raw []byte `json:"-"`
}

// PublicKeyNotExpired is the sentinel ExpiredTS value for a key that is
// still in use for event signing.
const PublicKeyNotExpired = spec.Timestamp(0)

// PublicKeyNotValid is the sentinel ValidUntilTS value used when a key's
// validity period is unknown (only expected for old keys).
const PublicKeyNotValid = spec.Timestamp(0)

// A PublicKeyLookupRequest names a single (server, key ID) pair to resolve.
type PublicKeyLookupRequest struct {
	ServerName spec.ServerName `json:"server_name"`
	KeyID      keys.KeyID      `json:"key_id"`
}

// MarshalText lets a PublicKeyLookupRequest be used as a map key in JSON.
func (r PublicKeyLookupRequest) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%s/%s", r.ServerName, r.KeyID)), nil
}

// UnmarshalText is the inverse of MarshalText.
func (r *PublicKeyLookupRequest) UnmarshalText(text []byte) error {
	parts := strings.SplitN(string(text), "/", 2)
	if len(parts) < 2 {
		return fmt.Errorf("serverkeys: expected a '/' separator in %q", text)
	}
	r.ServerName, r.KeyID = spec.ServerName(parts[0]), keys.KeyID(parts[1])
	return nil
}

// PublicKeyLookupResult is a resolved key, together with the period for
// which it is good for verifying event signatures.
type PublicKeyLookupResult struct {
	VerifyKey
	ExpiredTS    spec.Timestamp `json:"expired_ts"`
	ValidUntilTS spec.Timestamp `json:"valid_until_ts"`
}

// WasValidAt reports whether this key could have signed something at atTS.
func (r PublicKeyLookupResult) WasValidAt(atTS spec.Timestamp, strictValidityChecking bool) bool {
	if r.ExpiredTS != PublicKeyNotExpired {
		return atTS < r.ExpiredTS
	}
	if strictValidityChecking {
		if r.ValidUntilTS == PublicKeyNotValid {
			return false
		}
		// Servers MUST use the lesser of valid_until_ts and 7 days into the
		// future when deciding whether a key is still valid.
		sevenDaysFuture := time.Now().Add(time.Hour * 24 * 7)
		validUntil := r.ValidUntilTS.Time()
		if validUntil.After(sevenDaysFuture) {
			validUntil = sevenDaysFuture
		}
		if atTS.Time().After(validUntil) {
			return false
		}
	}
	return true
}

func mapServerKeysToLookupResults(sk ServerKeys, into map[PublicKeyLookupRequest]PublicKeyLookupResult) {
	for keyID, key := range sk.VerifyKeys {
		into[PublicKeyLookupRequest{ServerName: sk.ServerName, KeyID: keyID}] = PublicKeyLookupResult{
			VerifyKey:    key,
			ValidUntilTS: sk.ValidUntilTS,
			ExpiredTS:    PublicKeyNotExpired,
		}
	}
	for keyID, key := range sk.OldVerifyKeys {
		into[PublicKeyLookupRequest{ServerName: sk.ServerName, KeyID: keyID}] = PublicKeyLookupResult{
			VerifyKey:    key.VerifyKey,
			ValidUntilTS: PublicKeyNotValid,
			ExpiredTS:    key.ExpiredTS,
		}
	}
}

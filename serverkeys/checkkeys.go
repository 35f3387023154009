package serverkeys

import (
	"strings"
	"time"

	"golang.org/x/crypto/ed25519"

	"github.com/matrixcore/hscore/keys"
	"github.com/matrixcore/hscore/spec"
)

// KeyChecks records the outcome of validating a ServerKeys response.
type KeyChecks struct {
	AllChecksOK        bool
	MatchingSignature  bool
	FutureValidUntilTS bool
	HasEd25519Key      bool
}

// CheckKeys validates a /_matrix/key/v2/server response: that it names the
// server we asked, that it is self-signed by at least one of the Ed25519
// keys it advertises, and
// that it claims to be valid for some time after now.
func CheckKeys(serverName spec.ServerName, now time.Time, sk ServerKeys) (KeyChecks, error) {
	var checks KeyChecks

	if sk.ServerName != serverName {
		return checks, nil
	}

	checks.FutureValidUntilTS = sk.ValidUntilTS.Time().After(now)

	for keyID, vk := range sk.VerifyKeys {
		if !strings.HasPrefix(string(keyID), "ed25519:") {
			continue
		}
		checks.HasEd25519Key = true
		if err := keys.VerifyJSON(string(sk.ServerName), keyID, ed25519.PublicKey(vk.Key), sk.Raw); err == nil {
			checks.MatchingSignature = true
		}
	}

	checks.AllChecksOK = checks.HasEd25519Key && checks.MatchingSignature && checks.FutureValidUntilTS
	return checks, nil
}

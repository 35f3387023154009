package serverkeys

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/matrixcore/hscore/keys"
	"github.com/matrixcore/hscore/spec"
)

func mustSelfSignedKeys(t *testing.T, serverName spec.ServerName, keyID keys.KeyID, validFor time.Duration) ServerKeys {
	t.Helper()

	var seed spec.Base64Bytes
	if err := seed.Decode("QJvXAPj0D9MUb1exkD8pIWmCvT1xajlsB8jRYz/G5HE"); err != nil {
		t.Fatal(err)
	}
	kp, err := keys.KeyPairFromSeed(keyID, seed)
	if err != nil {
		t.Fatal(err)
	}

	sk := ServerKeys{
		ServerName:   serverName,
		ValidUntilTS: spec.AsTimestamp(time.Now().Add(validFor)),
		VerifyKeys: map[keys.KeyID]VerifyKey{
			keyID: {Key: spec.Base64Bytes(kp.PublicKey())},
		},
	}
	unsigned, err := json.Marshal(sk)
	if err != nil {
		t.Fatal(err)
	}
	signed, err := keys.SignJSON(string(serverName), keyID, kp.PrivateKey, unsigned)
	if err != nil {
		t.Fatal(err)
	}
	sk.Raw = signed
	return sk
}

func TestCheckKeysSelfSigned(t *testing.T) {
	sk := mustSelfSignedKeys(t, "localhost:8800", "ed25519:1", time.Hour)

	checks, err := CheckKeys("localhost:8800", time.Now(), sk)
	if err != nil {
		t.Fatal(err)
	}
	if !checks.AllChecksOK {
		t.Fatalf("expected all checks ok, got %#v", checks)
	}
}

func TestCheckKeysWrongServerName(t *testing.T) {
	sk := mustSelfSignedKeys(t, "localhost:8800", "ed25519:1", time.Hour)

	checks, err := CheckKeys("example.com", time.Now(), sk)
	if err != nil {
		t.Fatal(err)
	}
	if checks.AllChecksOK {
		t.Fatal("expected checks to fail for mismatched server name")
	}
}

func TestCheckKeysExpiredValidity(t *testing.T) {
	sk := mustSelfSignedKeys(t, "localhost:8800", "ed25519:1", -time.Hour)

	checks, err := CheckKeys("localhost:8800", time.Now(), sk)
	if err != nil {
		t.Fatal(err)
	}
	if checks.AllChecksOK {
		t.Fatal("expected checks to fail for an expired valid_until_ts")
	}
	if !checks.MatchingSignature || !checks.HasEd25519Key {
		t.Fatalf("expected signature and key checks still to pass, got %#v", checks)
	}
}

package keys

import (
	"strings"
	"testing"
)

func TestSignAndVerifyJSON(t *testing.T) {
	kp, err := KeyPairFromSeed("ed25519:test", make([]byte, 32))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	message := []byte(`{"hello":"world"}`)
	signed, err := SignJSON("example.org", kp.KeyID, kp.PrivateKey, message)
	if err != nil {
		t.Fatalf("SignJSON: %v", err)
	}

	if err = VerifyJSON("example.org", kp.KeyID, kp.PublicKey(), signed); err != nil {
		t.Fatalf("VerifyJSON: %v", err)
	}

	keyIDs, err := ListKeyIDs("example.org", signed)
	if err != nil {
		t.Fatalf("ListKeyIDs: %v", err)
	}
	if len(keyIDs) != 1 || keyIDs[0] != kp.KeyID {
		t.Fatalf("ListKeyIDs = %v, want [%v]", keyIDs, kp.KeyID)
	}
}

func TestVerifyJSONRejectsTamperedContent(t *testing.T) {
	kp, err := KeyPairFromSeed("ed25519:test", make([]byte, 32))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	signed, err := SignJSON("example.org", kp.KeyID, kp.PrivateKey, []byte(`{"hello":"world"}`))
	if err != nil {
		t.Fatalf("SignJSON: %v", err)
	}
	tampered := []byte(`{"hello":"world!","signatures":` + extractSignatures(t, signed) + `}`)
	if err = VerifyJSON("example.org", kp.KeyID, kp.PublicKey(), tampered); err == nil {
		t.Fatalf("expected verification of tampered content to fail")
	}
}

func extractSignatures(t *testing.T, signed []byte) string {
	t.Helper()
	const marker = `"signatures":`
	idx := indexOf(string(signed), marker)
	if idx < 0 {
		t.Fatalf("signed JSON missing signatures key: %s", signed)
	}
	return string(signed)[idx+len(marker) : len(signed)-1]
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestHashPasswordRoundTrip(t *testing.T) {
	hashed, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(hashed, "$pbkdf2-sha256$100000$") {
		t.Fatalf("HashPassword = %q, want $pbkdf2-sha256$100000$... prefix", hashed)
	}
	if !VerifyPassword("correct horse battery staple", hashed) {
		t.Fatalf("VerifyPassword rejected the correct password")
	}
	if VerifyPassword("wrong password", hashed) {
		t.Fatalf("VerifyPassword accepted the wrong password")
	}
}

func TestRandomStringLength(t *testing.T) {
	s := RandomString(32)
	if len(s) != 32 {
		t.Fatalf("RandomString(32) has length %d", len(s))
	}
}

func TestHashToken(t *testing.T) {
	// sha256("abc") base64url-encoded without padding, per a known test vector.
	got := HashToken("abc")
	want := "ungWv48Bz-pBQUDeXa4iI7ADYaOWF3qctBD_YfIAFa0"
	if got != want {
		t.Fatalf("HashToken(\"abc\") = %q, want %q", got, want)
	}
}

package config

import (
	"strings"
	"testing"

	"github.com/matrixcore/hscore/keys"
)

func TestLoad(t *testing.T) {
	doc := "server_name: example.org\nkey_id: ed25519:a_1\nkey_path: /etc/matrix/signing.key\n"
	g, err := Load(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if g.ServerName != "example.org" {
		t.Fatalf("ServerName = %q, want example.org", g.ServerName)
	}
	if g.KeyID != "ed25519:a_1" {
		t.Fatalf("KeyID = %q, want ed25519:a_1", g.KeyID)
	}
}

func TestLoadRequiresServerName(t *testing.T) {
	if _, err := Load(strings.NewReader("key_id: ed25519:a_1\n")); err == nil {
		t.Fatal("expected an error when server_name is missing")
	}
}

func TestLoadSigningKeyFile(t *testing.T) {
	seed := strings.Repeat("A", 43) + "="
	doc := "# a comment\n\na_1 ed25519 " + seed + "\n"
	pairs, err := LoadSigningKeyFile(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadSigningKeyFile: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("got %d key pairs, want 1", len(pairs))
	}
	if pairs[0].KeyID != keys.KeyID("ed25519:a_1") {
		t.Fatalf("KeyID = %q, want ed25519:a_1", pairs[0].KeyID)
	}
}

func TestLoadSigningKeyFileRejectsUnknownAlgorithm(t *testing.T) {
	doc := "a_1 rsa deadbeef\n"
	if _, err := LoadSigningKeyFile(strings.NewReader(doc)); err == nil {
		t.Fatal("expected an error for an unsupported algorithm")
	}
}

func TestLoadSigningKeyFileRejectsMalformedLine(t *testing.T) {
	doc := "not enough fields\n"
	if _, err := LoadSigningKeyFile(strings.NewReader(doc)); err == nil {
		t.Fatal("expected an error for a malformed line")
	}
}

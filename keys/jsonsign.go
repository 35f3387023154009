package keys

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/ed25519"

	"github.com/tidwall/sjson"

	"github.com/matrixcore/hscore/canonicaljson"
)

// SignJSON adds an Ed25519 signature under signatures.<signingName>.<keyID>
// to a JSON object, after stripping any "signatures" and "unsigned" keys and
// canonicalising what's left. It returns the whole object, not just the
// signature, so it composes with objects that already carry other servers'
// signatures.
func SignJSON(signingName string, keyID KeyID, privateKey ed25519.PrivateKey, message []byte) ([]byte, error) {
	signable, err := unsignedCanonicalJSON(message)
	if err != nil {
		return nil, err
	}
	signature := ed25519.Sign(privateKey, signable)
	encoded := Base64URLSafe(signature)

	var withSig []byte
	if withSig, err = sjson.SetRawBytes(message, signaturePath(signingName, keyID), []byte(`"`+encoded+`"`)); err != nil {
		return nil, fmt.Errorf("keys: failed to attach signature: %w", err)
	}
	return withSig, nil
}

// VerifyJSON checks a named signer's signature over a JSON object.
func VerifyJSON(signingName string, keyID KeyID, publicKey ed25519.PublicKey, message []byte) error {
	signable, err := unsignedCanonicalJSON(message)
	if err != nil {
		return err
	}
	var signatures map[string]map[string]string
	if err = json.Unmarshal(message, &struct {
		Signatures *map[string]map[string]string `json:"signatures"`
	}{&signatures}); err != nil {
		return fmt.Errorf("keys: invalid signatures block: %w", err)
	}
	sigB64, ok := signatures[signingName][string(keyID)]
	if !ok {
		return fmt.Errorf("keys: no signature from %q with key %q", signingName, keyID)
	}
	sig, err := DecodeBase64(sigB64)
	if err != nil {
		return fmt.Errorf("keys: malformed signature: %w", err)
	}
	if !ed25519.Verify(publicKey, signable, sig) {
		return fmt.Errorf("keys: signature verification failed for %q key %q", signingName, keyID)
	}
	return nil
}

// ListKeyIDs returns the IDs of the keys a named entity has signed a JSON
// object with, without verifying any of them.
func ListKeyIDs(signingName string, message []byte) ([]KeyID, error) {
	var parsed struct {
		Signatures map[string]map[string]string `json:"signatures"`
	}
	if err := json.Unmarshal(message, &parsed); err != nil {
		return nil, fmt.Errorf("keys: invalid JSON: %w", err)
	}
	keyIDs := make([]KeyID, 0, len(parsed.Signatures[signingName]))
	for keyID := range parsed.Signatures[signingName] {
		keyIDs = append(keyIDs, KeyID(keyID))
	}
	return keyIDs, nil
}

func unsignedCanonicalJSON(message []byte) ([]byte, error) {
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(message, &asMap); err != nil {
		return nil, fmt.Errorf("keys: invalid JSON: %w", err)
	}
	delete(asMap, "signatures")
	delete(asMap, "unsigned")
	stripped, err := json.Marshal(asMap)
	if err != nil {
		return nil, err
	}
	return canonicaljson.CanonicalJSON(stripped)
}

func signaturePath(signingName string, keyID KeyID) string {
	escape := func(s string) string {
		s = strings.ReplaceAll(s, ".", `\.`)
		return strings.ReplaceAll(s, "*", `\*`)
	}
	return "signatures." + escape(signingName) + "." + escape(string(keyID))
}

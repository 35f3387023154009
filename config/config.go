// Package config loads the server identity a homeserver core is constructed
// with: its server name and the Ed25519 signing keys it uses for federation
// traffic. Nothing in hscore itself reads this package; it exists for the
// collaborator that wires a Config into serverkeys/fclient/event signing.
package config

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/matrixcore/hscore/keys"
	"github.com/matrixcore/hscore/spec"
)

// Global is the server-identity portion of a homeserver's configuration,
// the part every package in this module ultimately needs: who we are, and
// which key we currently sign with.
type Global struct {
	ServerName spec.ServerName `yaml:"server_name"`

	// KeyID is the key ID of the active signing key, e.g. "ed25519:a_1".
	// The corresponding private key is loaded separately from KeyPath,
	// following Synapse/Dendrite's practice of keeping private key
	// material out of the YAML document itself.
	KeyID keys.KeyID `yaml:"key_id"`

	// KeyPath is the path to a signing key file in the
	// "<key_id> ed25519 <base64 private key>" line format shared by
	// Synapse and Dendrite.
	KeyPath string `yaml:"key_path"`

	// OldVerifyKeys lists keys this server used to sign with, kept around
	// so other servers can still verify historical events. The value is
	// the base64-encoded public key.
	OldVerifyKeys map[keys.KeyID]string `yaml:"old_verify_keys"`
}

// Load parses a YAML document into a Global config. It does not load the
// signing key itself; call LoadSigningKeyFile separately once KeyPath is
// known.
func Load(r io.Reader) (*Global, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read config: %w", err)
	}
	var g Global
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("config: failed to parse config: %w", err)
	}
	if g.ServerName == "" {
		return nil, fmt.Errorf("config: server_name is required")
	}
	return &g, nil
}

// LoadFile opens path and parses it with Load.
func LoadFile(path string) (*Global, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// LoadSigningKeyFile parses a signing key file in the
// "<key_id> ed25519 <base64 private key>" line format Synapse and Dendrite
// use, returning every key pair found. Blank lines and lines starting with
// "#" are ignored, matching Synapse's own parser.
func LoadSigningKeyFile(r io.Reader) ([]keys.KeyPair, error) {
	var pairs []keys.KeyPair
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("config: signing key file line %d: expected 3 fields, got %d", lineNo, len(fields))
		}
		keyID, algorithm, encoded := fields[0], fields[1], fields[2]
		if algorithm != "ed25519" {
			return nil, fmt.Errorf("config: signing key file line %d: unsupported algorithm %q", lineNo, algorithm)
		}
		seed, err := base64.RawStdEncoding.DecodeString(encoded)
		if err != nil {
			// Synapse also accepts standard padded base64 for this field.
			seed, err = base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return nil, fmt.Errorf("config: signing key file line %d: invalid base64 private key: %w", lineNo, err)
			}
		}
		pair, err := keys.KeyPairFromSeed(keys.KeyID("ed25519:"+keyID), seed)
		if err != nil {
			return nil, fmt.Errorf("config: signing key file line %d: %w", lineNo, err)
		}
		pairs = append(pairs, pair)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed to read signing key file: %w", err)
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("config: signing key file contains no keys")
	}
	return pairs, nil
}

// LoadSigningKeyFilePath opens path and parses it with LoadSigningKeyFile.
func LoadSigningKeyFilePath(path string) ([]keys.KeyPair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to open signing key file %s: %w", path, err)
	}
	defer f.Close()
	return LoadSigningKeyFile(f)
}

// ActiveKeyPair loads g.KeyPath and returns the pair matching g.KeyID. If
// g.KeyID is empty the first key pair found in the file is used, matching
// Synapse's behaviour when signing.key holds a single key.
func (g *Global) ActiveKeyPair() (keys.KeyPair, error) {
	pairs, err := LoadSigningKeyFilePath(g.KeyPath)
	if err != nil {
		return keys.KeyPair{}, err
	}
	if g.KeyID == "" {
		return pairs[0], nil
	}
	for _, pair := range pairs {
		if pair.KeyID == g.KeyID {
			return pair, nil
		}
	}
	return keys.KeyPair{}, fmt.Errorf("config: key ID %q not found in %s", g.KeyID, g.KeyPath)
}

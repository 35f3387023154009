package serverkeys

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/crypto/ed25519"

	"github.com/matrixcore/hscore/keys"
	"github.com/matrixcore/hscore/spec"
)

// A PerspectiveKeyFetcher fetches server keys from a single notary server,
// trusting its response only when it is self-signed with a key we already
// know belongs to that notary.
type PerspectiveKeyFetcher struct {
	// PerspectiveServerName is the notary server to ask.
	PerspectiveServerName spec.ServerName
	// PerspectiveServerKeys are the Ed25519 keys the notary must sign with.
	PerspectiveServerKeys map[keys.KeyID]ed25519.PublicKey
	// Client fetches the raw key responses over the wire.
	Client KeyClient
}

// FetcherName implements KeyFetcher.
func (p *PerspectiveKeyFetcher) FetcherName() string {
	return fmt.Sprintf("perspective server %s", p.PerspectiveServerName)
}

// FetchKeys implements KeyFetcher.
func (p *PerspectiveKeyFetcher) FetchKeys(
	ctx context.Context, requests map[PublicKeyLookupRequest]spec.Timestamp,
) (map[PublicKeyLookupRequest]PublicKeyLookupResult, error) {
	serverKeys, err := p.Client.LookupServerKeys(ctx, p.PerspectiveServerName, requests)
	if err != nil {
		return nil, fmt.Errorf("serverkeys: unable to look up server keys via notary: %w", err)
	}

	results := map[PublicKeyLookupRequest]PublicKeyLookupResult{}

	for _, sk := range serverKeys {
		var valid bool
		keyIDs, err := keys.ListKeyIDs(string(p.PerspectiveServerName), sk.Raw)
		if err != nil {
			return nil, fmt.Errorf("serverkeys: corrupted notary response: %w", err)
		}
		for _, keyID := range keyIDs {
			perspectiveKey, ok := p.PerspectiveServerKeys[keyID]
			if !ok {
				continue
			}
			if err := keys.VerifyJSON(string(p.PerspectiveServerName), keyID, perspectiveKey, sk.Raw); err != nil {
				sentry.CaptureException(fmt.Errorf("serverkeys: notary %q returned a badly self-signed response: %w", p.PerspectiveServerName, err))
				return nil, fmt.Errorf("serverkeys: notary response failed self-signature check: %w", err)
			}
			valid = true
			break
		}
		if !valid {
			// We don't have a known signature from the notary, which most likely
			// means it has rotated its keys without us knowing about it yet.
			sentry.CaptureException(fmt.Errorf("serverkeys: notary %q response not signed with a known notary key", p.PerspectiveServerName))
			return nil, fmt.Errorf("serverkeys: notary response not signed with a known notary key")
		}

		checks, _ := CheckKeys(sk.ServerName, time.Unix(0, 0), sk)
		if !checks.AllChecksOK {
			sentry.CaptureException(fmt.Errorf("serverkeys: notary %q gave an invalid response for %q", p.PerspectiveServerName, sk.ServerName))
			return nil, fmt.Errorf("serverkeys: notary response for %q failed checks", sk.ServerName)
		}

		mapServerKeysToLookupResults(sk, results)
	}

	return results, nil
}

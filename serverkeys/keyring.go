package serverkeys

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/util"

	"github.com/matrixcore/hscore/keys"
	"github.com/matrixcore/hscore/spec"
)

var (
	verifyResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hscore",
		Subsystem: "serverkeys",
		Name:      "verify_results_total",
	}, []string{"result"})
	fetcherRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hscore",
		Subsystem: "serverkeys",
		Name:      "fetcher_requests_total",
	}, []string{"fetcher", "result"})
)

func init() {
	prometheus.MustRegister(verifyResults, fetcherRequests)
}

// A KeyFetcher knows how to resolve a batch of public keys, e.g. by asking a
// remote server directly or by asking a notary server to vouch for them.
type KeyFetcher interface {
	FetchKeys(ctx context.Context, requests map[PublicKeyLookupRequest]spec.Timestamp) (map[PublicKeyLookupRequest]PublicKeyLookupResult, error)
	FetcherName() string
}

// A KeyDatabase caches resolved public keys between lookups.
type KeyDatabase interface {
	KeyFetcher
	StoreKeys(ctx context.Context, results map[PublicKeyLookupRequest]PublicKeyLookupResult) error
}

// VerifyJSONRequest asks for a signature on a JSON message to be checked
// against the named server's current keys.
type VerifyJSONRequest struct {
	ServerName             spec.ServerName
	AtTS                   spec.Timestamp
	Message                []byte
	StrictValidityChecking bool
}

// VerifyJSONResult holds the outcome of one VerifyJSONRequest: Error is nil
// on success, or the reason verification failed.
type VerifyJSONResult struct {
	Error error
}

// A JSONVerifier checks signatures on JSON messages, fetching and caching
// keys as needed.
type JSONVerifier interface {
	VerifyJSONs(ctx context.Context, requests []VerifyJSONRequest) ([]VerifyJSONResult, error)
}

// KeyRing resolves and caches signing keys for remote servers, falling back
// through a chain of fetchers (direct lookups, notary servers, ...) and
// persisting whatever it learns in a KeyDatabase.
type KeyRing struct {
	KeyFetchers []KeyFetcher
	KeyDatabase KeyDatabase
}

// VerifyJSONs implements JSONVerifier.
func (k KeyRing) VerifyJSONs(ctx context.Context, requests []VerifyJSONRequest) ([]VerifyJSONResult, error) { // nolint: gocyclo
	logger := util.GetLogger(ctx)
	results := make([]VerifyJSONResult, len(requests))
	defer recordVerifyResults(results)
	keyIDs := make([][]keys.KeyID, len(requests))
	numRequests := len(requests)

	for i := range requests {
		ids, err := keys.ListKeyIDs(string(requests[i].ServerName), requests[i].Message)
		if err != nil {
			results[i].Error = fmt.Errorf("serverkeys: error extracting key IDs: %w", err)
			continue
		}
		for _, keyID := range ids {
			if isAlgorithmSupported(keyID) {
				keyIDs[i] = append(keyIDs[i], keyID)
			}
		}
		if len(keyIDs[i]) == 0 {
			results[i].Error = fmt.Errorf("serverkeys: not signed by %q with a supported algorithm", requests[i].ServerName)
			continue
		}
		results[i].Error = fmt.Errorf("serverkeys: could not download key for %q", requests[i].ServerName)
	}

	keyRequests := k.publicKeyRequests(requests, results, keyIDs)
	if len(keyRequests) == 0 {
		return results, nil
	}

	keysFromDatabase, err := k.KeyDatabase.FetchKeys(ctx, keyRequests)
	if err != nil {
		return nil, err
	}

	keysFetched := map[PublicKeyLookupRequest]PublicKeyLookupResult{}
	now := spec.AsTimestamp(time.Now())
	for req, res := range keysFromDatabase {
		if res.ExpiredTS != PublicKeyNotExpired {
			keysFetched[req] = res
			delete(keyRequests, req)
			continue
		}
		keysFetched[req] = res
		if now < res.ValidUntilTS {
			delete(keyRequests, req)
		}
	}

	if len(keysFetched) == numRequests {
		k.checkUsingKeys(requests, results, keyIDs, keysFetched)
		errored := false
		for _, r := range results {
			if r.Error != nil {
				errored = true
				break
			}
		}
		if !errored {
			return results, nil
		}
	}

	for _, fetcher := range k.KeyFetchers {
		if len(keyRequests) == 0 {
			break
		}
		fetcherLogger := logger.WithField("fetcher", fetcher.FetcherName())
		fetcherLogger.WithField("num_key_requests", len(keyRequests)).Debug("Requesting keys from fetcher")

		fetched, ferr := fetcher.FetchKeys(ctx, keyRequests)
		if ferr != nil {
			fetcherLogger.WithError(ferr).Warn("Failed to request keys from fetcher")
			fetcherRequests.WithLabelValues(fetcher.FetcherName(), "error").Inc()
			continue
		}
		if len(fetched) == 0 {
			fetcherLogger.Warn("Failed to retrieve any keys")
			fetcherRequests.WithLabelValues(fetcher.FetcherName(), "empty").Inc()
			continue
		}
		fetcherRequests.WithLabelValues(fetcher.FetcherName(), "ok").Inc()
		for req, res := range fetched {
			keysFetched[req] = res
			delete(keyRequests, req)
		}
	}

	k.checkUsingKeys(requests, results, keyIDs, keysFetched)

	if err := k.KeyDatabase.StoreKeys(ctx, keysFetched); err != nil {
		return nil, err
	}

	return results, nil
}

func recordVerifyResults(results []VerifyJSONResult) {
	for _, r := range results {
		if r.Error != nil {
			verifyResults.WithLabelValues("fail").Inc()
		} else {
			verifyResults.WithLabelValues("ok").Inc()
		}
	}
}

func isAlgorithmSupported(keyID keys.KeyID) bool {
	return strings.HasPrefix(string(keyID), "ed25519:")
}

func (k *KeyRing) publicKeyRequests(
	requests []VerifyJSONRequest, results []VerifyJSONResult, keyIDs [][]keys.KeyID,
) map[PublicKeyLookupRequest]spec.Timestamp {
	keyRequests := map[PublicKeyLookupRequest]spec.Timestamp{}
	for i := range requests {
		if results[i].Error == nil {
			continue
		}
		for _, keyID := range keyIDs[i] {
			req := PublicKeyLookupRequest{ServerName: requests[i].ServerName, KeyID: keyID}
			if maxTS := keyRequests[req]; maxTS <= requests[i].AtTS {
				keyRequests[req] = requests[i].AtTS
			}
		}
	}
	return keyRequests
}

func (k *KeyRing) checkUsingKeys(
	requests []VerifyJSONRequest, results []VerifyJSONResult, keyIDs [][]keys.KeyID,
	resolved map[PublicKeyLookupRequest]PublicKeyLookupResult,
) {
	for i := range requests {
		if results[i].Error == nil {
			continue
		}
		for _, keyID := range keyIDs[i] {
			serverKey, ok := resolved[PublicKeyLookupRequest{ServerName: requests[i].ServerName, KeyID: keyID}]
			if !ok {
				continue
			}
			if !serverKey.WasValidAt(requests[i].AtTS, requests[i].StrictValidityChecking) {
				results[i].Error = fmt.Errorf("serverkeys: key %q for %q not valid at %d", keyID, requests[i].ServerName, requests[i].AtTS)
				continue
			}
			if err := keys.VerifyJSON(string(requests[i].ServerName), keyID, ed25519.PublicKey(serverKey.Key), requests[i].Message); err != nil {
				results[i].Error = err
				continue
			}
			results[i].Error = nil
			break
		}
	}
}

package serverkeys

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/matrix-org/util"

	"github.com/matrixcore/hscore/spec"
)

// A KeyClient fetches keys over the wire, either directly from the origin
// server or from a notary server acting on its behalf. The transport is
// left to the caller; this package only needs the two verbs below.
type KeyClient interface {
	GetServerKeys(ctx context.Context, matrixServer spec.ServerName) (ServerKeys, error)
	LookupServerKeys(ctx context.Context, matrixServer spec.ServerName, keyRequests map[PublicKeyLookupRequest]spec.Timestamp) ([]ServerKeys, error)
}

// A DirectKeyFetcher fetches keys directly from a server. This is suitable
// for deployments that can trust DNS and reach the origin server directly;
// it falls back to asking the origin to notarise its own keys if the direct
// request fails.
type DirectKeyFetcher struct {
	Client KeyClient

	group sync.Map // spec.ServerName -> *singleflight.Group, lazily created
}

// FetcherName implements KeyFetcher.
func (d *DirectKeyFetcher) FetcherName() string {
	return "DirectKeyFetcher"
}

// FetchKeys implements KeyFetcher. Concurrent requests for the same server
// are coalesced via singleflight so a burst of lookups for one server only
// costs one round trip.
func (d *DirectKeyFetcher) FetchKeys(
	ctx context.Context, requests map[PublicKeyLookupRequest]spec.Timestamp,
) (map[PublicKeyLookupRequest]PublicKeyLookupResult, error) {
	fetcherLogger := util.GetLogger(ctx).WithField("fetcher", d.FetcherName())

	byServer := map[spec.ServerName]struct{}{}
	for req := range requests {
		byServer[req.ServerName] = struct{}{}
	}

	numWorkers := 64
	if len(byServer) < numWorkers {
		numWorkers = len(byServer)
	}

	results := map[PublicKeyLookupRequest]PublicKeyLookupResult{}
	var resultsMutex sync.Mutex

	var wait sync.WaitGroup
	wait.Add(numWorkers)

	pending := make(chan spec.ServerName, len(byServer))
	for serverName := range byServer {
		pending <- serverName
	}
	close(pending)

	worker := func(ch <-chan spec.ServerName) {
		defer wait.Done()
		for server := range ch {
			serverResults, err := d.fetchKeysForServerOnce(ctx, server)
			if err != nil {
				fetcherLogger.WithError(err).WithField("server", server).Error("failed to fetch key for server")
				continue
			}
			resultsMutex.Lock()
			for req, key := range serverResults {
				results[req] = key
			}
			resultsMutex.Unlock()
		}
	}

	for i := 0; i < numWorkers; i++ {
		go worker(pending)
	}
	wait.Wait()
	return results, nil
}

// fetchKeysForServerOnce coalesces concurrent fetches for the same server
// name into a single outbound request.
func (d *DirectKeyFetcher) fetchKeysForServerOnce(
	ctx context.Context, serverName spec.ServerName,
) (map[PublicKeyLookupRequest]PublicKeyLookupResult, error) {
	groupIface, _ := d.group.LoadOrStore(serverName, &singleflight.Group{})
	group := groupIface.(*singleflight.Group)

	v, err, _ := group.Do(string(serverName), func() (interface{}, error) {
		results, ferr := d.fetchKeysForServer(ctx, serverName)
		if ferr != nil {
			return d.fetchNotaryKeysForServer(ctx, serverName)
		}
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[PublicKeyLookupRequest]PublicKeyLookupResult), nil
}

func (d *DirectKeyFetcher) fetchKeysForServer(
	ctx context.Context, serverName spec.ServerName,
) (map[PublicKeyLookupRequest]PublicKeyLookupResult, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second*15)
	defer cancel()

	sk, err := d.Client.GetServerKeys(ctx, serverName)
	if err != nil {
		return nil, err
	}
	checks, _ := CheckKeys(serverName, time.Unix(0, 0), sk)
	if !checks.AllChecksOK {
		return nil, fmt.Errorf("serverkeys: key response direct from %q failed checks", serverName)
	}

	results := map[PublicKeyLookupRequest]PublicKeyLookupResult{}
	mapServerKeysToLookupResults(sk, results)
	return results, nil
}

func (d *DirectKeyFetcher) fetchNotaryKeysForServer(
	ctx context.Context, serverName spec.ServerName,
) (map[PublicKeyLookupRequest]PublicKeyLookupResult, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second*15)
	defer cancel()

	allKeys, err := d.Client.LookupServerKeys(ctx, serverName, map[PublicKeyLookupRequest]spec.Timestamp{
		{ServerName: serverName, KeyID: ""}: spec.AsTimestamp(time.Now()),
	})
	if err != nil {
		return nil, err
	}

	var sk ServerKeys
	found := false
	for _, candidate := range allKeys {
		if candidate.ServerName == serverName {
			sk = candidate
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("serverkeys: notary key response contained no results for %q", serverName)
	}
	checks, _ := CheckKeys(serverName, time.Unix(0, 0), sk)
	if !checks.AllChecksOK {
		return nil, fmt.Errorf("serverkeys: notary key response for %q failed checks", serverName)
	}

	results := map[PublicKeyLookupRequest]PublicKeyLookupResult{}
	mapServerKeysToLookupResults(sk, results)
	return results, nil
}

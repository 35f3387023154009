package serverkeys

import (
	"context"
	"database/sql"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	// Registers the "postgres" driver used by sql.Open below.
	_ "github.com/lib/pq"

	"github.com/matrixcore/hscore/spec"
)

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hscore",
		Subsystem: "serverkeys",
		Name:      "cache_hits_total",
	})
	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hscore",
		Subsystem: "serverkeys",
		Name:      "cache_misses_total",
	})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMisses)
}

func cacheKeyFor(req PublicKeyLookupRequest) string {
	return fmt.Sprintf("%s/%s", req.ServerName, req.KeyID)
}

// CachingKeyDatabase wraps an inner, durable KeyDatabase with a bounded
// in-memory LRU layer, so that repeated lookups for hot servers don't hit
// storage on every request.
type CachingKeyDatabase struct {
	inner KeyDatabase
	cache *lru.Cache[string, PublicKeyLookupResult]
}

// NewCachingKeyDatabase wraps inner with an LRU cache holding up to size
// entries.
func NewCachingKeyDatabase(inner KeyDatabase, size int) (*CachingKeyDatabase, error) {
	if inner == nil {
		return nil, fmt.Errorf("serverkeys: inner database can't be nil")
	}
	cache, err := lru.New[string, PublicKeyLookupResult](size)
	if err != nil {
		return nil, err
	}
	return &CachingKeyDatabase{inner: inner, cache: cache}, nil
}

// FetcherName implements KeyFetcher.
func (d *CachingKeyDatabase) FetcherName() string {
	return "CachingKeyDatabase"
}

// FetchKeys implements KeyDatabase.
func (d *CachingKeyDatabase) FetchKeys(
	ctx context.Context, requests map[PublicKeyLookupRequest]spec.Timestamp,
) (map[PublicKeyLookupRequest]PublicKeyLookupResult, error) {
	results := map[PublicKeyLookupRequest]PublicKeyLookupResult{}
	remaining := map[PublicKeyLookupRequest]spec.Timestamp{}

	for req, ts := range requests {
		if res, ok := d.cache.Get(cacheKeyFor(req)); ok && res.WasValidAt(ts, false) {
			cacheHits.Inc()
			results[req] = res
			continue
		}
		cacheMisses.Inc()
		remaining[req] = ts
	}

	if len(remaining) == 0 {
		return results, nil
	}

	fromInner, err := d.inner.FetchKeys(ctx, remaining)
	if err != nil {
		return results, err
	}
	for req, res := range fromInner {
		results[req] = res
		d.cache.Add(cacheKeyFor(req), res)
	}
	return results, nil
}

// StoreKeys implements KeyDatabase.
func (d *CachingKeyDatabase) StoreKeys(
	ctx context.Context, keyMap map[PublicKeyLookupRequest]PublicKeyLookupResult,
) error {
	for req, res := range keyMap {
		d.cache.Add(cacheKeyFor(req), res)
	}
	return d.inner.StoreKeys(ctx, keyMap)
}

// PostgresKeyDatabase is a durable KeyDatabase backed by a single table.
// It is the bottom of the fetch chain: if even the cache and every fetcher
// miss, there's nowhere else to look.
type PostgresKeyDatabase struct {
	db *sql.DB
}

const serverSigningKeysSchema = `
CREATE TABLE IF NOT EXISTS server_signing_keys (
	server_name TEXT NOT NULL,
	server_key_id TEXT NOT NULL,
	public_key TEXT NOT NULL,
	valid_until_ts BIGINT NOT NULL,
	expired_ts BIGINT NOT NULL,
	CONSTRAINT server_signing_keys_unique UNIQUE (server_name, server_key_id)
);
`

const upsertServerSigningKeySQL = `
INSERT INTO server_signing_keys (server_name, server_key_id, public_key, valid_until_ts, expired_ts)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT ON CONSTRAINT server_signing_keys_unique
	DO UPDATE SET public_key = $3, valid_until_ts = $4, expired_ts = $5
`

const selectServerSigningKeySQL = `
SELECT public_key, valid_until_ts, expired_ts FROM server_signing_keys
	WHERE server_name = $1 AND server_key_id = $2
`

// NewPostgresKeyDatabase opens a connection and ensures the backing table
// exists.
func NewPostgresKeyDatabase(dataSourceName string) (*PostgresKeyDatabase, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, err
	}
	if _, err = db.Exec(serverSigningKeysSchema); err != nil {
		return nil, err
	}
	return &PostgresKeyDatabase{db: db}, nil
}

// FetcherName implements KeyFetcher.
func (d *PostgresKeyDatabase) FetcherName() string {
	return "PostgresKeyDatabase"
}

// FetchKeys implements KeyDatabase.
func (d *PostgresKeyDatabase) FetchKeys(
	ctx context.Context, requests map[PublicKeyLookupRequest]spec.Timestamp,
) (map[PublicKeyLookupRequest]PublicKeyLookupResult, error) {
	results := map[PublicKeyLookupRequest]PublicKeyLookupResult{}
	for req := range requests {
		var key spec.Base64Bytes
		var validUntilTS, expiredTS spec.Timestamp
		row := d.db.QueryRowContext(ctx, selectServerSigningKeySQL, string(req.ServerName), string(req.KeyID))
		if err := row.Scan(&key, &validUntilTS, &expiredTS); err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return nil, err
		}
		results[req] = PublicKeyLookupResult{
			VerifyKey:    VerifyKey{Key: key},
			ValidUntilTS: validUntilTS,
			ExpiredTS:    expiredTS,
		}
	}
	return results, nil
}

// StoreKeys implements KeyDatabase.
func (d *PostgresKeyDatabase) StoreKeys(
	ctx context.Context, keyMap map[PublicKeyLookupRequest]PublicKeyLookupResult,
) error {
	for req, res := range keyMap {
		if _, err := d.db.ExecContext(
			ctx, upsertServerSigningKeySQL,
			string(req.ServerName), string(req.KeyID), res.Key.Encode(), int64(res.ValidUntilTS), int64(res.ExpiredTS),
		); err != nil {
			return err
		}
	}
	return nil
}

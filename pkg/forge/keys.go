package forge

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/lokisec/loki/pkg/logger"
)

// ErrNoSigningKey is returned when a JWKS document contains no key usable
// for signature verification.
var ErrNoSigningKey = errors.New("no signing key in JWKS")

const jwksFetchTimeout = 10 * time.Second

// KeyFetcher retrieves an issuer's public signing key as SubjectPublicKeyInfo
// PEM (RFC 5280). Results are cached per JWKS URL for the lifetime of the
// fetcher; invalidation is out of scope.
type KeyFetcher struct {
	client *http.Client

	mu    sync.Mutex
	cache map[string]string
}

// NewKeyFetcher creates a KeyFetcher. A nil client falls back to
// http.DefaultClient.
func NewKeyFetcher(client *http.Client) *KeyFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &KeyFetcher{
		client: client,
		cache:  make(map[string]string),
	}
}

// PublicKeyPEM returns the PEM encoding of the first signature key published
// at jwksURL. The first fetch populates the cache; subsequent calls for the
// same URL are served from memory. Concurrent callers for an uncached URL
// are serialised so the JWKS endpoint is hit once.
func (f *KeyFetcher) PublicKeyPEM(ctx context.Context, jwksURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if pemKey, ok := f.cache[jwksURL]; ok {
		return pemKey, nil
	}

	set, err := f.fetchSet(ctx, jwksURL)
	if err != nil {
		return "", fmt.Errorf("fetching JWKS from %s: %w", jwksURL, err)
	}

	pemKey, err := firstSigningKeyPEM(set)
	if err != nil {
		return "", err
	}

	f.cache[jwksURL] = pemKey
	logger.Debugw("cached issuer public key", "jwks_url", jwksURL)
	return pemKey, nil
}

func (f *KeyFetcher) fetchSet(ctx context.Context, jwksURL string) (jwk.Set, error) {
	operation := func() (jwk.Set, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, jwksFetchTimeout)
		defer cancel()
		return jwk.Fetch(fetchCtx, jwksURL, jwk.WithHTTPClient(f.client))
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Debugw("retrying JWKS fetch", "jwks_url", jwksURL, "error", err, "backoff", duration)
		}),
	)
}

// firstSigningKeyPEM picks the first key whose "use" is absent or "sig",
// exports it to its raw crypto form and serialises it as SPKI PEM.
func firstSigningKeyPEM(set jwk.Set) (string, error) {
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}

		var use string
		if err := key.Get(jwk.KeyUsageKey, &use); err == nil && use != "" && use != "sig" {
			continue
		}

		var raw any
		if err := jwk.Export(key, &raw); err != nil {
			return "", fmt.Errorf("exporting JWK: %w", err)
		}

		der, err := x509.MarshalPKIXPublicKey(raw)
		if err != nil {
			return "", fmt.Errorf("marshaling public key: %w", err)
		}

		block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
		return string(pem.EncodeToMemory(block)), nil
	}

	return "", ErrNoSigningKey
}

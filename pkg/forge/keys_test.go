package forge

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// jwksJSON renders a JWKS document holding the given public keys.
func jwksJSON(t *testing.T, keys ...jwk.Key) []byte {
	t.Helper()
	set := jwk.NewSet()
	for _, k := range keys {
		require.NoError(t, set.AddKey(k))
	}
	data, err := json.Marshal(set)
	require.NoError(t, err)
	return data
}

func publicJWK(t *testing.T, kid, use string) jwk.Key {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	key, err := jwk.Import(priv.Public())
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, kid))
	if use != "" {
		require.NoError(t, key.Set(jwk.KeyUsageKey, use))
	}
	return key
}

func TestKeyFetcher_FetchAndCache(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	doc := jwksJSON(t, publicJWK(t, "key-1", "sig"))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	defer server.Close()

	fetcher := NewKeyFetcher(server.Client())

	first, err := fetcher.PublicKeyPEM(context.Background(), server.URL)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, "-----BEGIN PUBLIC KEY-----"))
	assert.True(t, strings.HasSuffix(strings.TrimSpace(first), "-----END PUBLIC KEY-----"))

	second, err := fetcher.PublicKeyPEM(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), hits.Load(), "second lookup must be served from cache")
}

func TestKeyFetcher_SkipsEncryptionKeys(t *testing.T) {
	t.Parallel()

	encOnly := jwksJSON(t, publicJWK(t, "enc-1", "enc"))
	mixed := jwksJSON(t, publicJWK(t, "enc-1", "enc"), publicJWK(t, "sig-1", "sig"))

	t.Run("enc then sig", func(t *testing.T) {
		t.Parallel()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(mixed)
		}))
		defer server.Close()

		pemKey, err := NewKeyFetcher(server.Client()).PublicKeyPEM(context.Background(), server.URL)
		require.NoError(t, err)
		assert.NotEmpty(t, pemKey)
	})

	t.Run("no signing key at all", func(t *testing.T) {
		t.Parallel()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(encOnly)
		}))
		defer server.Close()

		_, err := NewKeyFetcher(server.Client()).PublicKeyPEM(context.Background(), server.URL)
		assert.ErrorIs(t, err, ErrNoSigningKey)
	})
}

func TestKeyFetcher_UsableAsHMACSecret(t *testing.T) {
	t.Parallel()

	doc := jwksJSON(t, publicJWK(t, "key-1", ""))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	defer server.Close()

	pemKey, err := NewKeyFetcher(server.Client()).PublicKeyPEM(context.Background(), server.URL)
	require.NoError(t, err)

	// The key-confusion path feeds this PEM straight into HS256.
	tok := New(map[string]any{"alg": "RS256"}, map[string]any{"sub": "alice"})
	require.NoError(t, tok.Sign("HS256", pemKey))
	assert.Equal(t, "HS256", tok.Algorithm())
	assert.NotEmpty(t, tok.Signature)
}

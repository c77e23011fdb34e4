package forge

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildToken assembles a compact JWS from raw header/claims maps with a
// placeholder signature.
func buildToken(t *testing.T, header, claims map[string]any) string {
	t.Helper()
	h, err := json.Marshal(header)
	require.NoError(t, err)
	c, err := json.Marshal(claims)
	require.NoError(t, err)
	return EncodeSegment(h) + "." + EncodeSegment(c) + "." + EncodeSegment([]byte("sig"))
}

func TestParse_RoundTrip(t *testing.T) {
	t.Parallel()

	raw := buildToken(t,
		map[string]any{"alg": "RS256", "typ": "JWT", "kid": "key-1"},
		map[string]any{"iss": "https://issuer.example.com", "sub": "alice", "exp": float64(1700000000)},
	)

	tok, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "RS256", tok.Algorithm())
	assert.Equal(t, "alice", tok.Claims["sub"])

	emitted, err := tok.Emit()
	require.NoError(t, err)

	// Structural equality after a second parse; JSON key order may differ.
	again, err := Parse(emitted)
	require.NoError(t, err)
	assert.Equal(t, tok.Header, again.Header)
	assert.Equal(t, tok.Claims, again.Claims)
	assert.Equal(t, tok.Signature, again.Signature)
	assert.Len(t, strings.Split(emitted, "."), 3)
}

func TestParse_Malformed(t *testing.T) {
	t.Parallel()

	valid := buildToken(t, map[string]any{"alg": "HS256"}, map[string]any{"sub": "x"})
	parts := strings.Split(valid, ".")

	tests := []struct {
		name  string
		input string
	}{
		{name: "two segments", input: parts[0] + "." + parts[1]},
		{name: "four segments", input: valid + ".extra"},
		{name: "header not base64", input: "!!!." + parts[1] + "." + parts[2]},
		{name: "header not json", input: EncodeSegment([]byte("hi")) + "." + parts[1] + "." + parts[2]},
		{name: "claims not json", input: parts[0] + "." + EncodeSegment([]byte("hi")) + "." + parts[2]},
		{
			name: "missing alg",
			input: buildToken(t,
				map[string]any{"typ": "JWT"},
				map[string]any{"sub": "x"}),
		},
		{
			name: "non-string alg",
			input: buildToken(t,
				map[string]any{"alg": 256},
				map[string]any{"sub": "x"}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tt.input)
			assert.ErrorIs(t, err, ErrMalformedToken)
		})
	}
}

func TestEmit_AlgNone(t *testing.T) {
	t.Parallel()

	raw := buildToken(t, map[string]any{"alg": "RS256"}, map[string]any{"sub": "alice"})
	tok, err := Parse(raw)
	require.NoError(t, err)

	require.NoError(t, tok.Sign(AlgNone, nil))
	assert.Empty(t, tok.Signature)

	emitted, err := tok.Emit()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(emitted, "."), "alg=none tokens keep the trailing dot")

	parts := strings.Split(emitted, ".")
	require.Len(t, parts, 3)
	assert.NotEmpty(t, parts[0])
	assert.NotEmpty(t, parts[1])
	assert.Empty(t, parts[2])
}

func TestSign_HS256(t *testing.T) {
	t.Parallel()

	tok := New(map[string]any{"alg": "RS256", "typ": "JWT"}, map[string]any{"sub": "alice"})
	secret := "top-secret-hmac-key"
	require.NoError(t, tok.Sign("HS256", secret))
	assert.Equal(t, "HS256", tok.Algorithm())

	signingString, err := tok.SigningString()
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingString))
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	assert.Equal(t, expected, tok.Signature)
}

func TestSign_RS256(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	tok := New(map[string]any{"alg": "none"}, map[string]any{"sub": "alice"})
	require.NoError(t, tok.Sign("RS256", string(keyPEM)))
	assert.Equal(t, "RS256", tok.Algorithm())
	assert.NotEmpty(t, tok.Signature)

	emitted, err := tok.Emit()
	require.NoError(t, err)
	parts := strings.Split(emitted, ".")
	require.Len(t, parts, 3)
	assert.NotEmpty(t, parts[2])
}

func TestSign_Errors(t *testing.T) {
	t.Parallel()

	t.Run("unsupported algorithm", func(t *testing.T) {
		t.Parallel()
		tok := New(map[string]any{"alg": "RS256"}, nil)
		err := tok.Sign("XX999", "key")
		assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
		assert.Equal(t, "RS256", tok.Algorithm(), "failed sign must not modify the token")
	})

	t.Run("bad RSA key material", func(t *testing.T) {
		t.Parallel()
		tok := New(map[string]any{"alg": "RS256"}, nil)
		err := tok.Sign("RS256", "not a pem key")
		assert.ErrorIs(t, err, ErrInvalidKey)
		assert.Equal(t, "RS256", tok.Algorithm())
	})

	t.Run("HMAC rejects non-octet key", func(t *testing.T) {
		t.Parallel()
		tok := New(map[string]any{"alg": "RS256"}, nil)
		err := tok.Sign("HS256", 42)
		assert.ErrorIs(t, err, ErrInvalidKey)
	})
}

func TestDecodeSegment_PaddingTolerant(t *testing.T) {
	t.Parallel()

	data := []byte(`{"alg":"none"}`)
	unpadded := base64.RawURLEncoding.EncodeToString(data)
	padded := base64.URLEncoding.EncodeToString(data)

	for _, seg := range []string{unpadded, padded} {
		decoded, err := DecodeSegment(seg)
		require.NoError(t, err)
		assert.Equal(t, data, decoded)
	}
}

func TestToken_NullClaimPreserved(t *testing.T) {
	t.Parallel()

	tok := New(map[string]any{"alg": "none"}, map[string]any{"iss": nil})
	emitted, err := tok.Emit()
	require.NoError(t, err)

	again, err := Parse(emitted + "sig") // restore a third segment for parse
	require.NoError(t, err)
	val, present := again.Claims["iss"]
	assert.True(t, present, "null claims stay present as keys")
	assert.Nil(t, val)
}

package plugins

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lokisec/loki/pkg/forge"
	"github.com/lokisec/loki/pkg/mischief"
)

func newTokenCtx(alg string, claims map[string]any) *mischief.TokenContext {
	if claims == nil {
		claims = map[string]any{}
	}
	return &mischief.TokenContext{
		Token: forge.New(map[string]any{"alg": alg, "typ": "JWT"}, claims),
	}
}

func withMode(mc *mischief.TokenContext, mode string) *mischief.TokenContext {
	mc.Config = map[string]any{"mode": mode}
	return mc
}

func TestCatalogue_AllValid(t *testing.T) {
	t.Parallel()

	all := All()
	assert.Len(t, all, 15)

	seen := map[string]bool{}
	r := mischief.NewRegistry()
	for _, p := range all {
		assert.False(t, seen[p.ID], "duplicate plugin id %s", p.ID)
		seen[p.ID] = true
		require.NoError(t, r.Register(p), "plugin %s must validate", p.ID)
	}

	assert.Len(t, r.ListByPhase(mischief.PhaseTokenSigning), 4)
	assert.Len(t, r.ListByPhase(mischief.PhaseTokenClaims), 8)
	assert.Len(t, r.ListByPhase(mischief.PhaseResponse), 1)
	assert.Len(t, r.ListByPhase(mischief.PhaseDiscovery), 2)
}

func TestNewRegistry_Disabled(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry("alg-none", "jwks-injection")
	require.NoError(t, err)

	_, ok := r.Get("alg-none")
	assert.False(t, ok)
	_, ok = r.Get("key-confusion")
	assert.True(t, ok)
	assert.Len(t, r.List(), 13)
}

func TestAlgNone(t *testing.T) {
	t.Parallel()

	mc := newTokenCtx("RS256", nil)
	mc.Token.Signature = "original-signature"

	res, err := AlgNone().Apply(context.Background(), mc)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, "none", mc.Token.Algorithm())
	assert.Empty(t, mc.Token.Signature)
	assert.Equal(t, "RS256", res.Evidence["original_alg"])
}

func TestKeyConfusion(t *testing.T) {
	t.Parallel()

	t.Run("re-signs RS256 with the public key", func(t *testing.T) {
		t.Parallel()
		mc := newTokenCtx("RS256", map[string]any{"sub": "alice"})
		mc.PublicKeyPEM = func(_ context.Context) (string, error) {
			return "-----BEGIN PUBLIC KEY-----\nfake\n-----END PUBLIC KEY-----\n", nil
		}

		res, err := KeyConfusion().Apply(context.Background(), mc)
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.Equal(t, "HS256", mc.Token.Algorithm())
		assert.NotEmpty(t, mc.Token.Signature)
	})

	t.Run("skips symmetric tokens", func(t *testing.T) {
		t.Parallel()
		mc := newTokenCtx("HS256", nil)
		res, err := KeyConfusion().Apply(context.Background(), mc)
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.Equal(t, "HS256", mc.Token.Algorithm())
	})

	t.Run("key fetch failure reports applied=false", func(t *testing.T) {
		t.Parallel()
		mc := newTokenCtx("RS256", nil)
		mc.PublicKeyPEM = func(_ context.Context) (string, error) {
			return "", errors.New("jwks unreachable")
		}
		res, err := KeyConfusion().Apply(context.Background(), mc)
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.Equal(t, "RS256", mc.Token.Algorithm(), "token must stay untouched")
	})
}

func TestKidManipulation_Modes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode string
		want string
	}{
		{mode: "remove", want: ""},
		{mode: "invalid", want: "nonexistent-key-id"},
		{mode: "injection", want: "../../../../../../dev/null"},
		{mode: "sql", want: "' UNION SELECT 'attacker-key' --"},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			t.Parallel()
			mc := withMode(newTokenCtx("RS256", nil), tt.mode)
			mc.Token.Header["kid"] = "legit-key"

			res, err := KidManipulation().Apply(context.Background(), mc)
			require.NoError(t, err)
			assert.True(t, res.Applied)
			assert.Equal(t, tt.want, mc.Token.Header["kid"])
			assert.Equal(t, "legit-key", res.Evidence["before"])
		})
	}

	t.Run("unknown mode skips", func(t *testing.T) {
		t.Parallel()
		res, err := KidManipulation().Apply(context.Background(), withMode(newTokenCtx("RS256", nil), "banana"))
		require.NoError(t, err)
		assert.False(t, res.Applied)
	})
}

func TestIssuerConfusion_Modes(t *testing.T) {
	t.Parallel()

	const issuer = "https://login.example.com"

	t.Run("evil", func(t *testing.T) {
		t.Parallel()
		mc := newTokenCtx("RS256", map[string]any{"iss": issuer})
		res, err := IssuerConfusion().Apply(context.Background(), mc)
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.Equal(t, "https://attacker.com", mc.Token.Claims["iss"])
	})

	t.Run("similar produces a homoglyph", func(t *testing.T) {
		t.Parallel()
		mc := withMode(newTokenCtx("RS256", map[string]any{"iss": issuer}), "similar")
		res, err := IssuerConfusion().Apply(context.Background(), mc)
		require.NoError(t, err)
		assert.True(t, res.Applied)
		got := mc.Token.Claims["iss"].(string)
		assert.NotEqual(t, issuer, got)
		assert.Equal(t, len(issuer), len(got), "typosquat swaps one character")
	})

	t.Run("null", func(t *testing.T) {
		t.Parallel()
		mc := withMode(newTokenCtx("RS256", map[string]any{"iss": issuer}), "null")
		res, err := IssuerConfusion().Apply(context.Background(), mc)
		require.NoError(t, err)
		assert.True(t, res.Applied)
		val, present := mc.Token.Claims["iss"]
		assert.True(t, present)
		assert.Nil(t, val)
	})
}

func TestAudienceConfusion_InjectShapes(t *testing.T) {
	t.Parallel()

	t.Run("missing aud becomes single-element array", func(t *testing.T) {
		t.Parallel()
		mc := newTokenCtx("RS256", map[string]any{})
		res, err := AudienceConfusion().Apply(context.Background(), mc)
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.Equal(t, []any{"https://attacker.com"}, mc.Token.Claims["aud"])
	})

	t.Run("string aud becomes two-element array", func(t *testing.T) {
		t.Parallel()
		mc := newTokenCtx("RS256", map[string]any{"aud": "my-client"})
		_, err := AudienceConfusion().Apply(context.Background(), mc)
		require.NoError(t, err)
		assert.Equal(t, []any{"my-client", "https://attacker.com"}, mc.Token.Claims["aud"])
	})

	t.Run("remove empties the array", func(t *testing.T) {
		t.Parallel()
		mc := withMode(newTokenCtx("RS256", map[string]any{"aud": "my-client"}), "remove")
		_, err := AudienceConfusion().Apply(context.Background(), mc)
		require.NoError(t, err)
		assert.Equal(t, []any{}, mc.Token.Claims["aud"])
	})
}

func TestTemporalTampering_Expired(t *testing.T) {
	t.Parallel()

	mc := newTokenCtx("RS256", map[string]any{"exp": float64(time.Now().Unix() + 600)})
	res, err := TemporalTampering().Apply(context.Background(), mc)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	exp, ok := mc.Token.Claims["exp"].(int64)
	require.True(t, ok)
	assert.LessOrEqual(t, exp, time.Now().Unix()-3600)
}

func TestLatencyInjection(t *testing.T) {
	t.Parallel()

	var slept time.Duration
	mc := &mischief.ResponseContext{
		Status: 200,
		Config: map[string]any{"delay_ms": 250},
		Delay: func(_ context.Context, d time.Duration) error {
			slept = d
			return nil
		},
	}

	res, err := LatencyInjection().Apply(context.Background(), mc)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 250*time.Millisecond, slept)
}

func TestLatencyInjection_DelayErrorPropagates(t *testing.T) {
	t.Parallel()

	mc := &mischief.ResponseContext{
		Delay: func(_ context.Context, _ time.Duration) error {
			return context.Canceled
		},
	}
	_, err := LatencyInjection().Apply(context.Background(), mc)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDiscoveryConfusion_WeakAlgorithms(t *testing.T) {
	t.Parallel()

	doc := map[string]any{
		"issuer":                                "https://login.example.com",
		"id_token_signing_alg_values_supported": []any{"RS256", "ES256"},
	}
	mc := &mischief.DiscoveryContext{
		Document: doc,
		Config:   map[string]any{"mode": "weak-algorithms"},
	}

	res, err := DiscoveryConfusion().Apply(context.Background(), mc)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, []any{"none", "HS256"}, doc["id_token_signing_alg_values_supported"])
}

func TestDiscoveryConfusion_RemoveRequired(t *testing.T) {
	t.Parallel()

	doc := map[string]any{
		"issuer":                   "https://login.example.com",
		"jwks_uri":                 "https://login.example.com/jwks",
		"response_types_supported": []any{"code"},
		"subject_types_supported":  []any{"public"},
	}
	mc := &mischief.DiscoveryContext{
		Document: doc,
		Config:   map[string]any{"mode": "remove-required"},
	}

	res, err := DiscoveryConfusion().Apply(context.Background(), mc)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.NotContains(t, doc, "jwks_uri")
	assert.NotContains(t, doc, "response_types_supported")
	assert.NotContains(t, doc, "subject_types_supported")
	assert.Contains(t, doc, "issuer")
}

func TestJWKSInjection(t *testing.T) {
	t.Parallel()

	t.Run("empty removes all keys", func(t *testing.T) {
		t.Parallel()
		doc := map[string]any{"keys": []any{map[string]any{"kty": "RSA", "kid": "k1"}}}
		mc := &mischief.DiscoveryContext{Document: doc, Config: map[string]any{"mode": "empty"}}

		res, err := JWKSInjection().Apply(context.Background(), mc)
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.Empty(t, doc["keys"])
	})

	t.Run("inject-key appends an attacker key", func(t *testing.T) {
		t.Parallel()
		doc := map[string]any{"keys": []any{map[string]any{"kty": "RSA", "kid": "k1"}}}
		mc := &mischief.DiscoveryContext{Document: doc}

		res, err := JWKSInjection().Apply(context.Background(), mc)
		require.NoError(t, err)
		assert.True(t, res.Applied)

		keys := doc["keys"].([]any)
		require.Len(t, keys, 2)
		injected := keys[1].(map[string]any)
		assert.Equal(t, "attacker-key", injected["kid"])
		assert.Equal(t, "RSA", injected["kty"])
	})

	t.Run("wrong-use flips sig to enc", func(t *testing.T) {
		t.Parallel()
		doc := map[string]any{"keys": []any{map[string]any{"kty": "RSA", "use": "sig"}}}
		mc := &mischief.DiscoveryContext{Document: doc, Config: map[string]any{"mode": "wrong-use"}}

		res, err := JWKSInjection().Apply(context.Background(), mc)
		require.NoError(t, err)
		assert.True(t, res.Applied)
		first := doc["keys"].([]any)[0].(map[string]any)
		assert.Equal(t, "enc", first["use"])
	})
}

func TestScopeInjection_Inject(t *testing.T) {
	t.Parallel()

	mc := newTokenCtx("RS256", map[string]any{"scope": "openid profile"})
	res, err := ScopeInjection().Apply(context.Background(), mc)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	scope := mc.Token.Claims["scope"].(string)
	assert.True(t, strings.HasPrefix(scope, "openid profile"))
	assert.Contains(t, scope, "admin")
	assert.Contains(t, scope, "write:all")
}

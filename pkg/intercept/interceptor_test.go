package intercept

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lokisec/loki/pkg/engine"
	"github.com/lokisec/loki/pkg/forge"
	"github.com/lokisec/loki/pkg/mischief/plugins"
	"github.com/lokisec/loki/pkg/session"
)

// upstreamToken is what the fake provider hands out before any mischief.
func upstreamToken(t *testing.T) string {
	t.Helper()
	tok := forge.New(
		map[string]any{"alg": "RS256", "typ": "JWT", "kid": "key-1"},
		map[string]any{"iss": "https://idp.example.com", "sub": "alice", "aud": "client-1"},
	)
	tok.Signature = forge.EncodeSegment([]byte("upstream-signature"))
	emitted, err := tok.Emit()
	require.NoError(t, err)
	return emitted
}

func fakeProvider(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/realms/demo/token", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": upstreamToken(t),
			"token_type":   "Bearer",
			"expires_in":   300,
		})
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "not json at all")
	})
	return mux
}

func newHarness(t *testing.T) (*engine.Engine, *session.Manager, *httptest.Server) {
	t.Helper()

	reg, err := plugins.NewRegistry()
	require.NoError(t, err)

	eng := engine.New(reg)
	sessions := session.NewManager()

	server := httptest.NewServer(New(eng, sessions).Middleware(fakeProvider(t)))
	t.Cleanup(server.Close)
	return eng, sessions, server
}

func fetchToken(t *testing.T, url, sessionID string) map[string]any {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/realms/demo/token", nil)
	require.NoError(t, err)
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	return doc
}

func TestInterceptor_AlgNoneSession(t *testing.T) {
	t.Parallel()

	eng, sessions, server := newHarness(t)
	sess, err := sessions.Create(session.Options{Mischief: []string{"alg-none"}})
	require.NoError(t, err)

	doc := fetchToken(t, server.URL, sess.ID)

	raw, ok := doc["access_token"].(string)
	require.True(t, ok)

	parts := strings.Split(raw, ".")
	require.Len(t, parts, 3)
	assert.Empty(t, parts[2], "signature stripped")

	tok, err := forge.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "none", tok.Algorithm())
	assert.Equal(t, "alice", tok.Claims["sub"], "claims untouched")

	entries := eng.Ledger(sess.ID)
	require.NotEmpty(t, entries)
	assert.Equal(t, "alg-none", entries[0].Plugin.ID)
}

func TestInterceptor_NoHeaderPassesThrough(t *testing.T) {
	t.Parallel()

	_, _, server := newHarness(t)
	doc := fetchToken(t, server.URL, "")

	tok, err := forge.Parse(doc["access_token"].(string))
	require.NoError(t, err)
	assert.Equal(t, "RS256", tok.Algorithm())
	assert.NotEmpty(t, tok.Signature)
}

func TestInterceptor_UnknownSessionPassesThrough(t *testing.T) {
	t.Parallel()

	_, _, server := newHarness(t)
	doc := fetchToken(t, server.URL, "sess_does_not_exist")

	tok, err := forge.Parse(doc["access_token"].(string))
	require.NoError(t, err)
	assert.Equal(t, "RS256", tok.Algorithm())
}

func TestInterceptor_NonJSONPassesThrough(t *testing.T) {
	t.Parallel()

	_, sessions, server := newHarness(t)
	sess, err := sessions.Create(session.Options{Mischief: []string{"alg-none"}})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, server.URL+"/plain", nil)
	require.NoError(t, err)
	req.Header.Set(SessionHeader, sess.ID)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "not json at all", string(body))
}

func TestClassifyPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want pathClass
	}{
		{"/realms/demo/token", classToken},
		{"/oauth2/token", classToken},
		{"/.well-known/openid-configuration", classDiscovery},
		{"/realms/demo/.well-known/openid-configuration", classDiscovery},
		{"/realms/demo/protocol/openid-connect/certs/jwks.json", classJWKS},
		{"/oauth2/keys", classJWKS},
		{"/loki/sessions", classAdmin},
		{"/userinfo", classOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyPath(tt.path), tt.path)
	}
}

// Package client is the raw OAuth 2.0 test client used by the conformance
// scanner. Unlike a production client it never retries, never refreshes
// transparently, and reports the exact status, body and timing of every
// endpoint interaction so attack tests can reason about them.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RFC 8693 grant and token type URNs.
const (
	GrantClientCredentials = "client_credentials"
	GrantRefreshToken      = "refresh_token"
	GrantTokenExchange     = "urn:ietf:params:oauth:grant-type:token-exchange"

	TokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"
	TokenTypeRefresh     = "urn:ietf:params:oauth:token-type:refresh_token"
	TokenTypeIDToken     = "urn:ietf:params:oauth:token-type:id_token"
	TokenTypeJWT         = "urn:ietf:params:oauth:token-type:jwt"
)

// AuthMethod selects how client credentials ride on token endpoint requests.
type AuthMethod string

// Supported client authentication methods.
const (
	AuthBasic AuthMethod = "client_secret_basic"
	AuthPost  AuthMethod = "client_secret_post"
)

// ErrTimeout marks requests that exceeded the configured deadline.
var ErrTimeout = errors.New("request timed out")

// defaultTimeout bounds a single endpoint interaction.
const defaultTimeout = 30 * time.Second

// Credentials identifies one registered OAuth client.
type Credentials struct {
	ID     string
	Secret string
}

// Config configures the test client.
type Config struct {
	TokenURL         string
	RevocationURL    string
	IntrospectionURL string

	// AuthMethod defaults to client_secret_basic.
	AuthMethod AuthMethod

	// Timeout bounds each request. Defaults to 30s.
	Timeout time.Duration

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Response captures everything observable about one endpoint interaction.
type Response struct {
	// Status is the HTTP status code. 0 means the request never completed.
	Status int
	// Body is the parsed JSON object for JSON responses, otherwise the raw
	// body as a string.
	Body any
	// Headers holds response headers with lower-cased names, first value
	// per name.
	Headers map[string]string
	// Duration is the wall-clock time of the round trip.
	Duration time.Duration
}

// JSON returns the body as a JSON object when it parsed as one.
func (r *Response) JSON() (map[string]any, bool) {
	m, ok := r.Body.(map[string]any)
	return m, ok
}

// StringField extracts a string field from a JSON body, "" when absent.
func (r *Response) StringField(name string) string {
	m, ok := r.JSON()
	if !ok {
		return ""
	}
	s, _ := m[name].(string)
	return s
}

// ExchangeRequest describes one RFC 8693 token exchange.
type ExchangeRequest struct {
	SubjectToken     string
	SubjectTokenType string

	// ActorToken is optional; when empty the exchange is impersonation
	// rather than delegation.
	ActorToken     string
	ActorTokenType string

	RequestedTokenType string

	// Audience and Resource are sent as repeated parameters when they hold
	// more than one value.
	Audience []string
	Resource []string

	Scope string
}

// Client talks to one authorization server's token endpoints.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a client, applying defaults.
func New(cfg Config) *Client {
	if cfg.AuthMethod == "" {
		cfg.AuthMethod = AuthBasic
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{cfg: cfg, http: hc}
}

// ClientCredentials performs a client_credentials grant.
func (c *Client) ClientCredentials(ctx context.Context, creds Credentials, scope string) (*Response, error) {
	form := url.Values{"grant_type": {GrantClientCredentials}}
	if scope != "" {
		form.Set("scope", scope)
	}
	return c.post(ctx, c.cfg.TokenURL, form, &creds)
}

// Refresh performs a refresh_token grant.
func (c *Client) Refresh(ctx context.Context, creds Credentials, refreshToken, scope string) (*Response, error) {
	form := url.Values{
		"grant_type":    {GrantRefreshToken},
		"refresh_token": {refreshToken},
	}
	if scope != "" {
		form.Set("scope", scope)
	}
	return c.post(ctx, c.cfg.TokenURL, form, &creds)
}

// Exchange performs an RFC 8693 token exchange authenticated as creds.
func (c *Client) Exchange(ctx context.Context, creds Credentials, req ExchangeRequest) (*Response, error) {
	return c.post(ctx, c.cfg.TokenURL, exchangeForm(req), &creds)
}

// RawExchange performs a token exchange with no client authentication at
// all, for probing whether the server demands it.
func (c *Client) RawExchange(ctx context.Context, req ExchangeRequest) (*Response, error) {
	return c.post(ctx, c.cfg.TokenURL, exchangeForm(req), nil)
}

// Revoke calls the RFC 7009 revocation endpoint.
func (c *Client) Revoke(ctx context.Context, creds Credentials, token, tokenTypeHint string) (*Response, error) {
	if c.cfg.RevocationURL == "" {
		return nil, fmt.Errorf("no revocation endpoint configured")
	}
	form := url.Values{"token": {token}}
	if tokenTypeHint != "" {
		form.Set("token_type_hint", tokenTypeHint)
	}
	return c.post(ctx, c.cfg.RevocationURL, form, &creds)
}

// Introspect calls the RFC 7662 introspection endpoint.
func (c *Client) Introspect(ctx context.Context, creds Credentials, token string) (*Response, error) {
	if c.cfg.IntrospectionURL == "" {
		return nil, fmt.Errorf("no introspection endpoint configured")
	}
	return c.post(ctx, c.cfg.IntrospectionURL, url.Values{"token": {token}}, &creds)
}

// HasRevocation reports whether a revocation endpoint is configured.
func (c *Client) HasRevocation() bool { return c.cfg.RevocationURL != "" }

// HasIntrospection reports whether an introspection endpoint is configured.
func (c *Client) HasIntrospection() bool { return c.cfg.IntrospectionURL != "" }

func exchangeForm(req ExchangeRequest) url.Values {
	form := url.Values{
		"grant_type":    {GrantTokenExchange},
		"subject_token": {req.SubjectToken},
	}
	subjectType := req.SubjectTokenType
	if subjectType == "" {
		subjectType = TokenTypeAccessToken
	}
	form.Set("subject_token_type", subjectType)

	if req.ActorToken != "" {
		form.Set("actor_token", req.ActorToken)
		actorType := req.ActorTokenType
		if actorType == "" {
			actorType = TokenTypeAccessToken
		}
		form.Set("actor_token_type", actorType)
	}
	if req.RequestedTokenType != "" {
		form.Set("requested_token_type", req.RequestedTokenType)
	}
	for _, aud := range req.Audience {
		form.Add("audience", aud)
	}
	for _, res := range req.Resource {
		form.Add("resource", res)
	}
	if req.Scope != "" {
		form.Set("scope", req.Scope)
	}
	return form
}

// post sends a form-encoded POST and captures the full response. creds nil
// means no client authentication of any kind.
func (c *Client) post(ctx context.Context, endpoint string, form url.Values, creds *Credentials) (*Response, error) {
	if creds != nil && c.cfg.AuthMethod == AuthPost {
		form.Set("client_id", creds.ID)
		form.Set("client_secret", creds.Secret)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if creds != nil && c.cfg.AuthMethod == AuthBasic {
		req.Header.Set("Authorization", "Basic "+basicAuth(creds.ID, creds.Secret))
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, elapsed.Round(time.Millisecond), endpoint)
		}
		return nil, fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	out := &Response{
		Status:   resp.StatusCode,
		Headers:  lowerHeaders(resp.Header),
		Duration: elapsed,
	}
	out.Body = parseBody(out.Headers["content-type"], raw)
	return out, nil
}

// basicAuth builds the RFC 6749 section 2.3.1 Basic credential: id and
// secret are form-urlencoded before base64, unlike plain RFC 7617.
func basicAuth(id, secret string) string {
	pair := url.QueryEscape(id) + ":" + url.QueryEscape(secret)
	return base64.StdEncoding.EncodeToString([]byte(pair))
}

func lowerHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[strings.ToLower(name)] = values[0]
		}
	}
	return out
}

// parseBody decodes JSON bodies into a map, leaving everything else as the
// raw string. A JSON content type with an unparseable payload also falls
// back to the string form.
func parseBody(contentType string, raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err == nil {
			return m
		}
	}
	return string(raw)
}

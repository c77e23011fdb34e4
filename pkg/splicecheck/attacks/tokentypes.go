package attacks

import (
	"context"
	"strings"

	"github.com/lokisec/loki/pkg/mischief"
	"github.com/lokisec/loki/pkg/splicecheck/classify"
	"github.com/lokisec/loki/pkg/splicecheck/client"
)

// tokenTypeMismatch declares an access token under the id_token type URI.
func tokenTypeMismatch() *Test {
	return &Test{
		ID:          "token-type-mismatch",
		Name:        "Subject token type mismatch",
		Description: "An access token is declared with subject_token_type id_token.",
		Severity:    mischief.SeverityCritical,
		Spec:        "RFC 8693 Section 2.1: subject_token_type must identify the actual type of the presented token",
		Setup: func(ctx context.Context, tc *Context) (*SetupResult, error) {
			setup := NewSetupResult()
			aliceToken, err := tc.AccessToken(ctx, "alice")
			if err != nil {
				return nil, err
			}
			setup.Tokens["alice"] = aliceToken
			return setup, nil
		},
		Attack: func(ctx context.Context, tc *Context, setup *SetupResult) (*client.Response, error) {
			creds, err := tc.Credentials("agent-a")
			if err != nil {
				return nil, err
			}
			return tc.Client.Exchange(ctx, creds, client.ExchangeRequest{
				SubjectToken:     setup.Tokens["alice"],
				SubjectTokenType: client.TokenTypeIDToken,
			})
		},
		Verify: func(resp *client.Response, _ *SetupResult) Verdict {
			return expectRejection(resp,
				"the server accepted an access token mislabeled as an ID token",
				"mislabeled token type accepted")
		},
	}
}

// unauthenticatedExchange probes whether the server demands client
// authentication for the exchange grant. Network failure on this probe is
// itself a signal, so it is folded into a synthetic response rather than
// propagated.
func unauthenticatedExchange() *Test {
	return &Test{
		ID:          "unauthenticated-exchange",
		Name:        "Token exchange without client authentication",
		Description: "The exchange request carries no client credentials at all.",
		Severity:    mischief.SeverityCritical,
		Spec:        "RFC 8693 Section 5: token exchange requests should require client authentication",
		Setup: func(ctx context.Context, tc *Context) (*SetupResult, error) {
			setup := NewSetupResult()
			aliceToken, err := tc.AccessToken(ctx, "alice")
			if err != nil {
				return nil, err
			}
			setup.Tokens["alice"] = aliceToken
			return setup, nil
		},
		Attack: func(ctx context.Context, tc *Context, setup *SetupResult) (*client.Response, error) {
			resp, err := tc.Client.RawExchange(ctx, client.ExchangeRequest{
				SubjectToken: setup.Tokens["alice"],
			})
			if err != nil {
				tc.Log("unauthenticated exchange request failed on the wire: %v", err)
				return &client.Response{
					Status: 0,
					Body: map[string]any{
						"error":             "network_error",
						"error_description": err.Error(),
					},
				}, nil
			}
			return resp, nil
		},
		Verify: func(resp *client.Response, _ *SetupResult) Verdict {
			desc := classify.Describe(resp.Status, resp.Body)
			if resp.Status == 401 || classify.ErrorCode(resp.Body) == "invalid_client" {
				return Passed("server demanded client authentication: " + desc)
			}
			switch {
			case classify.IsSecurityRejection(resp.Status, resp.Body):
				return Passed("server refused the unauthenticated exchange: " + desc)
			case classify.Classify(resp.Status, resp.Body) == classify.CategorySuccess:
				return Failed("the server issued a token without client authentication",
					"HTTP 401 or invalid_client",
					"unauthenticated exchange succeeded ("+desc+")")
			default:
				return Skipped("inconclusive response: " + desc)
			}
		},
	}
}

// tokenTypeEscalation requests a refresh token from an access-token subject.
func tokenTypeEscalation() *Test {
	return &Test{
		ID:          "token-type-escalation",
		Name:        "Requested token type escalation",
		Description: "Requests requested_token_type refresh_token from a plain access-token subject.",
		Severity:    mischief.SeverityCritical,
		Spec:        "RFC 8693 Section 2.1: servers decide whether to honour requested_token_type and should not escalate token capabilities",
		Setup: func(ctx context.Context, tc *Context) (*SetupResult, error) {
			setup := NewSetupResult()
			aliceToken, err := tc.AccessToken(ctx, "alice")
			if err != nil {
				return nil, err
			}
			setup.Tokens["alice"] = aliceToken
			return setup, nil
		},
		Attack: func(ctx context.Context, tc *Context, setup *SetupResult) (*client.Response, error) {
			creds, err := tc.Credentials("agent-a")
			if err != nil {
				return nil, err
			}
			return tc.Client.Exchange(ctx, creds, client.ExchangeRequest{
				SubjectToken:       setup.Tokens["alice"],
				RequestedTokenType: client.TokenTypeRefresh,
			})
		},
		Verify: func(resp *client.Response, _ *SetupResult) Verdict {
			desc := classify.Describe(resp.Status, resp.Body)
			switch {
			case classify.IsSecurityRejection(resp.Status, resp.Body):
				return Passed("server refused the refresh-token request: " + desc)
			case classify.IsInconclusive(resp.Status, resp.Body):
				return Skipped("inconclusive response: " + desc)
			}
			// A success is fine as long as no refresh token actually came
			// back: downgrading to an access token is the safe behaviour.
			if resp.StringField("refresh_token") != "" ||
				resp.StringField("issued_token_type") == client.TokenTypeRefresh {
				return Failed("the server escalated an access token into a refresh token",
					"rejection or access-token-only response",
					"refresh token issued ("+desc+")")
			}
			return Passed("server downgraded the request to an access token: " + desc)
		},
	}
}

// issuedTokenTypeValidation checks the issued_token_type field of a
// successful exchange response.
func issuedTokenTypeValidation() *Test {
	return &Test{
		ID:          "issued-token-type-validation",
		Name:        "issued_token_type response field",
		Description: "A successful exchange response must declare the issued token's type with an RFC 8693 URN.",
		Severity:    mischief.SeverityMedium,
		Spec:        "RFC 8693 Section 2.2.1: issued_token_type is a required member of the token response",
		Setup: func(ctx context.Context, tc *Context) (*SetupResult, error) {
			setup := NewSetupResult()
			aliceToken, err := tc.AccessToken(ctx, "alice")
			if err != nil {
				return nil, err
			}
			actorToken, err := tc.AccessToken(ctx, "agent-a")
			if err != nil {
				return nil, err
			}
			setup.Tokens["alice"] = aliceToken
			setup.Tokens["agent-a"] = actorToken
			return setup, nil
		},
		Attack: func(ctx context.Context, tc *Context, setup *SetupResult) (*client.Response, error) {
			creds, err := tc.Credentials("agent-a")
			if err != nil {
				return nil, err
			}
			return tc.Client.Exchange(ctx, creds, client.ExchangeRequest{
				SubjectToken: setup.Tokens["alice"],
				ActorToken:   setup.Tokens["agent-a"],
			})
		},
		Verify: func(resp *client.Response, _ *SetupResult) Verdict {
			desc := classify.Describe(resp.Status, resp.Body)
			if classify.Classify(resp.Status, resp.Body) != classify.CategorySuccess {
				return Skipped("exchange did not succeed, nothing to validate: " + desc)
			}
			issued := resp.StringField("issued_token_type")
			if issued == "" {
				return Failed("token response omits issued_token_type",
					"issued_token_type with an RFC 8693 token type URN", "field absent")
			}
			if !strings.HasPrefix(issued, "urn:ietf:params:oauth:token-type:") {
				return Failed("issued_token_type is not an RFC 8693 token type URN",
					"urn:ietf:params:oauth:token-type:* value", issued)
			}
			return Passed("issued_token_type declared as " + issued)
		},
	}
}

package attacks

import (
	"context"
	"fmt"

	"github.com/lokisec/loki/pkg/mischief"
	"github.com/lokisec/loki/pkg/splicecheck/classify"
	"github.com/lokisec/loki/pkg/splicecheck/client"
)

// refreshBypass revokes the upstream subject token and then tries to use a
// refresh token derived from it.
func refreshBypass() *Test {
	return &Test{
		ID:          "refresh-bypass",
		Name:        "Refresh after upstream revocation",
		Description: "A refresh token obtained through delegation must stop working once the upstream subject token is revoked.",
		Severity:    mischief.SeverityMedium,
		Spec:        "RFC 8693 Section 2.1 and RFC 7009 Section 2: derived credentials should not outlive their revoked source",
		Setup: func(ctx context.Context, tc *Context) (*SetupResult, error) {
			if !tc.Client.HasRevocation() {
				return nil, fmt.Errorf("target has no revocation endpoint configured")
			}

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

			creds, err := tc.Credentials("agent-a")
			if err != nil {
				return nil, err
			}
			resp, err := tc.Client.Exchange(ctx, creds, client.ExchangeRequest{
				SubjectToken:       aliceToken,
				ActorToken:         actorToken,
				RequestedTokenType: client.TokenTypeRefresh,
			})
			if err != nil {
				return nil, fmt.Errorf("requesting a delegated refresh token: %w", err)
			}
			refreshToken := resp.StringField("refresh_token")
			if refreshToken == "" {
				return nil, fmt.Errorf("target does not issue refresh tokens through exchange: %s",
					classify.Describe(resp.Status, resp.Body))
			}
			setup.Tokens["refresh"] = refreshToken

			aliceCreds, err := tc.Credentials("alice")
			if err != nil {
				return nil, err
			}
			if _, err := tc.Client.Revoke(ctx, aliceCreds, aliceToken, "access_token"); err != nil {
				return nil, fmt.Errorf("revoking the upstream subject token: %w", err)
			}
			tc.Log("revoked upstream subject token")
			return setup, nil
		},
		Attack: func(ctx context.Context, tc *Context, setup *SetupResult) (*client.Response, error) {
			creds, err := tc.Credentials("agent-a")
			if err != nil {
				return nil, err
			}
			return tc.Client.Refresh(ctx, creds, setup.Tokens["refresh"], "")
		},
		Verify: func(resp *client.Response, _ *SetupResult) Verdict {
			return expectRejection(resp,
				"a derived refresh token survived upstream revocation",
				"refresh succeeded after revocation")
		},
	}
}

// revocationPropagation introspects a delegated token after revoking its
// source.
func revocationPropagation() *Test {
	return &Test{
		ID:          "revocation-propagation",
		Name:        "Revocation propagates to delegated tokens",
		Description: "After revoking the subject token, introspecting the delegated token must report it inactive.",
		Severity:    mischief.SeverityMedium,
		Spec:        "RFC 7009 Section 2.1 and RFC 7662 Section 2.2: revocation of the source should invalidate derived tokens",
		Setup: func(ctx context.Context, tc *Context) (*SetupResult, error) {
			if !tc.Client.HasRevocation() {
				return nil, fmt.Errorf("target has no revocation endpoint configured")
			}
			if !tc.Client.HasIntrospection() {
				return nil, fmt.Errorf("target has no introspection endpoint configured")
			}

			setup := NewSetupResult()
			if _, err := delegate(ctx, tc, "alice", "agent-a", setup); err != nil {
				return nil, err
			}

			aliceCreds, err := tc.Credentials("alice")
			if err != nil {
				return nil, err
			}
			if _, err := tc.Client.Revoke(ctx, aliceCreds, setup.Tokens["alice"], "access_token"); err != nil {
				return nil, fmt.Errorf("revoking the subject token: %w", err)
			}
			tc.Log("revoked subject token; probing the delegated one")
			return setup, nil
		},
		Attack: func(ctx context.Context, tc *Context, setup *SetupResult) (*client.Response, error) {
			creds, err := tc.Credentials("agent-a")
			if err != nil {
				return nil, err
			}
			return tc.Client.Introspect(ctx, creds, setup.Tokens["delegated"])
		},
		Verify: func(resp *client.Response, _ *SetupResult) Verdict {
			desc := classify.Describe(resp.Status, resp.Body)
			if classify.Classify(resp.Status, resp.Body) != classify.CategorySuccess {
				return Skipped("introspection unavailable or inconclusive: " + desc)
			}
			body, ok := resp.JSON()
			if !ok {
				return Skipped("introspection response is not JSON")
			}
			active, ok := body["active"].(bool)
			if !ok {
				return Skipped("introspection response lacks an active field")
			}
			if active {
				return Failed("delegated token is still active after its source was revoked",
					"active=false", "active=true")
			}
			return Passed("revocation propagated to the delegated token")
		},
	}
}

// tokenLifetimeReduction checks that delegation never extends a token's
// lifetime.
func tokenLifetimeReduction() *Test {
	return &Test{
		ID:          "token-lifetime-reduction",
		Name:        "Delegated token lifetime bound",
		Description: "A delegated token must not expire later than the subject token it derives from.",
		Severity:    mischief.SeverityMedium,
		Spec:        "RFC 8693 Section 2.1 and RFC 7519 Section 4.1.4: derived tokens should not outlive their source",
		Setup: func(ctx context.Context, tc *Context) (*SetupResult, error) {
			setup, err := subjectAndActorSetup(ctx, tc)
			if err != nil {
				return nil, err
			}
			cl, ok := claims(setup.Tokens["alice"])
			if !ok {
				setup.Metadata["subject_opaque"] = true
				return setup, nil
			}
			if exp, hasExp := claimNumber(cl, "exp"); hasExp {
				setup.Metadata["subject_exp"] = exp
			}
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
		Verify: func(resp *client.Response, setup *SetupResult) Verdict {
			if opaque, _ := setup.Metadata["subject_opaque"].(bool); opaque {
				return Skipped("subject token is opaque; its expiry is unknown")
			}
			subjectExp, hasSubjectExp := setup.Metadata["subject_exp"].(float64)
			if !hasSubjectExp {
				return Skipped("subject token carries no exp claim to compare against")
			}

			desc := classify.Describe(resp.Status, resp.Body)
			if classify.Classify(resp.Status, resp.Body) != classify.CategorySuccess {
				return Skipped("exchange did not succeed, nothing to inspect: " + desc)
			}
			cl, ok := claims(issuedToken(resp))
			if !ok {
				return Skipped("issued token is opaque; its expiry is unknown")
			}
			issuedExp, hasIssuedExp := claimNumber(cl, "exp")
			if !hasIssuedExp {
				return Failed("delegated token carries no expiry at all",
					"exp claim no later than the subject token's", "exp claim absent")
			}
			if issuedExp > subjectExp {
				return Failed("delegation extended the token lifetime",
					fmt.Sprintf("exp <= %d", int64(subjectExp)),
					fmt.Sprintf("exp = %d", int64(issuedExp)))
			}
			return Passed("delegated token expires no later than its source")
		},
	}
}

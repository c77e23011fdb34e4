package attacks

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/lokisec/loki/pkg/mischief"
	"github.com/lokisec/loki/pkg/splicecheck/classify"
	"github.com/lokisec/loki/pkg/splicecheck/client"
)

// audienceTargeting requests a token for an audience the client should not
// be able to reach.
func audienceTargeting() *Test {
	return &Test{
		ID:          "audience-targeting",
		Name:        "Forbidden audience targeting",
		Description: "Requests a delegated token for an audience outside the client's authorisation.",
		Severity:    mischief.SeverityCritical,
		Spec:        "RFC 8693 Section 2.1: the server must verify the client is authorised for the requested audience",
		Setup:       subjectAndActorSetup,
		Attack: func(ctx context.Context, tc *Context, setup *SetupResult) (*client.Response, error) {
			creds, err := tc.Credentials("agent-a")
			if err != nil {
				return nil, err
			}
			return tc.Client.Exchange(ctx, creds, client.ExchangeRequest{
				SubjectToken: setup.Tokens["alice"],
				ActorToken:   setup.Tokens["agent-a"],
				Audience:     []string{forbiddenAudience},
			})
		},
		Verify: func(resp *client.Response, _ *SetupResult) Verdict {
			return expectRejection(resp,
				"the server issued a token for a forbidden audience",
				"token issued for "+forbiddenAudience)
		},
	}
}

// resourceAbuse does the same with the resource parameter.
func resourceAbuse() *Test {
	return &Test{
		ID:          "resource-abuse",
		Name:        "Forbidden resource targeting",
		Description: "Requests a delegated token scoped to a resource URI the client should not reach.",
		Severity:    mischief.SeverityHigh,
		Spec:        "RFC 8693 Section 2.1 and RFC 8707 Section 2: resource indicators are subject to authorisation policy",
		Setup:       subjectAndActorSetup,
		Attack: func(ctx context.Context, tc *Context, setup *SetupResult) (*client.Response, error) {
			creds, err := tc.Credentials("agent-a")
			if err != nil {
				return nil, err
			}
			return tc.Client.Exchange(ctx, creds, client.ExchangeRequest{
				SubjectToken: setup.Tokens["alice"],
				ActorToken:   setup.Tokens["agent-a"],
				Resource:     []string{forbiddenResource},
			})
		},
		Verify: func(resp *client.Response, _ *SetupResult) Verdict {
			return expectRejection(resp,
				"the server issued a token for a forbidden resource",
				"token issued for "+forbiddenResource)
		},
	}
}

// multiAudience hides a forbidden audience inside a list alongside a
// legitimate one.
func multiAudience() *Test {
	return &Test{
		ID:          "multi-audience",
		Name:        "Forbidden audience smuggled in a list",
		Description: "Requests both a legitimate audience and a forbidden one in the same exchange.",
		Severity:    mischief.SeverityHigh,
		Spec:        "RFC 8693 Section 2.1: every requested audience value is subject to authorisation, not just the first",
		Setup: func(ctx context.Context, tc *Context) (*SetupResult, error) {
			setup, err := subjectAndActorSetup(ctx, tc)
			if err != nil {
				return nil, err
			}
			if tc.Config.Target.Audience == "" {
				return nil, fmt.Errorf("target.audience is not configured; cannot form a mixed audience list")
			}
			setup.Metadata["good_audience"] = tc.Config.Target.Audience
			return setup, nil
		},
		Attack: func(ctx context.Context, tc *Context, setup *SetupResult) (*client.Response, error) {
			creds, err := tc.Credentials("agent-a")
			if err != nil {
				return nil, err
			}
			good, _ := setup.Metadata["good_audience"].(string)
			return tc.Client.Exchange(ctx, creds, client.ExchangeRequest{
				SubjectToken: setup.Tokens["alice"],
				ActorToken:   setup.Tokens["agent-a"],
				Audience:     []string{good, forbiddenAudience},
			})
		},
		Verify: func(resp *client.Response, _ *SetupResult) Verdict {
			desc := classify.Describe(resp.Status, resp.Body)
			switch {
			case classify.IsSecurityRejection(resp.Status, resp.Body):
				return Passed("server rejected the mixed audience list: " + desc)
			case classify.IsInconclusive(resp.Status, resp.Body):
				return Skipped("inconclusive response: " + desc)
			}
			cl, ok := claims(issuedToken(resp))
			if !ok {
				return Skipped("issued token is opaque; cannot inspect its audience")
			}
			if slices.Contains(audienceValues(cl), forbiddenAudience) {
				return Failed("the forbidden audience survived into the issued token",
					"rejection or audience filtering",
					"issued token audience includes "+forbiddenAudience)
			}
			return Passed("server filtered the forbidden audience out of the issued token")
		},
	}
}

// missingAud inspects whether delegated tokens carry any audience
// restriction at all.
func missingAud() *Test {
	return &Test{
		ID:          "missing-aud",
		Name:        "Issued token audience restriction",
		Description: "A delegated token without an aud claim can be replayed at any resource.",
		Severity:    mischief.SeverityMedium,
		Spec:        "RFC 8693 Section 2.1 and RFC 7519 Section 4.1.3: issued tokens should be audience-restricted",
		Setup:       subjectAndActorSetup,
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
				return Skipped("exchange did not succeed, nothing to inspect: " + desc)
			}
			cl, ok := claims(issuedToken(resp))
			if !ok {
				return Skipped("issued token is opaque; cannot inspect its audience")
			}
			if len(audienceValues(cl)) == 0 {
				return Failed("delegated token carries no audience restriction",
					"non-empty aud claim", "aud claim absent")
			}
			return Passed("delegated token is audience-restricted")
		},
	}
}

// downstreamAudVerification checks that a requested audience actually binds
// the issued token.
func downstreamAudVerification() *Test {
	return &Test{
		ID:          "downstream-aud-verification",
		Name:        "Requested audience binds the issued token",
		Description: "When an audience is requested and granted, the issued token's aud claim must contain it.",
		Severity:    mischief.SeverityHigh,
		Spec:        "RFC 8693 Section 2.1: the audience parameter indicates where the issued token will be used",
		Setup: func(ctx context.Context, tc *Context) (*SetupResult, error) {
			setup, err := subjectAndActorSetup(ctx, tc)
			if err != nil {
				return nil, err
			}
			if tc.Config.Target.Audience == "" {
				return nil, fmt.Errorf("target.audience is not configured; cannot request a known-good audience")
			}
			setup.Metadata["good_audience"] = tc.Config.Target.Audience
			return setup, nil
		},
		Attack: func(ctx context.Context, tc *Context, setup *SetupResult) (*client.Response, error) {
			creds, err := tc.Credentials("agent-a")
			if err != nil {
				return nil, err
			}
			good, _ := setup.Metadata["good_audience"].(string)
			return tc.Client.Exchange(ctx, creds, client.ExchangeRequest{
				SubjectToken: setup.Tokens["alice"],
				ActorToken:   setup.Tokens["agent-a"],
				Audience:     []string{good},
			})
		},
		Verify: func(resp *client.Response, setup *SetupResult) Verdict {
			desc := classify.Describe(resp.Status, resp.Body)
			if classify.Classify(resp.Status, resp.Body) != classify.CategorySuccess {
				return Skipped("exchange did not succeed, nothing to inspect: " + desc)
			}
			cl, ok := claims(issuedToken(resp))
			if !ok {
				return Skipped("issued token is opaque; cannot inspect its audience")
			}
			good, _ := setup.Metadata["good_audience"].(string)
			if !slices.Contains(audienceValues(cl), good) {
				return Failed("the granted audience does not appear in the issued token",
					"aud claim containing "+good,
					fmt.Sprintf("aud = %v", audienceValues(cl)))
			}
			return Passed("issued token is bound to the requested audience")
		},
	}
}

// scopeEscalation requests broader scopes than the subject token carries.
func scopeEscalation() *Test {
	return &Test{
		ID:          "scope-escalation",
		Name:        "Scope escalation through exchange",
		Description: "The exchange requests administrative scopes absent from the subject token.",
		Severity:    mischief.SeverityCritical,
		Spec:        "RFC 8693 Section 2.1 and RFC 6749 Section 3.3: issued scope must not exceed what the client and subject are authorised for",
		Setup: func(ctx context.Context, tc *Context) (*SetupResult, error) {
			setup, err := subjectAndActorSetup(ctx, tc)
			if err != nil {
				return nil, err
			}
			if cl, ok := claims(setup.Tokens["alice"]); ok {
				setup.Metadata["subject_scope"] = claimString(cl, "scope")
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
				Scope:        escalatedScope,
			})
		},
		Verify: func(resp *client.Response, _ *SetupResult) Verdict {
			desc := classify.Describe(resp.Status, resp.Body)
			switch {
			case classify.IsSecurityRejection(resp.Status, resp.Body):
				return Passed("server rejected the scope escalation: " + desc)
			case classify.IsInconclusive(resp.Status, resp.Body):
				return Skipped("inconclusive response: " + desc)
			}

			granted := resp.StringField("scope")
			if granted == "" {
				if cl, ok := claims(issuedToken(resp)); ok {
					granted = claimString(cl, "scope")
				} else if issuedToken(resp) != "" {
					return Skipped("issued token is opaque and the response declares no scope")
				}
			}
			for _, want := range strings.Fields(escalatedScope) {
				if slices.Contains(strings.Fields(granted), want) {
					return Failed("the server granted an escalated scope",
						"rejection or scope narrowing", "granted scope includes "+want)
				}
			}
			return Passed("server withheld the escalated scopes: " + desc)
		},
	}
}

// subjectAndActorSetup is the common setup acquiring fresh alice and
// agent-a tokens.
func subjectAndActorSetup(ctx context.Context, tc *Context) (*SetupResult, error) {
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
}

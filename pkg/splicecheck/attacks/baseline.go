package attacks

import (
	"context"

	"github.com/lokisec/loki/pkg/mischief"
	"github.com/lokisec/loki/pkg/splicecheck/classify"
	"github.com/lokisec/loki/pkg/splicecheck/client"
)

// BaselineID names the catalogue's first test. If it fails, the target does
// not support legitimate delegation and every negative result is meaningless.
const BaselineID = "valid-delegation"

// validDelegation is the only test whose purpose is to demand acceptance: a
// well-formed delegation by an authorised actor must succeed.
func validDelegation() *Test {
	return &Test{
		ID:          BaselineID,
		Name:        "Valid delegation baseline",
		Description: "A legitimate actor exchanges the subject's token with its own actor token; the server must issue a delegated access token.",
		Severity:    mischief.SeverityCritical,
		Spec:        "RFC 8693 Section 2.1: a valid token exchange request yields a token response",
		Setup: func(ctx context.Context, tc *Context) (*SetupResult, error) {
			setup := NewSetupResult()
			subjectToken, err := tc.AccessToken(ctx, "alice")
			if err != nil {
				return nil, err
			}
			actorToken, err := tc.AccessToken(ctx, "agent-a")
			if err != nil {
				return nil, err
			}
			setup.Tokens["alice"] = subjectToken
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
				return Failed("target refused a legitimate delegation",
					"HTTP 200 with access_token", desc)
			}
			if issuedToken(resp) == "" {
				return Failed("token response is missing access_token",
					"HTTP 200 with access_token", desc+" without access_token")
			}
			return Passed("legitimate delegation succeeded: " + desc)
		},
	}
}

package attacks

import (
	"context"
	"fmt"

	"github.com/lokisec/loki/pkg/mischief"
	"github.com/lokisec/loki/pkg/splicecheck/classify"
	"github.com/lokisec/loki/pkg/splicecheck/client"
)

// maxChainDepth bounds the chain-depth-exhaustion probe.
const maxChainDepth = 5

// basicSplice combines a subject token from one delegation chain with an
// actor token from an unrelated chain.
func basicSplice() *Test {
	return &Test{
		ID:          "basic-splice",
		Name:        "Basic token splice",
		Description: "Subject token from one chain spliced with an actor token from another; agent-n was never authorised for alice's tokens.",
		Severity:    mischief.SeverityCritical,
		Spec:        "RFC 8693 Section 2.1: the server must validate the relationship between subject and actor tokens",
		Setup: func(ctx context.Context, tc *Context) (*SetupResult, error) {
			setup := NewSetupResult()
			aliceToken, err := tc.AccessToken(ctx, "alice")
			if err != nil {
				return nil, err
			}
			agentNToken, err := tc.AccessToken(ctx, "agent-n")
			if err != nil {
				return nil, err
			}
			setup.Tokens["alice"] = aliceToken
			setup.Tokens["agent-n"] = agentNToken
			return setup, nil
		},
		Attack: func(ctx context.Context, tc *Context, setup *SetupResult) (*client.Response, error) {
			creds, err := tc.Credentials("agent-n")
			if err != nil {
				return nil, err
			}
			return tc.Client.Exchange(ctx, creds, client.ExchangeRequest{
				SubjectToken: setup.Tokens["alice"],
				ActorToken:   setup.Tokens["agent-n"],
			})
		},
		Verify: func(resp *client.Response, _ *SetupResult) Verdict {
			return expectRejection(resp,
				"the server accepted tokens from unrelated chains",
				"spliced token issued")
		},
	}
}

// actorClientMismatch authenticates as one client while presenting another
// client's token as actor_token.
func actorClientMismatch() *Test {
	return &Test{
		ID:          "actor-client-mismatch",
		Name:        "Actor token / authenticated client mismatch",
		Description: "agent-n authenticates itself but presents agent-a's token as actor_token.",
		Severity:    mischief.SeverityCritical,
		Spec:        "RFC 8693 Section 2.1: the actor token must represent the party acting, which the server should bind to the authenticated client",
		Setup: func(ctx context.Context, tc *Context) (*SetupResult, error) {
			setup := NewSetupResult()
			aliceToken, err := tc.AccessToken(ctx, "alice")
			if err != nil {
				return nil, err
			}
			agentAToken, err := tc.AccessToken(ctx, "agent-a")
			if err != nil {
				return nil, err
			}
			setup.Tokens["alice"] = aliceToken
			setup.Tokens["agent-a"] = agentAToken
			return setup, nil
		},
		Attack: func(ctx context.Context, tc *Context, setup *SetupResult) (*client.Response, error) {
			creds, err := tc.Credentials("agent-n")
			if err != nil {
				return nil, err
			}
			return tc.Client.Exchange(ctx, creds, client.ExchangeRequest{
				SubjectToken: setup.Tokens["alice"],
				ActorToken:   setup.Tokens["agent-a"],
			})
		},
		Verify: func(resp *client.Response, _ *SetupResult) Verdict {
			return expectRejection(resp,
				"the server accepted an actor token belonging to a different client",
				"token issued for a mismatched actor")
		},
	}
}

// audSubBinding re-presents an audience-scoped delegated token with an actor
// from outside the chain.
func audSubBinding() *Test {
	return &Test{
		ID:          "aud-sub-binding",
		Name:        "Audience/subject binding on re-exchange",
		Description: "A delegated token obtained through a legitimate exchange is re-presented as subject with a mismatched actor.",
		Severity:    mischief.SeverityCritical,
		Spec:        "RFC 8693 Section 4.1: delegation context must be preserved and validated on subsequent exchanges",
		Setup: func(ctx context.Context, tc *Context) (*SetupResult, error) {
			setup := NewSetupResult()
			if _, err := delegate(ctx, tc, "alice", "agent-a", setup); err != nil {
				return nil, err
			}
			agentNToken, err := tc.AccessToken(ctx, "agent-n")
			if err != nil {
				return nil, err
			}
			setup.Tokens["agent-n"] = agentNToken
			return setup, nil
		},
		Attack: func(ctx context.Context, tc *Context, setup *SetupResult) (*client.Response, error) {
			creds, err := tc.Credentials("agent-n")
			if err != nil {
				return nil, err
			}
			return tc.Client.Exchange(ctx, creds, client.ExchangeRequest{
				SubjectToken: setup.Tokens["delegated"],
				ActorToken:   setup.Tokens["agent-n"],
			})
		},
		Verify: func(resp *client.Response, _ *SetupResult) Verdict {
			return expectRejection(resp,
				"the server re-delegated an audience-scoped token to an unrelated actor",
				"re-exchange accepted with a mismatched actor")
		},
	}
}

// upstreamSplice attempts an unauthorised re-delegation of a legitimately
// delegated token.
func upstreamSplice() *Test {
	return &Test{
		ID:          "upstream-splice",
		Name:        "Upstream splice after legitimate delegation",
		Description: "agent-n tries to extend a delegation chain it was never part of.",
		Severity:    mischief.SeverityHigh,
		Spec:        "RFC 8693 Section 2.1: each step of a delegation chain must be authorised for the requesting client",
		Setup: func(ctx context.Context, tc *Context) (*SetupResult, error) {
			setup := NewSetupResult()
			if _, err := delegate(ctx, tc, "alice", "agent-a", setup); err != nil {
				return nil, err
			}
			agentNToken, err := tc.AccessToken(ctx, "agent-n")
			if err != nil {
				return nil, err
			}
			setup.Tokens["agent-n"] = agentNToken
			return setup, nil
		},
		Attack: func(ctx context.Context, tc *Context, setup *SetupResult) (*client.Response, error) {
			creds, err := tc.Credentials("agent-n")
			if err != nil {
				return nil, err
			}
			return tc.Client.Exchange(ctx, creds, client.ExchangeRequest{
				SubjectToken: setup.Tokens["delegated"],
				ActorToken:   setup.Tokens["agent-n"],
			})
		},
		Verify: func(resp *client.Response, _ *SetupResult) Verdict {
			return expectRejection(resp,
				"the server extended a delegation chain for an unauthorised client",
				"upstream splice accepted")
		},
	}
}

// subjectActorSwap presents the two tokens in swapped positions.
func subjectActorSwap() *Test {
	return &Test{
		ID:          "subject-actor-swap",
		Name:        "Subject and actor token swap",
		Description: "The actor's own token is presented as subject and the subject's token as actor.",
		Severity:    mischief.SeverityHigh,
		Spec:        "RFC 8693 Sections 1.1 and 2.1: subject and actor roles are not interchangeable",
		Setup: func(ctx context.Context, tc *Context) (*SetupResult, error) {
			setup := NewSetupResult()
			aliceToken, err := tc.AccessToken(ctx, "alice")
			if err != nil {
				return nil, err
			}
			agentAToken, err := tc.AccessToken(ctx, "agent-a")
			if err != nil {
				return nil, err
			}
			setup.Tokens["alice"] = aliceToken
			setup.Tokens["agent-a"] = agentAToken
			return setup, nil
		},
		Attack: func(ctx context.Context, tc *Context, setup *SetupResult) (*client.Response, error) {
			creds, err := tc.Credentials("agent-a")
			if err != nil {
				return nil, err
			}
			return tc.Client.Exchange(ctx, creds, client.ExchangeRequest{
				SubjectToken: setup.Tokens["agent-a"],
				ActorToken:   setup.Tokens["alice"],
			})
		},
		Verify: func(resp *client.Response, _ *SetupResult) Verdict {
			return expectRejection(resp,
				"the server accepted swapped subject and actor tokens",
				"swapped-role exchange accepted")
		},
	}
}

// delegationImpersonationConfusion has an outsider re-exchange a delegated
// token without any actor token, turning delegation into impersonation.
func delegationImpersonationConfusion() *Test {
	return &Test{
		ID:          "delegation-impersonation-confusion",
		Name:        "Delegation to impersonation downgrade",
		Description: "agent-n re-exchanges a token delegated to agent-a with no actor token, attempting plain impersonation of the chain.",
		Severity:    mischief.SeverityHigh,
		Spec:        "RFC 8693 Section 1.1: impersonation and delegation are distinct semantics; a delegated token must not be laundered into an unconstrained one",
		Setup: func(ctx context.Context, tc *Context) (*SetupResult, error) {
			setup := NewSetupResult()
			if _, err := delegate(ctx, tc, "alice", "agent-a", setup); err != nil {
				return nil, err
			}
			return setup, nil
		},
		Attack: func(ctx context.Context, tc *Context, setup *SetupResult) (*client.Response, error) {
			creds, err := tc.Credentials("agent-n")
			if err != nil {
				return nil, err
			}
			return tc.Client.Exchange(ctx, creds, client.ExchangeRequest{
				SubjectToken: setup.Tokens["delegated"],
			})
		},
		Verify: func(resp *client.Response, _ *SetupResult) Verdict {
			return expectRejection(resp,
				"the server let an unrelated client impersonate a delegation chain",
				"impersonation exchange of a delegated token accepted")
		},
	}
}

// circularDelegation delegates a chain back onto its original subject.
func circularDelegation() *Test {
	return &Test{
		ID:          "circular-delegation",
		Name:        "Circular delegation chain",
		Description: "The delegated token is exchanged again with the original subject's token as actor, closing the chain onto itself.",
		Severity:    mischief.SeverityHigh,
		Spec:        "RFC 8693 Section 4.1: delegation chains describe acting parties; a party must not appear as both the chain's subject and its newest actor",
		Setup: func(ctx context.Context, tc *Context) (*SetupResult, error) {
			setup := NewSetupResult()
			if _, err := delegate(ctx, tc, "alice", "agent-a", setup); err != nil {
				return nil, err
			}
			return setup, nil
		},
		Attack: func(ctx context.Context, tc *Context, setup *SetupResult) (*client.Response, error) {
			creds, err := tc.Credentials("alice")
			if err != nil {
				return nil, err
			}
			return tc.Client.Exchange(ctx, creds, client.ExchangeRequest{
				SubjectToken: setup.Tokens["delegated"],
				ActorToken:   setup.Tokens["alice"],
			})
		},
		Verify: func(resp *client.Response, _ *SetupResult) Verdict {
			return expectRejection(resp,
				"the server closed a delegation chain onto its own subject",
				"circular delegation accepted")
		},
	}
}

// chainDepthExhaustion keeps re-delegating until the server pushes back.
func chainDepthExhaustion() *Test {
	return &Test{
		ID:          "chain-depth-exhaustion",
		Name:        "Unbounded delegation chain depth",
		Description: "Repeatedly re-exchanges the freshest delegated token; a server without a depth limit accepts arbitrarily long chains.",
		Severity:    mischief.SeverityMedium,
		Spec:        "RFC 8693 Section 4.1: nested act claims grow with each delegation step; servers should bound chain depth",
		Setup: func(ctx context.Context, tc *Context) (*SetupResult, error) {
			setup := NewSetupResult()
			current, err := delegate(ctx, tc, "alice", "agent-a", setup)
			if err != nil {
				return nil, err
			}

			creds, err := tc.Credentials("agent-a")
			if err != nil {
				return nil, err
			}

			depth := 1
			for depth < maxChainDepth {
				resp, err := tc.Client.Exchange(ctx, creds, client.ExchangeRequest{
					SubjectToken: current,
					ActorToken:   setup.Tokens["agent-a"],
				})
				if err != nil {
					return nil, fmt.Errorf("chain step %d: %w", depth+1, err)
				}
				next := issuedToken(resp)
				if next == "" {
					// Server pushed back before the probe depth; that is
					// the secure behaviour, recorded for verify.
					setup.Metadata["rejected_at_depth"] = depth + 1
					break
				}
				current = next
				depth++
				tc.Log("delegation chain extended to depth %d", depth)
			}
			setup.Tokens["deepest"] = current
			setup.Metadata["reached_depth"] = depth
			return setup, nil
		},
		Attack: func(ctx context.Context, tc *Context, setup *SetupResult) (*client.Response, error) {
			creds, err := tc.Credentials("agent-a")
			if err != nil {
				return nil, err
			}
			return tc.Client.Exchange(ctx, creds, client.ExchangeRequest{
				SubjectToken: setup.Tokens["deepest"],
				ActorToken:   setup.Tokens["agent-a"],
			})
		},
		Verify: func(resp *client.Response, setup *SetupResult) Verdict {
			if depth, ok := setup.Metadata["rejected_at_depth"].(int); ok {
				return Passed(fmt.Sprintf("server limited the delegation chain at depth %d", depth))
			}
			desc := classify.Describe(resp.Status, resp.Body)
			switch {
			case classify.IsSecurityRejection(resp.Status, resp.Body):
				return Passed(fmt.Sprintf("server limited the delegation chain at depth %d: %s",
					maxChainDepth+1, desc))
			case classify.IsInconclusive(resp.Status, resp.Body):
				return Skipped("inconclusive response: " + desc)
			default:
				return Failed("the server accepted an arbitrarily deep delegation chain",
					fmt.Sprintf("rejection at or before depth %d", maxChainDepth+1),
					fmt.Sprintf("chain extended past depth %d (%s)", maxChainDepth, desc))
			}
		},
	}
}

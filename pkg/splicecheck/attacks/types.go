// Package attacks holds the splice-check test catalogue: a fixed, ordered
// list of three-phase probes against an RFC 8693 token-exchange deployment.
package attacks

import (
	"context"
	"fmt"

	"github.com/lokisec/loki/pkg/mischief"
	"github.com/lokisec/loki/pkg/splicecheck/client"
	"github.com/lokisec/loki/pkg/splicecheck/config"
)

// Status is the outcome class of one test.
type Status string

// Verdict statuses.
const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Verdict is the result of a test's verify phase.
type Verdict struct {
	Status Status `json:"status"`
	Reason string `json:"reason"`

	// Expected and Actual are set only on failed verdicts.
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// Passed builds a passing verdict.
func Passed(reason string) Verdict {
	return Verdict{Status: StatusPassed, Reason: reason}
}

// Failed builds a failing verdict with the expectation mismatch spelled out.
func Failed(reason, expected, actual string) Verdict {
	return Verdict{Status: StatusFailed, Reason: reason, Expected: expected, Actual: actual}
}

// Skipped builds a skipped verdict.
func Skipped(reason string) Verdict {
	return Verdict{Status: StatusSkipped, Reason: reason}
}

// SetupResult carries what the setup phase learned: named token values and
// free-form facts (claim presence, subject values, reached chain depth) that
// verify consults later.
type SetupResult struct {
	Tokens   map[string]string
	Metadata map[string]any
}

// NewSetupResult allocates an empty result.
func NewSetupResult() *SetupResult {
	return &SetupResult{
		Tokens:   map[string]string{},
		Metadata: map[string]any{},
	}
}

// Context is the per-run environment handed to every test phase.
type Context struct {
	Config *config.Config
	Client *client.Client

	// Logf records a diagnostic line; the runner decides retention and
	// redaction. May be nil.
	Logf func(format string, args ...any)
}

// Log records a diagnostic line if a logger is attached.
func (tc *Context) Log(format string, args ...any) {
	if tc.Logf != nil {
		tc.Logf(format, args...)
	}
}

// Credentials resolves a configured client by name.
func (tc *Context) Credentials(name string) (client.Credentials, error) {
	return tc.Config.Credentials(name)
}

// AccessToken performs a client_credentials grant for the named client and
// returns the issued access token.
func (tc *Context) AccessToken(ctx context.Context, name string) (string, error) {
	creds, err := tc.Credentials(name)
	if err != nil {
		return "", err
	}
	scope := tc.Config.Clients[name].Scope

	resp, err := tc.Client.ClientCredentials(ctx, creds, scope)
	if err != nil {
		return "", fmt.Errorf("client_credentials for %s: %w", name, err)
	}
	token := resp.StringField("access_token")
	if token == "" {
		return "", fmt.Errorf("client_credentials for %s returned no access_token (HTTP %d)", name, resp.Status)
	}
	tc.Log("obtained access token for %s", name)
	return token, nil
}

// Test is one catalogue entry. Setup acquires tokens and facts, Attack
// sends exactly one request of interest, Verify interprets the response.
type Test struct {
	ID          string
	Name        string
	Description string
	Severity    mischief.Severity

	// Spec cites the requirement under test and always names an RFC.
	Spec string

	Setup  func(ctx context.Context, tc *Context) (*SetupResult, error)
	Attack func(ctx context.Context, tc *Context, setup *SetupResult) (*client.Response, error)
	Verify func(resp *client.Response, setup *SetupResult) Verdict
}

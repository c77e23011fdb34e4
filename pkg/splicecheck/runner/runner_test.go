package runner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lokisec/loki/pkg/mischief"
	"github.com/lokisec/loki/pkg/splicecheck/attacks"
	"github.com/lokisec/loki/pkg/splicecheck/client"
	"github.com/lokisec/loki/pkg/splicecheck/config"
)

// stubTest builds a catalogue entry whose phases are canned.
func stubTest(id string, verdict attacks.Verdict) *attacks.Test {
	return &attacks.Test{
		ID:       id,
		Name:     "Stub " + id,
		Severity: mischief.SeverityHigh,
		Spec:     "RFC 8693 Section 2.1",
		Setup: func(_ context.Context, _ *attacks.Context) (*attacks.SetupResult, error) {
			return attacks.NewSetupResult(), nil
		},
		Attack: func(_ context.Context, _ *attacks.Context, _ *attacks.SetupResult) (*client.Response, error) {
			return &client.Response{Status: 200, Body: map[string]any{}}, nil
		},
		Verify: func(_ *client.Response, _ *attacks.SetupResult) attacks.Verdict {
			return verdict
		},
	}
}

func baselineStub(verdict attacks.Verdict) *attacks.Test {
	t := stubTest(attacks.BaselineID, verdict)
	t.Severity = mischief.SeverityCritical
	return t
}

func testConfig() *config.Config {
	return &config.Config{
		Target: config.Target{TokenURL: "https://as.example.com/token", Issuer: "https://as.example.com"},
		Clients: map[string]config.Client{
			"alice":   {ID: "a", Secret: "s"},
			"agent-a": {ID: "b", Secret: "s"},
			"agent-n": {ID: "c", Secret: "s"},
		},
	}
}

func run(t *testing.T, tests []*attacks.Test, opts Options) *Summary {
	t.Helper()
	cl := client.New(client.Config{TokenURL: "https://as.example.com/token"})
	return Run(context.Background(), tests, testConfig(), cl, opts)
}

func TestRun_CountsVerdicts(t *testing.T) {
	t.Parallel()

	tests := []*attacks.Test{
		baselineStub(attacks.Passed("ok")),
		stubTest("one", attacks.Passed("ok")),
		stubTest("two", attacks.Failed("bad", "rejection", "issuance")),
		stubTest("three", attacks.Skipped("inconclusive")),
	}

	summary := run(t, tests, Options{})
	assert.Equal(t, 2, summary.Passed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 4, summary.Total)
	require.Len(t, summary.Results, 4)
	assert.Equal(t, attacks.BaselineID, summary.Results[0].ID, "declared order preserved")
}

func TestRun_BaselineBail(t *testing.T) {
	t.Parallel()

	tests := []*attacks.Test{
		baselineStub(attacks.Failed("refused", "success", "rejection")),
		stubTest("one", attacks.Passed("would pass")),
		stubTest("two", attacks.Passed("would pass")),
	}

	summary := run(t, tests, Options{BailOnBaselineFailure: true})
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.Skipped)

	for _, r := range summary.Results[1:] {
		assert.Equal(t, attacks.StatusSkipped, r.Verdict.Status)
		assert.Contains(t, r.Verdict.Reason, "baseline")
	}
}

func TestRun_NoBailRunsEverything(t *testing.T) {
	t.Parallel()

	tests := []*attacks.Test{
		baselineStub(attacks.Failed("refused", "success", "rejection")),
		stubTest("one", attacks.Passed("ran anyway")),
	}

	summary := run(t, tests, Options{})
	assert.Equal(t, 1, summary.Passed)
	assert.Equal(t, 1, summary.Failed)
}

func TestRun_Filter(t *testing.T) {
	t.Parallel()

	tests := []*attacks.Test{
		baselineStub(attacks.Passed("ok")),
		stubTest("wanted", attacks.Passed("ok")),
		stubTest("unwanted", attacks.Passed("ok")),
	}

	summary := run(t, tests, Options{TestFilter: []string{"wanted"}})
	require.Len(t, summary.Results, 1)
	assert.Equal(t, "wanted", summary.Results[0].ID)
}

func TestRun_SetupErrorSkips(t *testing.T) {
	t.Parallel()

	broken := stubTest("broken-setup", attacks.Passed("unreachable"))
	broken.Setup = func(_ context.Context, _ *attacks.Context) (*attacks.SetupResult, error) {
		return nil, errors.New("no token for alice")
	}

	summary := run(t, []*attacks.Test{broken}, Options{})
	require.Len(t, summary.Results, 1)
	verdict := summary.Results[0].Verdict
	assert.Equal(t, attacks.StatusSkipped, verdict.Status)
	assert.True(t, strings.HasPrefix(verdict.Reason, "Setup failed:"))
	assert.Contains(t, verdict.Reason, "no token for alice")
}

func TestRun_AttackErrorFails(t *testing.T) {
	t.Parallel()

	broken := stubTest("broken-attack", attacks.Passed("unreachable"))
	broken.Attack = func(_ context.Context, _ *attacks.Context, _ *attacks.SetupResult) (*client.Response, error) {
		return nil, errors.New("connection reset")
	}

	summary := run(t, []*attacks.Test{broken}, Options{})
	require.Len(t, summary.Results, 1)
	verdict := summary.Results[0].Verdict
	assert.Equal(t, attacks.StatusFailed, verdict.Status)
	assert.True(t, strings.HasPrefix(verdict.Reason, "Unexpected error:"))
}

func TestRun_Hooks(t *testing.T) {
	t.Parallel()

	var started, completed []string
	tests := []*attacks.Test{
		baselineStub(attacks.Passed("ok")),
		stubTest("one", attacks.Passed("ok")),
	}

	run(t, tests, Options{
		OnTestStart:    func(test *attacks.Test) { started = append(started, test.ID) },
		OnTestComplete: func(test *attacks.Test, _ Result) { completed = append(completed, test.ID) },
	})

	assert.Equal(t, []string{attacks.BaselineID, "one"}, started)
	assert.Equal(t, started, completed)
}

func TestRun_VerboseRetainsRedactedLogs(t *testing.T) {
	t.Parallel()

	leaky := stubTest("leaky", attacks.Passed("ok"))
	leaky.Setup = func(_ context.Context, tc *attacks.Context) (*attacks.SetupResult, error) {
		setup := attacks.NewSetupResult()
		setup.Tokens["alice"] = "super-secret-token-value"
		tc.Log("got token super-secret-token-value for alice")
		return setup, nil
	}

	summary := run(t, []*attacks.Test{leaky}, Options{Verbose: true})
	require.Len(t, summary.Results, 1)
	logs := summary.Results[0].Logs
	require.Len(t, logs, 1)
	assert.Equal(t, "got token [REDACTED:alice] for alice", logs[0])

	quiet := run(t, []*attacks.Test{leaky}, Options{})
	assert.Empty(t, quiet.Results[0].Logs, "logs dropped without verbose")
}

func TestRedactTokens(t *testing.T) {
	t.Parallel()

	tokens := map[string]string{
		"long":  "aaaaaaaaaaaa",
		"short": "tiny",
	}

	msg := "token aaaaaaaaaaaa and tiny here"
	redacted := RedactTokens(msg, tokens)
	assert.Equal(t, "token [REDACTED:long] and tiny here", redacted, "short values are left alone")

	// Idempotent: a second pass changes nothing.
	assert.Equal(t, redacted, RedactTokens(redacted, tokens))

	assert.Equal(t, "untouched", RedactTokens("untouched", nil))
}

// Package runner executes the attack catalogue sequentially and aggregates
// verdicts.
package runner

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lokisec/loki/pkg/logger"
	"github.com/lokisec/loki/pkg/splicecheck/attacks"
	"github.com/lokisec/loki/pkg/splicecheck/client"
	"github.com/lokisec/loki/pkg/splicecheck/config"
)

// Options controls one run.
type Options struct {
	// TestFilter limits execution to the named test ids. Empty means all.
	TestFilter []string
	// Verbose retains per-test log lines in the results.
	Verbose bool
	// BailOnBaselineFailure skips every remaining test once the baseline
	// has failed.
	BailOnBaselineFailure bool

	// OnTestStart and OnTestComplete are optional progress hooks.
	OnTestStart    func(test *attacks.Test)
	OnTestComplete func(test *attacks.Test, result Result)
}

// Result is one test's outcome.
type Result struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Severity string          `json:"severity"`
	Spec     string          `json:"spec"`
	Verdict  attacks.Verdict `json:"verdict"`
	Duration time.Duration   `json:"duration"`
	Logs     []string        `json:"logs,omitempty"`
}

// Summary aggregates a whole run.
type Summary struct {
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Total    int           `json:"total"`
	Duration time.Duration `json:"duration"`
	Results  []Result      `json:"results"`
}

// Run executes the tests in declared order.
func Run(ctx context.Context, tests []*attacks.Test, cfg *config.Config, cl *client.Client, opts Options) *Summary {
	summary := &Summary{}
	start := time.Now()
	baselineFailed := false

	for _, test := range tests {
		if len(opts.TestFilter) > 0 && !slices.Contains(opts.TestFilter, test.ID) {
			continue
		}
		if opts.OnTestStart != nil {
			opts.OnTestStart(test)
		}

		var result Result
		if opts.BailOnBaselineFailure && baselineFailed {
			result = Result{
				ID:       test.ID,
				Name:     test.Name,
				Severity: string(test.Severity),
				Spec:     test.Spec,
				Verdict:  attacks.Skipped("baseline failed; target does not support legitimate delegation"),
			}
		} else {
			result = runOne(ctx, test, cfg, cl, opts.Verbose)
		}

		if test.ID == attacks.BaselineID && result.Verdict.Status == attacks.StatusFailed {
			baselineFailed = true
		}

		switch result.Verdict.Status {
		case attacks.StatusPassed:
			summary.Passed++
		case attacks.StatusFailed:
			summary.Failed++
		case attacks.StatusSkipped:
			summary.Skipped++
		}
		summary.Total++
		summary.Results = append(summary.Results, result)

		if opts.OnTestComplete != nil {
			opts.OnTestComplete(test, result)
		}
	}

	summary.Duration = time.Since(start)
	return summary
}

// runOne executes a single test's three phases. Setup errors skip the test,
// attack errors fail it, verify decides everything else.
func runOne(ctx context.Context, test *attacks.Test, cfg *config.Config, cl *client.Client, verbose bool) Result {
	result := Result{
		ID:       test.ID,
		Name:     test.Name,
		Severity: string(test.Severity),
		Spec:     test.Spec,
	}

	var logs []string
	tc := &attacks.Context{
		Config: cfg,
		Client: cl,
		Logf: func(format string, args ...any) {
			logs = append(logs, fmt.Sprintf(format, args...))
		},
	}

	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
	}()

	setup, err := test.Setup(ctx, tc)
	if err != nil {
		logger.Debugw("test setup failed", "test", test.ID, "error", err)
		result.Verdict = attacks.Skipped("Setup failed: " + err.Error())
		result.Logs = retainLogs(logs, nil, verbose)
		return result
	}

	resp, err := test.Attack(ctx, tc, setup)
	if err != nil {
		result.Verdict = attacks.Verdict{
			Status:   attacks.StatusFailed,
			Reason:   "Unexpected error: " + err.Error(),
			Expected: "a classifiable HTTP response",
			Actual:   err.Error(),
		}
		result.Logs = retainLogs(logs, setup, verbose)
		return result
	}

	result.Verdict = test.Verify(resp, setup)
	result.Logs = retainLogs(logs, setup, verbose)
	return result
}

// retainLogs applies the verbose switch and token redaction.
func retainLogs(logs []string, setup *attacks.SetupResult, verbose bool) []string {
	if !verbose || len(logs) == 0 {
		return nil
	}
	var tokens map[string]string
	if setup != nil {
		tokens = setup.Tokens
	}
	out := make([]string, len(logs))
	for i, line := range logs {
		out[i] = RedactTokens(line, tokens)
	}
	return out
}

// RedactTokens replaces every known token value of length >= 8 with a
// placeholder naming the token. The placeholder never contains token
// material, so the operation is idempotent.
func RedactTokens(msg string, tokens map[string]string) string {
	for name, value := range tokens {
		if len(value) < 8 {
			continue
		}
		msg = strings.ReplaceAll(msg, value, "[REDACTED:"+name+"]")
	}
	return msg
}

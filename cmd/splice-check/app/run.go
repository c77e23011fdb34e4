package app

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lokisec/loki/pkg/splicecheck/attacks"
	"github.com/lokisec/loki/pkg/splicecheck/client"
	"github.com/lokisec/loki/pkg/splicecheck/config"
	"github.com/lokisec/loki/pkg/splicecheck/runner"
)

var runFlags struct {
	configPath string
	tests      []string
	verbose    bool
	noBail     bool
	format     string
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the attack catalogue against a configured target",
		RunE:  runScan,
	}

	cmd.Flags().StringVarP(&runFlags.configPath, "config", "c", "", "Target configuration file (required)")
	cmd.Flags().StringSliceVarP(&runFlags.tests, "test", "t", nil, "Run only the named test ids")
	cmd.Flags().BoolVarP(&runFlags.verbose, "verbose", "v", false, "Retain per-test log lines in the report")
	cmd.Flags().BoolVar(&runFlags.noBail, "no-bail", false, "Keep running negative tests even if the baseline fails")
	cmd.Flags().StringVar(&runFlags.format, "format", "", "Report format: text or json (overrides the config file)")
	if err := cmd.MarkFlagRequired("config"); err != nil {
		fmt.Fprintf(os.Stderr, "marking config flag required: %v\n", err)
	}

	return cmd
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(runFlags.configPath)
	if err != nil {
		return &exitError{code: exitConfiguration, err: err}
	}

	format := cfg.Output.Format
	if runFlags.format != "" {
		format = runFlags.format
	}
	switch format {
	case "text", "json":
	default:
		return &exitError{code: exitConfiguration, err: fmt.Errorf("unsupported report format %q", format)}
	}

	verbose := runFlags.verbose || cfg.Output.Verbose
	cl := client.New(cfg.ClientConfig())

	opts := runner.Options{
		TestFilter:            runFlags.tests,
		Verbose:               verbose,
		BailOnBaselineFailure: !runFlags.noBail,
	}
	if format == "text" {
		opts.OnTestComplete = func(test *attacks.Test, result runner.Result) {
			printResult(cmd, test, result)
		}
	}

	summary := runner.Run(cmd.Context(), attacks.Catalogue(), cfg, cl, opts)

	if format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return err
		}
	} else {
		cmd.Printf("\n%d passed, %d failed, %d skipped (%d total) in %s\n",
			summary.Passed, summary.Failed, summary.Skipped, summary.Total,
			summary.Duration.Round(time.Millisecond))
	}

	if summary.Failed > 0 {
		return &exitError{code: exitTestsFailed, err: fmt.Errorf("%d test(s) failed", summary.Failed)}
	}
	return nil
}

func printResult(cmd *cobra.Command, test *attacks.Test, result runner.Result) {
	var marker string
	switch result.Verdict.Status {
	case attacks.StatusPassed:
		marker = "PASS"
	case attacks.StatusFailed:
		marker = "FAIL"
	default:
		marker = "SKIP"
	}

	cmd.Printf("%-4s [%s] %s: %s\n", marker, test.Severity, test.ID, result.Verdict.Reason)
	if result.Verdict.Status == attacks.StatusFailed {
		cmd.Printf("       expected: %s\n", result.Verdict.Expected)
		cmd.Printf("       actual:   %s\n", result.Verdict.Actual)
	}
	for _, line := range result.Logs {
		cmd.Printf("       | %s\n", line)
	}
}

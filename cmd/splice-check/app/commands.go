// Package app provides the entry point for the splice-check command-line
// application.
package app

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lokisec/loki/pkg/logger"
	"github.com/lokisec/loki/pkg/versions"
)

// Exit codes: 0 clean run, 1 at least one failed verdict, 2 configuration
// error.
const (
	exitOK            = 0
	exitTestsFailed   = 1
	exitConfiguration = 2
)

// exitError carries a process exit code out of a cobra RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit code %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:               "splice-check",
	DisableAutoGenTag: true,
	SilenceUsage:      true,
	SilenceErrors:     true,
	Short:             "splice-check is a black-box RFC 8693 token-exchange conformance scanner",
	Long: `splice-check probes an OAuth 2.0 authorization server's token-exchange
implementation for delegation vulnerabilities: token splicing, actor
confusion, audience smuggling, act-claim laundering and more. It needs
three registered clients (alice, agent-a, agent-n) and never requires
access to the server's internals.`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// NewRootCmd creates a new root command for the splice-check CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// Execute runs the CLI and maps errors to process exit codes.
func Execute() int {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "splice-check: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return exitConfiguration
	}
	return exitOK
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the splice-check version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(versions.Version)
		},
	}
}

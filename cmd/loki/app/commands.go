// Package app provides the entry point for the loki command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lokisec/loki/pkg/logger"
	"github.com/lokisec/loki/pkg/versions"
)

var rootCmd = &cobra.Command{
	Use:               "loki",
	DisableAutoGenTag: true,
	Short:             "Loki is a fault-injecting OIDC identity provider for security testing",
	Long: `Loki fronts a real OIDC provider and, on request, deliberately breaks the
responses: forged signatures, confused issuers, poisoned JWKS documents and
more. Clients opt in per request with the X-Loki-Session header; every
applied fault is recorded in a durable ledger for later analysis.

Loki is a testing tool. Never point production traffic at it.`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the Loki CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the Loki version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(versions.Version)
		},
	}
}

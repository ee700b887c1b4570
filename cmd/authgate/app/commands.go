// Package app provides the entry point for the authgate command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quillcms/authgate/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "authgate",
	DisableAutoGenTag: true,
	Short:             "OIDC authentication gateway and authorization guard",
	Long: `authgate terminates OIDC login flows for one or many tenants, verifies
bearer tokens against each tenant's identity provider, and enforces
route-level and field-level authorization rules on proxied requests.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the authgate CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the gateway configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.PersistentFlags().String("authz-config", "", "Path to the authorization policy file (optional)")
	if err := viper.BindPFlag("authz-config", rootCmd.PersistentFlags().Lookup("authz-config")); err != nil {
		logger.Errorf("Error binding authz-config flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newValidateCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quillcms/authgate/pkg/authz"
	"github.com/quillcms/authgate/pkg/config"
	"github.com/quillcms/authgate/pkg/gateway"
	"github.com/quillcms/authgate/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authentication gateway",
	Long: `Start the authentication gateway. The gateway serves the OIDC login,
logout and refresh endpoints, verifies bearer tokens on incoming requests,
and applies the authorization policy when one is configured.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")

	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		logger.Fatalf("Failed to bind address flag: %v", err)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	address := viper.GetString("address")
	configPath := viper.GetString("config")
	policyPath := viper.GetString("authz-config")

	if configPath == "" {
		return fmt.Errorf("no configuration file specified, use --config flag")
	}

	logger.Infof("Loading configuration from: %s", configPath)
	opts, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}

	if opts.Multitenant() {
		logger.Infof("Gateway is multitenant, issuer origin: %s", opts.IssuerOrigin)
	} else {
		logger.Infof("Gateway issuer: %s", opts.Issuer)
	}
	if policyPath == "" {
		logger.Info("No authorization policy configured, requests pass through unguarded")
	}

	return gateway.Serve(ctx, address, opts, policyPath)
}

// newValidateCmd creates the validate command for checking configuration files.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		Long: `Validate the gateway configuration and, when provided, the authorization
policy for syntax and semantic errors without starting the server.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			policyPath := viper.GetString("authz-config")

			if configPath == "" {
				return fmt.Errorf("no configuration file specified, use --config flag")
			}

			opts, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("configuration validation failed: %w", err)
			}
			logger.Infof("Configuration is valid: %s", configPath)
			logger.Infof("  Base URL: %s", opts.BaseURL)
			logger.Infof("  Multitenant: %t", opts.Multitenant())
			logger.Infof("  Clients: %d", len(opts.Clients))

			if policyPath != "" {
				policy, err := authz.LoadPolicy(policyPath)
				if err != nil {
					return fmt.Errorf("policy validation failed: %w", err)
				}
				logger.Infof("Authorization policy is valid: %s", policyPath)
				logger.Infof("  Route rules: %d", len(policy.Routes))
				logger.Infof("  Field rules: %d", len(policy.Fields))
			}

			return nil
		},
	}
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the edgeauth command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/edgeauth/pkg/config"
	"github.com/stacklok/edgeauth/pkg/logger"
)

// version is replaced at build time using ldflags
var version = "dev"

// NewRootCmd creates a new root command for the edgeauth CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "edgeauth",
		DisableAutoGenTag: true,
		Short:             "Edge authentication gateway with On-Behalf-Of token exchange",
		Long: `edgeauth verifies bearer tokens issued by trusted OpenID Connect issuers and
exchanges them for delegated Microsoft Graph tokens using the On-Behalf-Of flow.
Delegated tokens are cached by the content of the exchange request.`,
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

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	if err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		Long:  "Load configuration from flags and the environment and report every problem found.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger.Infow("configuration is valid",
				"audience", cfg.Audience,
				"trusted_issuers", cfg.TrustedIssuers,
				"cache_type", cfg.CacheType)
			return nil
		},
	}
	config.AddFlags(cmd.Flags())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("edgeauth version: %s\n", version)
		},
	}
}

// loadConfig binds cmd's flags and the environment to a fresh viper
// instance and loads the configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	if err := config.Bind(v, cmd.Flags()); err != nil {
		return nil, err
	}
	return config.Load(v)
}

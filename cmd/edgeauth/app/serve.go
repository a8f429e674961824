// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stacklok/edgeauth/pkg/auth"
	"github.com/stacklok/edgeauth/pkg/auth/jwks"
	"github.com/stacklok/edgeauth/pkg/auth/obo"
	"github.com/stacklok/edgeauth/pkg/auth/oidc"
	"github.com/stacklok/edgeauth/pkg/cache"
	"github.com/stacklok/edgeauth/pkg/config"
	"github.com/stacklok/edgeauth/pkg/gateway"
	"github.com/stacklok/edgeauth/pkg/graph"
	"github.com/stacklok/edgeauth/pkg/logger"
	"github.com/stacklok/edgeauth/pkg/metrics"
	"github.com/stacklok/edgeauth/pkg/networking"
)

// drainTimeout bounds how long queued cache writes may run after shutdown.
const drainTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long:  "Start the edgeauth gateway and serve until interrupted.",
		RunE:  runServe,
	}
	config.AddFlags(cmd.Flags())
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	m := metrics.New()

	httpClient, err := networking.NewHttpClientBuilder().
		WithCABundle(cfg.CABundle).
		WithPrivateIPs(cfg.AllowPrivateIPs).
		Build()
	if err != nil {
		return fmt.Errorf("failed to create HTTP client: %w", err)
	}

	trustStore := jwks.NewTrustStore(
		oidc.NewClient(httpClient),
		jwks.WithRefreshPolicy(cfg.RefreshPolicy()),
		jwks.WithTrustedIssuers(cfg.TrustedIssuers...),
		jwks.WithMetrics(m),
	)

	validator, err := auth.NewTokenValidator(trustStore, auth.TokenValidatorConfig{
		Audience: cfg.Audience,
		Leeway:   cfg.Leeway,
		Realm:    cfg.Realm,
	}, auth.WithValidatorMetrics(m))
	if err != nil {
		return fmt.Errorf("failed to create token validator: %w", err)
	}

	store, err := cache.NewStore(ctx, cfg.CacheConfig())
	if err != nil {
		return fmt.Errorf("failed to create exchange cache: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnf("failed to close exchange cache: %v", err)
		}
	}()

	populator := cache.NewPopulator(store, cfg.PopulatorConfig(), m)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		defer cancel()
		if err := populator.Close(drainCtx); err != nil {
			logger.Warnf("pending cache writes abandoned: %v", err)
		}
	}()

	exchanger, err := obo.NewExchanger(cfg.OBOConfig(), store, populator,
		obo.WithHTTPClient(httpClient),
		obo.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	graphClient := graph.NewClient(cfg.GraphURL, httpClient.Transport)

	logger.Infow("starting edgeauth",
		"version", version,
		"address", cfg.ListenAddress,
		"trusted_issuers", cfg.TrustedIssuers,
		"cache_type", cfg.CacheType,
		"obo", cfg.OBOConfig().String())

	return gateway.NewServer(validator, exchanger, graphClient, m).Serve(ctx, cfg.ListenAddress)
}

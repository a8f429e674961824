// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the edgeauth runtime configuration from flags and
// environment variables through viper.
//
// The four settings of the original edge deployment are read from their
// bare environment names (AUTHORITY, AUDIENCE, OBO_CLIENT_ID and
// OBO_CLIENT_SECRET). Every other setting is read from EDGEAUTH_<KEY>, with
// dashes replaced by underscores.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/stacklok/edgeauth/pkg/auth/jwks"
	"github.com/stacklok/edgeauth/pkg/auth/obo"
	"github.com/stacklok/edgeauth/pkg/cache"
	"github.com/stacklok/edgeauth/pkg/graph"
	"github.com/stacklok/edgeauth/pkg/networking"
)

// EnvPrefix prefixes the environment variables of non-legacy settings.
const EnvPrefix = "EDGEAUTH"

// Configuration keys. Each key is also the name of its flag.
const (
	KeyAuthority           = "authority"
	KeyAudience            = "audience"
	KeyClientID            = "obo-client-id"
	KeyClientSecret        = "obo-client-secret"
	KeyScope               = "obo-scope"
	KeyTrustedIssuers      = "trusted-issuers"
	KeyAllowAnyIssuer      = "allow-any-issuer"
	KeyKeyTTL              = "key-ttl"
	KeyRefreshOnUnknownKID = "refresh-on-unknown-kid"
	KeyMinRefreshInterval  = "min-refresh-interval"
	KeyLeeway              = "leeway"
	KeyCacheType           = "cache-type"
	KeyCacheTTL            = "cache-ttl"
	KeyRedisAddr           = "redis-addr"
	KeyRedisUsername       = "redis-username"
	KeyRedisPassword       = "redis-password"
	KeyRedisDB             = "redis-db"
	KeyRedisKeyPrefix      = "redis-key-prefix"
	KeyPopulatorWorkers    = "populator-workers"
	KeyPopulatorQueueSize  = "populator-queue-size"
	KeyListenAddress       = "listen-address"
	KeyCABundle            = "ca-bundle"
	KeyAllowPrivateIPs     = "allow-private-ips"
	KeyGraphURL            = "graph-url"
	KeyRealm               = "realm"
)

// legacyEnv maps keys to the bare environment names of the edge deployment.
var legacyEnv = map[string]string{
	KeyAuthority:    "AUTHORITY",
	KeyAudience:     "AUDIENCE",
	KeyClientID:     "OBO_CLIENT_ID",
	KeyClientSecret: "OBO_CLIENT_SECRET",
}

// Config is the complete runtime configuration.
type Config struct {
	// Authority is the identity platform that issues delegated tokens
	Authority string
	// Audience must be present in the aud claim of inbound tokens
	Audience string
	// ClientID and ClientSecret authenticate this gateway to the authority
	ClientID     string
	ClientSecret string
	// Scope is requested for delegated tokens
	Scope string

	TrustedIssuers      []string
	AllowAnyIssuer      bool
	KeyTTL              time.Duration
	RefreshOnUnknownKID bool
	MinRefreshInterval  time.Duration
	Leeway              time.Duration
	Realm               string

	CacheType          cache.Type
	CacheTTL           time.Duration
	RedisAddr          string
	RedisUsername      string
	RedisPassword      string
	RedisDB            int
	RedisKeyPrefix     string
	PopulatorWorkers   int
	PopulatorQueueSize int

	ListenAddress   string
	CABundle        string
	AllowPrivateIPs bool
	GraphURL        string
}

// AddFlags registers every setting on flags with its default.
func AddFlags(flags *pflag.FlagSet) {
	policy := jwks.DefaultRefreshPolicy()

	flags.String(KeyAuthority, obo.DefaultAuthority, "Identity platform authority used for On-Behalf-Of exchanges (env AUTHORITY)")
	flags.String(KeyAudience, "", "Audience inbound tokens must be issued for (env AUDIENCE)")
	flags.String(KeyClientID, "", "OAuth client id of this gateway (env OBO_CLIENT_ID)")
	flags.String(KeyClientSecret, "", "OAuth client secret of this gateway (env OBO_CLIENT_SECRET)")
	flags.String(KeyScope, obo.DefaultScope, "Scope requested for delegated tokens")
	flags.StringSlice(KeyTrustedIssuers, nil, "Trusted token issuers; a trailing * matches by prefix")
	flags.Bool(KeyAllowAnyIssuer, false, "Trust tokens from any issuer (not recommended)")
	flags.Duration(KeyKeyTTL, policy.TTL, "How long an issuer's key set is used before it is re-fetched (0 fetches once)")
	flags.Bool(KeyRefreshOnUnknownKID, policy.RefreshOnUnknownKID, "Re-fetch an issuer's key set when a token names an unknown key")
	flags.Duration(KeyMinRefreshInterval, policy.MinRefreshInterval, "Minimum time between unknown-key re-fetches per issuer")
	flags.Duration(KeyLeeway, 0, "Clock skew tolerated when checking exp and nbf")
	flags.String(KeyRealm, "edgeauth", "Realm reported in WWW-Authenticate challenges")
	flags.String(KeyCacheType, string(cache.TypeMemory), "Exchange cache backend (memory or redis)")
	flags.Duration(KeyCacheTTL, cache.DefaultTTL, "Freshness of cached exchange responses")
	flags.String(KeyRedisAddr, "", "Redis address (host:port) for the redis cache backend")
	flags.String(KeyRedisUsername, "", "Redis ACL username")
	flags.String(KeyRedisPassword, "", "Redis ACL password")
	flags.Int(KeyRedisDB, 0, "Redis database")
	flags.String(KeyRedisKeyPrefix, cache.DefaultKeyPrefix, "Prefix of exchange cache keys in Redis")
	flags.Int(KeyPopulatorWorkers, cache.DefaultWorkers, "Concurrent cache writers")
	flags.Int(KeyPopulatorQueueSize, cache.DefaultQueueSize, "Pending cache writes before new writes are dropped")
	flags.String(KeyListenAddress, ":8080", "Address the gateway listens on")
	flags.String(KeyCABundle, "", "PEM bundle of CAs trusted for outbound TLS")
	flags.Bool(KeyAllowPrivateIPs, false, "Allow outbound requests to private IP addresses")
	flags.String(KeyGraphURL, graph.DefaultBaseURL, "Microsoft Graph base URL")
}

// Bind binds flags and environment variables to v.
func Bind(v *viper.Viper, flags *pflag.FlagSet) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, env, EnvPrefix+"_"+strings.ReplaceAll(strings.ToUpper(key), "-", "_")); err != nil {
			return fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}
	return nil
}

// Load reads the configuration from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Authority:           v.GetString(KeyAuthority),
		Audience:            v.GetString(KeyAudience),
		ClientID:            v.GetString(KeyClientID),
		ClientSecret:        v.GetString(KeyClientSecret),
		Scope:               v.GetString(KeyScope),
		TrustedIssuers:      v.GetStringSlice(KeyTrustedIssuers),
		AllowAnyIssuer:      v.GetBool(KeyAllowAnyIssuer),
		KeyTTL:              v.GetDuration(KeyKeyTTL),
		RefreshOnUnknownKID: v.GetBool(KeyRefreshOnUnknownKID),
		MinRefreshInterval:  v.GetDuration(KeyMinRefreshInterval),
		Leeway:              v.GetDuration(KeyLeeway),
		Realm:               v.GetString(KeyRealm),
		CacheType:           cache.Type(v.GetString(KeyCacheType)),
		CacheTTL:            v.GetDuration(KeyCacheTTL),
		RedisAddr:           v.GetString(KeyRedisAddr),
		RedisUsername:       v.GetString(KeyRedisUsername),
		RedisPassword:       v.GetString(KeyRedisPassword),
		RedisDB:             v.GetInt(KeyRedisDB),
		RedisKeyPrefix:      v.GetString(KeyRedisKeyPrefix),
		PopulatorWorkers:    v.GetInt(KeyPopulatorWorkers),
		PopulatorQueueSize:  v.GetInt(KeyPopulatorQueueSize),
		ListenAddress:       v.GetString(KeyListenAddress),
		CABundle:            v.GetString(KeyCABundle),
		AllowPrivateIPs:     v.GetBool(KeyAllowPrivateIPs),
		GraphURL:            v.GetString(KeyGraphURL),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid or missing setting at once.
func (c *Config) Validate() error {
	var errs []error
	required := func(value, key string) {
		if value == "" {
			name := "--" + key
			if env, ok := legacyEnv[key]; ok {
				name += " (" + env + ")"
			}
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}

	required(c.Audience, KeyAudience)
	required(c.ClientID, KeyClientID)
	required(c.ClientSecret, KeyClientSecret)

	if err := validateURL(c.Authority); err != nil {
		errs = append(errs, fmt.Errorf("--%s: %w", KeyAuthority, err))
	}
	if err := validateURL(c.GraphURL); err != nil {
		errs = append(errs, fmt.Errorf("--%s: %w", KeyGraphURL, err))
	}

	if len(c.TrustedIssuers) == 0 && !c.AllowAnyIssuer {
		errs = append(errs, fmt.Errorf("--%s is required unless --%s is set", KeyTrustedIssuers, KeyAllowAnyIssuer))
	}
	if c.KeyTTL < 0 || c.MinRefreshInterval < 0 || c.Leeway < 0 {
		errs = append(errs, errors.New("durations cannot be negative"))
	}

	switch c.CacheType {
	case cache.TypeMemory:
	case cache.TypeRedis:
		required(c.RedisAddr, KeyRedisAddr)
	default:
		errs = append(errs, fmt.Errorf("--%s must be %q or %q, got %q", KeyCacheType, cache.TypeMemory, cache.TypeRedis, c.CacheType))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("--%s must be positive", KeyCacheTTL))
	}

	if c.CABundle != "" {
		if _, err := os.Stat(filepath.Clean(c.CABundle)); err != nil {
			errs = append(errs, fmt.Errorf("--%s: file not found or not accessible: %w", KeyCABundle, err))
		}
	}
	return errors.Join(errs...)
}

// RefreshPolicy returns the key refresh policy described by c.
func (c *Config) RefreshPolicy() jwks.RefreshPolicy {
	return jwks.RefreshPolicy{
		TTL:                 c.KeyTTL,
		RefreshOnUnknownKID: c.RefreshOnUnknownKID,
		MinRefreshInterval:  c.MinRefreshInterval,
	}
}

// CacheConfig returns the exchange cache backend configuration.
func (c *Config) CacheConfig() cache.Config {
	return cache.Config{
		Type: c.CacheType,
		Redis: cache.RedisConfig{
			Addr:      c.RedisAddr,
			Username:  c.RedisUsername,
			Password:  c.RedisPassword,
			DB:        c.RedisDB,
			KeyPrefix: c.RedisKeyPrefix,
		},
	}
}

// PopulatorConfig returns the cache writer pool configuration.
func (c *Config) PopulatorConfig() cache.PopulatorConfig {
	return cache.PopulatorConfig{
		Workers:   c.PopulatorWorkers,
		QueueSize: c.PopulatorQueueSize,
	}
}

// OBOConfig returns the On-Behalf-Of exchange configuration.
func (c *Config) OBOConfig() obo.Config {
	return obo.Config{
		Authority:    c.Authority,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Scope:        c.Scope,
		CacheTTL:     c.CacheTTL,
	}
}

func validateURL(raw string) error {
	if !networking.IsURL(raw) {
		return fmt.Errorf("invalid URL: %q", raw)
	}
	if !strings.HasPrefix(raw, "https://") {
		return errors.New("URL must start with https://")
	}
	return nil
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth validates inbound bearer tokens against issuer signing keys
// and exposes the verified claims to HTTP handlers.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/edgeauth/pkg/auth/jwks"
	"github.com/stacklok/edgeauth/pkg/logger"
	"github.com/stacklok/edgeauth/pkg/metrics"
)

// ErrMissingAudience is returned when a validator is configured without an audience
var ErrMissingAudience = errors.New("audience must be configured")

// Outcome classifies the result of validating a token.
type Outcome int

// Validation outcomes. Only OutcomeVerified carries claims.
const (
	OutcomeNoToken Outcome = iota
	OutcomeMalformed
	OutcomeUntrustedIssuer
	OutcomeKeyUnavailable
	OutcomeInvalidSignature
	OutcomeInvalidAudience
	OutcomeExpired
	OutcomeVerified
)

var outcomeNames = map[Outcome]string{
	OutcomeNoToken:          "no_token",
	OutcomeMalformed:        "malformed",
	OutcomeUntrustedIssuer:  "untrusted_issuer",
	OutcomeKeyUnavailable:   "key_unavailable",
	OutcomeInvalidSignature: "invalid_signature",
	OutcomeInvalidAudience:  "invalid_audience",
	OutcomeExpired:          "expired",
	OutcomeVerified:         "verified",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is the detailed result of Inspect. Err is set for
// OutcomeKeyUnavailable and carries the key resolution failure; for other
// rejections it holds the reason for logging.
type Result struct {
	Outcome Outcome
	Claims  *Claims
	Err     error
}

// KeyResolver supplies verification keys. *jwks.TrustStore implements it.
type KeyResolver interface {
	Trusts(issuer string) bool
	ResolveKey(ctx context.Context, issuer, kid string) (*jwks.SigningKey, error)
}

// TokenValidatorConfig contains configuration for the token validator.
type TokenValidatorConfig struct {
	// Audience is the value the aud claim must contain
	Audience string

	// Leeway is the clock skew tolerated for exp and nbf
	Leeway time.Duration

	// Realm is reported in WWW-Authenticate challenges
	Realm string
}

// TokenValidator verifies RS256 bearer tokens.
type TokenValidator struct {
	keys     KeyResolver
	audience string
	leeway   time.Duration
	realm    string
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// ValidatorOption configures a TokenValidator.
type ValidatorOption func(*TokenValidator)

// WithValidatorClock overrides the time source used for exp and nbf checks.
func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *TokenValidator) {
		v.now = now
	}
}

// WithValidatorMetrics records validation outcomes on m.
func WithValidatorMetrics(m *metrics.Metrics) ValidatorOption {
	return func(v *TokenValidator) {
		v.metrics = m
	}
}

// NewTokenValidator creates a validator that resolves keys through keys.
func NewTokenValidator(keys KeyResolver, config TokenValidatorConfig, opts ...ValidatorOption) (*TokenValidator, error) {
	if keys == nil {
		return nil, errors.New("key resolver is required")
	}
	if config.Audience == "" {
		return nil, ErrMissingAudience
	}
	v := &TokenValidator{
		keys:     keys,
		audience: config.Audience,
		leeway:   config.Leeway,
		realm:    config.Realm,
		now:      time.Now,
		logger:   logger.Component("auth"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate reports whether token is a valid bearer token for the configured
// audience. Token-level failures return (false, nil, nil); failures to
// obtain a verification key are returned as errors.
func (v *TokenValidator) Validate(ctx context.Context, token string) (bool, *Claims, error) {
	result := v.Inspect(ctx, token)
	switch result.Outcome {
	case OutcomeVerified:
		return true, result.Claims, nil
	case OutcomeKeyUnavailable:
		return false, nil, result.Err
	default:
		return false, nil, nil
	}
}

// Inspect validates token and reports the detailed outcome.
func (v *TokenValidator) Inspect(ctx context.Context, token string) Result {
	result := v.inspect(ctx, token)
	v.metrics.ObserveValidation(result.Outcome.String())
	if result.Outcome != OutcomeVerified && result.Outcome != OutcomeNoToken {
		v.logger.Debug("token rejected",
			"outcome", result.Outcome.String(), "token", logger.Redact(token), "reason", result.Err)
	}
	return result
}

func (v *TokenValidator) inspect(ctx context.Context, token string) Result {
	if token == "" {
		return Result{Outcome: OutcomeNoToken}
	}

	decoded, err := Decode(token)
	if err != nil {
		return Result{Outcome: OutcomeMalformed, Err: err}
	}
	if !v.keys.Trusts(decoded.Issuer) {
		return Result{Outcome: OutcomeUntrustedIssuer, Err: fmt.Errorf("%w: %q", jwks.ErrUntrustedIssuer, decoded.Issuer)}
	}
	if decoded.Algorithm != jwks.SigningAlgorithm {
		return Result{Outcome: OutcomeInvalidSignature, Err: fmt.Errorf("unexpected signing method: %q", decoded.Algorithm)}
	}

	key, err := v.keys.ResolveKey(ctx, decoded.Issuer, decoded.KeyID)
	if err != nil {
		return Result{Outcome: OutcomeKeyUnavailable, Err: err}
	}
	if key.Algorithm != decoded.Algorithm {
		return Result{Outcome: OutcomeInvalidSignature, Err: fmt.Errorf("key algorithm %s does not match token", key.Algorithm)}
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwks.SigningAlgorithm}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	parsed, err := parser.Parse(token, func(*jwt.Token) (any, error) {
		return key.PublicKey, nil
	})
	if err != nil {
		return Result{Outcome: classify(err, decoded.Claims), Err: err}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return Result{Outcome: OutcomeInvalidSignature, Err: errors.New("token is not valid")}
	}
	return Result{Outcome: OutcomeVerified, Claims: newClaims(claims)}
}

// classify maps golang-jwt validation errors onto outcomes. Signature
// problems are checked first since the parser verifies before validating claims.
func classify(err error, claims jwt.MapClaims) Outcome {
	if errors.Is(err, jwt.ErrTokenRequiredClaimMissing) {
		// exp and aud are the only required claims
		if _, hasExp := claims["exp"]; hasExp {
			return OutcomeInvalidAudience
		}
		return OutcomeExpired
	}
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return OutcomeMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return OutcomeInvalidSignature
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return OutcomeInvalidAudience
	case errors.Is(err, jwt.ErrTokenExpired),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return OutcomeExpired
	default:
		return OutcomeInvalidSignature
	}
}

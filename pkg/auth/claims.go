// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TenantClaim is the claim carrying the caller's directory tenant.
const TenantClaim = "tid"

// Claims are the verified claims of a bearer token. Raw holds the complete
// payload exactly as it was signed.
type Claims struct {
	Issuer    string
	Subject   string
	TenantID  string
	Audience  []string
	ExpiresAt time.Time
	Raw       jwt.MapClaims
}

func newClaims(raw jwt.MapClaims) *Claims {
	c := &Claims{Raw: raw}
	c.Issuer, _ = raw.GetIssuer()
	c.Subject, _ = raw.GetSubject()
	c.TenantID, _ = raw[TenantClaim].(string)
	if aud, err := raw.GetAudience(); err == nil {
		c.Audience = aud
	}
	if exp, err := raw.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	return c
}

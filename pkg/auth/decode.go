// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformedToken is returned by Decode for anything that is not a
// three-segment JWS with JSON header and payload.
var ErrMalformedToken = errors.New("malformed token")

// DecodedToken is a parsed but unverified JWT.
type DecodedToken struct {
	Algorithm    string
	KeyID        string
	Issuer       string
	Claims       jwt.MapClaims
	Signature    []byte
	SigningInput string
}

// Decode splits and decodes token without verifying its signature. It never
// panics on hostile input.
func Decode(token string) (*DecodedToken, error) {
	if strings.Count(token, ".") != 2 {
		return nil, fmt.Errorf("%w: expected three segments", ErrMalformedToken)
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	parsed, parts, err := parser.ParseUnverified(token, claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
	signature, err := parser.DecodeSegment(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %w", ErrMalformedToken, err)
	}

	alg, _ := parsed.Header["alg"].(string)
	kid, _ := parsed.Header["kid"].(string)
	issuer, err := claims.GetIssuer()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}

	return &DecodedToken{
		Algorithm:    alg,
		KeyID:        kid,
		Issuer:       issuer,
		Claims:       claims,
		Signature:    signature,
		SigningInput: parts[0] + "." + parts[1],
	}, nil
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package obo

import (
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// TokenResponse is the token endpoint's answer to an On-Behalf-Of request.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token,omitempty"`

	// Raw is the response body as received.
	Raw json.RawMessage `json:"-"`
}

// String implements fmt.Stringer for TokenResponse, redacting sensitive tokens.
func (r TokenResponse) String() string {
	accessToken := redactedPlaceholder
	if r.AccessToken == "" {
		accessToken = emptyPlaceholder
	}

	refreshToken := redactedPlaceholder
	if r.RefreshToken == "" {
		refreshToken = emptyPlaceholder
	}

	return fmt.Sprintf("TokenResponse{AccessToken: %s, TokenType: %s, ExpiresIn: %d, RefreshToken: %s}",
		accessToken, r.TokenType, r.ExpiresIn, refreshToken)
}

// OAuth2Token converts the response to an oauth2.Token. issuedAt anchors
// the expiry; cached responses should pass the time they were stored.
func (r *TokenResponse) OAuth2Token(issuedAt time.Time) *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    r.TokenType,
		RefreshToken: r.RefreshToken,
	}
	if r.ExpiresIn > 0 {
		token.Expiry = issuedAt.Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	return token
}

func parseTokenResponse(body []byte) (*TokenResponse, error) {
	var resp TokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, ErrMissingAccessToken
	}
	resp.Raw = append(json.RawMessage(nil), body...)
	return &resp, nil
}

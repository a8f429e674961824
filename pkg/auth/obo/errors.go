// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package obo

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrMissingAccessToken is returned when a successful response carries no access_token.
var ErrMissingAccessToken = errors.New("token response has no access_token")

// ExchangeError is returned when the token endpoint answers with a non-2xx
// status. OAuthError and Description are set when the body is an OAuth 2.0
// error response (RFC 6749 Section 5.2).
type ExchangeError struct {
	StatusCode  int
	StatusText  string
	OAuthError  string
	Description string
}

func (e *ExchangeError) Error() string {
	if e.OAuthError != "" {
		return fmt.Sprintf("unable to obtain OBO token: %d: %s: OAuth error %q", e.StatusCode, e.StatusText, e.OAuthError)
	}
	return fmt.Sprintf("unable to obtain OBO token: %d: %s", e.StatusCode, e.StatusText)
}

// oAuthError represents an OAuth 2.0 error response body.
type oAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// newExchangeError builds the error for a failed token endpoint response.
func newExchangeError(resp *http.Response, body []byte) error {
	exchangeErr := &ExchangeError{
		StatusCode: resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
	}

	var oauthErr oAuthError
	if err := json.Unmarshal(body, &oauthErr); err == nil && oauthErr.Error != "" {
		exchangeErr.OAuthError = oauthErr.Error
		exchangeErr.Description = oauthErr.ErrorDescription
	}
	return exchangeErr
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package graph calls the Microsoft Graph API with delegated tokens.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/stacklok/edgeauth/pkg/networking"
)

// DefaultBaseURL is the Microsoft Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// Client is a minimal Microsoft Graph client.
type Client struct {
	baseURL string
	base    http.RoundTripper
}

// NewClient creates a client for baseURL. transport carries the requests;
// nil uses http.DefaultTransport.
func NewClient(baseURL string, transport http.RoundTripper) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		base:    transport,
	}
}

// Me returns the profile of the user the delegated token was issued for.
// Non-2xx responses are returned as *networking.HTTPError carrying the
// upstream status.
func (c *Client) Me(ctx context.Context, token *oauth2.Token) (json.RawMessage, error) {
	if token == nil || token.AccessToken == "" {
		return nil, errors.New("access token is required")
	}

	client := &http.Client{
		Timeout: networking.HttpTimeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(token),
			Base:   c.base,
		},
	}

	result, err := networking.FetchJSON[json.RawMessage](ctx, client, c.baseURL+"/me")
	if err != nil {
		if networking.IsHTTPError(err, 0) {
			return nil, err
		}
		return nil, fmt.Errorf("graph request failed: %w", err)
	}
	return result.Data, nil
}

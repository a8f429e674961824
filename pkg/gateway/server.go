// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the HTTP shell of edgeauth. It authenticates every
// request with a bearer token, exchanges it for a delegated Microsoft Graph
// token on /graph/me and echoes the verified claims everywhere else.
package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/oauth2"

	"github.com/stacklok/edgeauth/pkg/auth"
	"github.com/stacklok/edgeauth/pkg/auth/obo"
	"github.com/stacklok/edgeauth/pkg/errors"
	"github.com/stacklok/edgeauth/pkg/logger"
	"github.com/stacklok/edgeauth/pkg/metrics"
	"github.com/stacklok/edgeauth/pkg/networking"
)

// Not sure if these values need to be configurable.
const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// TokenExchanger obtains delegated tokens. *obo.Exchanger implements it.
type TokenExchanger interface {
	Exchange(ctx context.Context, tenant, assertion string) (*obo.TokenResponse, error)
}

// ProfileFetcher reads the signed-in user's profile. *graph.Client implements it.
type ProfileFetcher interface {
	Me(ctx context.Context, token *oauth2.Token) (json.RawMessage, error)
}

// Server routes authenticated requests.
type Server struct {
	validator *auth.TokenValidator
	exchanger TokenExchanger
	graph     ProfileFetcher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewServer creates the gateway. m may be nil.
func NewServer(validator *auth.TokenValidator, exchanger TokenExchanger, graph ProfileFetcher, m *metrics.Metrics) *Server {
	return &Server{
		validator: validator,
		exchanger: exchanger,
		graph:     graph,
		metrics:   m,
		logger:    logger.Component("gateway"),
	}
}

// Router returns the gateway's HTTP handler. /healthz and /metrics are
// served without authentication.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		requestID,
		s.instrument,
		middleware.Recoverer,
		middleware.Timeout(middlewareTimeout),
	)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.validator.Middleware)
		r.HandleFunc("/graph/me", s.ErrorHandler(s.graphMe))
		r.HandleFunc("/*", s.ErrorHandler(s.echoClaims))
	})
	return r
}

func (*Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

type claimsResponse struct {
	Claims        map[string]any  `json:"claims"`
	GraphResponse json.RawMessage `json:"graphResponse,omitempty"`
}

// verifiedTenant returns the claims and tenant of an authenticated request.
func verifiedTenant(r *http.Request) (*auth.Claims, string, error) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		return nil, "", errors.NewUnauthenticatedError("no verified claims on request", nil)
	}
	if claims.TenantID == "" {
		return nil, "", errors.NewForbiddenError("Unable to obtain tenant from token", nil)
	}
	return claims, claims.TenantID, nil
}

func (*Server) echoClaims(w http.ResponseWriter, r *http.Request) error {
	claims, _, err := verifiedTenant(r)
	if err != nil {
		return err
	}
	return writeJSON(w, claimsResponse{Claims: claims.Raw})
}

func (s *Server) graphMe(w http.ResponseWriter, r *http.Request) error {
	claims, tenant, err := verifiedTenant(r)
	if err != nil {
		return err
	}
	assertion, _ := auth.BearerToken(r)

	delegated, err := s.exchanger.Exchange(r.Context(), tenant, assertion)
	if err != nil {
		return errors.NewUpstreamError("unable to obtain delegated token", err)
	}

	profile, err := s.graph.Me(r.Context(), delegated.OAuth2Token(time.Now()))
	if err != nil {
		var httpErr *networking.HTTPError
		if stderrors.As(err, &httpErr) {
			// forward the downstream status, not its body
			s.logger.Warn("graph request rejected",
				"request_id", RequestIDFromContext(r.Context()), "status", httpErr.StatusCode)
			http.Error(w, http.StatusText(httpErr.StatusCode), httpErr.StatusCode)
			return nil
		}
		return errors.NewUpstreamError("graph request failed", err)
	}

	return writeJSON(w, claimsResponse{Claims: claims.Raw, GraphResponse: profile})
}

func writeJSON(w http.ResponseWriter, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.NewInternalError("failed to encode response", err)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write(data)
	return nil
}

// Serve listens on address until ctx is cancelled, then shuts down
// gracefully. It is assumed that the caller sets up signal handling.
func (s *Server) Serve(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return s.serve(ctx, listener)
}

func (s *Server) serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	s.logger.Info("gateway listening", "address", listener.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped with error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("gateway stopped")
	return nil
}

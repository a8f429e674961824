// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	stderrors "errors"
	"net/http"

	"github.com/stacklok/edgeauth/pkg/errors"
)

// HandlerWithError is an HTTP handler that can return an error.
// This signature allows handlers to return errors instead of manually
// writing error responses, enabling centralized error handling.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// ErrorHandler wraps a HandlerWithError and converts returned errors
// into appropriate HTTP responses.
//
// The decorator:
//   - Returns early if no error is returned (handler already wrote response)
//   - Extracts HTTP status code from the error using errors.Code()
//   - For 5xx errors: logs full error details, returns the status text
//   - For 4xx errors: returns the error's Message, never its cause
func (s *Server) ErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			// No error returned, handler already wrote the response
			return
		}

		code := errors.Code(err)
		if code >= http.StatusInternalServerError {
			s.logger.Error("request failed",
				"request_id", RequestIDFromContext(r.Context()), "status", code, "error", err)
			http.Error(w, http.StatusText(code), code)
			return
		}

		s.logger.Debug("request rejected",
			"request_id", RequestIDFromContext(r.Context()), "status", code, "error", err)
		message := http.StatusText(code)
		var typed *errors.Error
		if stderrors.As(err, &typed) && typed.Message != "" {
			message = typed.Message
		}
		http.Error(w, message, code)
	}
}

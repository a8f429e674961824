// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwks

import (
	"errors"
	"fmt"
)

var (
	// ErrUntrustedIssuer is returned when an issuer does not match the configured allow-list
	ErrUntrustedIssuer = errors.New("issuer is not trusted")

	// ErrUnsupportedKeyType is returned for key records that are not RSA
	ErrUnsupportedKeyType = errors.New("unsupported key type")

	// ErrMissingModulus is returned for RSA key records without a modulus
	ErrMissingModulus = errors.New("key record has no modulus")
)

// KeyNotFoundError is returned when no key with the requested id is known
// for an issuer, even after fetching its key set.
type KeyNotFoundError struct {
	Issuer string
	KeyID  string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("key %q not found for issuer %s", e.KeyID, e.Issuer)
}

// IsKeyNotFound reports whether err is or wraps a *KeyNotFoundError.
func IsKeyNotFound(err error) bool {
	var target *KeyNotFoundError
	return errors.As(err, &target)
}

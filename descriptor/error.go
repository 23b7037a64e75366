// Copyright (c) 2024 The rob-script developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific Error.
const (
	// ErrInvalidKey indicates a key expression is neither a compressed
	// public key nor an extended public key.
	ErrInvalidKey ErrorCode = iota

	// ErrInvalidOrigin indicates the [fingerprint/path] origin of a key
	// is malformed.
	ErrInvalidOrigin

	// ErrInvalidPath indicates a derivation step after an extended key is
	// malformed, hardened, or a wildcard that is not the last step.
	ErrInvalidPath

	// ErrNetworkMismatch indicates an extended key belongs to a different
	// network than the descriptor.
	ErrNetworkMismatch

	// ErrDerivation indicates a child key could not be derived.
	ErrDerivation

	// ErrInvalidCharacter indicates a descriptor contains a character
	// outside of the checksum input set.
	ErrInvalidCharacter

	// ErrBadChecksum indicates a descriptor checksum is missing, has the
	// wrong length, or does not match.
	ErrBadChecksum
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrInvalidKey:       "ErrInvalidKey",
	ErrInvalidOrigin:    "ErrInvalidOrigin",
	ErrInvalidPath:      "ErrInvalidPath",
	ErrNetworkMismatch:  "ErrNetworkMismatch",
	ErrDerivation:       "ErrDerivation",
	ErrInvalidCharacter: "ErrInvalidCharacter",
	ErrBadChecksum:      "ErrBadChecksum",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error identifies a key expression or descriptor that could not be used. The
// caller can use type assertions to access the ErrorCode field to ascertain
// the specific reason for the failure.
type Error struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	return e.Description
}

// Is reports whether target is an Error with the same ErrorCode.
func (e Error) Is(target error) bool {
	t, ok := target.(Error)
	return ok && t.ErrorCode == e.ErrorCode
}

// descError creates an Error given a set of arguments.
func descError(c ErrorCode, desc string) Error {
	return Error{ErrorCode: c, Description: desc}
}

// Copyright (c) 2024 The rob-script developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package template

import (
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific Error.
const (
	// ErrMissingField indicates a required field of the input record, or
	// the value of a referenced placeholder, is absent.
	ErrMissingField ErrorCode = iota

	// ErrMalformedInput indicates the input record could not be decoded.
	ErrMalformedInput

	// ErrReadInput indicates the input file could not be read.
	ErrReadInput

	// ErrUnresolvedPlaceholder indicates a $NAME placeholder is still
	// present after resolution.
	ErrUnresolvedPlaceholder
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrMissingField:          "ErrMissingField",
	ErrMalformedInput:        "ErrMalformedInput",
	ErrReadInput:             "ErrReadInput",
	ErrUnresolvedPlaceholder: "ErrUnresolvedPlaceholder",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error identifies a problem with the input record or a policy template. The
// caller can use type assertions to determine if a failure was specifically
// due to a template problem and access the ErrorCode field to ascertain the
// specific reason.
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

// templateError creates an Error given a set of arguments.
func templateError(c ErrorCode, desc string) Error {
	return Error{ErrorCode: c, Description: desc}
}

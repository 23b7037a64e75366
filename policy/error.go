// Copyright (c) 2024 The rob-script developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package policy

import (
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific Error.
const (
	// ErrSyntax indicates the policy text does not follow the policy
	// grammar.
	ErrSyntax ErrorCode = iota

	// ErrNestingTooDeep indicates the policy nests fragments deeper than
	// MaxNestingDepth.
	ErrNestingTooDeep

	// ErrInvalidArgument indicates a timelock, threshold, weight or hash
	// argument is out of range or malformed.
	ErrInvalidArgument

	// ErrUnresolvedPlaceholder indicates a $NAME placeholder was left in
	// the policy text.
	ErrUnresolvedPlaceholder

	// ErrDuplicateKey indicates the same key is used more than once.
	ErrDuplicateKey

	// ErrNoCompilation indicates no non-malleable miniscript exists for
	// the policy.
	ErrNoCompilation

	// ErrResourceLimits indicates every compilation of the policy exceeds
	// the standard script size or the consensus op limit.
	ErrResourceLimits
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrSyntax:                "ErrSyntax",
	ErrNestingTooDeep:        "ErrNestingTooDeep",
	ErrInvalidArgument:       "ErrInvalidArgument",
	ErrUnresolvedPlaceholder: "ErrUnresolvedPlaceholder",
	ErrDuplicateKey:          "ErrDuplicateKey",
	ErrNoCompilation:         "ErrNoCompilation",
	ErrResourceLimits:        "ErrResourceLimits",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error identifies a policy that could not be parsed or compiled. Parse
// errors carry the byte offset into the policy text. The caller can use type
// assertions to access the ErrorCode field to ascertain the specific reason
// for the failure.
type Error struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Offset      int       // Byte offset of a parse error, -1 otherwise
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("%s at offset %d", e.Description, e.Offset)
	}
	return e.Description
}

// Is reports whether target is an Error with the same ErrorCode.
func (e Error) Is(target error) bool {
	t, ok := target.(Error)
	return ok && t.ErrorCode == e.ErrorCode
}

// policyError creates an Error given a set of arguments.
func policyError(c ErrorCode, desc string) Error {
	return Error{ErrorCode: c, Description: desc, Offset: -1}
}

// syntaxError creates an Error that points at a position of the policy text.
func syntaxError(c ErrorCode, offset int, desc string) Error {
	return Error{ErrorCode: c, Description: desc, Offset: offset}
}

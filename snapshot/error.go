// Copyright (c) 2024 The rob-script developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package snapshot

import (
	"errors"
	"fmt"

	"github.com/vnprc/rob-script/template"
)

// ErrorKind identifies the class of failure that aborted a run.
type ErrorKind int

// These constants are used to identify a specific Error.
const (
	// ErrInput indicates the input record is missing, unreadable, or
	// lacks a required field.
	ErrInput ErrorKind = iota

	// ErrTemplate indicates a policy template could not be resolved.
	ErrTemplate

	// ErrCompilation indicates a policy is not expressible as a valid
	// condition tree or uses malformed key material.
	ErrCompilation

	// ErrNetwork indicates the ledger could not be reached or rejected a
	// request.
	ErrNetwork

	// ErrSerialization indicates the snapshot could not be encoded or
	// written.
	ErrSerialization
)

// Map of ErrorKind values back to their constant names for pretty printing.
var errorKindStrings = map[ErrorKind]string{
	ErrInput:         "ErrInput",
	ErrTemplate:      "ErrTemplate",
	ErrCompilation:   "ErrCompilation",
	ErrNetwork:       "ErrNetwork",
	ErrSerialization: "ErrSerialization",
}

// String returns the ErrorKind as a human-readable name.
func (e ErrorKind) String() string {
	if s := errorKindStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorKind (%d)", int(e))
}

// Error is the failure of one stage of a run. Stage names the step that
// failed and Err holds the cause reported by that step.
type Error struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

// Unwrap returns the cause.
func (e Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an Error of the same kind.
func (e Error) Is(target error) bool {
	t, ok := target.(Error)
	return ok && t.Kind == e.Kind
}

func stageError(kind ErrorKind, stage string, err error) Error {
	return Error{Kind: kind, Stage: stage, Err: err}
}

// inputError classifies a failure of the input stage. A leftover
// placeholder is a template failure, anything else an input failure.
func inputError(stage string, err error) Error {
	if errors.Is(err, template.Error{
		ErrorCode: template.ErrUnresolvedPlaceholder,
	}) {
		return stageError(ErrTemplate, stage, err)
	}
	return stageError(ErrInput, stage, err)
}

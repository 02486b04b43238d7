// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

package steps

import (
	"errors"
	"fmt"
)

// Sentinel errors for the steps package.
var (
	// ErrNotFound indicates a step's terminal success condition was never
	// met: no files located, no patches survived, no solution chosen.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates a sampled tool call violates a step's
	// contract, e.g. more than one target path or missing todo text.
	ErrValidation = errors.New("validation failed")
)

// ParseError indicates tool output was not valid structured data, or a
// message had an unexpected shape. Raw retains the offending payload for
// post-hoc inspection.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("content is not decodable:\n%s\nerror: %v", e.Raw, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

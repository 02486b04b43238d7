// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

package sandbox

import "fmt"

// ExternalError indicates a diff-apply, revert, git, or lint invocation
// failed unexpectedly. It means the working tree or a collaborator is in
// an unknown state, so callers must not continue the current batch.
type ExternalError struct {
	Op  string
	Err error
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("sandbox %s: %v", e.Op, e.Err)
}

func (e *ExternalError) Unwrap() error {
	return e.Err
}

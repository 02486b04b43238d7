// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

package chat

import "fmt"

// TransportError indicates the sidecar endpoint was unreachable or
// answered with a non-success status. The primitive never retries;
// retry policy belongs to the caller.
type TransportError struct {
	// URL is the endpoint that failed.
	URL string

	// StatusCode is the HTTP status, or 0 when the request never got a
	// response.
	StatusCode int

	// Body is a truncated copy of the response body, when there was one.
	Body string

	// Err is the underlying error, when the failure was below HTTP.
	Err error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chat: request to %s failed: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("chat: %s returned status %d: %s", e.URL, e.StatusCode, e.Body)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

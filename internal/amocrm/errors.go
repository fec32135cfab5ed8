// Package amocrm is a stateful façade over the amoCRM v4 object API
// (contacts, leads, links, notes). It owns access-token acquisition, the
// OAuth refresh protocol, and the single retry-on-401 policy. This file
// centralizes the error values and types exposed by the client.
package amocrm

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAccessToken indicates a configuration problem: no token in the
	// credential store and no static fallback. Operations failing with this
	// error cannot succeed on retry without a configuration change.
	ErrNoAccessToken = errors.New("amocrm: no access token in store or config")

	// ErrNoRefreshToken indicates that a refresh was required but no refresh
	// token exists in the store or config.
	ErrNoRefreshToken = errors.New("amocrm: no refresh token in store or config")

	// ErrUnauthorized is the fatal authorization failure: the CRM returned
	// 401 and either refresh is not configured or the replay after a
	// successful refresh was rejected again.
	ErrUnauthorized = errors.New("amocrm: unauthorized")
)

// APIError is a non-2xx, non-401 response from the CRM, carrying the status
// and body for diagnostics. These are surfaced immediately and never retried
// by the client.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("amocrm: %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

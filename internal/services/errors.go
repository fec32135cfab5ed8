// Package services defines the business logic of the bridge: webhook
// reconciliation and the admin ledger queries. This file centralizes common
// service-level error values so that they can be consistently returned by
// service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and translation
// into user-facing messages or HTTP status codes should be performed at the
// handler/controller layer.
package services

import "errors"

var (
	// ErrMalformedEvent is returned when a webhook delivery lacks the response
	// token or form id. Such events are rejected before any side effect and
	// leave no ledger trace.
	ErrMalformedEvent = errors.New("malformed event: missing response token or form id")

	// ErrSubmissionNotFound indicates that the requested ledger record does
	// not exist.
	ErrSubmissionNotFound = errors.New("submission not found")
)

package models

import "errors"

// Failure taxonomy shared by every audit component. Each failure is isolated
// to the event that caused it.
var (
	// ErrDecodeFailure marks an inbound payload that could not be decoded.
	// The message is dropped and never retried.
	ErrDecodeFailure = errors.New("decode failure")

	// ErrStoreUnavailable marks a failed persistence call. The router does
	// not retry; recovery belongs to transport redelivery.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrIOFailure marks a failed file mirror append. It is logged and
	// swallowed by the router.
	ErrIOFailure = errors.New("io failure")

	// ErrMalformedNotificationBody marks a notify event whose body lacks the
	// notification keys or carries them with the wrong type.
	ErrMalformedNotificationBody = errors.New("malformed notification body")

	// ErrNotFound is returned by lookups of unknown events.
	ErrNotFound = errors.New("event not found")
)

// Package services defines the business logic for cross-platform identity
// binding and single-asset relay. This file centralizes the service-level
// error values so that service methods return them consistently and callers
// can branch with errors.Is.
//
// Translation into user-facing text or HTTP status codes happens at the
// transport layer; binding operations additionally return a ready-made human
// message next to the sentinel.
package services

import "errors"

// Binding errors. All of them are user-recoverable.
var (
	// ErrInvalidCode is returned when a pairing code does not exist.
	ErrInvalidCode = errors.New("invalid pairing code")

	// ErrCodeAlreadyUsed is returned when a pairing code was consumed before.
	ErrCodeAlreadyUsed = errors.New("pairing code already used")

	// ErrCodeExpired is returned when a pairing code is past its expiry.
	ErrCodeExpired = errors.New("pairing code expired")

	// ErrInvalidWebhookURL is returned when a webhook URL fails validation
	// (scheme, host allow-list or hook path).
	ErrInvalidWebhookURL = errors.New("invalid webhook url")

	// ErrInvalidAccount is returned when platform or account id is blank.
	ErrInvalidAccount = errors.New("platform and account id are required")
)

// ErrCodeGeneration is returned when every attempt to mint a unique pairing
// code collided. It is an internal error.
var ErrCodeGeneration = errors.New("could not generate a unique pairing code")

// Relay errors.
var (
	// ErrUnboundAccount is returned in strict mode when the source account has
	// no delivery target.
	ErrUnboundAccount = errors.New("account is not bound to a delivery target")

	// ErrUnsupportedMedia is returned by normalizers that cannot convert an
	// asset.
	ErrUnsupportedMedia = errors.New("unsupported media")

	// ErrDeliveryFailed wraps any error reported by the sender.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// IsUserError reports whether err is a user-recoverable service error.
func IsUserError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidCode),
		errors.Is(err, ErrCodeAlreadyUsed),
		errors.Is(err, ErrCodeExpired),
		errors.Is(err, ErrInvalidWebhookURL),
		errors.Is(err, ErrInvalidAccount),
		errors.Is(err, ErrUnboundAccount):
		return true
	}
	return false
}

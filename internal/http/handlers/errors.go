// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable; clients branch on them rather
// than on messages. Generic codes mirror HTTP status semantics, domain codes
// name a specific binding, relay or batch failure.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "code_expired",
//	  "message": "Bind failed: this code has expired."
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/tbourn/stickerhub/internal/batch"
	"github.com/tbourn/stickerhub/internal/services"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeTooLarge         = "payload_too_large"
	ErrCodeUnavailable      = "service_unavailable"

	// Binding.
	ErrCodeInvalidCode    = "invalid_code"
	ErrCodeCodeUsed       = "code_used"
	ErrCodeCodeExpired    = "code_expired"
	ErrCodeInvalidWebhook = "invalid_webhook_url"
	ErrCodeNoTarget       = "no_target"

	// Relay.
	ErrCodeUnbound          = "unbound_account"
	ErrCodeUnsupportedMedia = "unsupported_media"
	ErrCodeDeliveryFailed   = "delivery_failed"

	// Batch.
	ErrCodeInvalidMode     = "invalid_mode"
	ErrCodeModeUnavailable = "mode_unavailable"
	ErrCodeOfferNotFound   = "offer_not_found"
	ErrCodeTaskRunning     = "task_running"
	ErrCodeTaskNotFound    = "task_not_found"
)

// errorMapping pairs a sentinel with its HTTP status and code.
type errorMapping struct {
	err    error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{services.ErrInvalidAccount, http.StatusBadRequest, ErrCodeBadRequest},
	{services.ErrInvalidCode, http.StatusBadRequest, ErrCodeInvalidCode},
	{services.ErrCodeAlreadyUsed, http.StatusConflict, ErrCodeCodeUsed},
	{services.ErrCodeExpired, http.StatusGone, ErrCodeCodeExpired},
	{services.ErrInvalidWebhookURL, http.StatusBadRequest, ErrCodeInvalidWebhook},
	{services.ErrUnboundAccount, http.StatusConflict, ErrCodeUnbound},
	{services.ErrUnsupportedMedia, http.StatusUnsupportedMediaType, ErrCodeUnsupportedMedia},
	{services.ErrDeliveryFailed, http.StatusBadGateway, ErrCodeDeliveryFailed},

	{batch.ErrInvalidOffer, http.StatusBadRequest, ErrCodeBadRequest},
	{batch.ErrInvalidMode, http.StatusBadRequest, ErrCodeInvalidMode},
	{batch.ErrModeUnavailable, http.StatusUnprocessableEntity, ErrCodeModeUnavailable},
	{batch.ErrOfferNotFound, http.StatusNotFound, ErrCodeOfferNotFound},
	{batch.ErrOfferOwnerMismatch, http.StatusForbidden, ErrCodeForbidden},
	{batch.ErrTaskAlreadyRunning, http.StatusConflict, ErrCodeTaskRunning},
	{batch.ErrTaskNotFound, http.StatusNotFound, ErrCodeTaskNotFound},
	{batch.ErrTaskOwnerMismatch, http.StatusForbidden, ErrCodeForbidden},
	{batch.ErrEngineClosed, http.StatusServiceUnavailable, ErrCodeUnavailable},
}

// classify maps a service or engine error to its status and code. Unknown
// errors are internal.
func classify(err error) (status int, code string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, ErrCodeInternal
}

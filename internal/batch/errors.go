package batch

import "errors"

// Engine errors. All of them describe a rejected action; none is fatal.
var (
	// ErrOfferNotFound is returned when an offer token is unknown or expired.
	ErrOfferNotFound = errors.New("offer not found or expired")

	// ErrOfferOwnerMismatch is returned when someone other than the requester
	// tries to confirm an offer.
	ErrOfferOwnerMismatch = errors.New("offer belongs to another requester")

	// ErrTaskAlreadyRunning is returned when the requester already has a live
	// task.
	ErrTaskAlreadyRunning = errors.New("a batch task is already running for this requester")

	// ErrTaskNotFound is returned when a task id is unknown or already
	// finished.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskOwnerMismatch is returned when someone other than the requester
	// tries to cancel a task.
	ErrTaskOwnerMismatch = errors.New("task belongs to another requester")

	// ErrInvalidMode is returned for an unknown delivery mode.
	ErrInvalidMode = errors.New("invalid batch mode")

	// ErrModeUnavailable is returned when the engine lacks the collaborator
	// a mode needs.
	ErrModeUnavailable = errors.New("batch mode not available")

	// ErrInvalidOffer is returned when an offer lacks its requester or
	// collection.
	ErrInvalidOffer = errors.New("requester and collection are required")

	// ErrEngineClosed is returned after Shutdown.
	ErrEngineClosed = errors.New("batch engine is shut down")
)

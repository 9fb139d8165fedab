package entitlement

import "errors"

var (
	// ErrInvalidPlan is returned when a caller requests a plan outside
	// {monthly, yearly}. Never retried automatically.
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrMissingSession is returned when confirmation is attempted without a
	// gateway session id.
	ErrMissingSession = errors.New("missing payment session id")

	// ErrPaymentNotCompleted is returned when the gateway session exists but
	// has not been paid yet. Transient: the caller should re-check later.
	ErrPaymentNotCompleted = errors.New("payment not completed")

	// ErrSessionMetadata is returned when a gateway session carries plan
	// metadata outside {monthly, yearly}: the session was created outside
	// this flow or its metadata was tampered with.
	ErrSessionMetadata = errors.New("invalid plan in session metadata")
)

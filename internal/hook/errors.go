package hook

import "errors"

var (
	ErrDeliveryFailed       = errors.New("hook delivery failed")
	ErrPermanentFailure     = errors.New("permanent hook failure")
	ErrTemporaryFailure     = errors.New("temporary hook failure")
	ErrInvalidConfiguration = errors.New("invalid hook configuration")
	ErrInvalidSignature     = errors.New("invalid hook signature")
	ErrTimeout              = errors.New("hook request timeout")
	ErrDispatcherClosed     = errors.New("hook dispatcher closed")
)

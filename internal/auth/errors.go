package auth

import "errors"

var (
	ErrMissingToken   = errors.New("auth: missing bearer token")
	ErrInvalidToken   = errors.New("auth: invalid token")
	ErrMissingSubject = errors.New("auth: token has no subject")
	ErrMissingSecret  = errors.New("auth: missing signing secret")
)
